package snooper

import (
	"errors"
	"io"
	"testing"

	"github.com/sm2669/seplos-bms-mqtt/pkg/busdecoder"
	"github.com/sigurn/crc16"
)

// fakePort replays a script of read results. Once drained it keeps
// reporting the idle timeout and fires onDrained so the test can stop the
// listener.
type fakePort struct {
	script []readStep
	pos    int

	onDrained func()
	closed    bool
}

type readStep struct {
	data []byte
	err  error
}

func (f *fakePort) Read(p []byte) (int, error) {
	if f.pos >= len(f.script) {
		if f.onDrained != nil {
			f.onDrained()
		}
		return 0, io.EOF
	}
	step := f.script[f.pos]
	f.pos++
	if step.err != nil {
		return 0, step.err
	}
	return copy(p, step.data), nil
}

func (f *fakePort) Write(p []byte) (int, error) { return len(p), nil }

func (f *fakePort) Close() error {
	f.closed = true
	return nil
}

func testFrame(unit byte) []byte {
	frame := make([]byte, 3, 41)
	frame[0] = unit
	frame[1] = busdecoder.FuncReadInputRegisters
	frame[2] = 36
	frame = append(frame, make([]byte, 36)...)
	crc := crc16.Checksum(frame, crc16.MakeTable(crc16.CRC16_MODBUS))
	return append(frame, byte(crc>>8), byte(crc))
}

func TestListenDecodesBursts(t *testing.T) {
	var units []byte
	l := NewBusListener("fake", 19200,
		func(unitID byte, rec busdecoder.Record) { units = append(units, unitID) },
		nil)
	l.retryDelay = 0

	f1, f2 := testFrame(1), testFrame(2)
	port := &fakePort{
		script: []readStep{
			{data: f1},
			{data: f2[:20]},
			{data: f2[20:]},
			{err: io.EOF}, // idle gap flushes the burst
		},
		onDrained: func() { l.StopListening() },
	}
	l.serialPort = port

	l.listen(func(err error) { t.Errorf("unexpected listener error: %v", err) })

	if len(units) != 2 || units[0] != 1 || units[1] != 2 {
		t.Errorf("decoded units = %v, want [1 2]", units)
	}
	if !port.closed {
		t.Error("port not closed after stop")
	}
}

func TestListenIdleTimeoutIsNotAnError(t *testing.T) {
	var records int
	l := NewBusListener("fake", 19200,
		func(byte, busdecoder.Record) { records++ },
		nil)
	l.retryDelay = 0

	frame := testFrame(3)
	steps := []readStep{{err: io.EOF}, {err: io.EOF}, {err: io.EOF}}
	// A dozen idle timeouts must never count toward the error budget.
	for i := 0; i < 12; i++ {
		steps = append(steps, readStep{err: io.EOF})
	}
	steps = append(steps, readStep{data: frame}, readStep{err: io.EOF})

	port := &fakePort{script: steps, onDrained: func() { l.StopListening() }}
	l.serialPort = port

	l.listen(func(err error) { t.Errorf("unexpected listener error: %v", err) })

	if records != 1 {
		t.Errorf("decoded %d records, want 1", records)
	}
}

func TestListenGivesUpAfterRepeatedErrors(t *testing.T) {
	l := NewBusListener("fake", 19200, nil, nil)
	l.retryDelay = 0

	readErr := errors.New("device unplugged")
	steps := make([]readStep, 10)
	for i := range steps {
		steps[i] = readStep{err: readErr}
	}
	port := &fakePort{script: steps}
	l.serialPort = port

	var got error
	l.listen(func(err error) { got = err })

	if !errors.Is(got, readErr) {
		t.Errorf("listener error = %v, want %v", got, readErr)
	}
	if !port.closed {
		t.Error("port not closed after giving up")
	}
}
