package busdecoder

import (
	"bytes"
	"reflect"
	"testing"
)

// capture collects everything the decoder emits.
type capture struct {
	units []byte
	recs  []Record
	trash []TrashRun
}

func (c *capture) decoder() *Decoder {
	return New(
		func(unitID byte, rec Record) {
			c.units = append(c.units, unitID)
			c.recs = append(c.recs, rec)
		},
		func(run TrashRun) {
			c.trash = append(c.trash, run)
		},
	)
}

// buildFrame assembles a response frame with a valid checksum, trailing
// bytes high-first per the decoder's comparison convention.
func buildFrame(unit, functionCode byte, payload []byte) []byte {
	frame := append([]byte{unit, functionCode, byte(len(payload))}, payload...)
	crc := frameCRC(frame)
	return append(frame, byte(crc>>8), byte(crc))
}

func mainInfoPayload(words map[int]int) []byte {
	p := make([]byte, mainInfoBytes)
	for i, w := range words {
		p[2*i] = byte(w >> 8)
		p[2*i+1] = byte(w)
	}
	return p
}

func TestBackToBackFrames(t *testing.T) {
	var c capture
	d := c.decoder()

	f1 := buildFrame(1, FuncReadInputRegisters, mainInfoPayload(map[int]int{0: 2500}))
	f2 := buildFrame(2, FuncReadInputRegisters, mainInfoPayload(map[int]int{0: 2600}))

	d.Feed(append(append([]byte{}, f1...), f2...))
	d.Idle()

	if len(c.recs) != 2 {
		t.Fatalf("got %d records, want 2", len(c.recs))
	}
	if c.units[0] != 1 || c.units[1] != 2 {
		t.Errorf("unit order = %v, want [1 2]", c.units)
	}
	if len(c.trash) != 0 {
		t.Errorf("got %d trash runs, want 0", len(c.trash))
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after draining", d.Pending())
	}
}

func TestNoiseBeforeFrame(t *testing.T) {
	var c capture
	d := c.decoder()

	noise := []byte{0xAA, 0xBB, 0xCC}
	frame := buildFrame(1, FuncReadInputRegisters, mainInfoPayload(nil))

	d.Feed(append(append([]byte{}, noise...), frame...))
	d.Idle()

	if len(c.recs) != 1 {
		t.Fatalf("got %d records, want 1", len(c.recs))
	}
	if len(c.trash) != 1 {
		t.Fatalf("got %d trash runs, want 1", len(c.trash))
	}
	if !bytes.Equal(c.trash[0].Bytes, noise) {
		t.Errorf("trash = %x, want %x", c.trash[0].Bytes, noise)
	}
	if c.trash[0].StartOffset != 0 {
		t.Errorf("trash offset = %d, want 0", c.trash[0].StartOffset)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", d.Pending())
	}
}

func TestSingleBitCRCCorruption(t *testing.T) {
	var c capture
	d := c.decoder()

	corrupt := buildFrame(1, FuncReadInputRegisters, mainInfoPayload(nil))
	corrupt[len(corrupt)-1] ^= 0x01
	valid := buildFrame(1, FuncReadInputRegisters, mainInfoPayload(map[int]int{0: 2500}))

	d.Feed(append(append([]byte{}, corrupt...), valid...))
	d.Idle()

	if len(c.recs) != 1 {
		t.Fatalf("got %d records, want 1 (the frame after the corrupt one)", len(c.recs))
	}
	if got := c.recs[0].(MainInfo).PackVoltage; got != 25.0 {
		t.Errorf("PackVoltage = %v, want 25.0", got)
	}
	// The whole corrupted frame degrades to one coalesced trash run.
	if len(c.trash) != 1 {
		t.Fatalf("got %d trash runs, want 1", len(c.trash))
	}
	if !bytes.Equal(c.trash[0].Bytes, corrupt) {
		t.Errorf("trash = %x, want the corrupted frame bytes", c.trash[0].Bytes)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", d.Pending())
	}
}

func TestNoiseOnlyForwardProgress(t *testing.T) {
	var c capture
	d := c.decoder()

	noise := bytes.Repeat([]byte{0xFF}, 100)
	d.Feed(noise)
	d.Idle()

	if len(c.recs) != 0 {
		t.Fatalf("got %d records from pure noise", len(c.recs))
	}
	if len(c.trash) != 1 {
		t.Fatalf("got %d trash runs, want 1 coalesced run", len(c.trash))
	}
	// The final byte stays buffered: a lone byte can still be the start of a
	// frame whose header has not arrived yet.
	if len(c.trash[0].Bytes) != 99 {
		t.Errorf("trash run length = %d, want 99", len(c.trash[0].Bytes))
	}
	if d.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", d.Pending())
	}
}

func TestChunkBoundaryIndependence(t *testing.T) {
	stream := []byte{0xAA, 0xBB}
	stream = append(stream, buildFrame(1, FuncReadInputRegisters, mainInfoPayload(map[int]int{0: 2500, 1: 0xFF38}))...)
	stream = append(stream, 0xFF)
	stream = append(stream, buildFrame(2, FuncReadCoils, make([]byte, alarmStatusBytes))...)
	stream = append(stream, buildFrame(3, FuncReadInputRegisters, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})...)

	var whole capture
	d := whole.decoder()
	d.Feed(stream)
	d.Idle()

	var split capture
	d2 := split.decoder()
	for _, b := range stream {
		d2.Feed([]byte{b})
		d2.Idle()
	}
	d2.Idle()

	if !reflect.DeepEqual(whole.units, split.units) {
		t.Errorf("unit sequences differ: %v vs %v", whole.units, split.units)
	}
	if !reflect.DeepEqual(whole.recs, split.recs) {
		t.Errorf("record sequences differ:\nwhole: %#v\nsplit: %#v", whole.recs, split.recs)
	}
	if whole.recs[2].Kind() != "unrecognized" {
		t.Errorf("third record kind = %q, want unrecognized", whole.recs[2].Kind())
	}
}

func TestPartialFrameAcrossFeeds(t *testing.T) {
	var c capture
	d := c.decoder()

	frame := buildFrame(1, FuncReadInputRegisters, mainInfoPayload(nil))
	d.Feed(frame[:10])
	d.Idle()
	if len(c.recs) != 0 {
		t.Fatalf("decoded %d records from a partial frame", len(c.recs))
	}
	if len(c.trash) != 0 {
		t.Fatalf("partial frame produced trash: %x", c.trash)
	}

	d.Feed(frame[10:])
	d.Idle()
	if len(c.recs) != 1 {
		t.Fatalf("got %d records after completing the frame, want 1", len(c.recs))
	}
}

func TestUnrecognizedPassThrough(t *testing.T) {
	var c capture
	d := c.decoder()

	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	d.Feed(buildFrame(5, FuncReadInputRegisters, payload))
	d.Idle()

	if len(c.recs) != 1 {
		t.Fatalf("got %d records, want 1", len(c.recs))
	}
	u, ok := c.recs[0].(Unrecognized)
	if !ok {
		t.Fatalf("record type = %T, want Unrecognized", c.recs[0])
	}
	if u.FunctionCode != FuncReadInputRegisters || u.ByteCount != 10 {
		t.Errorf("got fc=%d count=%d, want fc=4 count=10", u.FunctionCode, u.ByteCount)
	}
	if !bytes.Equal(u.Payload, payload) {
		t.Errorf("payload = %x, want %x", u.Payload, payload)
	}
	if c.units[0] != 5 {
		t.Errorf("unit = %d, want 5", c.units[0])
	}
}

func TestReceivedCRCByteOrder(t *testing.T) {
	// The decoder reads the trailing CRC high byte first. A frame with the
	// conventional RTU low-first trailer must not validate (unless the two
	// bytes happen to be equal, which they are not here).
	frame := buildFrame(1, FuncReadInputRegisters, mainInfoPayload(map[int]int{0: 2500}))
	hi, lo := frame[len(frame)-2], frame[len(frame)-1]
	if hi == lo {
		t.Fatal("test frame CRC bytes are equal, pick different payload")
	}

	var c capture
	d := c.decoder()
	swapped := append(append([]byte{}, frame[:len(frame)-2]...), lo, hi)
	d.Feed(swapped)
	d.Idle()
	if len(c.recs) != 0 {
		t.Fatalf("low-first trailer decoded, want rejection")
	}

	var c2 capture
	d2 := c2.decoder()
	d2.Feed(frame)
	d2.Idle()
	if len(c2.recs) != 1 {
		t.Fatalf("high-first trailer rejected, want 1 record")
	}
}

func TestTrashOffsetsAreStreamAbsolute(t *testing.T) {
	var c capture
	d := c.decoder()

	frame := buildFrame(1, FuncReadInputRegisters, mainInfoPayload(nil))

	d.Feed([]byte{0xAA, 0xBB})
	d.Feed(frame)
	d.Idle()
	d.Feed([]byte{0xCC, 0xDD, 0xEE})
	d.Feed(frame)
	d.Idle()

	if len(c.trash) != 2 {
		t.Fatalf("got %d trash runs, want 2", len(c.trash))
	}
	if c.trash[0].StartOffset != 0 {
		t.Errorf("first run offset = %d, want 0", c.trash[0].StartOffset)
	}
	wantSecond := int64(2 + len(frame))
	if c.trash[1].StartOffset != wantSecond {
		t.Errorf("second run offset = %d, want %d", c.trash[1].StartOffset, wantSecond)
	}
}

func TestSustainedNoiseBoundedBuffer(t *testing.T) {
	var c capture
	d := c.decoder()

	// Feed far more noise than the compaction threshold in small chunks; the
	// decoder must keep consuming and never hold more than a pass leaves over.
	chunk := bytes.Repeat([]byte{0xEE}, 64)
	for i := 0; i < 1024; i++ {
		d.Feed(chunk)
		d.Idle()
	}
	if len(c.recs) != 0 {
		t.Fatalf("noise decoded into %d records", len(c.recs))
	}
	if d.Pending() > 1 {
		t.Errorf("Pending() = %d after idle, want <= 1", d.Pending())
	}
}
