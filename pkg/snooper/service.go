package snooper

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/sm2669/seplos-bms-mqtt/pkg/busdecoder"
)

// At 19200 baud a full 41-byte response takes ~21 ms on the wire, so a
// 100 ms read timeout is a reliable inter-frame gap: when a read returns
// empty, whatever is buffered is a complete burst and gets decoded.
const interframeTimeoutMs = 100

// readChunkSize bounds a single serial read; bursts are larger than any one
// frame because the master polls all packs back to back.
const readChunkSize = 256

// Initialize a new bus listener. Records and trash runs are delivered to the
// given sinks from the listener goroutine.
func NewBusListener(port string, baudrate uint, records busdecoder.RecordSink, trash busdecoder.TrashSink) *BusListener {
	return &BusListener{
		port:       port,
		baudrate:   baudrate,
		decoder:    busdecoder.New(records, trash),
		stopSignal: false,
		retryDelay: time.Second,
	}
}

// Start listening to the bus. Decoded records arrive on the sink passed to
// NewBusListener. Runs in a goroutine; handleError is called once if the
// listener gives up.
func (l *BusListener) StartListening(handleError func(error)) {
	l.stopSignal = false

	go func() {
		if err := l.connect(); err != nil {
			handleError(err)
			return
		}
		l.listen(handleError)
	}()
}

func (l *BusListener) listen(handleError func(error)) {
	// Tolerance before we report error.
	consecutiveErrors := 0
	maxErrors := 10
	var lastError error

	chunk := make([]byte, readChunkSize)
	for consecutiveErrors < maxErrors {
		// Check for Stop command
		if l.stopSignal {
			log.Println("Stop signal received, disconnecting")
			l.disconnect()
			return
		}

		n, err := l.serialPort.Read(chunk)
		// With a zero minimum read size the driver reports an expired
		// inter-character timeout as (0, io.EOF). That is the bus going
		// quiet, not a fault.
		if err != nil && err != io.EOF {
			consecutiveErrors++
			lastError = err
			log.Printf("Error reading serial bus (%d/%d): %v", consecutiveErrors, maxErrors, err)
			time.Sleep(l.retryDelay)
			continue
		}
		consecutiveErrors = 0

		// A zero-byte read is the inter-frame gap: Feed turns it into a
		// decode pass over the accumulated buffer.
		l.decoder.Feed(chunk[:n])
	}

	log.Printf("Too many consecutive errors (%d), stopping listener: %v", maxErrors, lastError)
	handleError(lastError)
	l.disconnect()
}

func (l *BusListener) StopListening() {
	l.stopSignal = true
}

// Open the connection to the RS485 tap.
func (l *BusListener) connect() error {
	options := serial.OpenOptions{
		PortName:              l.port,
		BaudRate:              l.baudrate,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: interframeTimeoutMs,
		MinimumReadSize:       0,
	}

	port, err := serial.Open(options)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	l.serialPort = port
	log.Printf("Listening on %s, %d 8N1, timeout %dms", l.port, l.baudrate, interframeTimeoutMs)
	return nil
}

func (l *BusListener) disconnect() {
	if l.serialPort != nil {
		l.serialPort.Close()
		log.Println("Disconnected from serial bus")
	}
}

// LogTrash is the default diagnostic sink: one log line per coalesced run of
// discarded bytes, formatted as a hex sequence.
func LogTrash(run busdecoder.TrashRun) {
	log.Printf("Ignoring %d bytes at stream offset %d: [% 02x]", len(run.Bytes), run.StartOffset, run.Bytes)
}
