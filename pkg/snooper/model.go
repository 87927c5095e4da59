package snooper

import (
	"io"
	"time"

	"github.com/sm2669/seplos-bms-mqtt/pkg/busdecoder"
)

// BusListener owns the serial tap on the battery RS-485 bus and pumps raw
// chunks into the frame decoder. It only ever reads: the inverter is the bus
// master and nothing here may transmit.
type BusListener struct {
	port       string
	baudrate   uint
	serialPort io.ReadWriteCloser
	decoder    *busdecoder.Decoder
	stopSignal bool
	retryDelay time.Duration
}
