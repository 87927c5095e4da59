package busdecoder

import "github.com/sigurn/crc16"

// CRC-16/MODBUS: poly 0xA001 (reflected 0x8005), init 0xFFFF, updated one
// byte at a time.
var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// frameCRC computes the checksum over the frame bytes preceding the CRC
// field itself.
func frameCRC(frame []byte) uint16 {
	return crc16.Checksum(frame, crcTable)
}

// crcMatches validates a candidate frame against its two trailing bytes.
//
// The trailing bytes are read high byte first ((first<<8)|second), which is
// the opposite of the standard Modbus RTU transmission order. This matches
// the Seplos V3 captures this decoder was written against; if hardware ever
// proves the conventional order right, this is the only place to flip.
func crcMatches(frame []byte, first, second byte) bool {
	received := uint16(first)<<8 | uint16(second)
	return frameCRC(frame) == received
}
