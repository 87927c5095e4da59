package busdecoder

// The buffer is compacted once this many consumed bytes sit in front of the
// head cursor, so sustained noise cannot grow the allocation without bound.
const compactThreshold = 4096

// Decoder is the passive frame scanner. One instance per bus tap.
//
// It is a cooperative single-threaded state machine: Feed and Idle must be
// called from one goroutine (or otherwise serialized), and neither blocks.
// Sinks are invoked synchronously from inside the scan pass, in stream order.
type Decoder struct {
	records RecordSink
	trash   TrashSink

	// buf[head:] is the unconsumed tail of the stream
	buf  []byte
	head int

	// absolute stream offset of buf[head]
	streamOffset int64

	// open run of discarded bytes, flushed on resync or at pass end
	trashStart int64
	trashRun   []byte
}

func New(records RecordSink, trash TrashSink) *Decoder {
	return &Decoder{records: records, trash: trash}
}

// Feed appends a chunk of bytes from the bus tap. A zero-length chunk is the
// idle signal: the serial read timed out, an inter-frame gap elapsed, and a
// scan pass runs over whatever is buffered.
func (d *Decoder) Feed(chunk []byte) {
	if len(chunk) == 0 {
		d.Idle()
		return
	}
	d.buf = append(d.buf, chunk...)
}

// Idle runs one scan-decode pass over the accumulated buffer. Zero or more
// records are emitted; unconsumed trailing bytes stay buffered for the next
// pass.
func (d *Decoder) Idle() {
	d.scan()
}

// Pending reports how many unconsumed bytes are buffered.
func (d *Decoder) Pending() int {
	return len(d.buf) - d.head
}

// scan repeatedly attempts to validate a frame at the head of the buffer.
// Each attempt either consumes a whole frame, discards exactly one byte, or
// determines that more bytes are needed and ends the pass. Forward progress
// is therefore guaranteed on any input.
func (d *Decoder) scan() {
	for {
		pending := d.buf[d.head:]
		if len(pending) < 2 {
			break // need unit id + function code
		}

		unitID := pending[0]
		functionCode := pending[1]
		if functionCode != FuncReadCoils && functionCode != FuncReadInputRegisters {
			d.discardByte()
			continue
		}

		if len(pending) < 3 {
			break // byte count not yet arrived
		}
		byteCount := int(pending[2])

		// unit + func + count + payload + crc
		frameLen := 3 + byteCount + 2
		if len(pending) < frameLen {
			break
		}

		if !crcMatches(pending[:frameLen-2], pending[frameLen-2], pending[frameLen-1]) {
			d.discardByte()
			continue
		}

		d.flushTrash()

		payload := make([]byte, byteCount)
		copy(payload, pending[3:3+byteCount])
		d.emit(unitID, functionCode, payload)
		d.consume(frameLen)
	}

	d.flushTrash()
	d.compact()
}

// discardByte moves the head byte into the open trash run.
func (d *Decoder) discardByte() {
	if len(d.trashRun) == 0 {
		d.trashStart = d.streamOffset
	}
	d.trashRun = append(d.trashRun, d.buf[d.head])
	d.consume(1)
}

func (d *Decoder) consume(n int) {
	d.head += n
	d.streamOffset += int64(n)
}

func (d *Decoder) flushTrash() {
	if len(d.trashRun) == 0 {
		return
	}
	run := TrashRun{StartOffset: d.trashStart, Bytes: d.trashRun}
	d.trashRun = nil
	if d.trash != nil {
		d.trash(run)
	}
}

// compact reclaims consumed head space. Copying down in batches rather than
// reslicing per consumed frame keeps appends cheap under sustained noise.
func (d *Decoder) compact() {
	if d.head == 0 {
		return
	}
	if d.head == len(d.buf) {
		d.buf = d.buf[:0]
		d.head = 0
		return
	}
	if d.head >= compactThreshold || d.head*2 >= len(d.buf) {
		n := copy(d.buf, d.buf[d.head:])
		d.buf = d.buf[:n]
		d.head = 0
	}
}
