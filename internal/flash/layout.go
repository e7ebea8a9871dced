package flash

import "encoding/binary"

// On-flash layout. All fields are little-endian and every structure is sized
// in multiples of the 4-byte flash word. Flag bits use inverse polarity
// (1 = not yet set, 0 = set) so that each state transition is a single-bit
// clear, which NOR flash permits without an erase.

const (
	// wordSize is the minimum write granularity of the flash.
	wordSize = 4

	// swapHeaderSize is the size of the marker word at offset 0 of each
	// swap region.
	swapHeaderSize = 4

	// markerActive and markerInactive differ in exactly one bit, so an
	// active region can be downgraded in place.
	markerActive   = 0xbe5cc5ee
	markerInactive = 0xbe5cc5ec

	recordHeaderSize = 8

	// maxValueSize is the per-record payload cap.
	maxValueSize = 256
)

// Record header flag bits. A bit still at 1 means the state has not been
// reached; clearing it to 0 commits the transition.
const (
	flagAddBegin    = 1 << 0 // record write has started
	flagAddComplete = 1 << 1 // record write has completed
	flagDelete      = 1 << 2 // record was deleted
	flagFirst       = 1 << 3 // record starts a new chain for its key

	// flagsInit is the flag word of a freshly written record: AddBegin
	// already cleared, everything else pending.
	flagsInit = 0xffff &^ flagAddBegin
)

// recordHeader is the fixed 8-byte prefix of every record:
// key, flags, payload length, and a reserved word left at all-ones.
type recordHeader struct {
	key      uint16
	flags    uint16
	length   uint16
	reserved uint16
}

func decodeRecordHeader(b []byte) recordHeader {
	return recordHeader{
		key:      binary.LittleEndian.Uint16(b[0:2]),
		flags:    binary.LittleEndian.Uint16(b[2:4]),
		length:   binary.LittleEndian.Uint16(b[4:6]),
		reserved: binary.LittleEndian.Uint16(b[6:8]),
	}
}

func (h recordHeader) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], h.key)
	binary.LittleEndian.PutUint16(b[2:4], h.flags)
	binary.LittleEndian.PutUint16(b[4:6], h.length)
	binary.LittleEndian.PutUint16(b[6:8], h.reserved)
}

func newRecordHeader(key uint16, first bool, length uint16) recordHeader {
	h := recordHeader{
		key:      key,
		flags:    flagsInit,
		length:   length,
		reserved: 0xffff,
	}
	if first {
		h.flags &^= flagFirst
	}
	return h
}

// dataSize is the payload length rounded up to the flash word.
func (h recordHeader) dataSize() uint32 {
	return (uint32(h.length) + wordSize - 1) &^ (wordSize - 1)
}

// size is the full on-flash footprint of the record.
func (h recordHeader) size() uint32 {
	return recordHeaderSize + h.dataSize()
}

// isFree reports whether the slot has never been written: AddBegin still 1.
func (h recordHeader) isFree() bool {
	return h.flags&flagAddBegin != 0
}

// isCommitted reports whether the full record write finished.
func (h recordHeader) isCommitted() bool {
	return h.flags&flagAddComplete == 0
}

// isValid reports whether the record is live: committed and not deleted.
func (h recordHeader) isValid() bool {
	return h.flags&(flagAddComplete|flagDelete) == flagDelete
}

// isFirst reports whether the record carries the chain-head mark.
func (h recordHeader) isFirst() bool {
	return h.flags&flagFirst == 0
}

func (h *recordHeader) setCommitted() {
	h.flags &^= flagAddComplete
}

func (h *recordHeader) setDeleted() {
	h.flags &^= flagDelete
}

func (h *recordHeader) setFirst() {
	h.flags &^= flagFirst
}
