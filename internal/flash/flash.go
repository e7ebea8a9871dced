// Package flash implements a crash-safe key-value store on raw NOR flash.
//
// The store keeps an append-only log of records in one of two swap regions.
// Every mutation appends (or clears single flag bits in) records; when the
// active region fills up, live records are compacted into the other region
// and the active marker moves over. Recovery after power loss only ever
// needs a forward scan of one region.
//
// Keys are 16-bit identifiers and may hold several values, addressed by
// ordinal index. Set starts a fresh chain for a key, Add appends to it.
package flash

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"

	"flashkv/internal/logging"
)

// Store is a key-value store over a two-region flash Device. It assumes a
// single caller; embedders that share a Store across goroutines must
// serialize access themselves.
type Store struct {
	dev Device
	log *slog.Logger

	swapSize  uint32
	swapUsed  uint32
	swapIndex uint8
	erases    uint16
}

// New creates a Store on dev. Call Init before any other method.
func New(dev Device) *Store {
	return &Store{
		dev: dev,
		log: logging.For("flash"),
	}
}

// Init brings the store to a consistent state given any prior flash
// contents. It locates the active region (wiping the store if neither
// region carries an active marker), scans it to find the write frontier,
// and compacts away any partial write left by an interrupted operation.
func (s *Store) Init() error {
	s.swapSize = s.dev.SwapSize()

	active := false
	for idx := uint8(0); idx < 2; idx++ {
		marker, err := s.readMarker(idx)
		if err != nil {
			return err
		}
		if marker == markerActive {
			s.swapIndex = idx
			active = true
			break
		}
	}
	if !active {
		s.log.Info("no active region, wiping store")
		return s.Wipe()
	}

	for s.swapUsed = swapHeaderSize; s.swapUsed <= s.swapSize-recordHeaderSize; {
		hdr, err := s.readHeader(s.swapIndex, s.swapUsed)
		if err != nil {
			return err
		}
		if hdr.isFree() || !hdr.isCommitted() {
			break
		}
		s.swapUsed += hdr.size()
	}

	return s.sanitizeFreeSpace()
}

// sanitizeFreeSpace verifies that the frontier is word-aligned and that
// everything past it still reads as erased. A torn record left in the free
// space must not stay in place: later writes at the same offset could only
// clear further bits and would corrupt the log, so the store compacts into
// the other region instead.
func (s *Store) sanitizeFreeSpace() error {
	if s.swapUsed%wordSize != 0 {
		s.log.Warn("unaligned frontier, compacting", "used", s.swapUsed)
		return s.swap()
	}

	buf := make([]byte, 256)
	for offset := s.swapUsed; offset < s.swapSize; {
		n := uint32(len(buf))
		if s.swapSize-offset < n {
			n = s.swapSize - offset
		}
		if err := s.dev.Read(s.swapIndex, offset, buf[:n]); err != nil {
			return fmt.Errorf("reading free space: %w", err)
		}
		for _, b := range buf[:n] {
			if b != 0xff {
				s.log.Warn("dirty free space, compacting", "offset", offset)
				return s.swap()
			}
		}
		offset += n
	}
	return nil
}

// Get returns the value at the given ordinal index under key. The index
// counter restarts at zero on every chain-head record, so after a Set the
// newest value is always index 0. The returned slice is a copy.
func (s *Store) Get(key uint16, index int) ([]byte, error) {
	offset, hdr, err := s.find(key, index)
	if err != nil {
		return nil, err
	}
	value := make([]byte, hdr.length)
	if err := s.dev.Read(s.swapIndex, offset+recordHeaderSize, value); err != nil {
		return nil, fmt.Errorf("reading value: %w", err)
	}
	return value, nil
}

// Length reports the stored length of the value at key/index without
// copying it out. It returns ErrNotFound like Get.
func (s *Store) Length(key uint16, index int) (int, error) {
	_, hdr, err := s.find(key, index)
	if err != nil {
		return 0, err
	}
	return int(hdr.length), nil
}

// find scans the active region for the index-th valid record under key.
// A chain-head record resets both the counter and any hit recorded so far,
// so a later Set shadows the whole preceding chain.
func (s *Store) find(key uint16, index int) (uint32, recordHeader, error) {
	var (
		hitOffset uint32
		hitHeader recordHeader
		found     bool
		n         int
	)

	for offset := uint32(swapHeaderSize); offset < s.swapUsed; {
		hdr, err := s.readHeader(s.swapIndex, offset)
		if err != nil {
			return 0, recordHeader{}, err
		}
		size := hdr.size()
		if hdr.key != key || !hdr.isValid() {
			offset += size
			continue
		}
		if hdr.isFirst() {
			n = 0
			found = false
		}
		if n == index {
			hitOffset = offset
			hitHeader = hdr
			found = true
		}
		n++
		offset += size
	}

	if !found {
		return 0, recordHeader{}, ErrNotFound
	}
	return hitOffset, hitHeader, nil
}

// Set stores value as the single logical value of key, shadowing any chain
// written before it.
func (s *Store) Set(key uint16, value []byte) error {
	return s.add(key, true, value)
}

// Add appends value to key's chain. The first value ever stored under a key
// becomes the chain head.
func (s *Store) Add(key uint16, value []byte) error {
	_, err := s.Length(key, 0)
	if err != nil && err != ErrNotFound {
		return err
	}
	return s.add(key, err == ErrNotFound, value)
}

func (s *Store) add(key uint16, first bool, value []byte) error {
	if len(value) > maxValueSize {
		return ErrNoSpace
	}

	hdr := newRecordHeader(key, first, uint16(len(value)))
	size := hdr.size()

	if s.swapUsed+size > s.swapSize {
		if err := s.swap(); err != nil {
			return err
		}
		if s.swapUsed+size > s.swapSize {
			return ErrNoSpace
		}
	}

	// First write: the whole record, AddBegin cleared, AddComplete still
	// pending. Slack bytes past the payload stay at 0xff.
	buf := make([]byte, size)
	hdr.encode(buf)
	copy(buf[recordHeaderSize:], value)
	for i := recordHeaderSize + len(value); i < int(size); i++ {
		buf[i] = 0xff
	}
	if err := s.dev.Write(s.swapIndex, s.swapUsed, buf); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}

	// Second write: commit by clearing AddComplete in the header alone.
	hdr.setCommitted()
	if err := s.writeHeader(s.swapIndex, s.swapUsed, hdr); err != nil {
		return fmt.Errorf("committing record: %w", err)
	}

	s.swapUsed += size
	return nil
}

// Delete tombstones the value at key/index. An index of -1 tombstones every
// valid record under the key. It returns ErrNotFound when nothing was
// tombstoned.
//
// Deleting index 0 of a chain of two or more also promotes the next record
// to chain head. The promotion is a separate, later flash write; if power
// fails between the two the surviving chain simply has no head mark, which
// readers tolerate because every scan starts its counter at zero.
func (s *Store) Delete(key uint16, index int) error {
	err := ErrNotFound
	n := 0

	for offset := uint32(swapHeaderSize); offset < s.swapUsed; {
		hdr, herr := s.readHeader(s.swapIndex, offset)
		if herr != nil {
			return herr
		}
		size := hdr.size()
		if hdr.key != key || !hdr.isValid() {
			offset += size
			continue
		}
		if hdr.isFirst() {
			n = 0
		}

		switch {
		case index == n || index == -1:
			hdr.setDeleted()
			if werr := s.writeHeader(s.swapIndex, offset, hdr); werr != nil {
				return werr
			}
			err = nil
		case index == 0 && n == 1:
			hdr.setFirst()
			if werr := s.writeHeader(s.swapIndex, offset, hdr); werr != nil {
				return werr
			}
		}

		n++
		offset += size
	}

	return err
}

// Wipe erases region 0, marks it active, and resets the frontier. Region 1
// is left alone; the next swap erases it anyway.
func (s *Store) Wipe() error {
	if err := s.erase(0); err != nil {
		return err
	}
	if err := s.writeMarker(0, markerActive); err != nil {
		return err
	}
	s.swapIndex = 0
	s.swapUsed = swapHeaderSize
	s.log.Info("store wiped")
	return nil
}

// EraseCounter returns how many times region 0 has been erased since the
// Store was created, saturating at 65535. The counter is not persisted.
func (s *Store) EraseCounter() uint16 {
	return s.erases
}

// ActiveRegion returns the index of the region currently holding the log.
func (s *Store) ActiveRegion() uint8 {
	return s.swapIndex
}

// Used returns the write frontier's byte offset in the active region.
func (s *Store) Used() uint32 {
	return s.swapUsed
}

// Size returns the size of each swap region in bytes.
func (s *Store) Size() uint32 {
	return s.swapSize
}

// swap compacts every live, non-shadowed record into the other region and
// makes it active. The new region's active marker is written before the old
// one is downgraded, so there is never a moment with no active region; a
// crash in between leaves both active, and recovery picks whichever it
// scans first.
func (s *Store) swap() error {
	dst := 1 - s.swapIndex
	dstOffset := uint32(swapHeaderSize)

	if err := s.erase(dst); err != nil {
		return err
	}

	for srcOffset := uint32(swapHeaderSize); srcOffset < s.swapUsed; {
		hdr, err := s.readHeader(s.swapIndex, srcOffset)
		if err != nil {
			return err
		}
		if hdr.isFree() {
			// Trailing torn write; nothing after it was committed.
			break
		}
		size := hdr.size()
		if !hdr.isValid() {
			srcOffset += size
			continue
		}
		shadowed, err := s.shadowed(srcOffset+size, hdr.key)
		if err != nil {
			return err
		}
		if shadowed {
			srcOffset += size
			continue
		}

		record := make([]byte, size)
		if err := s.dev.Read(s.swapIndex, srcOffset, record); err != nil {
			return fmt.Errorf("reading record for compaction: %w", err)
		}
		if err := s.dev.Write(dst, dstOffset, record); err != nil {
			return fmt.Errorf("copying record: %w", err)
		}
		dstOffset += size
		srcOffset += size
	}

	if err := s.writeMarker(dst, markerActive); err != nil {
		return err
	}
	if err := s.writeMarker(s.swapIndex, markerInactive); err != nil {
		return err
	}

	s.log.Info("compacted",
		"from", s.swapIndex, "to", dst,
		"used", s.swapUsed, "live", dstOffset)

	s.swapIndex = dst
	s.swapUsed = dstOffset
	return nil
}

// shadowed reports whether a valid chain-head record for key exists at or
// past offset. Such a record invalidates everything written before it, so
// the compactor drops the older records instead of copying them.
func (s *Store) shadowed(offset uint32, key uint16) (bool, error) {
	for offset < s.swapUsed {
		hdr, err := s.readHeader(s.swapIndex, offset)
		if err != nil {
			return false, err
		}
		if hdr.key == key && hdr.isValid() && hdr.isFirst() {
			return true, nil
		}
		offset += hdr.size()
	}
	return false, nil
}

// Keys returns the keys that currently hold at least one visible value,
// in ascending order.
func (s *Store) Keys() ([]uint16, error) {
	seen := make(map[uint16]bool)
	var keys []uint16

	for offset := uint32(swapHeaderSize); offset < s.swapUsed; {
		hdr, err := s.readHeader(s.swapIndex, offset)
		if err != nil {
			return nil, err
		}
		if hdr.isValid() && !seen[hdr.key] {
			seen[hdr.key] = true
			if _, err := s.Length(hdr.key, 0); err == nil {
				keys = append(keys, hdr.key)
			} else if err != ErrNotFound {
				return nil, err
			}
		}
		offset += hdr.size()
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// Walk calls fn for every visible value in the store, in ascending key
// order and ascending index order within a key. Returning an error from fn
// stops the walk.
func (s *Store) Walk(fn func(key uint16, index int, value []byte) error) error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		for index := 0; ; index++ {
			value, err := s.Get(key, index)
			if err == ErrNotFound {
				break
			}
			if err != nil {
				return err
			}
			if err := fn(key, index, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) erase(swap uint8) error {
	if err := s.dev.Erase(swap); err != nil {
		return fmt.Errorf("erasing region %d: %w", swap, err)
	}
	if swap == 0 && s.erases < 0xffff {
		s.erases++
	}
	return nil
}

func (s *Store) readMarker(swap uint8) (uint32, error) {
	var buf [swapHeaderSize]byte
	if err := s.dev.Read(swap, 0, buf[:]); err != nil {
		return 0, fmt.Errorf("reading swap header: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (s *Store) writeMarker(swap uint8, marker uint32) error {
	var buf [swapHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[:], marker)
	if err := s.dev.Write(swap, 0, buf[:]); err != nil {
		return fmt.Errorf("writing swap header: %w", err)
	}
	return nil
}

func (s *Store) readHeader(swap uint8, offset uint32) (recordHeader, error) {
	var buf [recordHeaderSize]byte
	if err := s.dev.Read(swap, offset, buf[:]); err != nil {
		return recordHeader{}, fmt.Errorf("reading record header: %w", err)
	}
	return decodeRecordHeader(buf[:]), nil
}

func (s *Store) writeHeader(swap uint8, offset uint32, hdr recordHeader) error {
	var buf [recordHeaderSize]byte
	hdr.encode(buf[:])
	if err := s.dev.Write(swap, offset, buf[:]); err != nil {
		return fmt.Errorf("writing record header: %w", err)
	}
	return nil
}
