// Package memdev provides an in-memory flash device with NOR semantics:
// writes can only clear bits, erase resets a whole region to all-ones, and
// writes must be word-aligned. It backs the store's tests and supports
// power-loss injection for crash-safety checks.
package memdev

import (
	"errors"
	"fmt"
)

const wordSize = 4

// ErrPowerLoss is returned by Write once the injected write budget runs out.
// The words written before the budget was exhausted are still applied, so
// the image looks exactly like flash after an interrupted program cycle.
var ErrPowerLoss = errors.New("memdev: simulated power loss")

// Device is a two-region in-memory flash image.
type Device struct {
	swapSize uint32
	regions  [2][]byte

	failWords int // remaining writable words before ErrPowerLoss; -1 = unlimited
	words     int // total words applied, see WordsWritten
}

// New creates a device with two erased regions of swapSize bytes each.
// swapSize must be a positive multiple of the flash word.
func New(swapSize uint32) *Device {
	if swapSize == 0 || swapSize%wordSize != 0 {
		panic(fmt.Sprintf("memdev: bad swap size %d", swapSize))
	}
	d := &Device{swapSize: swapSize, failWords: -1}
	for i := range d.regions {
		d.regions[i] = make([]byte, swapSize)
		fill(d.regions[i])
	}
	return d
}

func (d *Device) SwapSize() uint32 {
	return d.swapSize
}

func (d *Device) Erase(swap uint8) error {
	if swap > 1 {
		return fmt.Errorf("memdev: bad region %d", swap)
	}
	fill(d.regions[swap])
	return nil
}

func (d *Device) Read(swap uint8, offset uint32, p []byte) error {
	if err := d.check(swap, offset, len(p)); err != nil {
		return err
	}
	copy(p, d.regions[swap][offset:])
	return nil
}

// Write ANDs p into the region, clearing bits only. When a write budget is
// armed with FailAfterWords, only the first remaining words are applied and
// ErrPowerLoss is returned.
func (d *Device) Write(swap uint8, offset uint32, p []byte) error {
	if err := d.check(swap, offset, len(p)); err != nil {
		return err
	}
	if offset%wordSize != 0 || len(p)%wordSize != 0 {
		return fmt.Errorf("memdev: unaligned write at %d len %d", offset, len(p))
	}

	region := d.regions[swap][offset:]
	for i := 0; i < len(p); i += wordSize {
		if d.failWords == 0 {
			return ErrPowerLoss
		}
		if d.failWords > 0 {
			d.failWords--
		}
		d.words++
		for j := i; j < i+wordSize; j++ {
			region[j] &= p[j]
		}
	}
	return nil
}

// WordsWritten returns the total number of 32-bit words applied since the
// device was created. Crash tests diff it around an operation to learn how
// many cut points to sweep.
func (d *Device) WordsWritten() int {
	return d.words
}

// FailAfterWords arms the power-loss injector: the next n 32-bit words
// written succeed, then every Write fails with ErrPowerLoss without
// touching the image. Pass a negative n to disarm.
func (d *Device) FailAfterWords(n int) {
	d.failWords = n
}

// Image returns a copy of the raw flash contents, region 0 then region 1.
func (d *Device) Image() []byte {
	img := make([]byte, 2*d.swapSize)
	copy(img, d.regions[0])
	copy(img[d.swapSize:], d.regions[1])
	return img
}

// Restore overwrites the flash contents from an image produced by Image.
func (d *Device) Restore(img []byte) {
	if uint32(len(img)) != 2*d.swapSize {
		panic(fmt.Sprintf("memdev: bad image size %d", len(img)))
	}
	copy(d.regions[0], img[:d.swapSize])
	copy(d.regions[1], img[d.swapSize:])
}

func (d *Device) check(swap uint8, offset uint32, n int) error {
	if swap > 1 {
		return fmt.Errorf("memdev: bad region %d", swap)
	}
	if offset > d.swapSize || uint32(n) > d.swapSize-offset {
		return fmt.Errorf("memdev: out of range access at %d len %d", offset, n)
	}
	return nil
}

func fill(b []byte) {
	for i := range b {
		b[i] = 0xff
	}
}
