// Package filedev backs the flash Device interface with an image file on
// the host filesystem, so a store survives daemon restarts. The file holds
// both swap regions back to back and is created pre-erased on first open.
package filedev

import (
	"fmt"
	"os"
)

const wordSize = 4

// Device is a file-backed flash image.
type Device struct {
	f        *os.File
	swapSize uint32
}

// Open creates or opens the image at path with two regions of swapSize
// bytes. An existing image must match the configured size exactly; a
// mismatched file is refused rather than silently reinterpreted.
func Open(path string, swapSize uint32) (*Device, error) {
	if swapSize == 0 || swapSize%wordSize != 0 {
		return nil, fmt.Errorf("filedev: bad swap size %d", swapSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening flash image: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("statting flash image: %w", err)
	}

	d := &Device{f: f, swapSize: swapSize}

	switch info.Size() {
	case 0:
		// Fresh image: both regions erased.
		if err := d.Erase(0); err != nil {
			f.Close()
			return nil, err
		}
		if err := d.Erase(1); err != nil {
			f.Close()
			return nil, err
		}
	case int64(2 * swapSize):
	default:
		f.Close()
		return nil, fmt.Errorf("filedev: image %s is %d bytes, want %d", path, info.Size(), 2*swapSize)
	}

	return d, nil
}

func (d *Device) SwapSize() uint32 {
	return d.swapSize
}

func (d *Device) Erase(swap uint8) error {
	if swap > 1 {
		return fmt.Errorf("filedev: bad region %d", swap)
	}
	blank := make([]byte, d.swapSize)
	for i := range blank {
		blank[i] = 0xff
	}
	if _, err := d.f.WriteAt(blank, int64(swap)*int64(d.swapSize)); err != nil {
		return fmt.Errorf("erasing region %d: %w", swap, err)
	}
	return d.f.Sync()
}

func (d *Device) Read(swap uint8, offset uint32, p []byte) error {
	if err := d.check(swap, offset, len(p)); err != nil {
		return err
	}
	if _, err := d.f.ReadAt(p, d.pos(swap, offset)); err != nil {
		return fmt.Errorf("reading flash image: %w", err)
	}
	return nil
}

// Write ANDs p into the image so the file keeps flash's bit-clear-only
// behavior even if a caller rewrites a programmed range.
func (d *Device) Write(swap uint8, offset uint32, p []byte) error {
	if err := d.check(swap, offset, len(p)); err != nil {
		return err
	}
	if offset%wordSize != 0 || len(p)%wordSize != 0 {
		return fmt.Errorf("filedev: unaligned write at %d len %d", offset, len(p))
	}

	old := make([]byte, len(p))
	if _, err := d.f.ReadAt(old, d.pos(swap, offset)); err != nil {
		return fmt.Errorf("reading flash image: %w", err)
	}
	for i := range old {
		old[i] &= p[i]
	}
	if _, err := d.f.WriteAt(old, d.pos(swap, offset)); err != nil {
		return fmt.Errorf("writing flash image: %w", err)
	}
	return d.f.Sync()
}

func (d *Device) Close() error {
	return d.f.Close()
}

func (d *Device) pos(swap uint8, offset uint32) int64 {
	return int64(swap)*int64(d.swapSize) + int64(offset)
}

func (d *Device) check(swap uint8, offset uint32, n int) error {
	if swap > 1 {
		return fmt.Errorf("filedev: bad region %d", swap)
	}
	if offset > d.swapSize || uint32(n) > d.swapSize-offset {
		return fmt.Errorf("filedev: out of range access at %d len %d", offset, n)
	}
	return nil
}
