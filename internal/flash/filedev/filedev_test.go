package filedev

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func tempDevice(t *testing.T) (*Device, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flash.img")
	d, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, path
}

func TestOpenCreatesErasedImage(t *testing.T) {
	d, path := tempDevice(t)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("image file should exist: %v", err)
	}
	if info.Size() != 2*4096 {
		t.Fatalf("image size = %d, want %d", info.Size(), 2*4096)
	}

	buf := make([]byte, 8)
	if err := d.Read(1, 4088, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range buf {
		if b != 0xff {
			t.Fatalf("byte %d = %#02x, want 0xff", i, b)
		}
	}
}

func TestOpenBadSwapSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	if _, err := Open(path, 4095); err == nil {
		t.Fatal("unaligned swap size should be rejected")
	}
	if _, err := Open(path, 0); err == nil {
		t.Fatal("zero swap size should be rejected")
	}
}

func TestOpenSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	if err := os.WriteFile(path, make([]byte, 100), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, 4096); err == nil {
		t.Fatal("image with wrong size should be refused")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	d, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.Write(0, 8, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()

	buf := make([]byte, 4)
	if err := d2.Read(0, 8, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4}) {
		t.Fatalf("word = % x, want 01 02 03 04", buf)
	}
}

func TestWriteClearsBitsOnly(t *testing.T) {
	d, _ := tempDevice(t)

	if err := d.Write(0, 0, []byte{0xf0, 0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Write(0, 0, []byte{0x0f, 0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 4)
	if err := d.Read(0, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte{0x00, 0xff, 0xff, 0xff}) {
		t.Fatalf("word = % x, want 00 ff ff ff", buf)
	}
}

func TestEraseRegion(t *testing.T) {
	d, _ := tempDevice(t)

	if err := d.Write(0, 0, []byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Write(1, 0, []byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Erase(0); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	buf := make([]byte, 4)
	if err := d.Read(0, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("erased word = % x", buf)
	}

	// The other region is untouched.
	if err := d.Read(1, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte{0, 0, 0, 0}) {
		t.Fatalf("region 1 word = % x, want zeros", buf)
	}
}

func TestAlignmentAndBounds(t *testing.T) {
	d, _ := tempDevice(t)

	if err := d.Write(0, 2, make([]byte, 4)); err == nil {
		t.Fatal("unaligned offset should be rejected")
	}
	if err := d.Write(0, 0, make([]byte, 6)); err == nil {
		t.Fatal("unaligned length should be rejected")
	}
	if err := d.Read(0, 4094, make([]byte, 4)); err == nil {
		t.Fatal("read past region end should be rejected")
	}
	if err := d.Write(2, 0, make([]byte, 4)); err == nil {
		t.Fatal("region 2 should be rejected")
	}
}
