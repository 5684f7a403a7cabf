//go:build unix

package vdiport

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMapFileShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vdiport")

	host, err := MapFile(path, true, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()
	guest, err := MapFile(path, false, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer guest.Close()

	if _, err := guest.Output().Producer().Push([]byte("hello host")); err != nil {
		t.Fatal(err)
	}
	pkt, _, err := host.Output().Consumer().Pop()
	if err != nil {
		t.Fatal(err)
	}
	if string(pkt.Data) != "hello host" {
		t.Fatalf("got %q", pkt.Data)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != RamSize {
		t.Fatalf("file size %d, want %d", fi.Size(), RamSize)
	}
}

func TestMapFileAttachUnformatted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank")
	if err := os.WriteFile(path, make([]byte, RamSize), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := MapFile(path, false, Options{}); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestMappingCloseTwice(t *testing.T) {
	m, err := MapFile(filepath.Join(t.TempDir(), "r"), true, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
