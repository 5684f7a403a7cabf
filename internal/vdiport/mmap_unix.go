//go:build unix

package vdiport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is a shared file mapping of a VDIPortRam region.
type Mapping struct {
	*Ram
	mem []byte
}

// MapFile maps path shared and read-write. With create, the file is created
// or grown to RamSize and formatted with Init; otherwise the region must
// already be formatted and is checked with Attach.
func MapFile(path string, create bool, opts Options) (*Mapping, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if create {
		if err := f.Truncate(RamSize); err != nil {
			return nil, fmt.Errorf("vdiport: sizing %s: %w", path, err)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, RamSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("vdiport: mmap %s: %w", path, err)
	}
	ram, err := NewRam(mem, opts)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	if create {
		ram.Init()
	} else if err := ram.Attach(); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return &Mapping{Ram: ram, mem: mem}, nil
}

// Close unmaps the region. The Ram and its rings must not be used afterwards.
func (m *Mapping) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
