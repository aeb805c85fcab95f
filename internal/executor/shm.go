package executor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/zboralski/tarsier/internal/cmplog"
)

// SharedMap is a file-backed capture map shared between the parent and
// its re-exec'd children. Every attached process sees the same rows
// through a MAP_SHARED mapping; no copying, no draining.
type SharedMap struct {
	f    *os.File
	data []byte
	m    *cmplog.Map
}

// CreateSharedMap creates path, sizes it for w rows, and maps it
// shared. An existing file is truncated: creating the map starts a new
// session.
func CreateSharedMap(path string, w uint64) (*SharedMap, error) {
	if w == 0 {
		w = cmplog.DefaultW
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create shared map: %w", err)
	}
	size := int64(w) * cmplog.RowSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size shared map: %w", err)
	}
	return mapFile(f, size)
}

// OpenSharedMap attaches to a map created by the parent. The row count
// comes from the file size.
func OpenSharedMap(path string) (*SharedMap, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open shared map: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat shared map: %w", err)
	}
	return mapFile(f, st.Size())
}

func mapFile(f *os.File, size int64) (*SharedMap, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map %s: %w", f.Name(), err)
	}
	m, err := cmplog.Attach(data)
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}
	return &SharedMap{f: f, data: data, m: m}, nil
}

// Map returns the capture map view of the mapping.
func (s *SharedMap) Map() *cmplog.Map {
	return s.m
}

// Path returns the backing file path, as handed to children.
func (s *SharedMap) Path() string {
	return s.f.Name()
}

// Close unmaps the capture map and closes the backing file. The file
// stays on disk; removal is the session owner's call.
func (s *SharedMap) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return err
		}
		s.data = nil
		s.m = nil
	}
	return s.f.Close()
}
