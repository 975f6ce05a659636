package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrOutOfRange is returned when a read starts past the end of a device
var ErrOutOfRange = errors.New("read past end of device")

// Device is a disk device object
type Device interface {
	io.ReaderAt
	io.Closer
	GetSize() uint64
}

// Generic wraps any io.ReaderAt of known size as a Device
type Generic struct {
	io.ReaderAt

	closer io.Closer
	size   int64
}

// Open opens a plain file as a Device
func Open(in string) (Device, error) {
	f, err := os.Open(in)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return NewGeneric(f, fi.Size(), f), nil
}

// NewGeneric creates a Device over r; c may be nil
func NewGeneric(r io.ReaderAt, size int64, c io.Closer) *Generic {
	return &Generic{
		ReaderAt: r,
		closer:   c,
		size:     size,
	}
}

// ReadAt reads from the underlying reader, failing reads that start past the end
func (g *Generic) ReadAt(p []byte, off int64) (int, error) {
	if err := CheckRange(off, g.size); err != nil {
		return 0, err
	}
	if rem := g.size - off; int64(len(p)) > rem {
		n, err := g.ReaderAt.ReadAt(p[:rem], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return g.ReaderAt.ReadAt(p, off)
}

func (g *Generic) Close() error {
	if g.closer == nil {
		return nil
	}
	err := g.closer.Close()
	g.closer = nil
	return err
}

func (g *Generic) GetSize() uint64 {
	return uint64(g.size)
}

// Zeros is an endless run of zero bytes
type Zeros struct{}

func (Zeros) ReadAt(p []byte, off int64) (int, error) {
	clear(p)
	return len(p), nil
}

// CheckRange validates a read offset against a device size
func CheckRange(off, size int64) error {
	if off < 0 {
		return fmt.Errorf("negative offset %d", off)
	}
	if off >= size {
		if off == size {
			return io.EOF
		}
		return fmt.Errorf("offset %#x beyond device size %#x: %w", off, size, ErrOutOfRange)
	}
	return nil
}

// Clamp shortens p so a read at off does not pass size; it reports whether p was cut
func Clamp(p []byte, off, size int64) ([]byte, bool) {
	if rem := size - off; int64(len(p)) > rem {
		return p[:rem], true
	}
	return p, false
}
