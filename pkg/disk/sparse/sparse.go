// Package sparse reads Apple .sparseimage files.
//
// A sparse image is a chain of 4 KiB index nodes. Each node lists, in
// physical order, the logical band stored in each of the slots that
// follow it. Bands absent from every node read as zeros.
package sparse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/disk"
	"github.com/blacktop/go-macapt/types"
)

const (
	Magic = "sprs"

	nodeSize       = 0x1000
	nodeHeaderSize = 0x40
	entriesPerNode = (nodeSize - nodeHeaderSize) / 4
	sectorSize     = 512

	// DefaultSectorsPerBand gives 1 MiB bands
	DefaultSectorsPerBand = 2048
)

var ErrLoop = errors.New("sparse image index nodes form a loop")

// Header is the leading part of every index node
type Header struct {
	Signature      [4]byte
	Version        uint32
	SectorsPerBand uint32
	Flags          uint32
	Sectors        uint32 // legacy 32-bit sector count
	NextNode       uint64
	Sectors64      uint64
	_              [28]byte
}

// Sparse is an opened sparse image
type Sparse struct {
	Header Header

	bandSize int64
	size     int64
	bands    map[uint64]int64 // logical band -> file offset of its data

	r      io.ReaderAt
	closer io.Closer
}

// Open opens the named .sparseimage
func Open(name string) (*Sparse, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	s, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// New parses the index node chain of a sparse image held in r
func New(r io.ReaderAt) (*Sparse, error) {
	s := &Sparse{r: r, bands: make(map[uint64]int64)}

	node := make([]byte, nodeSize)
	if _, err := r.ReadAt(node, 0); err != nil {
		return nil, fmt.Errorf("failed to read sparse image header: %w", types.ErrTruncatedBlock)
	}
	if err := binary.Read(bytes.NewReader(node), binary.BigEndian, &s.Header); err != nil {
		return nil, fmt.Errorf("failed to parse sparse image header: %w", err)
	}
	if string(s.Header.Signature[:]) != Magic {
		return nil, fmt.Errorf("found unexpected sparse image signature %q: %w", s.Header.Signature[:], types.ErrBadMagic)
	}
	if s.Header.SectorsPerBand == 0 {
		s.Header.SectorsPerBand = DefaultSectorsPerBand
	}
	s.bandSize = int64(s.Header.SectorsPerBand) * sectorSize
	if s.Header.Sectors64 != 0 {
		s.size = int64(s.Header.Sectors64) * sectorSize
	} else {
		s.size = int64(s.Header.Sectors) * sectorSize
	}

	seen := map[int64]bool{}
	for off := int64(0); ; {
		if seen[off] {
			return nil, fmt.Errorf("index node at %#x: %w", off, ErrLoop)
		}
		seen[off] = true
		if off != 0 {
			if _, err := r.ReadAt(node, off); err != nil {
				return nil, fmt.Errorf("failed to read index node at %#x: %w", off, err)
			}
			if string(node[:4]) != Magic {
				return nil, fmt.Errorf("index node at %#x: %w", off, types.ErrBadMagic)
			}
		}
		for i := 0; i < entriesPerNode; i++ {
			band := binary.BigEndian.Uint32(node[nodeHeaderSize+i*4:])
			if band == 0 {
				continue
			}
			// band numbers are 1-based
			s.bands[uint64(band-1)] = off + nodeSize + int64(i)*s.bandSize
		}
		next := int64(binary.BigEndian.Uint64(node[0x14:]))
		if next == 0 {
			break
		}
		off = next
	}

	log.WithFields(log.Fields{
		"band_size": s.bandSize,
		"bands":     len(s.bands),
		"size":      fmt.Sprintf("%#x", s.size),
	}).Debug("Opened sparse image")

	return s, nil
}

// Allocated reports whether the band holding off has data in the file
func (s *Sparse) Allocated(off int64) bool {
	_, ok := s.bands[uint64(off/s.bandSize)]
	return ok
}

func (s *Sparse) ReadAt(p []byte, off int64) (n int, err error) {
	if err := disk.CheckRange(off, s.size); err != nil {
		return 0, err
	}
	p, short := disk.Clamp(p, off, s.size)

	for n < len(p) {
		pos := off + int64(n)
		band := uint64(pos / s.bandSize)
		rel := pos % s.bandSize
		want := min(int64(len(p)-n), s.bandSize-rel)
		dst := p[n : n+int(want)]
		if at, ok := s.bands[band]; ok {
			m, err := s.r.ReadAt(dst, at+rel)
			if err != nil && !(err == io.EOF && m == len(dst)) {
				return n + m, fmt.Errorf("failed to read band %d: %w", band, err)
			}
		} else {
			clear(dst)
		}
		n += int(want)
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}

func (s *Sparse) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

func (s *Sparse) GetSize() uint64 {
	return uint64(s.size)
}
