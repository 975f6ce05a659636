// Package raw reads dd style images, including images split into numbered
// segments (image.001, image.002, ...), and mounted block devices.
package raw

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/disk"
	"golang.org/x/exp/mmap"
)

type segment struct {
	r     io.ReaderAt
	c     io.Closer
	start int64
	size  int64
}

// Raw is a flat image made of one or more consecutive segments
type Raw struct {
	segs []segment
	size int64
}

// Open opens a raw image. When name carries a numeric extension every
// following segment with the same width is opened as well.
func Open(name string) (*Raw, error) {
	names, err := Segments(name)
	if err != nil {
		return nil, err
	}
	r := &Raw{}
	for _, n := range names {
		m, err := mmap.Open(n)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to map segment %s: %w", n, err)
		}
		r.add(m, m, int64(m.Len()))
	}
	log.WithFields(log.Fields{
		"segments": len(names),
		"size":     r.size,
	}).Debug("Opened raw image")
	return r, nil
}

// OpenDevice opens a block device (or any file that cannot be mapped)
// using positional reads on the file descriptor
func OpenDevice(name string) (*Raw, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	// block devices report a zero size from Stat
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to determine size of %s: %w", name, err)
	}
	r := &Raw{}
	r.add(f, f, size)
	return r, nil
}

// New creates a single segment image over r
func New(r io.ReaderAt, size int64) *Raw {
	raw := &Raw{}
	raw.add(r, nil, size)
	return raw
}

// Append adds a segment after the current end of the image; c may be nil
func (r *Raw) Append(ra io.ReaderAt, c io.Closer, size int64) {
	r.add(ra, c, size)
}

func (r *Raw) add(ra io.ReaderAt, c io.Closer, size int64) {
	r.segs = append(r.segs, segment{r: ra, c: c, start: r.size, size: size})
	r.size += size
}

// Segments lists the files making up the split image that starts at name
func Segments(name string) ([]string, error) {
	if _, err := os.Stat(name); err != nil {
		return nil, err
	}
	ext := filepath.Ext(name)
	num, err := strconv.Atoi(strings.TrimPrefix(ext, "."))
	if ext == "" || err != nil {
		return []string{name}, nil
	}
	width := len(ext) - 1
	base := strings.TrimSuffix(name, ext)
	names := []string{name}
	for {
		num++
		next := fmt.Sprintf("%s.%0*d", base, width, num)
		if _, err := os.Stat(next); err != nil {
			break
		}
		names = append(names, next)
	}
	return names, nil
}

func (r *Raw) ReadAt(p []byte, off int64) (n int, err error) {
	if err := disk.CheckRange(off, r.size); err != nil {
		return 0, err
	}
	p, short := disk.Clamp(p, off, r.size)
	i := sort.Search(len(r.segs), func(i int) bool {
		return r.segs[i].start+r.segs[i].size > off
	})
	for n < len(p) && i < len(r.segs) {
		s := r.segs[i]
		rel := off + int64(n) - s.start
		want := min(int64(len(p)-n), s.size-rel)
		m, err := s.r.ReadAt(p[n:n+int(want)], rel)
		n += m
		if err != nil && !(err == io.EOF && int64(m) == want) {
			return n, err
		}
		i++
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}

func (r *Raw) Close() error {
	var first error
	for _, s := range r.segs {
		if s.c == nil {
			continue
		}
		if err := s.c.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.segs = nil
	return first
}

func (r *Raw) GetSize() uint64 {
	return uint64(r.size)
}
