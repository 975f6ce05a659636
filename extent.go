package apfs

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/blacktop/go-macapt/pkg/catalog"
)

// readAhead caps how much of an extent is buffered past the requested range
const readAhead = 1 << 20

// extentReader reads a data stream from its file extents. Offsets no extent
// covers, and extents at physical block 0, read as zeros.
type extentReader struct {
	dev  io.ReaderAt
	bs   uint64
	exts []catalog.Extent
	size int64

	// window of the extent read last
	buf    []byte
	bufOff uint64
}

func newExtentReader(dev io.ReaderAt, blockSize uint32, exts []catalog.Extent, size int64) *extentReader {
	sorted := append([]catalog.Extent(nil), exts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LogicalOffset < sorted[j].LogicalOffset })
	return &extentReader{dev: dev, bs: uint64(blockSize), exts: sorted, size: size}
}

// find returns the index of the first extent ending after pos
func (r *extentReader) find(pos uint64) int {
	return sort.Search(len(r.exts), func(i int) bool {
		return r.exts[i].LogicalOffset+r.exts[i].Length > pos
	})
}

func (r *extentReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && off+int64(n) < r.size {
		pos := uint64(off) + uint64(n)
		want := min(uint64(len(p)-n), uint64(r.size)-pos)

		if r.buf != nil && pos >= r.bufOff && pos < r.bufOff+uint64(len(r.buf)) {
			n += copy(p[n:n+int(want)], r.buf[pos-r.bufOff:])
			continue
		}

		i := r.find(pos)
		if i == len(r.exts) || r.exts[i].LogicalOffset > pos {
			end := uint64(r.size)
			if i < len(r.exts) {
				end = min(end, r.exts[i].LogicalOffset)
			}
			k := int(min(want, end-pos))
			clear(p[n : n+k])
			n += k
			continue
		}

		e := r.exts[i]
		in := pos - e.LogicalOffset
		if e.PhysBlock == 0 {
			k := int(min(want, e.Length-in))
			clear(p[n : n+k])
			n += k
			continue
		}

		start := in - in%r.bs
		length := min(e.Length-start, max(readAhead, in-start+want))
		buf := make([]byte, length)
		at := int64(e.PhysBlock*r.bs + start)
		if m, err := r.dev.ReadAt(buf, at); m < len(buf) {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return n, fmt.Errorf("failed to read extent at block %#x: %w", e.PhysBlock+start/r.bs, err)
		}
		r.buf, r.bufOff = buf, e.LogicalOffset+start
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
