// Package aff4 reads AFF4 forensic containers: a zip volume holding an
// information.turtle RDF description, chunked image streams and map streams.
package aff4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/disk"
	"github.com/blacktop/go-macapt/types"
	"github.com/klauspost/compress/zip"
)

const (
	NS = "http://aff4.org/Schema#"

	TypeImage       = NS + "Image"
	TypeDiskImage   = NS + "DiskImage"
	TypeMap         = NS + "Map"
	TypeImageStream = NS + "ImageStream"

	PredDataStream        = NS + "dataStream"
	PredSize              = NS + "size"
	PredChunkSize         = NS + "chunkSize"
	PredChunksInSegment   = NS + "chunksInSegment"
	PredCompressionMethod = NS + "compressionMethod"

	zeroStream     = NS + "Zero"
	unknownStream  = NS + "UnknownData"
	symbolicPrefix = NS + "SymbolicStream"

	informationTurtle = "information.turtle"
	mapEntrySize      = 28
)

// Stream is a readable AFF4 stream of known size
type Stream interface {
	io.ReaderAt
	Size() int64
}

// AFF4 is an opened container. It reads the disk image it describes,
// through the image's map when there is one.
type AFF4 struct {
	Graph Graph
	// Image is the URN of the stream being read
	Image string

	zr      *zip.Reader
	r       io.ReaderAt
	volume  string
	members map[string]*zip.File
	streams map[string]Stream
	opening map[string]bool
	data    Stream
	closer  io.Closer
}

// Open opens an .aff4 file
func Open(name string) (*AFF4, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	a, err := New(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	a.closer = f
	return a, nil
}

// New reads the volume description from r and opens the first disk image in it
func New(r io.ReaderAt, size int64) (*AFF4, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open AFF4 zip volume: %w: %w", types.ErrBadMagic, err)
	}
	a := &AFF4{
		zr:      zr,
		r:       r,
		members: make(map[string]*zip.File),
		streams: make(map[string]Stream),
		opening: make(map[string]bool),
	}
	for _, f := range zr.File {
		name, err := url.PathUnescape(f.Name)
		if err != nil {
			name = f.Name
		}
		a.members[name] = f
	}
	if zr.Comment != "" {
		a.volume = strings.TrimSpace(zr.Comment)
	}
	if desc, err := a.readMember("container.description"); err == nil {
		a.volume = strings.TrimSpace(string(desc))
	}

	info, err := a.readMember(informationTurtle)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", informationTurtle, err)
	}
	if a.Graph, err = ParseTurtle(string(info)); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", informationTurtle, err)
	}

	if a.Image, err = a.selectImage(); err != nil {
		return nil, err
	}
	if a.data, err = a.Stream(a.Image); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"volume": a.volume,
		"stream": a.Image,
		"size":   fmt.Sprintf("%#x", a.data.Size()),
	}).Debug("Opened AFF4 volume")

	return a, nil
}

// selectImage prefers the data stream of a (disk) image, then any map,
// then any image stream
func (a *AFF4) selectImage() (string, error) {
	for _, t := range []string{TypeDiskImage, TypeImage} {
		for _, img := range a.Graph.OfType(t) {
			if ds := a.Graph.Value(img, PredDataStream); ds != "" {
				return ds, nil
			}
		}
	}
	for _, t := range []string{TypeMap, TypeImageStream} {
		if s := a.Graph.OfType(t); len(s) > 0 {
			return s[0], nil
		}
	}
	return "", fmt.Errorf("no image in AFF4 volume: %w", types.ErrTruncatedRecord)
}

func (a *AFF4) member(urn, suffix string) (*zip.File, bool) {
	cands := []string{urn + suffix}
	if a.volume != "" && strings.HasPrefix(urn, a.volume) {
		cands = append(cands, strings.TrimPrefix(strings.TrimPrefix(urn, a.volume), "/")+suffix)
	}
	for _, c := range cands {
		if f, ok := a.members[c]; ok {
			return f, true
		}
		if f, ok := a.members["/"+c]; ok {
			return f, true
		}
	}
	return nil, false
}

func (a *AFF4) readMember(name string) ([]byte, error) {
	f, ok := a.members[name]
	if !ok {
		return nil, fmt.Errorf("member %s: %w", name, os.ErrNotExist)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// segment returns a reader over a member; stored members are read in place
func (a *AFF4) segment(f *zip.File) (io.ReaderAt, int64, error) {
	if f.Method == zip.Store {
		off, err := f.DataOffset()
		if err != nil {
			return nil, 0, err
		}
		return io.NewSectionReader(a.r, off, int64(f.UncompressedSize64)), int64(f.UncompressedSize64), nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(data), int64(len(data)), nil
}

// Stream opens the stream named by urn
func (a *AFF4) Stream(urn string) (Stream, error) {
	if s, ok := a.streams[urn]; ok {
		return s, nil
	}
	if a.opening[urn] {
		return nil, fmt.Errorf("stream %s refers to itself: %w", urn, types.ErrTruncatedRecord)
	}
	a.opening[urn] = true
	defer delete(a.opening, urn)
	var s Stream
	var err error
	switch {
	case a.Graph.HasType(urn, TypeMap):
		s, err = a.openMap(urn)
	case a.Graph.HasType(urn, TypeImageStream):
		s, err = a.openImageStream(urn)
	default:
		return nil, fmt.Errorf("stream %s has no readable type: %w", urn, types.ErrUnsupported)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open stream %s: %w", urn, err)
	}
	a.streams[urn] = s
	return s, nil
}

type mapEntry struct {
	Mapped uint64
	Length uint64
	Target uint64
	ID     uint32
}

type mapStream struct {
	entries []mapEntry
	targets []io.ReaderAt
	size    int64
}

func (a *AFF4) openMap(urn string) (*mapStream, error) {
	mf, ok := a.member(urn, "/map")
	if !ok {
		return nil, fmt.Errorf("missing map member: %w", types.ErrTruncatedRecord)
	}
	idx, ok := a.member(urn, "/idx")
	if !ok {
		return nil, fmt.Errorf("missing idx member: %w", types.ErrTruncatedRecord)
	}
	raw, err := readAll(mf)
	if err != nil {
		return nil, err
	}
	names, err := readAll(idx)
	if err != nil {
		return nil, err
	}

	m := &mapStream{}
	for _, t := range strings.Split(strings.TrimSpace(string(names)), "\n") {
		t = strings.TrimSpace(t)
		switch {
		case t == zeroStream || t == unknownStream:
			m.targets = append(m.targets, disk.Zeros{})
		case strings.HasPrefix(t, symbolicPrefix):
			b, err := strconv.ParseUint(strings.TrimPrefix(t, symbolicPrefix), 16, 8)
			if err != nil {
				return nil, fmt.Errorf("bad symbolic stream %s: %w", t, types.ErrUnsupported)
			}
			m.targets = append(m.targets, fill(b))
		default:
			s, err := a.Stream(t)
			if err != nil {
				return nil, err
			}
			m.targets = append(m.targets, s)
		}
	}

	for off := 0; off+mapEntrySize <= len(raw); off += mapEntrySize {
		e := mapEntry{
			Mapped: binary.LittleEndian.Uint64(raw[off:]),
			Length: binary.LittleEndian.Uint64(raw[off+8:]),
			Target: binary.LittleEndian.Uint64(raw[off+16:]),
			ID:     binary.LittleEndian.Uint32(raw[off+24:]),
		}
		if int(e.ID) >= len(m.targets) {
			return nil, fmt.Errorf("map entry targets stream %d of %d: %w", e.ID, len(m.targets), types.ErrTruncatedRecord)
		}
		m.entries = append(m.entries, e)
	}
	sort.Slice(m.entries, func(i, j int) bool { return m.entries[i].Mapped < m.entries[j].Mapped })

	if size, ok := a.Graph.Int(urn, PredSize); ok {
		m.size = size
	} else if n := len(m.entries); n > 0 {
		m.size = int64(m.entries[n-1].Mapped + m.entries[n-1].Length)
	}
	return m, nil
}

func readAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// fill is a symbolic stream repeating one byte
type fill byte

func (f fill) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = byte(f)
	}
	return len(p), nil
}

func (m *mapStream) Size() int64 { return m.size }

// ReadAt reads mapped ranges from their targets; unmapped ranges read as zeros
func (m *mapStream) ReadAt(p []byte, off int64) (n int, err error) {
	if err := disk.CheckRange(off, m.size); err != nil {
		return 0, err
	}
	p, short := disk.Clamp(p, off, m.size)

	i := sort.Search(len(m.entries), func(i int) bool {
		return int64(m.entries[i].Mapped+m.entries[i].Length) > off
	})
	for n < len(p) {
		pos := off + int64(n)
		if i >= len(m.entries) {
			clear(p[n:])
			n = len(p)
			break
		}
		e := m.entries[i]
		if pos < int64(e.Mapped) {
			gap := min(int64(len(p)-n), int64(e.Mapped)-pos)
			clear(p[n : n+int(gap)])
			n += int(gap)
			continue
		}
		want := min(int64(len(p)-n), int64(e.Mapped+e.Length)-pos)
		m2, err := m.targets[e.ID].ReadAt(p[n:n+int(want)], int64(e.Target)+pos-int64(e.Mapped))
		n += m2
		if err != nil && !(err == io.EOF && int64(m2) == want) {
			return n, err
		}
		i++
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}

func (a *AFF4) ReadAt(p []byte, off int64) (int, error) {
	return a.data.ReadAt(p, off)
}

func (a *AFF4) GetSize() uint64 {
	return uint64(a.data.Size())
}

func (a *AFF4) Close() error {
	for _, s := range a.streams {
		if is, ok := s.(*imageStream); ok {
			is.cache.Purge()
		}
	}
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}
