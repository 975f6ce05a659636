package aff4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/blacktop/go-macapt/pkg/disk"
	"github.com/blacktop/go-macapt/types"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"

	lru "github.com/hashicorp/golang-lru"
)

const (
	indexEntrySize = 12

	defaultChunkSize       = 32 * 1024
	defaultChunksInSegment = 2048

	// DefaultCacheSize is the number of decompressed chunks kept per stream
	DefaultCacheSize = 128
)

type codec uint8

const (
	codecStored codec = iota
	codecSnappy
	codecLZ4
	codecDeflate
	codecZlib
)

func parseCodec(method string) (codec, error) {
	m := strings.ToLower(method)
	switch {
	case m == "", strings.Contains(m, "nullcompressor"), strings.HasSuffix(m, "#stored"):
		return codecStored, nil
	case strings.Contains(m, "snappy"):
		return codecSnappy, nil
	case strings.Contains(m, "lz4"):
		return codecLZ4, nil
	case strings.Contains(m, "rfc1951"), strings.Contains(m, "deflate"):
		return codecDeflate, nil
	case strings.Contains(m, "rfc1950"), strings.Contains(m, "zlib"):
		return codecZlib, nil
	}
	return 0, fmt.Errorf("compression method %s: %w", method, types.ErrUnsupported)
}

// imageStream is an aff4:ImageStream: fixed size chunks grouped into
// bevies, each bevy a zip member with a sibling .index member
type imageStream struct {
	a               *AFF4
	urn             string
	codec           codec
	chunkSize       int64
	chunksInSegment int64
	size            int64
	cache           *lru.Cache
	indexes         map[int64][]byte
}

func (a *AFF4) openImageStream(urn string) (*imageStream, error) {
	s := &imageStream{
		a:               a,
		urn:             urn,
		chunkSize:       defaultChunkSize,
		chunksInSegment: defaultChunksInSegment,
		indexes:         make(map[int64][]byte),
	}
	if v, ok := a.Graph.Int(urn, PredChunkSize); ok && v > 0 {
		s.chunkSize = v
	}
	if v, ok := a.Graph.Int(urn, PredChunksInSegment); ok && v > 0 {
		s.chunksInSegment = v
	}
	size, ok := a.Graph.Int(urn, PredSize)
	if !ok {
		return nil, fmt.Errorf("image stream has no size: %w", types.ErrTruncatedRecord)
	}
	s.size = size

	var err error
	if s.codec, err = parseCodec(a.Graph.Value(urn, PredCompressionMethod)); err != nil {
		return nil, err
	}
	if s.cache, err = lru.New(DefaultCacheSize); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *imageStream) Size() int64 { return s.size }

func (s *imageStream) index(bevy int64) ([]byte, error) {
	if idx, ok := s.indexes[bevy]; ok {
		return idx, nil
	}
	f, ok := s.a.member(s.urn, fmt.Sprintf("/%08d.index", bevy))
	if !ok {
		return nil, fmt.Errorf("missing index for bevy %d: %w", bevy, types.ErrTruncatedRecord)
	}
	idx, err := readAll(f)
	if err != nil {
		return nil, err
	}
	s.indexes[bevy] = idx
	return idx, nil
}

func (s *imageStream) chunk(n int64) ([]byte, error) {
	if v, ok := s.cache.Get(n); ok {
		return v.([]byte), nil
	}
	bevy, i := n/s.chunksInSegment, n%s.chunksInSegment

	idx, err := s.index(bevy)
	if err != nil {
		return nil, err
	}
	if (i+1)*indexEntrySize > int64(len(idx)) {
		return nil, fmt.Errorf("chunk %d missing from bevy %d index: %w", n, bevy, types.ErrTruncatedRecord)
	}
	off := int64(binary.LittleEndian.Uint64(idx[i*indexEntrySize:]))
	length := int64(binary.LittleEndian.Uint32(idx[i*indexEntrySize+8:]))

	f, ok := s.a.member(s.urn, fmt.Sprintf("/%08d", bevy))
	if !ok {
		return nil, fmt.Errorf("missing bevy %d: %w", bevy, types.ErrTruncatedRecord)
	}
	seg, segSize, err := s.a.segment(f)
	if err != nil {
		return nil, err
	}
	if off+length > segSize {
		return nil, fmt.Errorf("chunk %d runs past bevy %d: %w", n, bevy, types.ErrTruncatedRecord)
	}
	raw := make([]byte, length)
	if _, err := seg.ReadAt(raw, off); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read chunk %d: %w", n, err)
	}

	want := min(s.chunkSize, s.size-n*s.chunkSize)
	data, err := s.decompress(raw, want)
	if err != nil && int64(len(raw)) == want {
		// a short final chunk that did not shrink
		data, err = raw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decompress chunk %d: %w", n, err)
	}
	if int64(len(data)) < want {
		return nil, fmt.Errorf("chunk %d is %d bytes: %w", n, len(data), types.ErrTruncatedRecord)
	}
	data = data[:want]
	s.cache.Add(n, data)
	return data, nil
}

// decompress inflates one chunk; chunks that did not shrink are stored as is
func (s *imageStream) decompress(raw []byte, want int64) ([]byte, error) {
	if s.codec == codecStored || int64(len(raw)) == s.chunkSize {
		return raw, nil
	}
	switch s.codec {
	case codecSnappy:
		return snappy.Decode(nil, raw)
	case codecLZ4:
		out := make([]byte, s.chunkSize)
		n, err := lz4.UncompressBlock(raw, out)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	case codecDeflate:
		return readFull(flate.NewReader(bytes.NewReader(raw)), want)
	case codecZlib:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		return readFull(zr, want)
	}
	return nil, types.ErrUnsupported
}

func readFull(rc io.ReadCloser, want int64) ([]byte, error) {
	defer rc.Close()
	out := make([]byte, want)
	if _, err := io.ReadFull(rc, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *imageStream) ReadAt(p []byte, off int64) (n int, err error) {
	if err := disk.CheckRange(off, s.size); err != nil {
		return 0, err
	}
	p, short := disk.Clamp(p, off, s.size)

	for n < len(p) {
		pos := off + int64(n)
		c := pos / s.chunkSize
		data, err := s.chunk(c)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], data[pos-c*s.chunkSize:])
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}
