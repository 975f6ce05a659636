// Package e01 reads Expert Witness (EnCase) E01 evidence files, including
// evidence split across numbered segment files.
package e01

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/disk"
	"github.com/blacktop/go-macapt/types"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/text/encoding/unicode"

	lru "github.com/hashicorp/golang-lru"
)

const (
	Signature = "EVF\x09\x0d\x0a\xff\x00"

	fileHeaderSize = 13
	sectionSize    = 76
	tableHeadSize  = 24

	compressedFlag = 0x80000000

	// DefaultCacheSize is the number of inflated chunks kept in memory
	DefaultCacheSize = 64
)

// SectionDescriptor precedes the data of every section in a segment file
type SectionDescriptor struct {
	Type     [16]byte
	Next     uint64
	Size     uint64
	_        [40]byte
	Checksum uint32
}

func (s SectionDescriptor) Name() string {
	return string(bytes.TrimRight(s.Type[:], "\x00"))
}

// VolumeInfo is the media geometry from the volume (or disk) section
type VolumeInfo struct {
	MediaType       uint8
	_               [3]byte
	ChunkCount      uint32
	SectorsPerChunk uint32
	BytesPerSector  uint32
	SectorCount     uint64
}

type chunk struct {
	seg        int
	offset     int64
	size       int64
	compressed bool
}

// E01 is an opened evidence file set
type E01 struct {
	Volume VolumeInfo
	// Header holds the acquisition metadata from the header and header2 sections
	Header map[string]string

	segs      []io.ReaderAt
	closers   []io.Closer
	chunks    []chunk
	chunkSize int64
	size      int64
	cache     *lru.Cache
}

var headerKeys = map[string]string{
	"a":  "description",
	"c":  "case_number",
	"n":  "evidence_number",
	"e":  "examiner",
	"t":  "notes",
	"av": "acquisition_version",
	"ov": "os_version",
	"m":  "acquired",
	"u":  "system_date",
	"md": "model",
	"sn": "serial_number",
}

// Open opens the first segment (.E01) and every following segment
func Open(name string) (*E01, error) {
	names, err := Segments(name)
	if err != nil {
		return nil, err
	}
	var segs []io.ReaderAt
	var closers []io.Closer
	for _, n := range names {
		f, err := os.Open(n)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, err
		}
		segs = append(segs, f)
		closers = append(closers, f)
	}
	e, err := New(segs...)
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}
	e.closers = closers
	return e, nil
}

// Segments lists name and the segment files that follow it (E02..E99, EAA..EZZ, ...)
func Segments(name string) ([]string, error) {
	if _, err := os.Stat(name); err != nil {
		return nil, err
	}
	names := []string{name}
	ext := filepath.Ext(name)
	if len(ext) != 4 {
		return names, nil
	}
	base := strings.TrimSuffix(name, ext)
	for cur := ext[1:]; ; {
		next, ok := nextExtension(cur)
		if !ok {
			break
		}
		n := base + "." + next
		if _, err := os.Stat(n); err != nil {
			break
		}
		names = append(names, n)
		cur = next
	}
	return names, nil
}

// nextExtension steps E01 -> E02 ... E99 -> EAA ... EZZ -> FAA, keeping the case of ext
func nextExtension(ext string) (string, bool) {
	b := []byte(ext)
	lower := b[0] >= 'a' && b[0] <= 'z'
	a, z := byte('A'), byte('Z')
	if lower {
		a, z = 'a', 'z'
	}
	if b[1] >= '0' && b[1] <= '9' && b[2] >= '0' && b[2] <= '9' {
		if string(b[1:]) == "99" {
			return string([]byte{b[0], a, a}), true
		}
		n := int(b[1]-'0')*10 + int(b[2]-'0') + 1
		return fmt.Sprintf("%c%02d", b[0], n), true
	}
	for i := 2; i >= 0; i-- {
		if b[i] < z {
			b[i]++
			return string(b), true
		}
		b[i] = a
	}
	return "", false
}

// New parses the sections of every segment, in order
func New(segs ...io.ReaderAt) (*E01, error) {
	e := &E01{segs: segs, Header: make(map[string]string)}

	for i, seg := range segs {
		if err := e.parseSegment(i, seg); err != nil {
			return nil, fmt.Errorf("failed to parse segment %d: %w", i+1, err)
		}
	}

	if e.Volume.SectorsPerChunk == 0 || e.Volume.BytesPerSector == 0 {
		return nil, fmt.Errorf("missing volume section: %w", types.ErrTruncatedRecord)
	}
	e.chunkSize = int64(e.Volume.SectorsPerChunk) * int64(e.Volume.BytesPerSector)
	e.size = int64(e.Volume.SectorCount) * int64(e.Volume.BytesPerSector)
	if want := (e.size + e.chunkSize - 1) / e.chunkSize; int64(len(e.chunks)) < want {
		return nil, fmt.Errorf("chunk tables list %d of %d chunks: %w", len(e.chunks), want, types.ErrTruncatedRecord)
	}

	var err error
	if e.cache, err = lru.New(DefaultCacheSize); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"segments": len(segs),
		"chunks":   len(e.chunks),
		"size":     fmt.Sprintf("%#x", e.size),
	}).Debug("Opened E01 image")

	return e, nil
}

func (e *E01) parseSegment(idx int, r io.ReaderAt) error {
	hdr := make([]byte, fileHeaderSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("failed to read file header: %w", types.ErrTruncatedBlock)
	}
	if string(hdr[:8]) != Signature {
		return fmt.Errorf("found unexpected EWF signature %x: %w", hdr[:8], types.ErrBadMagic)
	}

	// chunks of a table end where the sectors section holding them ends
	var sectorsEnd int64
	for off := int64(fileHeaderSize); ; {
		raw := make([]byte, sectionSize)
		if _, err := r.ReadAt(raw, off); err != nil {
			return fmt.Errorf("failed to read section at %#x: %w", off, err)
		}
		var sd SectionDescriptor
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &sd); err != nil {
			return err
		}
		if sum := adler32.Checksum(raw[:sectionSize-4]); sum != sd.Checksum {
			log.WithFields(log.Fields{
				"section": sd.Name(),
				"offset":  fmt.Sprintf("%#x", off),
			}).Warn("EWF section descriptor checksum mismatch")
		}
		data := off + sectionSize

		switch sd.Name() {
		case "header", "header2":
			if err := e.parseHeader(r, data, int64(sd.Size)-sectionSize, sd.Name() == "header2"); err != nil {
				log.WithError(err).Debugf("ignoring EWF %s section", sd.Name())
			}
		case "volume", "disk":
			if err := binary.Read(io.NewSectionReader(r, data, int64(sd.Size)-sectionSize), binary.LittleEndian, &e.Volume); err != nil {
				return fmt.Errorf("failed to read volume section: %w", err)
			}
		case "sectors":
			sectorsEnd = off + int64(sd.Size)
		case "table":
			if err := e.parseTable(idx, r, data, sectorsEnd); err != nil {
				return err
			}
		case "next", "done":
			return nil
		}

		if sd.Next == 0 || int64(sd.Next) <= off {
			return nil
		}
		off = int64(sd.Next)
	}
}

func (e *E01) parseHeader(r io.ReaderAt, off, size int64, utf16 bool) error {
	zr, err := zlib.NewReader(io.NewSectionReader(r, off, size))
	if err != nil {
		return err
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return err
	}
	if utf16 {
		if data, err = unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder().Bytes(data); err != nil {
			return err
		}
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) < 4 {
		return fmt.Errorf("header has %d lines: %w", len(lines), types.ErrTruncatedRecord)
	}
	keys := strings.Split(lines[2], "\t")
	vals := strings.Split(lines[3], "\t")
	for i, k := range keys {
		if i >= len(vals) || vals[i] == "" {
			continue
		}
		if name, ok := headerKeys[k]; ok {
			e.Header[name] = vals[i]
		}
	}
	return nil
}

func (e *E01) parseTable(seg int, r io.ReaderAt, off, sectorsEnd int64) error {
	head := make([]byte, tableHeadSize)
	if _, err := r.ReadAt(head, off); err != nil {
		return fmt.Errorf("failed to read table header: %w", err)
	}
	count := binary.LittleEndian.Uint32(head[0:])
	base := int64(binary.LittleEndian.Uint64(head[8:]))

	raw := make([]byte, int64(count)*4)
	if _, err := r.ReadAt(raw, off+tableHeadSize); err != nil {
		return fmt.Errorf("failed to read %d table entries: %w", count, err)
	}

	first := len(e.chunks)
	for i := 0; i < int(count); i++ {
		ent := binary.LittleEndian.Uint32(raw[i*4:])
		e.chunks = append(e.chunks, chunk{
			seg:        seg,
			offset:     base + int64(ent&^compressedFlag),
			compressed: ent&compressedFlag != 0,
		})
	}
	added := e.chunks[first:]
	for i := range added {
		if i+1 < len(added) {
			added[i].size = added[i+1].offset - added[i].offset
		} else {
			added[i].size = sectorsEnd - added[i].offset
		}
		if added[i].size <= 0 {
			return fmt.Errorf("chunk %d has size %d: %w", first+i, added[i].size, types.ErrTruncatedRecord)
		}
	}
	return nil
}

func (e *E01) chunk(idx int) ([]byte, error) {
	if v, ok := e.cache.Get(idx); ok {
		return v.([]byte), nil
	}
	c := e.chunks[idx]
	raw := make([]byte, c.size)
	if _, err := e.segs[c.seg].ReadAt(raw, c.offset); err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", idx, err)
	}

	want := min(e.chunkSize, e.size-int64(idx)*e.chunkSize)
	var data []byte
	if c.compressed {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to inflate chunk %d: %w", idx, err)
		}
		defer zr.Close()
		data = make([]byte, want)
		if _, err := io.ReadFull(zr, data); err != nil {
			return nil, fmt.Errorf("failed to inflate chunk %d: %w", idx, err)
		}
	} else {
		if int64(len(raw)) < want {
			return nil, fmt.Errorf("chunk %d holds %d bytes: %w", idx, len(raw), io.ErrUnexpectedEOF)
		}
		data = raw[:want]
		// uncompressed chunks carry a trailing adler32
		if int64(len(raw)) >= want+4 {
			if sum := binary.LittleEndian.Uint32(raw[want:]); sum != adler32.Checksum(data) {
				return nil, fmt.Errorf("chunk %d: %w", idx, types.ErrBadBlockChecksum)
			}
		}
	}
	e.cache.Add(idx, data)
	return data, nil
}

func (e *E01) ReadAt(p []byte, off int64) (n int, err error) {
	if err := disk.CheckRange(off, e.size); err != nil {
		return 0, err
	}
	p, short := disk.Clamp(p, off, e.size)

	for n < len(p) {
		pos := off + int64(n)
		idx := int(pos / e.chunkSize)
		data, err := e.chunk(idx)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], data[pos-int64(idx)*e.chunkSize:])
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}

// Keys lists the acquisition metadata keys that were found, sorted
func (e *E01) Keys() []string {
	keys := make([]string, 0, len(e.Header))
	for k := range e.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *E01) Close() error {
	var first error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	if e.cache != nil {
		e.cache.Purge()
	}
	return first
}

func (e *E01) GetSize() uint64 {
	return uint64(e.size)
}
