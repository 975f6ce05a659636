// Package decmpfs reads files stored with Apple's transparent compression.
package decmpfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/types"
	lzfse "github.com/blacktop/lzfse-cgo"
	"github.com/klauspost/compress/zlib"
)

var (
	ErrUnsupportedCompression = errors.New("unsupported compression type")
	ErrCorruptedChunk         = errors.New("corrupted compressed chunk")
	ErrTruncated              = errors.New("truncated compressed data")
)

const (
	chunkSize = types.DECMPFS_CHUNK_SIZE

	zlibEscape = 0xFF
	lzvnEscape = 0x06

	lzvnBlockMagic = "bvxn"
	lzfseEndMagic  = "bvx$"
)

type codec uint8

const (
	codecRaw codec = iota
	codecZlib
	codecLZVN
	codecLZFSE
)

func (c codec) String() string {
	switch c {
	case codecZlib:
		return "zlib"
	case codecLZVN:
		return "lzvn"
	case codecLZFSE:
		return "lzfse"
	default:
		return "raw"
	}
}

// Chunk locates one compressed chunk inside its source
type Chunk struct {
	Offset uint64
	Size   uint32
}

// Reader decompresses a file on demand, one chunk at a time
type Reader struct {
	hdr  *types.DecmpfsDiskHeader
	src  io.ReaderAt
	size int64

	codec  codec
	chunks []Chunk
	// inline types hold their payload as a single chunk
	inline bool
	// chunk length in decompressed bytes
	span int64

	// last decompressed chunk
	cur int
	buf []byte
}

// Supported returns true if the compression type can be decoded
func Supported(hdr *types.DecmpfsDiskHeader) bool {
	_, _, err := method(hdr)
	return err == nil
}

func method(hdr *types.DecmpfsDiskHeader) (codec, bool, error) {
	switch hdr.CompressionType {
	case types.CMP_TYPE1, types.CMP_ATTR_UNCOMPRESSED:
		return codecRaw, true, nil
	case types.CMP_ATTR_ZLIB:
		return codecZlib, true, nil
	case types.CMP_ATTR_LZVN:
		return codecLZVN, true, nil
	case types.CMP_ATTR_LZFSE:
		return codecLZFSE, true, nil
	case types.CMP_RSRC_UNCOMPRESSED:
		return codecRaw, false, nil
	case types.CMP_RSRC_ZLIB:
		return codecZlib, false, nil
	case types.CMP_RSRC_LZVN:
		return codecLZVN, false, nil
	case types.CMP_RSRC_LZFSE:
		return codecLZFSE, false, nil
	default:
		return 0, false, fmt.Errorf("%w: %s", ErrUnsupportedCompression, hdr.CompressionType)
	}
}

// NewReader returns a reader over a compressed file. rsrc is the resource fork
// stream (rsrcSize bytes long) and may be nil for types stored in the xattr.
func NewReader(hdr *types.DecmpfsDiskHeader, rsrc io.ReaderAt, rsrcSize int64) (*Reader, error) {
	c, inline, err := method(hdr)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		hdr:    hdr,
		size:   int64(hdr.UncompressedSize),
		codec:  c,
		inline: inline,
		span:   chunkSize,
		cur:    -1,
	}
	if inline {
		r.src = bytes.NewReader(hdr.AttrBytes)
		r.chunks = []Chunk{{Offset: 0, Size: uint32(len(hdr.AttrBytes))}}
		r.span = max(r.size, 1)
		return r, nil
	}

	if rsrc == nil {
		return nil, fmt.Errorf("%w: %s requires a resource fork", ErrTruncated, hdr.CompressionType)
	}
	r.src = rsrc
	switch hdr.CompressionType {
	case types.CMP_RSRC_ZLIB:
		r.chunks, err = zlibChunks(rsrc, rsrcSize)
	case types.CMP_RSRC_LZVN, types.CMP_RSRC_LZFSE:
		r.chunks, err = offsetChunks(rsrc, rsrcSize)
	case types.CMP_RSRC_UNCOMPRESSED:
		r.chunks = rawChunks(r.size)
		if rsrcSize < r.size {
			err = fmt.Errorf("%w: resource fork is %d bytes, want %d", ErrTruncated, rsrcSize, r.size)
		}
	}
	if err != nil {
		return nil, err
	}

	if want := (r.size + chunkSize - 1) / chunkSize; int64(len(r.chunks)) < want {
		return nil, fmt.Errorf("%w: %d chunks cover %d bytes", ErrTruncated, len(r.chunks), r.size)
	}
	return r, nil
}

// zlibChunks parses the resource fork layout used by CMP_RSRC_ZLIB
func zlibChunks(rsrc io.ReaderAt, size int64) ([]Chunk, error) {
	var head types.CmpfRsrcHead
	if err := binary.Read(io.NewSectionReader(rsrc, 0, size), binary.BigEndian, &head); err != nil {
		return nil, fmt.Errorf("%w: resource fork header: %v", ErrTruncated, err)
	}
	base := int64(head.HeaderSize) + 4
	sr := io.NewSectionReader(rsrc, int64(head.HeaderSize), max(size-int64(head.HeaderSize), 0))

	var blk types.CmpfRsrcBlockHead
	if err := binary.Read(sr, binary.BigEndian, &blk.DataSize); err != nil {
		return nil, fmt.Errorf("%w: resource fork data size: %v", ErrTruncated, err)
	}
	if err := binary.Read(sr, binary.LittleEndian, &blk.NumBlocks); err != nil {
		return nil, fmt.Errorf("%w: resource fork block count: %v", ErrTruncated, err)
	}
	if int64(blk.NumBlocks)*8 > size {
		return nil, fmt.Errorf("%w: %d blocks in a %d byte resource fork", ErrTruncated, blk.NumBlocks, size)
	}
	blk.Blocks = make([]types.CmpfRsrcBlock, blk.NumBlocks)
	if err := binary.Read(sr, binary.LittleEndian, &blk.Blocks); err != nil {
		return nil, fmt.Errorf("%w: resource fork block table: %v", ErrTruncated, err)
	}

	chunks := make([]Chunk, 0, len(blk.Blocks))
	for _, b := range blk.Blocks {
		chunks = append(chunks, Chunk{Offset: uint64(base) + uint64(b.Offset), Size: b.Size})
	}
	return chunks, nil
}

// offsetChunks parses the offset table used by CMP_RSRC_LZVN and CMP_RSRC_LZFSE:
// the first entry is the table length and entry i+1 is where chunk i ends
func offsetChunks(rsrc io.ReaderAt, size int64) ([]Chunk, error) {
	var first [4]byte
	if _, err := rsrc.ReadAt(first[:], 0); err != nil {
		return nil, fmt.Errorf("%w: chunk table: %v", ErrTruncated, err)
	}
	tableLen := binary.LittleEndian.Uint32(first[:])
	if tableLen < 8 || tableLen%4 != 0 || int64(tableLen) > size {
		return nil, fmt.Errorf("%w: chunk table length %d", ErrTruncated, tableLen)
	}
	table := make([]uint32, tableLen/4)
	if err := binary.Read(io.NewSectionReader(rsrc, 0, int64(tableLen)), binary.LittleEndian, table); err != nil {
		return nil, fmt.Errorf("%w: chunk table: %v", ErrTruncated, err)
	}
	chunks := make([]Chunk, 0, len(table)-1)
	for i := 0; i+1 < len(table); i++ {
		if table[i+1] < table[i] || int64(table[i+1]) > size {
			return nil, fmt.Errorf("%w: chunk %d spans %#x-%#x", ErrTruncated, i, table[i], table[i+1])
		}
		chunks = append(chunks, Chunk{Offset: uint64(table[i]), Size: table[i+1] - table[i]})
	}
	return chunks, nil
}

func rawChunks(size int64) []Chunk {
	var chunks []Chunk
	for off := int64(0); off < size; off += chunkSize {
		chunks = append(chunks, Chunk{Offset: uint64(off), Size: uint32(min(chunkSize, size-off))})
	}
	return chunks
}

// Size is the uncompressed file size
func (r *Reader) Size() int64 {
	return r.size
}

// Type is the decmpfs compression type
func (r *Reader) Type() uint32 {
	return uint32(r.hdr.CompressionType)
}

// Chunks returns the compressed chunk table
func (r *Reader) Chunks() []Chunk {
	return r.chunks
}

// InResourceFork returns true if the compressed data lives in the resource fork
func (r *Reader) InResourceFork() bool {
	return !r.inline
}

func (r *Reader) chunkLen(i int) int64 {
	return min(r.span, r.size-int64(i)*r.span)
}

// Chunk decompresses chunk i. The returned slice is reused by the next call.
func (r *Reader) Chunk(i int) ([]byte, error) {
	if i == r.cur {
		return r.buf, nil
	}
	if i < 0 || i >= len(r.chunks) {
		return nil, fmt.Errorf("%w: chunk %d of %d", ErrTruncated, i, len(r.chunks))
	}
	c := r.chunks[i]
	raw := make([]byte, c.Size)
	if n, err := r.src.ReadAt(raw, int64(c.Offset)); n < len(raw) {
		return nil, fmt.Errorf("%w: chunk %d: read %d of %d bytes: %v", ErrTruncated, i, n, len(raw), err)
	}
	want := r.chunkLen(i)
	out, err := r.decode(raw, want)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d (%s, %d bytes at %#x): %v", ErrCorruptedChunk, i, r.codec, c.Size, c.Offset, err)
	}
	if int64(len(out)) < want {
		return nil, fmt.Errorf("%w: chunk %d decoded to %d bytes, want %d", ErrCorruptedChunk, i, len(out), want)
	}
	r.cur, r.buf = i, out[:want]
	return r.buf, nil
}

func (r *Reader) decode(raw []byte, want int64) ([]byte, error) {
	if len(raw) == 0 {
		if want == 0 {
			return raw, nil
		}
		return nil, fmt.Errorf("empty chunk")
	}
	switch r.codec {
	case codecZlib:
		if raw[0] == zlibEscape {
			return raw[1:], nil
		}
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		// reading to EOF makes the zlib reader verify the adler32 trailer
		out, err := io.ReadAll(io.LimitReader(zr, want+1))
		if err != nil {
			return nil, err
		}
		if int64(len(out)) > want {
			return nil, fmt.Errorf("chunk inflates past %d bytes", want)
		}
		return out, nil
	case codecLZVN:
		if raw[0] == lzvnEscape {
			return raw[1:], nil
		}
		return lzfse.DecodeBuffer(FrameLZVN(raw, uint32(want))), nil
	case codecLZFSE:
		if raw[0] == lzvnEscape {
			return raw[1:], nil
		}
		return lzfse.DecodeBuffer(raw), nil
	default:
		return raw, nil
	}
}

// FrameLZVN wraps a bare LZVN stream in the block framing an LZFSE decoder expects
func FrameLZVN(payload []byte, uncompressed uint32) []byte {
	out := make([]byte, 0, len(payload)+16)
	out = append(out, lzvnBlockMagic...)
	out = binary.LittleEndian.AppendUint32(out, uncompressed)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return append(out, lzfseEndMagic...)
}

// ReadAt implements io.ReaderAt over the decompressed file; only the chunks
// covering [off, off+len(p)) are decompressed. A corrupted chunk ends the read
// early with an error wrapping ErrCorruptedChunk.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && off+int64(n) < r.size {
		pos := off + int64(n)
		i := int(pos / r.span)
		chunk, err := r.Chunk(i)
		if err != nil {
			log.WithFields(log.Fields{
				"chunk":  i,
				"offset": pos,
				"type":   r.hdr.CompressionType,
			}).WithError(err).Warn("failed to decompress chunk")
			return n, err
		}
		n += copy(p[n:], chunk[pos-int64(i)*r.span:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Decompress returns the whole uncompressed file
func (r *Reader) Decompress() ([]byte, error) {
	out := make([]byte, r.size)
	if _, err := r.ReadAt(out, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out, nil
}

// WriteTo streams the uncompressed file to w chunk by chunk
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for i := 0; int64(i)*r.span < r.size; i++ {
		chunk, err := r.Chunk(i)
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
