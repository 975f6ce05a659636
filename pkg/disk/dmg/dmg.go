package dmg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/adc"
	"github.com/blacktop/go-macapt/pkg/disk"
	"github.com/blacktop/go-macapt/types"
	"github.com/blacktop/go-plist"
	"github.com/dsnet/compress/bzip2"
	"github.com/fatih/color"
	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"

	lzfse "github.com/blacktop/lzfse-cgo"
	lru "github.com/hashicorp/golang-lru"
)

const (
	sectorSize = 0x200
	xzMagic    = "\xfd7zXZ\x00"

	// DefaultCacheSize is the number of decompressed chunks kept in memory
	DefaultCacheSize = 128
)

var diskReadColor = color.New(color.Faint, color.FgWhite).SprintfFunc()

// ErrPasswordRequired is returned when opening an encrypted DMG without a password
var ErrPasswordRequired = errors.New("encrypted DMG requires a password")

// DMG apple disk image object
type DMG struct {
	Footer UDIFResourceFile
	Plist  resourceFork
	Blocks []UDIFBlockData

	chunks       []udifBlockChunk // data chunks of every block ordered by disk offset
	maxChunkSize int

	cache        *lru.Cache
	evictCounter uint64

	config Config

	sr     *io.SectionReader
	closer io.Closer
}

// Config is the DMG config
type Config struct {
	DisableCache bool
	CacheSize    int
	Password     string
}

type block struct {
	Attributes string
	Data       []byte
	ID         string
	Name       string
	CFName     string `plist:"CFName,omitempty"`
}

type resourceFork struct {
	ResourceFork map[string][]block `plist:"resource-fork,omitempty"`
}

type udifSignature [4]byte

func (s udifSignature) String() string {
	return string(s[:])
}

type udifChecksumType uint32

const (
	NONE_TYPE  udifChecksumType = 0
	CRC32_TYPE udifChecksumType = 2
)

// UDIFChecksum object
type UDIFChecksum struct {
	Type udifChecksumType
	Size uint32
	Data [32]uint32
}

const (
	udifRFSignature = "koly"
	udifRFVersion   = 4
	udifSectorSize  = 512
)

type udifResourceFileFlag uint32

const (
	Flattened udifResourceFileFlag = 0x00000001
)

// UDIFResourceFile - Universal Disk Image Format (UDIF)
type UDIFResourceFile struct {
	Signature             udifSignature // magic 'koly'
	Version               uint32        // 4 (as of 2013)
	HeaderSize            uint32        // sizeof(this) =  512 (as of 2013)
	Flags                 udifResourceFileFlag
	RunningDataForkOffset uint64
	DataForkOffset        uint64 // usually 0, beginning of file
	DataForkLength        uint64
	RsrcForkOffset        uint64 // resource fork offset and length
	RsrcForkLength        uint64
	SegmentNumber         uint32 // Usually 1, can be 0
	SegmentCount          uint32 // Usually 1, can be 0
	SegmentID             types.UUID

	DataChecksum UDIFChecksum

	PlistOffset uint64 // Offset and length of the blkx plist.
	PlistLength uint64

	Reserved1 [64]byte

	CodeSignatureOffset uint64
	CodeSignatureLength uint64

	Reserved2 [40]byte

	MasterChecksum UDIFChecksum

	ImageVariant uint32 // Unknown, commonly 1
	SectorCount  uint64

	Reserved3 uint32
	Reserved4 uint32
	Reserved5 uint32
}

const (
	udifBDSignature = "mish"
	udifBDVersion   = 1
)

type udifBlockData struct {
	Signature   udifSignature // magic 'mish'
	Version     uint32
	StartSector uint64 // Logical block offset and length, in sectors.
	SectorCount uint64

	DataOffset       uint64
	BuffersNeeded    uint32
	BlockDescriptors uint32

	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
	Reserved4 uint32
	Reserved5 uint32
	Reserved6 uint32

	Checksum UDIFChecksum

	ChunkCount uint32
}

// UDIFBlockData object
type UDIFBlockData struct {
	Name string
	udifBlockData
	Chunks []udifBlockChunk
}

type udifBlockChunkType uint32

const (
	ZERO_FILL       udifBlockChunkType = 0x00000000
	UNCOMPRESSED    udifBlockChunkType = 0x00000001
	IGNORED         udifBlockChunkType = 0x00000002 // Sparse (used for Apple_Free)
	COMPRESS_ADC    udifBlockChunkType = 0x80000004
	COMPRESS_ZLIB   udifBlockChunkType = 0x80000005
	COMPRESSS_BZ2   udifBlockChunkType = 0x80000006
	COMPRESSS_LZFSE udifBlockChunkType = 0x80000007
	COMPRESSS_LZMA  udifBlockChunkType = 0x80000008
	COMMENT         udifBlockChunkType = 0x7ffffffe
	LAST_BLOCK      udifBlockChunkType = 0xffffffff
)

func (t udifBlockChunkType) String() string {
	switch t {
	case ZERO_FILL:
		return "ZERO_FILL"
	case UNCOMPRESSED:
		return "UNCOMPRESSED"
	case IGNORED:
		return "IGNORED"
	case COMPRESS_ADC:
		return "COMPRESS_ADC"
	case COMPRESS_ZLIB:
		return "COMPRESS_ZLIB"
	case COMPRESSS_BZ2:
		return "COMPRESSS_BZ2"
	case COMPRESSS_LZFSE:
		return "COMPRESSS_LZFSE"
	case COMPRESSS_LZMA:
		return "COMPRESSS_LZMA"
	case COMMENT:
		return "COMMENT"
	case LAST_BLOCK:
		return "LAST_BLOCK"
	}
	return fmt.Sprintf("%#x", uint32(t))
}

type udifBlockChunk struct {
	Type             udifBlockChunkType
	Comment          uint32
	DiskOffset       uint64 // Logical chunk offset and length (in bytes once parsed)
	DiskLength       uint64
	CompressedOffset uint64 // Compressed offset and length, in bytes.
	CompressedLength uint64
}

func (c udifBlockChunk) hasData() bool {
	return c.Type != COMMENT && c.Type != LAST_BLOCK
}

func (b *UDIFBlockData) maxChunkSize() int {
	var max int
	for _, chunk := range b.Chunks {
		if max < int(chunk.CompressedLength) {
			max = int(chunk.CompressedLength)
		}
	}
	return max
}

// DecompressChunk returns the DiskLength bytes a chunk expands to; in is scratch space
func (chunk *udifBlockChunk) DecompressChunk(r io.ReaderAt, in []byte) ([]byte, error) {
	switch chunk.Type {
	case ZERO_FILL, IGNORED:
		return make([]byte, chunk.DiskLength), nil
	case COMMENT, LAST_BLOCK:
		return nil, nil
	}

	if cap(in) < int(chunk.CompressedLength) {
		in = make([]byte, chunk.CompressedLength)
	}
	in = in[:chunk.CompressedLength]
	if _, err := r.ReadAt(in, int64(chunk.CompressedOffset)); err != nil {
		return nil, fmt.Errorf("failed to read %s chunk data at %#x: %w", chunk.Type, chunk.CompressedOffset, err)
	}

	var out []byte
	switch chunk.Type {
	case UNCOMPRESSED:
		out = append([]byte(nil), in...)
	case COMPRESS_ADC:
		var err error
		if out, err = adc.DecompressADC(in, int(chunk.DiskLength)); err != nil {
			return nil, err
		}
	case COMPRESS_ZLIB:
		zr, err := zlib.NewReader(bytes.NewReader(in))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader: %w", err)
		}
		defer zr.Close()
		return readChunk(zr, chunk)
	case COMPRESSS_BZ2:
		br, err := bzip2.NewReader(bytes.NewReader(in), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create bzip2 reader: %w", err)
		}
		defer br.Close()
		return readChunk(br, chunk)
	case COMPRESSS_LZFSE:
		out = lzfse.DecodeBuffer(in)
	case COMPRESSS_LZMA:
		var (
			lr  io.Reader
			err error
		)
		if bytes.HasPrefix(in, []byte(xzMagic)) {
			lr, err = xz.NewReader(bytes.NewReader(in))
		} else {
			lr, err = lzma.NewReader(bytes.NewReader(in))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create lzma reader: %w", err)
		}
		return readChunk(lr, chunk)
	default:
		return nil, fmt.Errorf("chunk has unsupported compression type: %s", chunk.Type)
	}

	if uint64(len(out)) < chunk.DiskLength {
		return nil, fmt.Errorf("%s chunk expanded to %#x bytes, expected %#x: %w", chunk.Type, len(out), chunk.DiskLength, io.ErrUnexpectedEOF)
	}
	return out[:chunk.DiskLength], nil
}

func readChunk(r io.Reader, chunk *udifBlockChunk) ([]byte, error) {
	out := make([]byte, chunk.DiskLength)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to decompress %s chunk: %w", chunk.Type, err)
	}
	return out, nil
}

// Open opens the named file using os.Open and prepares it for use as a dmg.
func Open(name string, c *Config) (*DMG, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	var r io.ReaderAt = f
	size := fi.Size()
	if IsEncrypted(f) {
		if c == nil || c.Password == "" {
			f.Close()
			return nil, ErrPasswordRequired
		}
		dec, err := NewDecrypter(f, c.Password)
		if err != nil {
			f.Close()
			return nil, err
		}
		r, size = dec, dec.Size()
	}

	ff, err := NewDMG(r, size, c)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// NewDMG creates a new DMG for accessing a dmg in an underlying reader.
// The dmg is expected to start at position 0 in the ReaderAt.
func NewDMG(r io.ReaderAt, size int64, c *Config) (*DMG, error) {

	d := new(DMG)
	d.sr = io.NewSectionReader(r, 0, size)
	if c != nil {
		d.config = *c
	}

	footerSize := int64(binary.Size(UDIFResourceFile{}))
	if size < footerSize {
		return nil, fmt.Errorf("failed to read DMG footer: %w", types.ErrTruncatedBlock)
	}
	if err := binary.Read(io.NewSectionReader(r, size-footerSize, footerSize), binary.BigEndian, &d.Footer); err != nil {
		return nil, fmt.Errorf("failed to read DMG footer: %w", err)
	}

	if d.Footer.Signature.String() != udifRFSignature {
		return nil, fmt.Errorf("found unexpected UDIFResourceFile signature %x, expected %s: %w", d.Footer.Signature, udifRFSignature, types.ErrBadMagic)
	}

	pdata := make([]byte, d.Footer.PlistLength)
	if _, err := r.ReadAt(pdata, int64(d.Footer.PlistOffset)); err != nil {
		return nil, fmt.Errorf("failed to read DMG plist data: %w", err)
	}

	pl := plist.NewDecoder(bytes.NewReader(pdata))
	if err := pl.Decode(&d.Plist); err != nil {
		return nil, fmt.Errorf("failed to parse DMG plist data: %w", err)
	}

	// TODO: verify the blkx CRC32 checksums against the decompressed chunks
	for _, block := range d.Plist.ResourceFork["blkx"] {
		var bdata UDIFBlockData

		r := bytes.NewReader(block.Data)

		bdata.Name = block.Name

		if err := binary.Read(r, binary.BigEndian, &bdata.udifBlockData); err != nil {
			return nil, fmt.Errorf("failed to read UDIFBlockData in block %s: %w", block.Name, err)
		}

		if bdata.udifBlockData.Signature.String() != udifBDSignature {
			return nil, fmt.Errorf("found unexpected UDIFBlockData signature %s, expected %s: %w", bdata.udifBlockData.Signature, udifBDSignature, types.ErrBadMagic)
		}

		for i := 0; i < int(bdata.udifBlockData.ChunkCount); i++ {
			var chunk udifBlockChunk
			if err := binary.Read(r, binary.BigEndian, &chunk); err != nil {
				return nil, fmt.Errorf("failed to read chunk %d in block %s: %w", i, block.Name, err)
			}
			bdata.Chunks = append(bdata.Chunks, udifBlockChunk{
				Type:             chunk.Type,
				Comment:          chunk.Comment,
				DiskOffset:       (chunk.DiskOffset + bdata.StartSector) * sectorSize,
				DiskLength:       chunk.DiskLength * sectorSize,
				CompressedOffset: chunk.CompressedOffset + bdata.DataOffset + d.Footer.DataForkOffset,
				CompressedLength: chunk.CompressedLength,
			})
		}

		d.Blocks = append(d.Blocks, bdata)
	}

	if err := d.Load(); err != nil {
		return nil, err
	}

	return d, nil
}

// Close closes the DMG.
// If the DMG was created using NewDMG directly instead of Open,
// Close has no effect.
func (d *DMG) Close() error {
	var err error
	if d.closer != nil {
		err = d.closer.Close()
		d.closer = nil
	}
	if d.cache != nil {
		d.cache.Purge()
	}
	return err
}

// GetSize returns the size of the DMG data
func (d *DMG) GetSize() uint64 {
	return d.Footer.SectorCount * sectorSize
}

// Load indexes the chunks of every block by disk offset and sets up the chunk cache
func (d *DMG) Load() error {
	d.chunks = d.chunks[:0]
	for _, block := range d.Blocks {
		for _, chunk := range block.Chunks {
			if chunk.hasData() && chunk.DiskLength > 0 {
				d.chunks = append(d.chunks, chunk)
			}
		}
		if m := block.maxChunkSize(); m > d.maxChunkSize {
			d.maxChunkSize = m
		}
	}
	sort.Slice(d.chunks, func(i, j int) bool {
		return d.chunks[i].DiskOffset < d.chunks[j].DiskOffset
	})
	for i := 1; i < len(d.chunks); i++ {
		prev := d.chunks[i-1]
		if prev.DiskOffset+prev.DiskLength > d.chunks[i].DiskOffset {
			return fmt.Errorf("chunk at %#x overlaps chunk at %#x", d.chunks[i].DiskOffset, prev.DiskOffset)
		}
	}

	if d.config.DisableCache {
		return nil
	}
	size := d.config.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	var err error
	d.cache, err = lru.NewWithEvict(size, func(k interface{}, v interface{}) {
		d.evictCounter++
	})
	if err != nil {
		return fmt.Errorf("failed to initialize DMG read cache: %w", err)
	}

	log.WithFields(log.Fields{
		"blocks": len(d.Blocks),
		"chunks": len(d.chunks),
		"size":   fmt.Sprintf("%#x", d.GetSize()),
	}).Debug("Loaded DMG")

	return nil
}

func (d *DMG) chunk(idx int) ([]byte, error) {
	if d.cache != nil {
		if val, found := d.cache.Get(idx); found {
			return val.([]byte), nil
		}
	}
	chunk := d.chunks[idx]
	out, err := chunk.DecompressChunk(d.sr, make([]byte, 0, d.maxChunkSize))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress chunk %d: %w", idx, err)
	}
	log.Debugf(diskReadColor("Read %#x bytes of %s data at %#x", len(out), chunk.Type, chunk.DiskOffset))
	if d.cache != nil {
		d.cache.Add(idx, out)
	}
	return out, nil
}

// ReadAt impliments the io.ReadAt interface requirement of the Device interface
func (d *DMG) ReadAt(buf []byte, off int64) (n int, err error) {
	size := int64(d.GetSize())
	if err := disk.CheckRange(off, size); err != nil {
		return 0, err
	}
	buf, short := disk.Clamp(buf, off, size)

	idx := sort.Search(len(d.chunks), func(i int) bool {
		return d.chunks[i].DiskOffset+d.chunks[i].DiskLength > uint64(off)
	})

	for n < len(buf) {
		pos := uint64(off) + uint64(n)
		if idx >= len(d.chunks) || d.chunks[idx].DiskOffset > pos {
			// sectors not described by any chunk read as zeros
			end := uint64(off) + uint64(len(buf))
			if idx < len(d.chunks) {
				end = min(end, d.chunks[idx].DiskOffset)
			}
			clear(buf[n : n+int(end-pos)])
			n += int(end - pos)
			continue
		}
		data, err := d.chunk(idx)
		if err != nil {
			return n, err
		}
		n += copy(buf[n:], data[pos-d.chunks[idx].DiskOffset:])
		idx++
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}
