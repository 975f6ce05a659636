package types

import (
	"encoding/binary"
	"fmt"
)

type compMethod uint32

const (
	MAX_DECMPFS_XATTR_SIZE = 3802
	DECMPFS_MAGIC          = "cmpf" // 0x636d7066
	DECMPFS_XATTR_NAME     = "com.apple.decmpfs"
	RSRC_FORK_XATTR_NAME   = "com.apple.ResourceFork"
	SYMLINK_XATTR_NAME     = "com.apple.fs.symlink"

	DECMPFS_HEADER_SIZE = 16
	DECMPFS_CHUNK_SIZE  = 0x10000
)

// https://opensource.apple.com/source/copyfile/copyfile-138/copyfile.c.auto.html
const (
	CMP_TYPE1     compMethod = 1 // Uncompressed data in xattr
	CMP_ATTR_ZLIB compMethod = 3
	CMP_RSRC_ZLIB compMethod = 4 // 64k blocks
	/*
	 *  case 5: specifies de-dup within the generation store. Don't copy decmpfs xattr.
	 *  case 6: unused
	 */
	CMP_ATTR_LZVN         compMethod = 7
	CMP_RSRC_LZVN         compMethod = 8  // 64k blocks
	CMP_ATTR_UNCOMPRESSED compMethod = 9  // uncompressed data in xattr (similar to but not identical to CMP_Type1)
	CMP_RSRC_UNCOMPRESSED compMethod = 10 // 64k chunked uncompressed data in resource fork
	CMP_ATTR_LZFSE        compMethod = 11
	CMP_RSRC_LZFSE        compMethod = 12 // 64k blocks

	CMP_MAX compMethod = 255 // Highest compression_type supported
)

func (c compMethod) String() string {
	switch c {
	case CMP_TYPE1:
		return "type1"
	case CMP_ATTR_ZLIB:
		return "attr_zlib"
	case CMP_RSRC_ZLIB:
		return "rsrc_zlib"
	case CMP_ATTR_LZVN:
		return "attr_lzvn"
	case CMP_RSRC_LZVN:
		return "rsrc_lzvn"
	case CMP_ATTR_UNCOMPRESSED:
		return "attr_uncompressed"
	case CMP_RSRC_UNCOMPRESSED:
		return "rsrc_uncompressed"
	case CMP_ATTR_LZFSE:
		return "attr_lzfse"
	case CMP_RSRC_LZFSE:
		return "rsrc_lzfse"
	default:
		return fmt.Sprintf("compMethod(%d)", uint32(c))
	}
}

// InResourceFork returns true if the compressed payload lives in the resource fork
func (c compMethod) InResourceFork() bool {
	switch c {
	case CMP_RSRC_ZLIB, CMP_RSRC_LZVN, CMP_RSRC_UNCOMPRESSED, CMP_RSRC_LZFSE:
		return true
	}
	return false
}

// DecmpfsDiskHeader this structure represents the xattr on disk; the fields below are little-endian
type DecmpfsDiskHeader struct {
	decmpfsDiskHeader
	AttrBytes []byte
}

type decmpfsDiskHeader struct {
	Magic            magic
	CompressionType  compMethod
	UncompressedSize uint64
}

func (h DecmpfsDiskHeader) String() string {
	return fmt.Sprintf("magic=%s, compression_type=%s, uncompressed_size=%d",
		h.Magic,
		h.CompressionType,
		h.UncompressedSize,
	)
}

// ParseDecmpfsHeader parses the com.apple.decmpfs xattr payload
func ParseDecmpfsHeader(data []byte) (*DecmpfsDiskHeader, error) {
	if len(data) < DECMPFS_HEADER_SIZE {
		return nil, fmt.Errorf("decmpfs header: %w", ErrTruncatedRecord)
	}
	var hdr DecmpfsDiskHeader
	copy(hdr.Magic[:], data[:4])
	// the magic is stored little-endian, so it reads back as "fpmc"
	if hdr.Magic.String() != "fpmc" {
		return nil, fmt.Errorf("%w: expected decmpfs magic, got %q", ErrBadMagic, hdr.Magic.String())
	}
	hdr.CompressionType = compMethod(binary.LittleEndian.Uint32(data[4:]))
	hdr.UncompressedSize = binary.LittleEndian.Uint64(data[8:])
	hdr.AttrBytes = data[DECMPFS_HEADER_SIZE:]
	return &hdr, nil
}

// CmpfRsrcHead (fields are big-endian)
type CmpfRsrcHead struct {
	HeaderSize uint32
	TotalSize  uint32
	DataSize   uint32
	Flags      uint32
}

// CmpfRsrcBlock (1 x 64K block)
type CmpfRsrcBlock struct {
	Offset uint32
	Size   uint32
}

type CmpfRsrcBlockHead struct {
	DataSize  uint32
	NumBlocks uint32
	Blocks    []CmpfRsrcBlock
}
