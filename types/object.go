package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/google/uuid"
)

var (
	ErrBadMagic            = errors.New("bad magic")
	ErrTruncatedBlock      = errors.New("truncated block")
	ErrTruncatedRecord     = errors.New("truncated record")
	ErrBadBlockChecksum    = errors.New("block checksum mismatch")
	ErrUnsupported         = errors.New("unsupported feature")
	ErrCorruptedCheckpoint = errors.New("no valid checkpoint found")
)

// ChecksumError is returned when a block's Fletcher-64 checksum does not verify
type ChecksumError struct {
	Addr     uint64
	Stored   uint64
	Computed uint64
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("block %#x: %s (stored=%#x, computed=%#x)", e.Addr, ErrBadBlockChecksum, e.Stored, e.Computed)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrBadBlockChecksum
}

type OidT uint64
type XidT uint64
type paddr_t int64

type prange struct {
	StartPaddr paddr_t
	BlockCount uint64
}

type magic [4]byte

func (m magic) String() string {
	return string(m[:])
}

// UUID is an on-disk uuid_t
type UUID [16]byte

func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// IsZero returns true if the UUID is all zeros
func (u UUID) IsZero() bool {
	return u == UUID{}
}

type objType uint32
type objFlag uint32

const (
	OBJECT_TYPE_INVALID             objType = 0x00000000
	OBJECT_TYPE_NX_SUPERBLOCK       objType = 0x00000001
	OBJECT_TYPE_BTREE               objType = 0x00000002
	OBJECT_TYPE_BTREE_NODE          objType = 0x00000003
	OBJECT_TYPE_SPACEMAN            objType = 0x00000005
	OBJECT_TYPE_SPACEMAN_CAB        objType = 0x00000006
	OBJECT_TYPE_SPACEMAN_CIB        objType = 0x00000007
	OBJECT_TYPE_SPACEMAN_BITMAP     objType = 0x00000008
	OBJECT_TYPE_SPACEMAN_FREE_QUEUE objType = 0x00000009
	OBJECT_TYPE_EXTENT_LIST_TREE    objType = 0x0000000a
	OBJECT_TYPE_OMAP                objType = 0x0000000b
	OBJECT_TYPE_CHECKPOINT_MAP      objType = 0x0000000c
	OBJECT_TYPE_FS                  objType = 0x0000000d
	OBJECT_TYPE_FSTREE              objType = 0x0000000e
	OBJECT_TYPE_BLOCKREFTREE        objType = 0x0000000f
	OBJECT_TYPE_SNAPMETATREE        objType = 0x00000010
	OBJECT_TYPE_NX_REAPER           objType = 0x00000011
	OBJECT_TYPE_NX_REAP_LIST        objType = 0x00000012
	OBJECT_TYPE_OMAP_SNAPSHOT       objType = 0x00000013
	OBJECT_TYPE_EFI_JUMPSTART       objType = 0x00000014
	OBJECT_TYPE_FUSION_MIDDLE_TREE  objType = 0x00000015
	OBJECT_TYPE_NX_FUSION_WBC       objType = 0x00000016
	OBJECT_TYPE_NX_FUSION_WBC_LIST  objType = 0x00000017
	OBJECT_TYPE_ER_STATE            objType = 0x00000018
	OBJECT_TYPE_GBITMAP             objType = 0x00000019
	OBJECT_TYPE_GBITMAP_TREE        objType = 0x0000001a
	OBJECT_TYPE_GBITMAP_BLOCK       objType = 0x0000001b
	OBJECT_TYPE_ER_RECOVERY_BLOCK   objType = 0x0000001c
	OBJECT_TYPE_SNAP_META_EXT       objType = 0x0000001d
	OBJECT_TYPE_INTEGRITY_META      objType = 0x0000001e
	OBJECT_TYPE_FEXT_TREE           objType = 0x0000001f
	OBJECT_TYPE_RESERVED_20         objType = 0x00000020

	OBJECT_TYPE_TEST        objType = 0x000000ff
	OBJECT_TYPE_CONTAINER_KEYBAG    = "keys"
	OBJECT_TYPE_VOLUME_KEYBAG       = "recs"
	OBJECT_TYPE_MEDIA_KEYBAG        = "mkey"

	OBJ_VIRTUAL       objFlag = 0x00000000
	OBJ_EPHEMERAL     objFlag = 0x80000000
	OBJ_PHYSICAL      objFlag = 0x40000000
	OBJ_NOHEADER      objFlag = 0x20000000
	OBJ_ENCRYPTED     objFlag = 0x10000000
	OBJ_NONPERSISTENT objFlag = 0x08000000

	OBJECT_TYPE_MASK       = 0x0000ffff
	OBJECT_TYPE_FLAGS_MASK = 0xffff0000
	OBJ_STORAGETYPE_MASK   = 0xc0000000

	MAX_CKSUM_SIZE = 8
	objHeaderSize  = 32
)

var objTypeNames = map[objType]string{
	OBJECT_TYPE_INVALID:             "invalid",
	OBJECT_TYPE_NX_SUPERBLOCK:       "nx_superblock",
	OBJECT_TYPE_BTREE:               "btree",
	OBJECT_TYPE_BTREE_NODE:          "btree_node",
	OBJECT_TYPE_SPACEMAN:            "spaceman",
	OBJECT_TYPE_SPACEMAN_CAB:        "spaceman_cab",
	OBJECT_TYPE_SPACEMAN_CIB:        "spaceman_cib",
	OBJECT_TYPE_SPACEMAN_BITMAP:     "spaceman_bitmap",
	OBJECT_TYPE_SPACEMAN_FREE_QUEUE: "spaceman_free_queue",
	OBJECT_TYPE_EXTENT_LIST_TREE:    "extent_list_tree",
	OBJECT_TYPE_OMAP:                "omap",
	OBJECT_TYPE_CHECKPOINT_MAP:      "checkpoint_map",
	OBJECT_TYPE_FS:                  "fs",
	OBJECT_TYPE_FSTREE:              "fstree",
	OBJECT_TYPE_BLOCKREFTREE:        "blockreftree",
	OBJECT_TYPE_SNAPMETATREE:        "snapmetatree",
	OBJECT_TYPE_NX_REAPER:           "nx_reaper",
	OBJECT_TYPE_NX_REAP_LIST:        "nx_reap_list",
	OBJECT_TYPE_OMAP_SNAPSHOT:       "omap_snapshot",
	OBJECT_TYPE_EFI_JUMPSTART:       "efi_jumpstart",
	OBJECT_TYPE_FUSION_MIDDLE_TREE:  "fusion_middle_tree",
	OBJECT_TYPE_NX_FUSION_WBC:       "nx_fusion_wbc",
	OBJECT_TYPE_NX_FUSION_WBC_LIST:  "nx_fusion_wbc_list",
	OBJECT_TYPE_ER_STATE:            "er_state",
	OBJECT_TYPE_GBITMAP:             "gbitmap",
	OBJECT_TYPE_GBITMAP_TREE:        "gbitmap_tree",
	OBJECT_TYPE_GBITMAP_BLOCK:       "gbitmap_block",
	OBJECT_TYPE_ER_RECOVERY_BLOCK:   "er_recovery_block",
	OBJECT_TYPE_SNAP_META_EXT:       "snap_meta_ext",
	OBJECT_TYPE_INTEGRITY_META:      "integrity_meta",
	OBJECT_TYPE_FEXT_TREE:           "fext_tree",
	OBJECT_TYPE_RESERVED_20:         "reserved_20",
	OBJECT_TYPE_TEST:                "test",
}

func (t objType) String() string {
	if name, ok := objTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("objType(%#x)", uint32(t))
}

func (f objFlag) String() string {
	var out []string
	switch objFlag(uint32(f) & OBJ_STORAGETYPE_MASK) {
	case OBJ_VIRTUAL:
		out = append(out, "virtual")
	case OBJ_EPHEMERAL:
		out = append(out, "ephemeral")
	case OBJ_PHYSICAL:
		out = append(out, "physical")
	}
	if f&OBJ_NOHEADER != 0 {
		out = append(out, "noheader")
	}
	if f&OBJ_ENCRYPTED != 0 {
		out = append(out, "encrypted")
	}
	if f&OBJ_NONPERSISTENT != 0 {
		out = append(out, "nonpersistent")
	}
	return fmt.Sprint(out)
}

// ObjPhysT is a obj_phys_t struct
type ObjPhysT struct {
	Cksum   uint64
	Oid     OidT
	Xid     XidT
	Type    objType
	Subtype objType
}

func (o ObjPhysT) Checksum() uint64 {
	return o.Cksum
}

func (o ObjPhysT) GetType() objType {
	return o.Type & OBJECT_TYPE_MASK
}

func (o ObjPhysT) GetFlag() objFlag {
	return objFlag(uint32(o.Type) & OBJECT_TYPE_FLAGS_MASK)
}

func (o ObjPhysT) GetSubType() objType {
	return o.Subtype
}

// IsPhysical returns true when the object is referenced by its physical address
func (o ObjPhysT) IsPhysical() bool {
	return o.GetFlag()&OBJ_PHYSICAL != 0
}

func (o ObjPhysT) String() string {
	return fmt.Sprintf("oid=%#x, xid=%#x, type=%s, flags=%s, subtype=%s", o.Oid, o.Xid, o.GetType(), o.GetFlag(), o.Subtype)
}

// IsStorageVirtual returns true if the type flags of a tree or object reference mark it virtual
func IsStorageVirtual(typ uint32) bool {
	return typ&OBJ_STORAGETYPE_MASK == uint32(OBJ_VIRTUAL)
}

// Obj is a decoded on-disk object
type Obj struct {
	Hdr  ObjPhysT
	Addr uint64
	Body any
	Raw  []byte
}

// Fletcher64 computes the APFS object checksum over data[8:]
func Fletcher64(data []byte) uint64 {
	const mod = uint64(0xFFFFFFFF)
	var sum1, sum2 uint64
	for i := MAX_CKSUM_SIZE; i+4 <= len(data); i += 4 {
		sum1 = (sum1 + uint64(binary.LittleEndian.Uint32(data[i:]))) % mod
		sum2 = (sum2 + sum1) % mod
	}
	c1 := mod - ((sum1 + sum2) % mod)
	c2 := mod - ((sum1 + c1) % mod)
	return c2<<32 | c1
}

// VerifyChecksum returns true if the stored object checksum matches the block
func VerifyChecksum(data []byte) bool {
	if len(data) < objHeaderSize {
		return false
	}
	return binary.LittleEndian.Uint64(data) == Fletcher64(data)
}

// SetChecksum computes and stores the object checksum for the block
func SetChecksum(data []byte) {
	binary.LittleEndian.PutUint64(data, Fletcher64(data))
}

// BlockReader reads fixed-size blocks from a container
type BlockReader struct {
	r         io.ReaderAt
	blockSize uint32
	verify    bool
}

// NewBlockReader returns a BlockReader over r; r must start at the container's first block
func NewBlockReader(r io.ReaderAt, blockSize uint32, verify bool) *BlockReader {
	return &BlockReader{r: r, blockSize: blockSize, verify: verify}
}

// BlockSize returns the container block size
func (br *BlockReader) BlockSize() uint32 {
	return br.blockSize
}

// ReaderAt returns the underlying container reader
func (br *BlockReader) ReaderAt() io.ReaderAt {
	return br.r
}

// ReadRaw reads a block without checksum validation
func (br *BlockReader) ReadRaw(addr uint64) ([]byte, error) {
	data := make([]byte, br.blockSize)
	n, err := br.r.ReadAt(data, int64(addr)*int64(br.blockSize))
	if n < len(data) {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("block %#x: %w (read %d of %d bytes)", addr, ErrTruncatedBlock, n, len(data))
		}
		return nil, fmt.Errorf("failed to read block %#x: %w", addr, err)
	}
	return data, nil
}

// ReadBlock reads a block and, when verification is enabled, validates its checksum
func (br *BlockReader) ReadBlock(addr uint64) ([]byte, error) {
	data, err := br.ReadRaw(addr)
	if err != nil {
		return nil, err
	}
	if br.verify {
		if stored, computed := binary.LittleEndian.Uint64(data), Fletcher64(data); stored != computed {
			return nil, &ChecksumError{Addr: addr, Stored: stored, Computed: computed}
		}
	}
	return data, nil
}

// ReadObj reads and decodes the object at the given block address
func (br *BlockReader) ReadObj(addr uint64) (*Obj, error) {
	data, err := br.ReadBlock(addr)
	if err != nil {
		return nil, err
	}
	return DecodeObj(addr, data)
}

// ReadObj reads the object stored at block addr of r, always verifying its checksum
func ReadObj(r io.ReaderAt, blockSize uint32, addr uint64) (*Obj, error) {
	return NewBlockReader(r, blockSize, true).ReadObj(addr)
}

// DecodeObj parses an object header and its typed body; unknown types keep the raw block as body
func DecodeObj(addr uint64, data []byte) (*Obj, error) {
	if len(data) < objHeaderSize {
		return nil, fmt.Errorf("block %#x: %w", addr, ErrTruncatedBlock)
	}

	o := &Obj{Addr: addr, Raw: data}
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &o.Hdr); err != nil {
		return nil, fmt.Errorf("failed to read obj_phys_t: %w", err)
	}

	var err error
	switch o.Hdr.GetType() {
	case OBJECT_TYPE_NX_SUPERBLOCK:
		o.Body, err = decodeNxSuperblock(data)
	case OBJECT_TYPE_BTREE, OBJECT_TYPE_BTREE_NODE:
		o.Body, err = ReadBTreeNodeHeader(data)
	case OBJECT_TYPE_SPACEMAN:
		o.Body, err = decodeSpaceman(data)
	case OBJECT_TYPE_SPACEMAN_CAB:
		o.Body, err = decodeCAB(data)
	case OBJECT_TYPE_SPACEMAN_CIB:
		o.Body, err = decodeCIB(data)
	case OBJECT_TYPE_OMAP:
		o.Body, err = decodeOMap(data)
	case OBJECT_TYPE_CHECKPOINT_MAP:
		o.Body, err = decodeCheckpointMap(data)
	case OBJECT_TYPE_FS:
		o.Body, err = decodeApfsSuperblock(data)
	case OBJECT_TYPE_NX_REAPER:
		o.Body, err = decodeReaper(data)
	case OBJECT_TYPE_NX_REAP_LIST:
		o.Body, err = decodeReapList(data)
	case OBJECT_TYPE_EFI_JUMPSTART:
		o.Body, err = decodeJumpstart(data)
	case OBJECT_TYPE_NX_FUSION_WBC:
		o.Body, err = decodeFusionWbc(data)
	case OBJECT_TYPE_NX_FUSION_WBC_LIST:
		o.Body, err = decodeFusionWbcList(data)
	case OBJECT_TYPE_ER_STATE:
		o.Body, err = decodeErState(data)
	case OBJECT_TYPE_ER_RECOVERY_BLOCK, OBJECT_TYPE_SNAP_META_EXT, OBJECT_TYPE_INTEGRITY_META, OBJECT_TYPE_FEXT_TREE:
		log.WithFields(log.Fields{
			"addr": fmt.Sprintf("%#x", addr),
			"type": o.Hdr.GetType(),
		}).Debug("keeping opaque object")
		o.Body = data
	default:
		o.Body = data
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s object at block %#x: %w", o.Hdr.GetType(), addr, err)
	}

	return o, nil
}

func readStruct(data []byte, off int, v any) error {
	if off > len(data) {
		return ErrTruncatedBlock
	}
	if err := binary.Read(bytes.NewReader(data[off:]), binary.LittleEndian, v); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncatedBlock
		}
		return err
	}
	return nil
}
