package types

import (
	"fmt"
	"io/fs"
)

type j_obj_types byte

const (
	APFS_TYPE_ANY           j_obj_types = 0
	APFS_TYPE_SNAP_METADATA j_obj_types = 1
	APFS_TYPE_EXTENT        j_obj_types = 2
	APFS_TYPE_INODE         j_obj_types = 3
	APFS_TYPE_XATTR         j_obj_types = 4
	APFS_TYPE_SIBLING_LINK  j_obj_types = 5
	APFS_TYPE_DSTREAM_ID    j_obj_types = 6
	APFS_TYPE_CRYPTO_STATE  j_obj_types = 7
	APFS_TYPE_FILE_EXTENT   j_obj_types = 8
	APFS_TYPE_DIR_REC       j_obj_types = 9
	APFS_TYPE_DIR_STATS     j_obj_types = 10
	APFS_TYPE_SNAP_NAME     j_obj_types = 11
	APFS_TYPE_SIBLING_MAP   j_obj_types = 12
	APFS_TYPE_FILE_INFO     j_obj_types = 13

	APFS_TYPE_MAX_VALID j_obj_types = 13
	APFS_TYPE_MAX       j_obj_types = 15

	APFS_TYPE_INVALID j_obj_types = 15
)

func (t j_obj_types) String() string {
	switch t {
	case APFS_TYPE_ANY:
		return "any"
	case APFS_TYPE_SNAP_METADATA:
		return "snap_metadata"
	case APFS_TYPE_EXTENT:
		return "extent"
	case APFS_TYPE_INODE:
		return "inode"
	case APFS_TYPE_XATTR:
		return "xattr"
	case APFS_TYPE_SIBLING_LINK:
		return "sibling_link"
	case APFS_TYPE_DSTREAM_ID:
		return "dstream_id"
	case APFS_TYPE_CRYPTO_STATE:
		return "crypto_state"
	case APFS_TYPE_FILE_EXTENT:
		return "file_extent"
	case APFS_TYPE_DIR_REC:
		return "dir_rec"
	case APFS_TYPE_DIR_STATS:
		return "dir_stats"
	case APFS_TYPE_SNAP_NAME:
		return "snap_name"
	case APFS_TYPE_SIBLING_MAP:
		return "sibling_map"
	case APFS_TYPE_FILE_INFO:
		return "file_info"
	default:
		return fmt.Sprintf("j_obj_type(%d)", byte(t))
	}
}

type j_inode_flags uint64

const (
	INODE_IS_APFS_PRIVATE        j_inode_flags = 0x00000001
	INODE_MAINTAIN_DIR_STATS     j_inode_flags = 0x00000002
	INODE_DIR_STATS_ORIGIN       j_inode_flags = 0x00000004
	INODE_PROT_CLASS_EXPLICIT    j_inode_flags = 0x00000008
	INODE_WAS_CLONED             j_inode_flags = 0x00000010
	INODE_FLAG_UNUSED            j_inode_flags = 0x00000020
	INODE_HAS_SECURITY_EA        j_inode_flags = 0x00000040
	INODE_BEING_TRUNCATED        j_inode_flags = 0x00000080
	INODE_HAS_FINDER_INFO        j_inode_flags = 0x00000100
	INODE_IS_SPARSE              j_inode_flags = 0x00000200
	INODE_WAS_EVER_CLONED        j_inode_flags = 0x00000400
	INODE_ACTIVE_FILE_TRIMMED    j_inode_flags = 0x00000800
	INODE_PINNED_TO_MAIN         j_inode_flags = 0x00001000
	INODE_PINNED_TO_TIER2        j_inode_flags = 0x00002000
	INODE_HAS_RSRC_FORK          j_inode_flags = 0x00004000
	INODE_NO_RSRC_FORK           j_inode_flags = 0x00008000
	INODE_ALLOCATION_SPILLEDOVER j_inode_flags = 0x00010000
	INODE_FAST_PROMOTE           j_inode_flags = 0x00020000
	INODE_HAS_UNCOMPRESSED_SIZE  j_inode_flags = 0x00040000
	INODE_IS_PURGEABLE           j_inode_flags = 0x00080000
	INODE_WANTS_TO_BE_PURGEABLE  j_inode_flags = 0x00100000
	INODE_IS_SYNC_ROOT           j_inode_flags = 0x00200000
	INODE_SNAPSHOT_COW_EXEMPTION j_inode_flags = 0x00400000
)

type j_xattr_flags uint16

const (
	XATTR_DATA_STREAM       j_xattr_flags = 0x00000001
	XATTR_DATA_EMBEDDED     j_xattr_flags = 0x00000002
	XATTR_FILE_SYSTEM_OWNED j_xattr_flags = 0x00000004
	XATTR_RESERVED_8        j_xattr_flags = 0x00000008
)

const (
	DREC_TYPE_MASK = 0x000f
	RESERVED_10    = 0x0010
)

const (
	/** Inode Numbers **/
	INVALID_INO_NUM       = 0
	ROOT_DIR_PARENT       = 1
	ROOT_DIR_INO_NUM      = 2
	PRIV_DIR_INO_NUM      = 3
	SNAP_DIR_INO_NUM      = 6
	PURGEABLE_DIR_INO_NUM = 7

	MIN_USER_INO_NUM = 16

	UNIFIED_ID_SPACE_MARK = 0x0800000000000000

	/** Extended Attributes Constants **/
	XATTR_MAX_EMBEDDED_SIZE    = 3804 // = 3 Ki + 732
	SYMLINK_EA_NAME            = "com.apple.fs.symlink"
	FIRMLINK_EA_NAME           = "com.apple.fs.firmlink"
	APFS_COW_EXEMPT_COUNT_NAME = "com.apple.fs.cow-exempt-file-count"

	/** File-System Object Constants **/
	OWNING_OBJ_ID_INVALID uint64 = 0xFFFFFFFFFFFFFFFF
	OWNING_OBJ_ID_UNKNOWN uint64 = 0xFFFFFFFFFFFFFFFE

	JOBJ_MAX_KEY_SIZE   = 832
	JOBJ_MAX_VALUE_SIZE = 3808 // = 3 Ki + 736

	/** File Extent Constants **/
	J_FILE_EXTENT_LEN_MASK   = 0x00ffffffffffffff
	J_FILE_EXTENT_FLAG_MASK  = 0xff00000000000000
	J_FILE_EXTENT_FLAG_SHIFT = 56

	PEXT_LEN_MASK   = 0x0fffffffffffffff
	PEXT_KIND_MASK  = 0xf000000000000000
	PEXT_KIND_SHIFT = 60

	FEXT_CRYPTO_ID_IS_TWEAK = 0x01
)

/** File Modes **/

type apfs_mode_t uint16

const (
	S_IFMT = 0170000

	S_IFIFO  = 0010000
	S_IFCHR  = 0020000
	S_IFDIR  = 0040000
	S_IFBLK  = 0060000
	S_IFREG  = 0100000
	S_IFLNK  = 0120000
	S_IFSOCK = 0140000
	S_IFWHT  = 0160000

	/** Directory Entry File Types **/
	DT_UNKNOWN = 0
	DT_FIFO    = 1
	DT_CHR     = 2
	DT_DIR     = 4
	DT_BLK     = 6
	DT_REG     = 8
	DT_LNK     = 10
	DT_SOCK    = 12
	DT_WHT     = 14
)

func (m apfs_mode_t) IsDir() bool     { return m&S_IFMT == S_IFDIR }
func (m apfs_mode_t) IsRegular() bool { return m&S_IFMT == S_IFREG }
func (m apfs_mode_t) IsSymlink() bool { return m&S_IFMT == S_IFLNK }

// DirEntryType returns the DT_* value matching the mode's file type
func (m apfs_mode_t) DirEntryType() uint8 {
	return uint8((m & S_IFMT) >> 12)
}

// FileMode converts to an io/fs mode
func (m apfs_mode_t) FileMode() fs.FileMode {
	mode := fs.FileMode(m & 0777)
	if m&04000 != 0 {
		mode |= fs.ModeSetuid
	}
	if m&02000 != 0 {
		mode |= fs.ModeSetgid
	}
	if m&01000 != 0 {
		mode |= fs.ModeSticky
	}
	switch m & S_IFMT {
	case S_IFDIR:
		mode |= fs.ModeDir
	case S_IFLNK:
		mode |= fs.ModeSymlink
	case S_IFIFO:
		mode |= fs.ModeNamedPipe
	case S_IFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case S_IFBLK:
		mode |= fs.ModeDevice
	case S_IFSOCK:
		mode |= fs.ModeSocket
	case S_IFWHT:
		mode |= fs.ModeIrregular
	}
	return mode
}

func (m apfs_mode_t) String() string {
	return m.FileMode().String()
}

// DTName names a directory entry file type
func DTName(dt uint8) string {
	switch dt {
	case DT_FIFO:
		return "fifo"
	case DT_CHR:
		return "char"
	case DT_DIR:
		return "dir"
	case DT_BLK:
		return "block"
	case DT_REG:
		return "file"
	case DT_LNK:
		return "symlink"
	case DT_SOCK:
		return "socket"
	case DT_WHT:
		return "whiteout"
	default:
		return "unknown"
	}
}

const (
	OBJ_ID_MASK    = 0x0fffffffffffffff
	OBJ_TYPE_MASK  = 0xf000000000000000
	OBJ_TYPE_SHIFT = 60

	SYSTEM_OBJ_ID_MARK = 0x0fffffff00000000

	J_KEY_SIZE = 8
)

// JKeyT is a j_key_t
type JKeyT struct {
	ObjIDAndType uint64
}

func (k JKeyT) GetID() uint64 {
	return k.ObjIDAndType & OBJ_ID_MASK
}

func (k JKeyT) GetType() j_obj_types {
	return j_obj_types((k.ObjIDAndType & OBJ_TYPE_MASK) >> OBJ_TYPE_SHIFT)
}

func (k JKeyT) String() string {
	return fmt.Sprintf("oid=%#x, type=%s", k.GetID(), k.GetType())
}

// DecodeJKey decodes the j_key_t prefix shared by every file-system record key
func DecodeJKey(b []byte) (JKeyT, error) {
	if len(b) < J_KEY_SIZE {
		return JKeyT{}, fmt.Errorf("j_key_t: %w", ErrTruncatedRecord)
	}
	return JKeyT{ObjIDAndType: le.Uint64(b)}, nil
}

// EncodeJKey encodes a j_key_t
func EncodeJKey(oid uint64, typ j_obj_types) []byte {
	b := make([]byte, J_KEY_SIZE)
	le.PutUint64(b, oid&OBJ_ID_MASK|uint64(typ)<<OBJ_TYPE_SHIFT)
	return b
}

const (
	J_INODE_VAL_SIZE = 92

	J_DREC_LEN_MASK   = 0x000003ff
	J_DREC_HASH_MASK  = 0xfffffc00
	J_DREC_HASH_SHIFT = 10
)

// JInodeVal is a j_inode_val_t
type JInodeVal struct {
	ParentID               uint64
	PrivateID              uint64
	CreateTime             uint64
	ModTime                uint64
	ChangeTime             uint64
	AccessTime             uint64
	InternalFlags          j_inode_flags
	NchildrenOrNlink       int32
	DefaultProtectionClass uint32
	WriteGenerationCounter uint32
	BsdFlags               uint32
	Owner                  uint32
	Group                  uint32
	Mode                   apfs_mode_t
	Pad1                   uint16
	UncompressedSize       uint64
	Xfields                []XField
}

// DecodeInodeVal decodes a j_inode_val_t with its extended fields
func DecodeInodeVal(b []byte) (*JInodeVal, error) {
	if len(b) < J_INODE_VAL_SIZE {
		return nil, fmt.Errorf("j_inode_val_t: %w", ErrTruncatedRecord)
	}
	v := &JInodeVal{
		ParentID:               le.Uint64(b[0:]),
		PrivateID:              le.Uint64(b[8:]),
		CreateTime:             le.Uint64(b[16:]),
		ModTime:                le.Uint64(b[24:]),
		ChangeTime:             le.Uint64(b[32:]),
		AccessTime:             le.Uint64(b[40:]),
		InternalFlags:          j_inode_flags(le.Uint64(b[48:])),
		NchildrenOrNlink:       int32(le.Uint32(b[56:])),
		DefaultProtectionClass: le.Uint32(b[60:]),
		WriteGenerationCounter: le.Uint32(b[64:]),
		BsdFlags:               le.Uint32(b[68:]),
		Owner:                  le.Uint32(b[72:]),
		Group:                  le.Uint32(b[76:]),
		Mode:                   apfs_mode_t(le.Uint16(b[80:])),
		Pad1:                   le.Uint16(b[82:]),
		UncompressedSize:       le.Uint64(b[84:]),
	}
	if len(b) > J_INODE_VAL_SIZE {
		xf, err := DecodeXFields(b[J_INODE_VAL_SIZE:])
		if err != nil {
			return nil, fmt.Errorf("inode xfields: %w", err)
		}
		v.Xfields = xf
	}
	return v, nil
}

// Name returns the INO_EXT_TYPE_NAME extended field
func (v *JInodeVal) Name() string {
	if xf, ok := findXField(v.Xfields, INO_EXT_TYPE_NAME); ok {
		return cString(xf.Data)
	}
	return ""
}

// Dstream returns the INO_EXT_TYPE_DSTREAM extended field
func (v *JInodeVal) Dstream() (JDstream, bool) {
	if xf, ok := findXField(v.Xfields, INO_EXT_TYPE_DSTREAM); ok {
		if ds, err := DecodeDstream(xf.Data); err == nil {
			return ds, true
		}
	}
	return JDstream{}, false
}

// Size is the logical size of the data stream, zero when the inode has none
func (v *JInodeVal) Size() uint64 {
	ds, _ := v.Dstream()
	return ds.Size
}

// Nlink is the hard link count (or child count for directories)
func (v *JInodeVal) Nlink() int32 {
	return v.NchildrenOrNlink
}

func (v *JInodeVal) IsCompressed() bool {
	// UF_COMPRESSED
	return v.BsdFlags&0x20 != 0
}

func (v *JInodeVal) String() string {
	return fmt.Sprintf("parent=%#x, private_id=%#x, mode=%s, nlink=%d, size=%d, name=%q",
		v.ParentID, v.PrivateID, v.Mode, v.NchildrenOrNlink, v.Size(), v.Name())
}

// JDrecKey is a j_drec_key_t or j_drec_hashed_key_t
type JDrecKey struct {
	Hdr     JKeyT
	NameLen uint16
	Hash    uint32
	Name    string
}

// DecodeDrecKey decodes a directory record key; hashed selects the j_drec_hashed_key_t layout
func DecodeDrecKey(b []byte, hashed bool) (JDrecKey, error) {
	var k JDrecKey
	var err error
	if k.Hdr, err = DecodeJKey(b); err != nil {
		return k, err
	}
	off := J_KEY_SIZE
	if hashed {
		if len(b) < off+4 {
			return k, fmt.Errorf("j_drec_hashed_key_t: %w", ErrTruncatedRecord)
		}
		lh := le.Uint32(b[off:])
		k.NameLen = uint16(lh & J_DREC_LEN_MASK)
		k.Hash = (lh & J_DREC_HASH_MASK) >> J_DREC_HASH_SHIFT
		off += 4
	} else {
		if len(b) < off+2 {
			return k, fmt.Errorf("j_drec_key_t: %w", ErrTruncatedRecord)
		}
		k.NameLen = le.Uint16(b[off:])
		off += 2
	}
	if len(b) < off+int(k.NameLen) {
		return k, fmt.Errorf("drec name (len %d): %w", k.NameLen, ErrTruncatedRecord)
	}
	k.Name = cString(b[off : off+int(k.NameLen)])
	return k, nil
}

// EncodeDrecKey encodes a directory record key; the name is stored NUL terminated
func EncodeDrecKey(parent uint64, name string, hashed bool, hash uint32) []byte {
	nameLen := len(name) + 1
	b := EncodeJKey(parent, APFS_TYPE_DIR_REC)
	if hashed {
		b = le.AppendUint32(b, uint32(nameLen)&J_DREC_LEN_MASK|hash<<J_DREC_HASH_SHIFT)
	} else {
		b = le.AppendUint16(b, uint16(nameLen))
	}
	b = append(b, name...)
	return append(b, 0)
}

// JDrecVal is a j_drec_val_t
type JDrecVal struct {
	FileID    uint64
	DateAdded uint64
	Flags     uint16
	Xfields   []XField
}

// DecodeDrecVal decodes a j_drec_val_t
func DecodeDrecVal(b []byte) (JDrecVal, error) {
	var v JDrecVal
	if len(b) < 18 {
		return v, fmt.Errorf("j_drec_val_t: %w", ErrTruncatedRecord)
	}
	v.FileID = le.Uint64(b)
	v.DateAdded = le.Uint64(b[8:])
	v.Flags = le.Uint16(b[16:])
	if len(b) > 18 {
		xf, err := DecodeXFields(b[18:])
		if err != nil {
			return v, fmt.Errorf("drec xfields: %w", err)
		}
		v.Xfields = xf
	}
	return v, nil
}

// Type returns the DT_* type of the entry
func (v JDrecVal) Type() uint8 {
	return uint8(v.Flags & DREC_TYPE_MASK)
}

// SiblingID returns the DREC_EXT_TYPE_SIBLING_ID extended field
func (v JDrecVal) SiblingID() (uint64, bool) {
	if xf, ok := findXField(v.Xfields, DREC_EXT_TYPE_SIBLING_ID); ok && len(xf.Data) >= 8 {
		return le.Uint64(xf.Data), true
	}
	return 0, false
}

// JDirStatsVal is a j_dir_stats_val_t
type JDirStatsVal struct {
	NumChildren uint64
	TotalSize   uint64
	ChainedKey  uint64
	GenCount    uint64
}

func DecodeDirStatsVal(b []byte) (JDirStatsVal, error) {
	var v JDirStatsVal
	if len(b) < 32 {
		return v, fmt.Errorf("j_dir_stats_val_t: %w", ErrTruncatedRecord)
	}
	v.NumChildren = le.Uint64(b)
	v.TotalSize = le.Uint64(b[8:])
	v.ChainedKey = le.Uint64(b[16:])
	v.GenCount = le.Uint64(b[24:])
	return v, nil
}

// JXattrKey is a j_xattr_key_t
type JXattrKey struct {
	Hdr  JKeyT
	Name string
}

func DecodeXattrKey(b []byte) (JXattrKey, error) {
	var k JXattrKey
	var err error
	if k.Hdr, err = DecodeJKey(b); err != nil {
		return k, err
	}
	if len(b) < 10 {
		return k, fmt.Errorf("j_xattr_key_t: %w", ErrTruncatedRecord)
	}
	n := int(le.Uint16(b[8:]))
	if len(b) < 10+n {
		return k, fmt.Errorf("xattr name (len %d): %w", n, ErrTruncatedRecord)
	}
	k.Name = cString(b[10 : 10+n])
	return k, nil
}

// EncodeXattrKey encodes a j_xattr_key_t; the name is stored NUL terminated
func EncodeXattrKey(oid uint64, name string) []byte {
	b := EncodeJKey(oid, APFS_TYPE_XATTR)
	b = le.AppendUint16(b, uint16(len(name)+1))
	b = append(b, name...)
	return append(b, 0)
}

// JXattrVal is a j_xattr_val_t; either Data (embedded) or the data stream fields are set
type JXattrVal struct {
	Flags      j_xattr_flags
	XdataLen   uint16
	Data       []byte
	DstreamOid uint64
	Dstream    JDstream
}

func DecodeXattrVal(b []byte) (JXattrVal, error) {
	var v JXattrVal
	if len(b) < 4 {
		return v, fmt.Errorf("j_xattr_val_t: %w", ErrTruncatedRecord)
	}
	v.Flags = j_xattr_flags(le.Uint16(b))
	v.XdataLen = le.Uint16(b[2:])
	if len(b) < 4+int(v.XdataLen) {
		return v, fmt.Errorf("xattr data (len %d): %w", v.XdataLen, ErrTruncatedRecord)
	}
	xdata := b[4 : 4+int(v.XdataLen)]
	if v.IsStream() {
		if len(xdata) < 8+J_DSTREAM_SIZE {
			return v, fmt.Errorf("j_xattr_dstream_t: %w", ErrTruncatedRecord)
		}
		v.DstreamOid = le.Uint64(xdata)
		ds, err := DecodeDstream(xdata[8:])
		if err != nil {
			return v, err
		}
		v.Dstream = ds
		return v, nil
	}
	v.Data = xdata
	return v, nil
}

func (v JXattrVal) IsStream() bool {
	return v.Flags&XATTR_DATA_STREAM != 0
}

// Size is the logical size of the attribute data
func (v JXattrVal) Size() uint64 {
	if v.IsStream() {
		return v.Dstream.Size
	}
	return uint64(len(v.Data))
}

// JFileExtentKey is a j_file_extent_key_t
type JFileExtentKey struct {
	Hdr         JKeyT
	LogicalAddr uint64
}

func DecodeFileExtentKey(b []byte) (JFileExtentKey, error) {
	var k JFileExtentKey
	if len(b) < 16 {
		return k, fmt.Errorf("j_file_extent_key_t: %w", ErrTruncatedRecord)
	}
	k.Hdr = JKeyT{ObjIDAndType: le.Uint64(b)}
	k.LogicalAddr = le.Uint64(b[8:])
	return k, nil
}

func EncodeFileExtentKey(dstreamID, logical uint64) []byte {
	return le.AppendUint64(EncodeJKey(dstreamID, APFS_TYPE_FILE_EXTENT), logical)
}

// JFileExtentVal is a j_file_extent_val_t
type JFileExtentVal struct {
	LenAndFlags  uint64
	PhysBlockNum uint64
	CryptoID     uint64
}

func DecodeFileExtentVal(b []byte) (JFileExtentVal, error) {
	var v JFileExtentVal
	if len(b) < 24 {
		return v, fmt.Errorf("j_file_extent_val_t: %w", ErrTruncatedRecord)
	}
	v.LenAndFlags = le.Uint64(b)
	v.PhysBlockNum = le.Uint64(b[8:])
	v.CryptoID = le.Uint64(b[16:])
	return v, nil
}

func (v JFileExtentVal) Length() uint64 {
	return v.LenAndFlags & J_FILE_EXTENT_LEN_MASK
}

func (v JFileExtentVal) Flags() uint8 {
	return uint8(v.LenAndFlags >> J_FILE_EXTENT_FLAG_SHIFT)
}

// JPhysExtVal is a j_phys_ext_val_t
type JPhysExtVal struct {
	LenAndKind  uint64
	OwningObjID uint64
	Refcnt      int32
}

func DecodePhysExtVal(b []byte) (JPhysExtVal, error) {
	var v JPhysExtVal
	if len(b) < 20 {
		return v, fmt.Errorf("j_phys_ext_val_t: %w", ErrTruncatedRecord)
	}
	v.LenAndKind = le.Uint64(b)
	v.OwningObjID = le.Uint64(b[8:])
	v.Refcnt = int32(le.Uint32(b[16:]))
	return v, nil
}

func (v JPhysExtVal) Length() uint64 {
	return v.LenAndKind & PEXT_LEN_MASK
}

// JSiblingKey is a j_sibling_key_t
type JSiblingKey struct {
	Hdr       JKeyT
	SiblingID uint64
}

func DecodeSiblingKey(b []byte) (JSiblingKey, error) {
	var k JSiblingKey
	if len(b) < 16 {
		return k, fmt.Errorf("j_sibling_key_t: %w", ErrTruncatedRecord)
	}
	k.Hdr = JKeyT{ObjIDAndType: le.Uint64(b)}
	k.SiblingID = le.Uint64(b[8:])
	return k, nil
}

// JSiblingVal is a j_sibling_val_t
type JSiblingVal struct {
	ParentID uint64
	Name     string
}

func DecodeSiblingVal(b []byte) (JSiblingVal, error) {
	var v JSiblingVal
	if len(b) < 10 {
		return v, fmt.Errorf("j_sibling_val_t: %w", ErrTruncatedRecord)
	}
	v.ParentID = le.Uint64(b)
	n := int(le.Uint16(b[8:]))
	if len(b) < 10+n {
		return v, fmt.Errorf("sibling name (len %d): %w", n, ErrTruncatedRecord)
	}
	v.Name = cString(b[10 : 10+n])
	return v, nil
}

// JSiblingMapVal is a j_sibling_map_val_t
type JSiblingMapVal struct {
	FileID uint64
}

func DecodeSiblingMapVal(b []byte) (JSiblingMapVal, error) {
	if len(b) < 8 {
		return JSiblingMapVal{}, fmt.Errorf("j_sibling_map_val_t: %w", ErrTruncatedRecord)
	}
	return JSiblingMapVal{FileID: le.Uint64(b)}, nil
}

// JDstreamIDVal is a j_dstream_id_val_t
type JDstreamIDVal struct {
	Refcnt uint32
}

func DecodeDstreamIDVal(b []byte) (JDstreamIDVal, error) {
	if len(b) < 4 {
		return JDstreamIDVal{}, fmt.Errorf("j_dstream_id_val_t: %w", ErrTruncatedRecord)
	}
	return JDstreamIDVal{Refcnt: le.Uint32(b)}, nil
}

// FSRecord is a decoded file-system tree record
type FSRecord struct {
	Key JKeyT
	// KeyBody is the type specific key (JDrecKey, JXattrKey, ...) or nil when the key is a bare j_key_t
	KeyBody any
	Val     any
}

func (r FSRecord) String() string {
	if r.KeyBody != nil {
		return fmt.Sprintf("%s key=%+v val=%+v", r.Key, r.KeyBody, r.Val)
	}
	return fmt.Sprintf("%s val=%+v", r.Key, r.Val)
}

// DecodeFSRecord decodes a file-system tree key/value pair; unknown record types keep the raw value
func DecodeFSRecord(key, val []byte, hashed bool) (FSRecord, error) {
	var rec FSRecord
	var err error
	if rec.Key, err = DecodeJKey(key); err != nil {
		return rec, err
	}
	switch rec.Key.GetType() {
	case APFS_TYPE_INODE:
		rec.Val, err = DecodeInodeVal(val)
	case APFS_TYPE_DIR_REC:
		if rec.KeyBody, err = DecodeDrecKey(key, hashed); err == nil {
			rec.Val, err = DecodeDrecVal(val)
		}
	case APFS_TYPE_XATTR:
		if rec.KeyBody, err = DecodeXattrKey(key); err == nil {
			rec.Val, err = DecodeXattrVal(val)
		}
	case APFS_TYPE_FILE_EXTENT:
		if rec.KeyBody, err = DecodeFileExtentKey(key); err == nil {
			rec.Val, err = DecodeFileExtentVal(val)
		}
	case APFS_TYPE_EXTENT:
		rec.Val, err = DecodePhysExtVal(val)
	case APFS_TYPE_SIBLING_LINK:
		if rec.KeyBody, err = DecodeSiblingKey(key); err == nil {
			rec.Val, err = DecodeSiblingVal(val)
		}
	case APFS_TYPE_SIBLING_MAP:
		rec.Val, err = DecodeSiblingMapVal(val)
	case APFS_TYPE_DSTREAM_ID:
		rec.Val, err = DecodeDstreamIDVal(val)
	case APFS_TYPE_DIR_STATS:
		rec.Val, err = DecodeDirStatsVal(val)
	case APFS_TYPE_SNAP_METADATA:
		rec.Val, err = DecodeSnapMetadataVal(val)
	case APFS_TYPE_SNAP_NAME:
		if rec.KeyBody, err = DecodeSnapNameKey(key); err == nil {
			rec.Val, err = DecodeSnapNameVal(val)
		}
	default:
		rec.Val = val
	}
	if err != nil {
		return rec, fmt.Errorf("failed to decode %s record for oid %#x: %w", rec.Key.GetType(), rec.Key.GetID(), err)
	}
	return rec, nil
}
