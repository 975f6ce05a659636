package types

import "fmt"

type snap_meta_flags uint32

const (
	SNAP_META_PENDING_DATALESS  snap_meta_flags = 0x00000001
	SNAP_META_MERGE_IN_PROGRESS snap_meta_flags = 0x00000002
)

// JSnapMetadataVal is a j_snap_metadata_val_t
type JSnapMetadataVal struct {
	ExtentrefTreeOid  OidT
	SblockOid         OidT
	CreateTime        uint64
	ChangeTime        uint64
	INum              uint64
	ExtentRefTreeType objType
	Flags             snap_meta_flags
	Name              string
}

func DecodeSnapMetadataVal(b []byte) (JSnapMetadataVal, error) {
	var v JSnapMetadataVal
	const fixed = 50
	if len(b) < fixed {
		return v, fmt.Errorf("j_snap_metadata_val_t: %w", ErrTruncatedRecord)
	}
	v.ExtentrefTreeOid = OidT(le.Uint64(b))
	v.SblockOid = OidT(le.Uint64(b[8:]))
	v.CreateTime = le.Uint64(b[16:])
	v.ChangeTime = le.Uint64(b[24:])
	v.INum = le.Uint64(b[32:])
	v.ExtentRefTreeType = objType(le.Uint32(b[40:]))
	v.Flags = snap_meta_flags(le.Uint32(b[44:]))
	n := int(le.Uint16(b[48:]))
	if len(b) < fixed+n {
		return v, fmt.Errorf("snapshot name (len %d): %w", n, ErrTruncatedRecord)
	}
	v.Name = cString(b[fixed : fixed+n])
	return v, nil
}

// JSnapNameKey is a j_snap_name_key_t
type JSnapNameKey struct {
	Hdr  JKeyT
	Name string
}

func DecodeSnapNameKey(b []byte) (JSnapNameKey, error) {
	var k JSnapNameKey
	if len(b) < 10 {
		return k, fmt.Errorf("j_snap_name_key_t: %w", ErrTruncatedRecord)
	}
	k.Hdr = JKeyT{ObjIDAndType: le.Uint64(b)}
	n := int(le.Uint16(b[8:]))
	if len(b) < 10+n {
		return k, fmt.Errorf("snapshot name (len %d): %w", n, ErrTruncatedRecord)
	}
	k.Name = cString(b[10 : 10+n])
	return k, nil
}

// JSnapNameVal is a j_snap_name_val_t
type JSnapNameVal struct {
	SnapXid XidT
}

func DecodeSnapNameVal(b []byte) (JSnapNameVal, error) {
	if len(b) < 8 {
		return JSnapNameVal{}, fmt.Errorf("j_snap_name_val_t: %w", ErrTruncatedRecord)
	}
	return JSnapNameVal{SnapXid: XidT(le.Uint64(b))}, nil
}
