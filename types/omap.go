package types

import "fmt"

const (
	/** Object Map Value Flags **/
	OMAP_VAL_DELETED           = 0x00000001
	OMAP_VAL_SAVED             = 0x00000002
	OMAP_VAL_ENCRYPTED         = 0x00000004
	OMAP_VAL_NOHEADER          = 0x00000008
	OMAP_VAL_CRYPTO_GENERATION = 0x00000010

	/** Snapshot Flags **/
	OMAP_SNAPSHOT_DELETED  = 0x00000001
	OMAP_SNAPSHOT_REVERTED = 0x00000002

	/** Object Map Flags **/
	OMAP_MANUALLY_MANAGED  = 0x00000001
	OMAP_ENCRYPTING        = 0x00000002
	OMAP_DECRYPTING        = 0x00000004
	OMAP_KEYROLLING        = 0x00000008
	OMAP_CRYPTO_GENERATION = 0x00000010

	OMAP_KEY_SIZE = 16
	OMAP_VAL_SIZE = 16
)

type omapReapPhase uint32

const (
	OMAP_REAP_PHASE_MAP_TREE      omapReapPhase = 1
	OMAP_REAP_PHASE_SNAPSHOT_TREE omapReapPhase = 2
)

// OMapPhysT is a omap_phys_t struct
type OMapPhysT struct {
	Obj              ObjPhysT
	Flags            uint32
	SnapCount        uint32
	TreeType         uint32
	SnapshotTreeType uint32
	TreeOid          OidT
	SnapshotTreeOid  OidT
	MostRecentSnap   XidT
	PendingRevertMin XidT
	PendingRevertMax XidT
}

// OMap is an object map
type OMap struct {
	OMapPhysT
}

func (o OMap) String() string {
	return fmt.Sprintf("tree_oid=%#x, snapshot_tree_oid=%#x, snap_count=%d, most_recent_snap=%#x",
		o.TreeOid, o.SnapshotTreeOid, o.SnapCount, o.MostRecentSnap)
}

func decodeOMap(data []byte) (OMap, error) {
	var om OMap
	err := readStruct(data, 0, &om.OMapPhysT)
	return om, err
}

// OMapKey is a omap_key_t struct
type OMapKey struct {
	Oid OidT
	Xid XidT
}

// OMapVal is a omap_val_t struct
type OMapVal struct {
	Flags uint32
	Size  uint32
	Paddr uint64
}

func (v OMapVal) String() string {
	return fmt.Sprintf("flags=%#x, size=%d, paddr=%#x", v.Flags, v.Size, v.Paddr)
}

// OMapSnapshot is a omap_snapshot_t struct
type OMapSnapshot struct {
	Flags uint32
	Pad   uint32
	Oid   OidT
}

// DecodeOMapKey decodes an omap_key_t
func DecodeOMapKey(b []byte) (OMapKey, error) {
	var k OMapKey
	if len(b) < OMAP_KEY_SIZE {
		return k, fmt.Errorf("omap key: %w", ErrTruncatedRecord)
	}
	k.Oid = OidT(le.Uint64(b))
	k.Xid = XidT(le.Uint64(b[8:]))
	return k, nil
}

// DecodeOMapVal decodes an omap_val_t
func DecodeOMapVal(b []byte) (OMapVal, error) {
	var v OMapVal
	if len(b) < OMAP_VAL_SIZE {
		return v, fmt.Errorf("omap value: %w", ErrTruncatedRecord)
	}
	v.Flags = le.Uint32(b)
	v.Size = le.Uint32(b[4:])
	v.Paddr = le.Uint64(b[8:])
	return v, nil
}

// DecodeOMapSnapshot decodes an omap_snapshot_t
func DecodeOMapSnapshot(b []byte) (OMapSnapshot, error) {
	var s OMapSnapshot
	if len(b) < 16 {
		return s, fmt.Errorf("omap snapshot: %w", ErrTruncatedRecord)
	}
	s.Flags = le.Uint32(b)
	s.Oid = OidT(le.Uint64(b[8:]))
	return s, nil
}

// EncodeOMapKey encodes an omap_key_t
func EncodeOMapKey(oid OidT, xid XidT) []byte {
	b := make([]byte, OMAP_KEY_SIZE)
	le.PutUint64(b, uint64(oid))
	le.PutUint64(b[8:], uint64(xid))
	return b
}
