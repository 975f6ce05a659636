package btree

import (
	"bytes"
	"cmp"
	"encoding/binary"

	"github.com/blacktop/go-macapt/types"
)

func u64(b []byte, off int) (uint64, bool) {
	if len(b) < off+8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[off:]), true
}

// cmpPresence orders a missing field before a present one
func cmpPresence(aok, bok bool) int {
	switch {
	case aok == bok:
		return 0
	case !aok:
		return -1
	default:
		return 1
	}
}

func cmpU64At(a, b []byte, off int) int {
	av, aok := u64(a, off)
	bv, bok := u64(b, off)
	if !aok || !bok {
		return cmpPresence(aok, bok)
	}
	return cmp.Compare(av, bv)
}

// OMapCompare orders omap_key_t by oid then xid
func OMapCompare(a, b []byte) int {
	if c := cmpU64At(a, b, 0); c != 0 {
		return c
	}
	return cmpU64At(a, b, 8)
}

// FreeQueueCompare orders spaceman_free_queue_key_t by xid then paddr
func FreeQueueCompare(a, b []byte) int {
	return OMapCompare(a, b)
}

// SnapshotCompare orders the omap snapshot tree, which is keyed by xid alone
func SnapshotCompare(a, b []byte) int {
	return cmpU64At(a, b, 0)
}

// FSCompare returns the file-system tree comparator. hashed selects the
// j_drec_hashed_key_t layout for directory records. Keys that stop after the
// j_key_t header sort before every record with that header, so a bare header is
// a valid Range lower bound.
func FSCompare(hashed bool) Compare {
	return func(a, b []byte) int {
		ah, aok := u64(a, 0)
		bh, bok := u64(b, 0)
		if !aok || !bok {
			return cmpPresence(aok, bok)
		}
		if c := cmp.Compare(ah&types.OBJ_ID_MASK, bh&types.OBJ_ID_MASK); c != 0 {
			return c
		}
		at, bt := ah>>types.OBJ_TYPE_SHIFT, bh>>types.OBJ_TYPE_SHIFT
		if c := cmp.Compare(at, bt); c != 0 {
			return c
		}
		atail, btail := a[8:], b[8:]
		if len(atail) == 0 || len(btail) == 0 {
			return cmp.Compare(len(atail), len(btail))
		}
		switch (types.JKeyT{ObjIDAndType: ah}).GetType() {
		case types.APFS_TYPE_DIR_REC:
			return compareDrec(atail, btail, hashed)
		case types.APFS_TYPE_XATTR, types.APFS_TYPE_SNAP_NAME:
			return compareName16(atail, btail)
		case types.APFS_TYPE_FILE_EXTENT, types.APFS_TYPE_SIBLING_LINK:
			return cmpU64At(atail, btail, 0)
		default:
			return bytes.Compare(atail, btail)
		}
	}
}

func compareDrec(a, b []byte, hashed bool) int {
	if !hashed {
		return compareName16(a, b)
	}
	if len(a) < 4 || len(b) < 4 {
		return cmpPresence(len(a) >= 4, len(b) >= 4)
	}
	ah := binary.LittleEndian.Uint32(a) >> types.J_DREC_HASH_SHIFT
	bh := binary.LittleEndian.Uint32(b) >> types.J_DREC_HASH_SHIFT
	if c := cmp.Compare(ah, bh); c != 0 {
		return c
	}
	return bytes.Compare(trimName(a[4:]), trimName(b[4:]))
}

// compareName16 compares u16 length prefixed names
func compareName16(a, b []byte) int {
	if len(a) < 2 || len(b) < 2 {
		return cmpPresence(len(a) >= 2, len(b) >= 2)
	}
	return bytes.Compare(trimName(a[2:]), trimName(b[2:]))
}

func trimName(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}
