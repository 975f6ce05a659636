package types

import (
	"encoding/binary"
	"fmt"
)

var le = binary.LittleEndian

const (
	/** B-Tree Table of Contents Constants **/
	BTREE_TOC_ENTRY_INCREMENT  = 8
	BTREE_TOC_ENTRY_MAX_UNUSED = (2 * BTREE_TOC_ENTRY_INCREMENT)

	/** B-Tree Node Constants **/
	BTREE_NODE_SIZE_DEFAULT    = 4096 // = 4 Ki
	BTREE_NODE_MIN_ENTRY_COUNT = 4

	BTREE_NODE_HEADER_SIZE = 56
	BTREE_INFO_SIZE        = 40
	BTREE_KVOFF_SIZE       = 4
	BTREE_KVLOC_SIZE       = 8
)

type btreeInfoFixedFlags uint32

const (
	/** B-Tree Flags **/
	BTREE_UINT64_KEYS       btreeInfoFixedFlags = 0x00000001
	BTREE_SEQUENTIAL_INSERT btreeInfoFixedFlags = 0x00000002
	BTREE_ALLOW_GHOSTS      btreeInfoFixedFlags = 0x00000004
	BTREE_EPHEMERAL         btreeInfoFixedFlags = 0x00000008
	BTREE_PHYSICAL          btreeInfoFixedFlags = 0x00000010
	BTREE_NONPERSISTENT     btreeInfoFixedFlags = 0x00000020
	BTREE_KV_NONALIGNED     btreeInfoFixedFlags = 0x00000040
	BTREE_HASHED            btreeInfoFixedFlags = 0x00000080
	BTREE_NOHEADER          btreeInfoFixedFlags = 0x00000100
)

type btreeNodeFlag uint16

const (
	/** B-Tree Node Flags **/
	BTNODE_ROOT          btreeNodeFlag = 0x0001
	BTNODE_LEAF          btreeNodeFlag = 0x0002
	BTNODE_FIXED_KV_SIZE btreeNodeFlag = 0x0004
	BTNODE_HASHED        btreeNodeFlag = 0x0008
	BTNODE_NOHEADER      btreeNodeFlag = 0x0010

	BTNODE_CHECK_KOFF_INVAL btreeNodeFlag = 0x8000
)

func (f btreeNodeFlag) String() string {
	var out []string
	if f&BTNODE_ROOT != 0 {
		out = append(out, "root")
	}
	if f&BTNODE_LEAF != 0 {
		out = append(out, "leaf")
	}
	if f&BTNODE_FIXED_KV_SIZE != 0 {
		out = append(out, "fixed_kv")
	}
	if f&BTNODE_HASHED != 0 {
		out = append(out, "hashed")
	}
	if f&BTNODE_NOHEADER != 0 {
		out = append(out, "noheader")
	}
	return fmt.Sprint(out)
}

type nloc_t struct {
	Off uint16
	Len uint16
}

// KVLocT is a kvloc_t struct
type KVLocT struct {
	Key nloc_t
	Val nloc_t
}

// KVOffT is a kvoff_t struct
type KVOffT struct {
	Key uint16
	Val uint16
}

// BTreeInfoFixedT is a btree_info_fixed_t struct
type BTreeInfoFixedT struct {
	Flags    btreeInfoFixedFlags
	NodeSize uint32
	KeySize  uint32
	ValSize  uint32
}

// BTreeInfoT is a btree_info_t struct
type BTreeInfoT struct {
	Fixed      BTreeInfoFixedT
	LongestKey uint32
	LongestVal uint32
	KeyCount   uint64
	NodeCount  uint64
}

// BTreeNodePhysT is a btree_node_phys_t struct
type BTreeNodePhysT struct {
	Obj         ObjPhysT
	Flags       btreeNodeFlag
	Level       uint16
	Nkeys       uint32
	TableSpace  nloc_t
	FreeSpace   nloc_t
	KeyFreeList nloc_t
	ValFreeList nloc_t
}

// BTreeNodePhys is a decoded node header plus the trailing btree_info_t on root nodes
type BTreeNodePhys struct {
	BTreeNodePhysT
	Info *BTreeInfoT
}

func (n BTreeNodePhys) IsRoot() bool {
	return n.Flags&BTNODE_ROOT != 0
}

func (n BTreeNodePhys) IsLeaf() bool {
	return n.Flags&BTNODE_LEAF != 0
}

func (n BTreeNodePhys) FixedKV() bool {
	return n.Flags&BTNODE_FIXED_KV_SIZE != 0
}

func (n BTreeNodePhys) String() string {
	return fmt.Sprintf("flags=%s, level=%d, nkeys=%d, table_space=(%d,%d)",
		n.Flags, n.Level, n.Nkeys, n.TableSpace.Off, n.TableSpace.Len)
}

// ReadBTreeNodeHeader decodes the btree_node_phys_t header and, for root nodes, the btree_info_t footer
func ReadBTreeNodeHeader(data []byte) (BTreeNodePhys, error) {
	var n BTreeNodePhys
	if len(data) < BTREE_NODE_HEADER_SIZE {
		return n, ErrTruncatedBlock
	}
	if err := readStruct(data, 0, &n.BTreeNodePhysT); err != nil {
		return n, err
	}
	if n.IsRoot() {
		if len(data) < BTREE_NODE_HEADER_SIZE+BTREE_INFO_SIZE {
			return n, ErrTruncatedBlock
		}
		var info BTreeInfoT
		if err := readStruct(data, len(data)-BTREE_INFO_SIZE, &info); err != nil {
			return n, err
		}
		n.Info = &info
	}
	return n, nil
}
