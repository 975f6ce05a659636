// Package apfstest builds small synthetic APFS containers in memory for tests.
package apfstest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/blacktop/go-macapt/pkg/btree"
	"github.com/blacktop/go-macapt/types"
)

var le = binary.LittleEndian

// KV is one B-tree record
type KV struct {
	Key []byte
	Val []byte
}

// Image is an in-memory container addressed by block; unwritten blocks read as zeros
type Image struct {
	bs     int
	blocks map[uint64][]byte
	next   uint64
}

// NewImage returns an empty image whose allocator starts at block first
func NewImage(bs int, first uint64) *Image {
	return &Image{bs: bs, blocks: make(map[uint64][]byte), next: first}
}

func (im *Image) BlockSize() int { return im.bs }

// Alloc reserves n contiguous blocks and returns the first address
func (im *Image) Alloc(n int) uint64 {
	addr := im.next
	im.next += uint64(n)
	return addr
}

// Blocks is the number of blocks spanned by the image
func (im *Image) Blocks() uint64 {
	return im.next
}

// Put stores data at addr, spilling into following blocks when longer than a block
func (im *Image) Put(addr uint64, data []byte) {
	for off := 0; off < len(data); off += im.bs {
		b := make([]byte, im.bs)
		copy(b, data[off:])
		im.blocks[addr+uint64(off/im.bs)] = b
		if addr+uint64(off/im.bs) >= im.next {
			im.next = addr + uint64(off/im.bs) + 1
		}
	}
}

// Block returns the stored block (nil if never written); modifying it modifies the image
func (im *Image) Block(addr uint64) []byte {
	return im.blocks[addr]
}

// Corrupt flips a byte in the middle of a block so its checksum no longer verifies
func (im *Image) Corrupt(addr uint64) {
	b, ok := im.blocks[addr]
	if !ok {
		b = make([]byte, im.bs)
		im.blocks[addr] = b
	}
	b[im.bs/2] ^= 0xA5
}

// Size is the image length in bytes
func (im *Image) Size() int64 {
	return int64(im.next) * int64(im.bs)
}

// ReadAt implements io.ReaderAt
func (im *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	size := im.Size()
	if off >= size {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && off+int64(n) < size {
		pos := off + int64(n)
		addr := uint64(pos / int64(im.bs))
		boff := int(pos % int64(im.bs))
		chunk := im.bs - boff
		if rem := len(p) - n; chunk > rem {
			chunk = rem
		}
		if b, ok := im.blocks[addr]; ok {
			copy(p[n:n+chunk], b[boff:])
		} else {
			clear(p[n : n+chunk])
		}
		n += chunk
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Bytes flattens the image
func (im *Image) Bytes() []byte {
	out := make([]byte, im.Size())
	im.ReadAt(out, 0)
	return out
}

// PutObjHeader writes an obj_phys_t into b (the checksum is left for Seal)
func PutObjHeader(b []byte, oid, xid uint64, typ, subtype uint32) {
	le.PutUint64(b[8:], oid)
	le.PutUint64(b[16:], xid)
	le.PutUint32(b[24:], typ)
	le.PutUint32(b[28:], subtype)
}

// Seal stores the Fletcher-64 checksum of a block
func Seal(b []byte) []byte {
	types.SetChecksum(b)
	return b
}

// EncodeStruct lays out v little-endian at the start of a block
func EncodeStruct(bs int, v any) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	b := make([]byte, bs)
	copy(b, buf.Bytes())
	return b
}

// NodeSpec describes one B-tree node
type NodeSpec struct {
	Oid      uint64
	Xid      uint64
	Physical bool
	Subtype  uint32
	Level    uint16
	Root     bool
	FixedKey int
	FixedVal int
	Info     *types.BTreeInfoT
}

func (s NodeSpec) fixed() bool { return s.FixedKey != 0 }

func tocEntrySize(fixed bool) int {
	if fixed {
		return types.BTREE_KVOFF_SIZE
	}
	return types.BTREE_KVLOC_SIZE
}

// EncodeNode lays out a btree_node_phys_t holding kvs
func EncodeNode(bs int, spec NodeSpec, kvs []KV) ([]byte, error) {
	b := make([]byte, bs)
	typ := uint32(types.OBJECT_TYPE_BTREE_NODE)
	if spec.Root {
		typ = uint32(types.OBJECT_TYPE_BTREE)
	}
	if spec.Physical {
		typ |= uint32(types.OBJ_PHYSICAL)
	}
	PutObjHeader(b, spec.Oid, spec.Xid, typ, spec.Subtype)

	var flags uint16
	if spec.Root {
		flags |= uint16(types.BTNODE_ROOT)
	}
	if spec.Level == 0 {
		flags |= uint16(types.BTNODE_LEAF)
	}
	if spec.fixed() {
		flags |= uint16(types.BTNODE_FIXED_KV_SIZE)
	}
	le.PutUint16(b[32:], flags)
	le.PutUint16(b[34:], spec.Level)
	le.PutUint32(b[36:], uint32(len(kvs)))

	tocLen := len(kvs) * tocEntrySize(spec.fixed())
	keyStart := types.BTREE_NODE_HEADER_SIZE + tocLen
	valEnd := bs
	if spec.Root {
		valEnd -= types.BTREE_INFO_SIZE
	}

	koff, voff := 0, 0
	for i, kv := range kvs {
		if keyStart+koff+len(kv.Key) > valEnd-voff-len(kv.Val) {
			return nil, fmt.Errorf("node overflow at entry %d of %d", i, len(kvs))
		}
		copy(b[keyStart+koff:], kv.Key)
		voff += len(kv.Val)
		copy(b[valEnd-voff:], kv.Val)

		toc := b[types.BTREE_NODE_HEADER_SIZE+i*tocEntrySize(spec.fixed()):]
		if spec.fixed() {
			le.PutUint16(toc, uint16(koff))
			le.PutUint16(toc[2:], uint16(voff))
		} else {
			le.PutUint16(toc, uint16(koff))
			le.PutUint16(toc[2:], uint16(len(kv.Key)))
			le.PutUint16(toc[4:], uint16(voff))
			le.PutUint16(toc[6:], uint16(len(kv.Val)))
		}
		koff += len(kv.Key)
	}
	// table_space, free_space, key_free_list, val_free_list
	le.PutUint16(b[40:], 0)
	le.PutUint16(b[42:], uint16(tocLen))
	le.PutUint16(b[44:], uint16(koff))
	le.PutUint16(b[46:], uint16(valEnd-keyStart-koff-voff))
	le.PutUint16(b[48:], 0xffff)
	le.PutUint16(b[52:], 0xffff)

	if spec.Root && spec.Info != nil {
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, spec.Info)
		copy(b[bs-types.BTREE_INFO_SIZE:], buf.Bytes())
	}
	return Seal(b), nil
}

// TreeSpec describes a B-tree to lay out with BuildTree
type TreeSpec struct {
	Subtype  uint32
	Physical bool
	FixedKey int
	FixedVal int
	Xid      uint64
	// LeafCap and IndexCap bound the entries per node; zero fills nodes by size only
	LeafCap  int
	IndexCap int
	// NextOid hands out oids for the nodes of a virtual tree
	NextOid *uint64
	// Compare sorts the records before layout; nil keeps the given order
	Compare btree.Compare
}

// TreeNode is a node written by BuildTree
type TreeNode struct {
	Oid   uint64
	Addr  uint64
	Level uint16
}

// Tree is the result of BuildTree
type Tree struct {
	// Root is the root's oid for virtual trees and its address for physical trees
	Root     uint64
	RootAddr uint64
	Nodes    []TreeNode
}

// Leaves returns the leaf nodes in key order
func (t *Tree) Leaves() []TreeNode {
	var out []TreeNode
	for _, n := range t.Nodes {
		if n.Level == 0 {
			out = append(out, n)
		}
	}
	return out
}

type pending struct {
	kvs   []KV
	level uint16
}

// BuildTree lays out kvs as a B-tree and writes every node to the image
func (im *Image) BuildTree(spec TreeSpec, kvs []KV) (*Tree, error) {
	kvs = append([]KV(nil), kvs...)
	if spec.Compare != nil {
		sort.SliceStable(kvs, func(i, j int) bool { return spec.Compare(kvs[i].Key, kvs[j].Key) < 0 })
	}

	info := &types.BTreeInfoT{
		Fixed: types.BTreeInfoFixedT{
			NodeSize: uint32(im.bs),
			KeySize:  uint32(spec.FixedKey),
			ValSize:  uint32(spec.FixedVal),
		},
		KeyCount: uint64(len(kvs)),
	}
	if spec.Physical {
		info.Fixed.Flags |= types.BTREE_PHYSICAL
	}
	for _, kv := range kvs {
		info.LongestKey = max(info.LongestKey, uint32(len(kv.Key)))
		info.LongestVal = max(info.LongestVal, uint32(len(kv.Val)))
	}

	t := &Tree{}
	level := pending{kvs: kvs}
	for {
		capacity := spec.LeafCap
		if level.level > 0 {
			capacity = spec.IndexCap
		}
		groups := im.split(level.kvs, capacity, tocEntrySize(spec.FixedKey != 0))
		root := len(groups) == 1

		var parents []KV
		for _, g := range groups {
			n := TreeNode{Addr: im.Alloc(1), Level: level.level}
			n.Oid = n.Addr
			if !spec.Physical {
				n.Oid = *spec.NextOid
				*spec.NextOid++
			}
			ns := NodeSpec{
				Oid:      n.Oid,
				Xid:      spec.Xid,
				Physical: spec.Physical,
				Subtype:  spec.Subtype,
				Level:    level.level,
				Root:     root,
				FixedKey: spec.FixedKey,
				FixedVal: spec.FixedVal,
			}
			if root {
				info.NodeCount = uint64(len(t.Nodes) + 1)
				ns.Info = info
			}
			data, err := EncodeNode(im.bs, ns, g)
			if err != nil {
				return nil, err
			}
			im.Put(n.Addr, data)
			t.Nodes = append(t.Nodes, n)

			var first []byte
			if len(g) > 0 {
				first = g[0].Key
			}
			parents = append(parents, KV{Key: first, Val: le.AppendUint64(nil, n.Oid)})
			if root {
				t.Root, t.RootAddr = n.Oid, n.Addr
				return t, nil
			}
		}
		level = pending{kvs: parents, level: level.level + 1}
	}
}

func (im *Image) split(kvs []KV, capacity, tocEntry int) [][]KV {
	room := im.bs - types.BTREE_NODE_HEADER_SIZE - types.BTREE_INFO_SIZE
	var groups [][]KV
	var cur []KV
	used := 0
	for _, kv := range kvs {
		cost := tocEntry + len(kv.Key) + len(kv.Val)
		if len(cur) > 0 && ((capacity > 0 && len(cur) >= capacity) || used+cost > room) {
			groups = append(groups, cur)
			cur, used = nil, 0
		}
		cur = append(cur, kv)
		used += cost
	}
	if len(cur) > 0 || len(groups) == 0 {
		groups = append(groups, cur)
	}
	return groups
}
