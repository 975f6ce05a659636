package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macapt/types"
)

const invalidOffset = 0xffff

// Node is a parsed B-tree node; entries are sliced out of the block on demand
type Node struct {
	Addr uint64
	Hdr  types.BTreeNodePhys

	data     []byte
	toc      int
	keyStart int
	valEnd   int
	keySize  int
	valSize  int
}

// ParseNode parses the block at addr as a B-tree node.
// keySize and valSize are the fixed entry sizes from the tree's btree_info_t and
// are only consulted on FIXED_KV_SIZE nodes.
func ParseNode(addr uint64, data []byte, keySize, valSize uint32) (*Node, error) {
	hdr, err := types.ReadBTreeNodeHeader(data)
	if err != nil {
		return nil, fmt.Errorf("node %#x: %w", addr, err)
	}
	switch hdr.Obj.GetType() {
	case types.OBJECT_TYPE_BTREE, types.OBJECT_TYPE_BTREE_NODE:
	default:
		return nil, fmt.Errorf("%w: block %#x has object type %s", ErrCorruptNode, addr, hdr.Obj.GetType())
	}

	n := &Node{
		Addr:     addr,
		Hdr:      hdr,
		data:     data,
		toc:      types.BTREE_NODE_HEADER_SIZE + int(hdr.TableSpace.Off),
		keyStart: types.BTREE_NODE_HEADER_SIZE + int(hdr.TableSpace.Off) + int(hdr.TableSpace.Len),
		valEnd:   len(data),
		keySize:  int(keySize),
		valSize:  int(valSize),
	}
	if hdr.IsRoot() {
		n.valEnd -= types.BTREE_INFO_SIZE
	}
	if n.keyStart > n.valEnd {
		return nil, fmt.Errorf("%w: node %#x table space (%d,%d) overruns block", ErrCorruptNode, addr, hdr.TableSpace.Off, hdr.TableSpace.Len)
	}
	if n.toc+int(hdr.Nkeys)*n.tocEntrySize() > n.keyStart {
		return nil, fmt.Errorf("%w: node %#x has %d keys but table space holds %d", ErrCorruptNode, addr, hdr.Nkeys, int(hdr.TableSpace.Len)/n.tocEntrySize())
	}
	return n, nil
}

func (n *Node) tocEntrySize() int {
	if n.Hdr.FixedKV() {
		return types.BTREE_KVOFF_SIZE
	}
	return types.BTREE_KVLOC_SIZE
}

func (n *Node) Len() int      { return int(n.Hdr.Nkeys) }
func (n *Node) IsLeaf() bool  { return n.Hdr.IsLeaf() }
func (n *Node) IsRoot() bool  { return n.Hdr.IsRoot() }
func (n *Node) Level() uint16 { return n.Hdr.Level }

// Info returns the btree_info_t footer of a root node
func (n *Node) Info() *types.BTreeInfoT {
	return n.Hdr.Info
}

// Entry returns the i'th key and value; a ghost entry has a nil value
func (n *Node) Entry(i int) (key, val []byte, err error) {
	if i < 0 || i >= n.Len() {
		return nil, nil, fmt.Errorf("%w: node %#x entry %d out of range", ErrCorruptNode, n.Addr, i)
	}
	var koff, klen, voff, vlen int
	e := n.data[n.toc+i*n.tocEntrySize():]
	if n.Hdr.FixedKV() {
		koff = int(binary.LittleEndian.Uint16(e))
		voff = int(binary.LittleEndian.Uint16(e[2:]))
		klen = n.keySize
		vlen = n.valSize
		if !n.IsLeaf() {
			vlen = 8
		}
	} else {
		koff = int(binary.LittleEndian.Uint16(e))
		klen = int(binary.LittleEndian.Uint16(e[2:]))
		voff = int(binary.LittleEndian.Uint16(e[4:]))
		vlen = int(binary.LittleEndian.Uint16(e[6:]))
	}

	ks := n.keyStart + koff
	if ks+klen > n.valEnd {
		return nil, nil, fmt.Errorf("%w: node %#x key %d at %d+%d overruns key area", ErrCorruptNode, n.Addr, i, ks, klen)
	}
	key = n.data[ks : ks+klen]

	if voff == invalidOffset {
		return key, nil, nil
	}
	vs := n.valEnd - voff
	if vs < n.keyStart || vs+vlen > n.valEnd {
		return nil, nil, fmt.Errorf("%w: node %#x value %d at %d+%d overruns value area", ErrCorruptNode, n.Addr, i, vs, vlen)
	}
	return key, n.data[vs : vs+vlen], nil
}

// Child returns the child reference (oid or block address) stored in entry i of an index node
func (n *Node) Child(i int) (uint64, error) {
	if n.IsLeaf() {
		return 0, fmt.Errorf("%w: node %#x is a leaf", ErrCorruptNode, n.Addr)
	}
	_, v, err := n.Entry(i)
	if err != nil {
		return 0, err
	}
	if len(v) < 8 {
		return 0, fmt.Errorf("%w: node %#x child pointer %d is %d bytes", ErrCorruptNode, n.Addr, i, len(v))
	}
	return binary.LittleEndian.Uint64(v), nil
}

// floor returns the index of the last entry whose key is <= target, or -1
func (n *Node) floor(target []byte, cmp Compare) (int, error) {
	lo, hi := 0, n.Len()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		k, _, err := n.Entry(mid)
		if err != nil {
			return -1, err
		}
		if cmp(k, target) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1, nil
}

func (n *Node) String() string {
	return fmt.Sprintf("node %#x: %s", n.Addr, n.Hdr)
}
