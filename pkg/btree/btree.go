// Package btree implements read-only traversal of APFS B-trees.
package btree

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
)

var (
	// ErrNotFound is returned when a key is not present in the tree
	ErrNotFound = errors.New("key not found")
	// ErrCorruptNode is returned when a node's layout is inconsistent
	ErrCorruptNode = errors.New("corrupt b-tree node")
)

// BlockReader reads a physical block
type BlockReader interface {
	ReadBlock(addr uint64) ([]byte, error)
}

// Resolver translates a virtual object id into a physical block address
type Resolver func(oid uint64) (uint64, error)

// Compare orders two keys
type Compare func(a, b []byte) int

// ErrorHandler decides what Walk does with an unreadable node: returning nil
// skips the node's subtree, returning an error aborts the walk.
type ErrorHandler func(addr uint64, err error) error

// NodeError is returned for a child node that could not be resolved, read or parsed
type NodeError struct {
	Parent uint64 // address of the referencing node
	Ref    uint64 // child reference as stored in the parent, an oid for virtual trees
	Addr   uint64 // resolved address, zero when resolution failed
	Err    error
}

func (e *NodeError) Error() string {
	if e.Addr == 0 {
		return fmt.Sprintf("failed to resolve child %#x of node %#x: %v", e.Ref, e.Parent, e.Err)
	}
	return fmt.Sprintf("failed to read child %#x (block %#x) of node %#x: %v", e.Ref, e.Addr, e.Parent, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Tree is a B-tree rooted at a single node
type Tree struct {
	src     BlockReader
	resolve Resolver
	cmp     Compare
	onError ErrorHandler
	root    *Node
	keySize uint32
	valSize uint32
}

type Option func(*Tree)

// WithResolver makes the tree virtual; child references are resolved before reading
func WithResolver(r Resolver) Option {
	return func(t *Tree) {
		t.resolve = r
	}
}

// WithErrorHandler sets the handler Walk calls for unreadable nodes
func WithErrorHandler(h ErrorHandler) Option {
	return func(t *Tree) {
		t.onError = h
	}
}

// Open reads the root node; root is an oid when a resolver is set and a block address otherwise
func Open(src BlockReader, root uint64, cmp Compare, opts ...Option) (*Tree, error) {
	t := &Tree{src: src, cmp: cmp}
	for _, opt := range opts {
		opt(t)
	}
	if t.cmp == nil {
		t.cmp = bytes.Compare
	}

	addr, err := t.addr(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve b-tree root %#x: %w", root, err)
	}
	data, err := src.ReadBlock(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to read b-tree root: %w", err)
	}
	// sizes are only known once the root's info footer has been read
	n, err := ParseNode(addr, data, 0, 0)
	if err != nil {
		return nil, err
	}
	if !n.IsRoot() || n.Info() == nil {
		return nil, fmt.Errorf("%w: block %#x is not a b-tree root", ErrCorruptNode, addr)
	}
	t.keySize = n.Info().Fixed.KeySize
	t.valSize = n.Info().Fixed.ValSize
	n.keySize, n.valSize = int(t.keySize), int(t.valSize)
	t.root = n
	return t, nil
}

// Root returns the root node
func (t *Tree) Root() *Node {
	return t.root
}

func (t *Tree) addr(ref uint64) (uint64, error) {
	if t.resolve == nil {
		return ref, nil
	}
	return t.resolve(ref)
}

func (t *Tree) child(parent *Node, i int) (*Node, error) {
	ref, err := parent.Child(i)
	if err != nil {
		return nil, err
	}
	addr, err := t.addr(ref)
	if err != nil {
		return nil, &NodeError{Parent: parent.Addr, Ref: ref, Err: err}
	}
	data, err := t.src.ReadBlock(addr)
	if err != nil {
		return nil, &NodeError{Parent: parent.Addr, Ref: ref, Addr: addr, Err: err}
	}
	n, err := ParseNode(addr, data, t.keySize, t.valSize)
	if err != nil {
		return nil, &NodeError{Parent: parent.Addr, Ref: ref, Addr: addr, Err: err}
	}
	if n.Level()+1 != parent.Level() {
		return nil, fmt.Errorf("%w: node %#x at level %d is a child of level %d node %#x",
			ErrCorruptNode, addr, n.Level(), parent.Level(), parent.Addr)
	}
	if n.IsLeaf() != (n.Level() == 0) {
		return nil, fmt.Errorf("%w: node %#x leaf flag does not match level %d", ErrCorruptNode, addr, n.Level())
	}
	return n, nil
}

// Floor returns the entry with the largest key <= key
func (t *Tree) Floor(key []byte) (k, v []byte, err error) {
	n := t.root
	for {
		i, err := n.floor(key, t.cmp)
		if err != nil {
			return nil, nil, err
		}
		if i < 0 {
			return nil, nil, ErrNotFound
		}
		if n.IsLeaf() {
			return n.Entry(i)
		}
		if n, err = t.child(n, i); err != nil {
			return nil, nil, err
		}
	}
}

// Get returns the value stored under key
func (t *Tree) Get(key []byte) ([]byte, error) {
	k, v, err := t.Floor(key)
	if err != nil {
		return nil, err
	}
	if t.cmp(k, key) != 0 {
		return nil, ErrNotFound
	}
	return v, nil
}

// Range calls fn for every entry with key >= lo in ascending order until fn returns false
func (t *Tree) Range(lo []byte, fn func(k, v []byte) (bool, error)) error {
	_, err := t.rangeNode(t.root, lo, fn)
	return err
}

func (t *Tree) rangeNode(n *Node, lo []byte, fn func(k, v []byte) (bool, error)) (bool, error) {
	start, err := n.floor(lo, t.cmp)
	if err != nil {
		return false, err
	}
	if n.IsLeaf() {
		for i := max(start, 0); i < n.Len(); i++ {
			k, v, err := n.Entry(i)
			if err != nil {
				return false, err
			}
			if t.cmp(k, lo) < 0 {
				continue
			}
			if cont, err := fn(k, v); err != nil || !cont {
				return false, err
			}
		}
		return true, nil
	}
	for i := max(start, 0); i < n.Len(); i++ {
		c, err := t.child(n, i)
		if err != nil {
			return false, err
		}
		if cont, err := t.rangeNode(c, lo, fn); err != nil || !cont {
			return false, err
		}
	}
	return true, nil
}

// Walk visits every leaf entry depth first. Nodes reachable more than once are
// visited once, keyed by physical block address.
func (t *Tree) Walk(ctx context.Context, fn func(k, v []byte) error) error {
	visited := map[uint64]struct{}{t.root.Addr: {}}
	return t.walkNode(ctx, t.root, visited, fn)
}

func (t *Tree) walkNode(ctx context.Context, n *Node, visited map[uint64]struct{}, fn func(k, v []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.IsLeaf() {
		for i := 0; i < n.Len(); i++ {
			k, v, err := n.Entry(i)
			if err != nil {
				if herr := t.handle(n.Addr, err); herr != nil {
					return herr
				}
				return nil
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	}
	for i := 0; i < n.Len(); i++ {
		c, err := t.child(n, i)
		if err != nil {
			if herr := t.handle(n.Addr, err); herr != nil {
				return herr
			}
			continue
		}
		if _, ok := visited[c.Addr]; ok {
			log.WithField("block", fmt.Sprintf("%#x", c.Addr)).Debug("skipping already visited b-tree node")
			continue
		}
		visited[c.Addr] = struct{}{}
		if err := t.walkNode(ctx, c, visited, fn); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) handle(addr uint64, err error) error {
	if t.onError == nil {
		return err
	}
	return t.onError(addr, err)
}
