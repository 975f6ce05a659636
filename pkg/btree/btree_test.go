package btree_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/blacktop/go-macapt/internal/apfstest"
	"github.com/blacktop/go-macapt/pkg/btree"
	"github.com/blacktop/go-macapt/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReader struct {
	btree.BlockReader
	reads map[uint64]int
}

func (c *countingReader) ReadBlock(addr uint64) ([]byte, error) {
	c.reads[addr]++
	return c.BlockReader.ReadBlock(addr)
}

func omapKV(oid, xid, paddr uint64) apfstest.KV {
	val := binary.LittleEndian.AppendUint32(nil, 0)
	val = binary.LittleEndian.AppendUint32(val, 4096)
	val = binary.LittleEndian.AppendUint64(val, paddr)
	return apfstest.KV{Key: types.EncodeOMapKey(types.OidT(oid), types.XidT(xid)), Val: val}
}

// buildOMapTree lays out a physical three level omap tree holding oids 0x100..0x100+n at xids 1 and 5
func buildOMapTree(t *testing.T, n int) (*apfstest.Image, *apfstest.Tree) {
	t.Helper()
	img := apfstest.NewImage(apfstest.DefaultBlockSize, 1)
	var kvs []apfstest.KV
	for i := 0; i < n; i++ {
		oid := uint64(0x100 + i)
		kvs = append(kvs, omapKV(oid, 1, 0x1000+oid), omapKV(oid, 5, 0x2000+oid))
	}
	tree, err := img.BuildTree(apfstest.TreeSpec{
		Subtype:  uint32(types.OBJECT_TYPE_OMAP),
		Physical: true,
		FixedKey: types.OMAP_KEY_SIZE,
		FixedVal: types.OMAP_VAL_SIZE,
		Xid:      5,
		LeafCap:  4,
		IndexCap: 4,
		Compare:  btree.OMapCompare,
	}, kvs)
	require.NoError(t, err)
	return img, tree
}

func TestTreeGetAndFloor(t *testing.T) {
	img, built := buildOMapTree(t, 40)
	tree, err := btree.Open(types.NewBlockReader(img, apfstest.DefaultBlockSize, true), built.Root, btree.OMapCompare)
	require.NoError(t, err)
	assert.Greater(t, tree.Root().Level(), uint16(1))

	tests := []struct {
		name      string
		oid, xid  uint64
		wantPaddr uint64
		wantXid   uint64
		exact     bool
	}{
		{"exact newest", 0x105, 5, 0x2105, 5, true},
		{"exact oldest", 0x105, 1, 0x1105, 1, true},
		{"between versions", 0x11a, 3, 0x111a, 1, false},
		{"beyond newest", 0x127, 99, 0x2127, 5, false},
		{"first key", 0x100, 1, 0x1100, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, v, err := tree.Floor(types.EncodeOMapKey(types.OidT(tt.oid), types.XidT(tt.xid)))
			require.NoError(t, err)
			key, err := types.DecodeOMapKey(k)
			require.NoError(t, err)
			val, err := types.DecodeOMapVal(v)
			require.NoError(t, err)
			assert.Equal(t, types.OidT(tt.oid), key.Oid)
			assert.Equal(t, types.XidT(tt.wantXid), key.Xid)
			assert.Equal(t, tt.wantPaddr, val.Paddr)

			_, err = tree.Get(types.EncodeOMapKey(types.OidT(tt.oid), types.XidT(tt.xid)))
			if tt.exact {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, btree.ErrNotFound)
			}
		})
	}

	_, _, err = tree.Floor(types.EncodeOMapKey(0x10, 1))
	assert.ErrorIs(t, err, btree.ErrNotFound)
}

func TestTreeRange(t *testing.T) {
	img, built := buildOMapTree(t, 40)
	tree, err := btree.Open(types.NewBlockReader(img, apfstest.DefaultBlockSize, true), built.Root, btree.OMapCompare)
	require.NoError(t, err)

	var got []uint64
	err = tree.Range(types.EncodeOMapKey(0x110, 0), func(k, v []byte) (bool, error) {
		key, err := types.DecodeOMapKey(k)
		if err != nil {
			return false, err
		}
		if key.Oid > 0x112 {
			return false, nil
		}
		got = append(got, uint64(key.Oid)<<8|uint64(key.Xid))
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x11001, 0x11005, 0x11101, 0x11105, 0x11201, 0x11205}, got)

	stop := errors.New("stop")
	err = tree.Range(nil, func(k, v []byte) (bool, error) { return false, stop })
	assert.ErrorIs(t, err, stop)
}

func TestTreeWalk(t *testing.T) {
	img, built := buildOMapTree(t, 40)
	tree, err := btree.Open(types.NewBlockReader(img, apfstest.DefaultBlockSize, true), built.Root, btree.OMapCompare)
	require.NoError(t, err)

	var prev []byte
	count := 0
	err = tree.Walk(context.Background(), func(k, v []byte) error {
		if prev != nil {
			assert.Negative(t, btree.OMapCompare(prev, k), "keys out of order at entry %d", count)
		}
		prev = append(prev[:0], k...)
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 80, count)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = tree.Walk(ctx, func(k, v []byte) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTreeWalkSkipsCorruptLeaf(t *testing.T) {
	img, built := buildOMapTree(t, 40)
	leaves := built.Leaves()
	require.Greater(t, len(leaves), 3)
	bad := leaves[2].Addr
	img.Corrupt(bad)

	var skipped []uint64
	tree, err := btree.Open(types.NewBlockReader(img, apfstest.DefaultBlockSize, true), built.Root, btree.OMapCompare,
		btree.WithErrorHandler(func(addr uint64, err error) error {
			var cerr *types.ChecksumError
			if errors.As(err, &cerr) {
				skipped = append(skipped, cerr.Addr)
				return nil
			}
			return err
		}))
	require.NoError(t, err)

	count := 0
	require.NoError(t, tree.Walk(context.Background(), func(k, v []byte) error {
		count++
		return nil
	}))
	assert.Equal(t, []uint64{bad}, skipped)
	assert.Equal(t, 76, count)

	// without a handler the walk fails on the same block
	strict, err := btree.Open(types.NewBlockReader(img, apfstest.DefaultBlockSize, true), built.Root, btree.OMapCompare)
	require.NoError(t, err)
	err = strict.Walk(context.Background(), func(k, v []byte) error { return nil })
	assert.ErrorIs(t, err, types.ErrBadBlockChecksum)
	var nerr *btree.NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, bad, nerr.Addr)
	assert.NotZero(t, nerr.Parent)
}

func TestTreeVirtual(t *testing.T) {
	img := apfstest.NewImage(apfstest.DefaultBlockSize, 1)
	next := uint64(0x500)
	var kvs []apfstest.KV
	for i := uint64(16); i < 64; i++ {
		kvs = append(kvs, apfstest.KV{
			Key: types.EncodeJKey(i, types.APFS_TYPE_INODE),
			Val: []byte(fmt.Sprintf("inode-%d", i)),
		})
		kvs = append(kvs, apfstest.KV{
			Key: types.EncodeXattrKey(i, "com.apple.quarantine"),
			Val: []byte{2, 0, 1, 0, 'q'},
		})
	}
	built, err := img.BuildTree(apfstest.TreeSpec{
		Subtype:  uint32(types.OBJECT_TYPE_FSTREE),
		Xid:      7,
		LeafCap:  6,
		IndexCap: 3,
		NextOid:  &next,
		Compare:  btree.FSCompare(false),
	}, kvs)
	require.NoError(t, err)

	oids := make(map[uint64]uint64)
	for _, n := range built.Nodes {
		oids[n.Oid] = n.Addr
	}
	resolver := func(oid uint64) (uint64, error) {
		addr, ok := oids[oid]
		if !ok {
			return 0, fmt.Errorf("oid %#x: %w", oid, btree.ErrNotFound)
		}
		return addr, nil
	}
	tree, err := btree.Open(types.NewBlockReader(img, apfstest.DefaultBlockSize, true), built.Root, btree.FSCompare(false), btree.WithResolver(resolver))
	require.NoError(t, err)

	v, err := tree.Get(types.EncodeJKey(42, types.APFS_TYPE_INODE))
	require.NoError(t, err)
	assert.Equal(t, "inode-42", string(v))

	var kinds []string
	err = tree.Range(types.EncodeJKey(42, 0), func(k, v []byte) (bool, error) {
		hdr, err := types.DecodeJKey(k)
		if err != nil {
			return false, err
		}
		if hdr.GetID() != 42 {
			return false, nil
		}
		kinds = append(kinds, hdr.GetType().String())
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{types.APFS_TYPE_INODE.String(), types.APFS_TYPE_XATTR.String()}, kinds)

	_, err = btree.Open(types.NewBlockReader(img, apfstest.DefaultBlockSize, true), 0xdead, btree.FSCompare(false), btree.WithResolver(resolver))
	assert.ErrorIs(t, err, btree.ErrNotFound)
}

func TestOpenRejectsNonRoot(t *testing.T) {
	img, built := buildOMapTree(t, 40)
	_, err := btree.Open(types.NewBlockReader(img, apfstest.DefaultBlockSize, true), built.Leaves()[0].Addr, btree.OMapCompare)
	assert.ErrorIs(t, err, btree.ErrCorruptNode)
}

func TestCachedReader(t *testing.T) {
	img, built := buildOMapTree(t, 40)
	counter := &countingReader{
		BlockReader: types.NewBlockReader(img, apfstest.DefaultBlockSize, true),
		reads:       make(map[uint64]int),
	}
	cached, err := btree.NewCachedReader(counter, 64)
	require.NoError(t, err)
	tree, err := btree.Open(cached, built.Root, btree.OMapCompare)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := tree.Get(types.EncodeOMapKey(0x120, 5))
		require.NoError(t, err)
	}
	for addr, n := range counter.reads {
		assert.Equal(t, 1, n, "block %#x read more than once", addr)
	}

	cached.Purge()
	_, err = tree.Get(types.EncodeOMapKey(0x120, 5))
	require.NoError(t, err)
	assert.Equal(t, 2, counter.reads[built.Leaves()[16].Addr])
}
