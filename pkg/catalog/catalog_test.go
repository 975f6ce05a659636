package catalog_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/blacktop/go-macapt/internal/apfstest"
	"github.com/blacktop/go-macapt/pkg/catalog"
	"github.com/blacktop/go-macapt/pkg/omap"
	"github.com/blacktop/go-macapt/types"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readExtents(img *apfstest.Image) catalog.StreamReader {
	return func(extents []catalog.Extent, n uint64) ([]byte, error) {
		var out []byte
		for _, e := range extents {
			buf := make([]byte, e.Length)
			if _, err := img.ReadAt(buf, int64(e.PhysBlock*apfstest.DefaultBlockSize)); err != nil {
				return nil, err
			}
			out = append(out, buf...)
		}
		if uint64(len(out)) > n {
			out = out[:n]
		}
		return out, nil
	}
}

func build(t *testing.T, c *apfstest.Container, v *apfstest.Volume) (*catalog.Catalog, *apfstest.Image) {
	t.Helper()
	img, err := c.Build()
	require.NoError(t, err)
	cat, err := buildFrom(context.Background(), img, v)
	require.NoError(t, err)
	return cat, img
}

func buildFrom(ctx context.Context, img *apfstest.Image, v *apfstest.Volume) (*catalog.Catalog, error) {
	src := types.NewBlockReader(img, apfstest.DefaultBlockSize, true)
	om, err := omap.Open(src, v.OMapAddr)
	if err != nil {
		return nil, err
	}
	return catalog.Build(ctx, src, catalog.Config{
		Root:            v.FSTree.Root,
		Resolver:        om.Resolver(apfstest.DefaultXid),
		Hashed:          v.Hashed,
		CaseInsensitive: v.CaseInsensitive,
		ReadStream:      readExtents(img),
	})
}

func text(n int) []byte {
	return bytes.Repeat([]byte("catalog test data\n"), n/18+1)[:n]
}

func TestBuildTables(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("Macintosh HD")
	v.ExtentBlocks = 1
	users := v.Dir(v.Root(), "Users")
	alice := v.Dir(users, "alice")
	doc := v.File(alice, "doc.txt", text(10000))
	empty := v.File(alice, "empty", nil)
	link := v.Symlink(v.Root(), "home", "/Users/alice")
	v.Hardlink(users, "doc-link.txt", doc)
	v.Xattr(doc, "com.apple.quarantine", []byte("0081;5f000000;Safari;"))
	v.StreamXattr(doc, "com.apple.metadata:big", text(9000))
	packed := v.Compressed(alice, "packed.txt", 3, 50000, apfstest.Zlib(text(50000)), nil)
	fork := v.Compressed(alice, "fork.bin", 8, 200000, nil, apfstest.OffsetResourceFork(text(200000), apfstest.LZVN))
	// a payload past the embedded limit pushes the decmpfs attribute into a stream
	streamed := v.Compressed(alice, "streamed.bin", 1, 5000, text(5000), nil)
	v.Record(types.EncodeJKey(alice, types.APFS_TYPE_DIR_STATS), make([]byte, 32))

	cat, _ := build(t, c, v)
	assert.Empty(t, cat.Skipped)

	ino, ok := cat.Inode(doc)
	require.True(t, ok)
	assert.Equal(t, "doc.txt", ino.Name)
	assert.Equal(t, alice, ino.Parent)
	assert.True(t, ino.IsRegular())
	assert.Equal(t, uint64(10000), ino.LogicalSize)
	assert.Equal(t, uint64(3*apfstest.DefaultBlockSize), ino.PhysicalSize)
	assert.Equal(t, int32(2), ino.Nlink)

	ext := cat.FileExtents(doc)
	require.Len(t, ext, 3)
	var total uint64
	for i, e := range ext {
		assert.Equal(t, uint64(i*apfstest.DefaultBlockSize), e.LogicalOffset)
		total += e.Length
	}
	assert.Equal(t, uint64(3*apfstest.DefaultBlockSize), total)
	assert.Empty(t, cat.FileExtents(empty))

	assert.Equal(t, map[uint64]string{
		types.ROOT_DIR_INO_NUM: "/",
		users:                  "/Users",
		alice:                  "/Users/alice",
		doc:                    "/Users/alice/doc.txt",
		empty:                  "/Users/alice/empty",
		link:                   "/home",
		packed:                 "/Users/alice/packed.txt",
		fork:                   "/Users/alice/fork.bin",
		streamed:               "/Users/alice/streamed.bin",
	}, cat.Paths)

	want := []catalog.Hardlink{{CNID: doc, Parent: users, Name: "doc-link.txt"}}
	if diff := cmp.Diff(want, cat.Hardlinks, cmpopts.IgnoreFields(catalog.Hardlink{}, "SiblingID")); diff != "" {
		t.Errorf("Hardlinks mismatch (-want +got):\n%s", diff)
	}

	q, ok := cat.Attribute(doc, "com.apple.quarantine")
	require.True(t, ok)
	assert.True(t, q.Embedded())
	assert.Equal(t, []byte("0081;5f000000;Safari;"), q.Data)
	big, ok := cat.Attribute(doc, "com.apple.metadata:big")
	require.True(t, ok)
	assert.False(t, big.Embedded())
	assert.Equal(t, uint64(9000), big.Size)
	assert.NotEmpty(t, cat.Extents[big.StreamID])

	sl, ok := cat.Attribute(link, types.SYMLINK_EA_NAME)
	require.True(t, ok)
	assert.Equal(t, "/Users/alice\x00", string(sl.Data))

	_, ok = cat.DirStats[alice]
	assert.True(t, ok)

	require.Len(t, cat.Compressed, 3)
	assert.Equal(t, uint32(3), cat.Compressed[packed].Type)
	assert.Equal(t, uint64(50000), cat.Compressed[packed].UncompressedSize)
	assert.Zero(t, cat.Compressed[packed].ResourceStream)
	assert.Equal(t, uint32(8), cat.Compressed[fork].Type)
	assert.NotZero(t, cat.Compressed[fork].ResourceStream)
	assert.Equal(t, uint64(len(apfstest.OffsetResourceFork(text(200000), apfstest.LZVN))), cat.Compressed[fork].ResourceSize)
	assert.NotZero(t, cat.Compressed[streamed].HeaderStream)
	assert.Equal(t, uint32(1), cat.Compressed[streamed].Type)
	assert.Len(t, cat.Compressed[streamed].Header, types.DECMPFS_HEADER_SIZE+5000)

	for _, cnid := range []uint64{packed, fork, streamed} {
		ino, _ := cat.Inode(cnid)
		assert.True(t, ino.Compressed)
		assert.Equal(t, cat.Compressed[cnid].UncompressedSize, ino.LogicalSize)
	}
}

func TestCatalogConsistency(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	v.LeafCap = 6
	v.IndexCap = 4
	var files []uint64
	dir := v.Root()
	for d := 0; d < 4; d++ {
		dir = v.Dir(dir, fmt.Sprintf("level%d", d))
		for f := 0; f < 5; f++ {
			files = append(files, v.File(dir, fmt.Sprintf("file%d.log", f), text(f*3000)))
		}
	}
	v.Hardlink(v.Root(), "shortcut", files[7])

	cat, _ := build(t, c, v)

	// every directory entry points at a known inode; only non-sibling entries are index nodes
	for _, n := range cat.IndexNodes {
		_, ok := cat.Inodes[n.CNID]
		assert.True(t, ok, "index node %+v has no inode", n)
	}
	for _, h := range cat.Hardlinks {
		for _, n := range cat.IndexNodes {
			assert.False(t, n.CNID == h.CNID && n.Parent == h.Parent, "hard link sibling %+v is also an index node", h)
		}
	}

	// every path is its parent's path plus its name
	for cnid, p := range cat.Paths {
		if cnid == types.ROOT_DIR_INO_NUM {
			assert.Equal(t, "/", p)
			continue
		}
		ino := cat.Inodes[cnid]
		assert.Equal(t, catalog.JoinPath(cat.Paths[ino.Parent], ino.Name), p)
	}
	assert.Len(t, cat.Paths, len(cat.Inodes))

	// extents cover each file's allocated size
	for _, cnid := range files {
		ino := cat.Inodes[cnid]
		var total uint64
		for _, e := range cat.FileExtents(cnid) {
			total += e.Length
		}
		blocks := (ino.LogicalSize + apfstest.DefaultBlockSize - 1) / apfstest.DefaultBlockSize
		assert.Equal(t, blocks*apfstest.DefaultBlockSize, total, "cnid %#x", cnid)
	}
}

func TestEmptyVolume(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("empty")
	cat, _ := build(t, c, v)
	assert.Equal(t, map[uint64]string{types.ROOT_DIR_INO_NUM: "/"}, cat.Paths)
	assert.Empty(t, cat.Children(types.ROOT_DIR_INO_NUM))
	cnid, err := cat.Lookup("/")
	require.NoError(t, err)
	assert.Equal(t, uint64(types.ROOT_DIR_INO_NUM), cnid)
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name            string
		caseInsensitive bool
		path            string
		wantErr         error
	}{
		{"exact", false, "/Users/alice/doc.txt", nil},
		{"case sensitive miss", false, "/Users/alice/DOC.TXT", catalog.ErrPathNotFound},
		{"case insensitive", true, "/Users/alice/DOC.TXT", nil},
		{"case insensitive dirs", true, "/users/ALICE/Doc.Txt", nil},
		{"trailing slash", false, "/Users/alice/", nil},
		{"dot components", false, "/Users/./alice//doc.txt", nil},
		{"through a file", false, "/Users/alice/doc.txt/x", catalog.ErrNotADirectory},
		{"missing", true, "/Users/bob", catalog.ErrPathNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := apfstest.NewContainer()
			v := c.AddVolume("Macintosh HD")
			v.CaseInsensitive = tt.caseInsensitive
			users := v.Dir(v.Root(), "Users")
			alice := v.Dir(users, "alice")
			doc := v.File(alice, "doc.txt", text(100))
			cat, _ := build(t, c, v)

			cnid, err := cat.Lookup(tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if cat.Inodes[cnid].IsDir() {
				assert.Equal(t, alice, cnid)
			} else {
				assert.Equal(t, doc, cnid)
			}
		})
	}
}

func TestChildren(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	a := v.Dir(v.Root(), "b-dir")
	f := v.File(v.Root(), "a-file", text(10))
	v.Hardlink(a, "z-link", f)
	cat, _ := build(t, c, v)

	root := cat.Children(types.ROOT_DIR_INO_NUM)
	require.Len(t, root, 2)
	assert.Equal(t, "a-file", root[0].Name)
	assert.Equal(t, uint8(types.DT_REG), root[0].ItemType)
	assert.Equal(t, "b-dir", root[1].Name)
	assert.Equal(t, uint8(types.DT_DIR), root[1].ItemType)

	sub := cat.Children(a)
	require.Len(t, sub, 1)
	assert.Equal(t, f, sub[0].CNID)
	assert.NotZero(t, sub[0].SiblingID)
}

func TestBuildSkipsCorruptLeaf(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	v.LeafCap = 8
	v.IndexCap = 4
	keep := v.Dir(v.Root(), "keep")
	kept := v.File(keep, "a.txt", text(100))
	bulk := v.Dir(v.Root(), "bulk")
	for i := 0; i < 40; i++ {
		v.File(bulk, fmt.Sprintf("f%02d", i), text(10))
	}
	img, err := c.Build()
	require.NoError(t, err)

	leaves := v.FSTree.Leaves()
	require.Greater(t, len(leaves), 4)
	// the last leaves hold the records of the newest bulk files
	bad := leaves[len(leaves)-2].Addr
	img.Corrupt(bad)

	h := memory.New()
	prev := log.Log
	log.Log = &log.Logger{Handler: h, Level: log.InfoLevel}
	defer func() { log.Log = prev }()

	cat, err := buildFrom(context.Background(), img, v)
	require.NoError(t, err)

	var warned []string
	for _, e := range h.Entries {
		if e.Level == log.WarnLevel && e.Message == "skipping unreadable file-system tree node" {
			warned = append(warned, e.Fields.Get("block").(string))
		}
	}
	assert.Equal(t, []string{fmt.Sprintf("%#x", bad)}, warned)
	require.Len(t, cat.Skipped, 1)
	assert.Equal(t, bad, cat.Skipped[0].Addr)
	assert.ErrorIs(t, cat.Skipped[0].Err, types.ErrBadBlockChecksum)

	cnid, err := cat.Lookup("/keep/a.txt")
	require.NoError(t, err)
	assert.Equal(t, kept, cnid)
	_, err = cat.Lookup("/bulk/f00")
	assert.NoError(t, err)

	missing := 0
	for i := 0; i < 40; i++ {
		if _, err := cat.Lookup(fmt.Sprintf("/bulk/f%02d", i)); err != nil {
			assert.ErrorIs(t, err, catalog.ErrPathNotFound)
			missing++
		}
	}
	assert.Greater(t, missing, 0)
	assert.Less(t, missing, 40)
}

func TestPathsResolveAfterCorruptLeaf(t *testing.T) {
	build := func() (*apfstest.Container, *apfstest.Volume) {
		c := apfstest.NewContainer()
		v := c.AddVolume("data")
		v.LeafCap = 6
		v.IndexCap = 4
		docs := v.Dir(v.Root(), "docs")
		for i := 0; i < 20; i++ {
			v.File(docs, fmt.Sprintf("d%02d", i), text(10))
		}
		return c, v
	}
	c, v := build()
	_, err := c.Build()
	require.NoError(t, err)
	n := len(v.FSTree.Leaves())
	require.Greater(t, n, 4)

	orphans := 0
	for i := 0; i < n; i++ {
		c, v := build()
		img, err := c.Build()
		require.NoError(t, err)
		img.Corrupt(v.FSTree.Leaves()[i].Addr)
		cat, err := buildFrom(context.Background(), img, v)
		require.NoError(t, err)

		indexed := make(map[uint64]bool)
		for _, n := range cat.IndexNodes {
			indexed[n.CNID] = true
		}
		for cnid, p := range cat.Paths {
			got, err := cat.Lookup(p)
			require.NoError(t, err, "leaf %d: %s", i, p)
			assert.Equal(t, cnid, got, "leaf %d: %s", i, p)
			if cnid != types.ROOT_DIR_INO_NUM && !indexed[cnid] {
				orphans++
			}
		}
	}
	// some leaf held directory records whose inodes survived elsewhere
	assert.NotZero(t, orphans)
}

func TestBuildCancelled(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	v.LeafCap = 4
	for i := 0; i < 20; i++ {
		v.File(v.Root(), fmt.Sprintf("f%d", i), text(10))
	}
	img, err := c.Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cat, err := buildFrom(ctx, img, v)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, cat)
}
