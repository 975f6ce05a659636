package apfs_test

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"testing"

	"github.com/apex/log"
	apfs "github.com/blacktop/go-macapt"
	"github.com/blacktop/go-macapt/internal/apfstest"
	"github.com/blacktop/go-macapt/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePathCaseSensitivity(t *testing.T) {
	c := apfstest.NewContainer()
	ci := c.AddVolume("insensitive")
	ci.CaseInsensitive = true
	cs := c.AddVolume("sensitive")
	plain := c.AddVolume("unhashed")
	plain.Hashed = false

	docs := map[string]uint64{}
	for _, v := range []*apfstest.Volume{ci, cs, plain} {
		users := v.Dir(v.Root(), "Users")
		alice := v.Dir(users, "alice")
		v.File(alice, "notes.txt", text(10))
		docs[v.Name] = v.File(alice, "doc.txt", text(100))
		v.File(alice, "café.txt", text(10))
	}
	ctr, _ := open(t, c)

	tests := []struct {
		volume string
		path   string
		found  bool
	}{
		{volume: "insensitive", path: "/Users/alice/DOC.TXT", found: true},
		{volume: "insensitive", path: "/users/ALICE/doc.txt", found: true},
		{volume: "insensitive", path: "Users/alice/doc.txt", found: true},
		{volume: "sensitive", path: "/Users/alice/doc.txt", found: true},
		{volume: "sensitive", path: "/Users/alice/DOC.TXT", found: false},
		{volume: "sensitive", path: "/users/alice/doc.txt", found: false},
		{volume: "unhashed", path: "/Users/alice/doc.txt", found: true},
		{volume: "unhashed", path: "/Users/alice/Doc.txt", found: false},
	}
	for _, built := range []bool{false, true} {
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%s%s/catalog=%t", tt.volume, tt.path, built), func(t *testing.T) {
				v := volume(t, ctr, tt.volume)
				if built {
					_, err := v.Catalog(context.Background())
					require.NoError(t, err)
				}
				cnid, err := v.ResolvePath(tt.path)
				if !tt.found {
					assert.ErrorIs(t, err, apfs.ErrPathNotFound)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, docs[tt.volume], cnid)
			})
		}
	}

	// decomposed input matches the precomposed name on normalization-insensitive volumes
	for _, name := range []string{"insensitive", "sensitive"} {
		ok, err := volume(t, ctr, name).Exists("/Users/alice/cafe\u0301.txt")
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
}

func TestResolvePathErrors(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	dir := v.Dir(v.Root(), "dir")
	v.File(dir, "file", text(10))
	ctr, _ := open(t, c)
	vol := volume(t, ctr, "data")

	cnid, err := vol.ResolvePath("/")
	require.NoError(t, err)
	assert.Equal(t, uint64(types.ROOT_DIR_INO_NUM), cnid)
	cnid, err = vol.ResolvePath("//dir/./")
	require.NoError(t, err)
	assert.Equal(t, dir, cnid)

	_, err = vol.ResolvePath("/dir/file/below")
	assert.ErrorIs(t, err, apfs.ErrNotADirectory)
	_, err = vol.ResolvePath("/nope/file")
	assert.ErrorIs(t, err, apfs.ErrPathNotFound)

	for _, path := range []string{"/dir/file/below", "/nope", "/dir/nope"} {
		ok, err := vol.Exists(path)
		require.NoError(t, err)
		assert.False(t, ok, path)
	}
}

func TestResolvePathFolderCache(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	v.CaseInsensitive = true
	a := v.Dir(v.Root(), "a")
	b := v.Dir(v.Root(), "b")
	want := map[string]uint64{}
	for _, dir := range []struct {
		name string
		id   uint64
	}{{"a", a}, {"b", b}} {
		for i := 0; i < 5; i++ {
			name := fmt.Sprintf("f%d", i)
			want["/"+dir.name+"/"+name] = v.File(dir.id, name, text(10))
		}
	}
	ctr, _ := open(t, c)
	vol := volume(t, ctr, "data")

	// alternate between folders and spellings so the cached folder is hit and replaced
	for _, path := range []string{"/a/f0", "/a/f1", "/A/f2", "/b/f0", "/b/f4", "/a/f3", "/a/f4"} {
		cnid, err := vol.ResolvePath(path)
		require.NoError(t, err, path)
		key := path
		if path == "/A/f2" {
			key = "/a/f2"
		}
		assert.Equal(t, want[key], cnid, path)
	}
	_, err := vol.ResolvePath("/a/f9")
	assert.ErrorIs(t, err, apfs.ErrPathNotFound)
	cnid, err := vol.ResolvePath("/b")
	require.NoError(t, err)
	assert.Equal(t, b, cnid)
}

func TestStat(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	docs := v.Dir(v.Root(), "docs")
	doc := v.File(docs, "doc.txt", text(5000))
	v.Hardlink(v.Root(), "doc-link.txt", doc)
	v.Symlink(v.Root(), "latest", "/docs/doc.txt")
	v.Special(v.Root(), "pipe", types.S_IFIFO|0644)
	ctr, _ := open(t, c)
	vol := volume(t, ctr, "data")

	root, err := vol.Stat("/")
	require.NoError(t, err)
	assert.Equal(t, "/", root.Name())
	assert.True(t, root.IsDir())
	assert.Equal(t, fs.ModeDir|0755, root.Mode())

	fi, err := vol.Stat("/docs/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "doc.txt", fi.Name())
	assert.Equal(t, int64(5000), fi.Size())
	assert.Equal(t, fs.FileMode(0644), fi.Mode())
	assert.Equal(t, doc, fi.CNID)
	assert.Equal(t, docs, fi.Parent)
	assert.Equal(t, uint32(501), fi.UID)
	assert.Equal(t, uint32(20), fi.GID)
	assert.Equal(t, int32(2), fi.Nlink)
	assert.False(t, fi.Compressed)
	assert.Equal(t, v.Created, fi.ModTime())
	ino, ok := fi.Sys().(*types.JInodeVal)
	require.True(t, ok)
	assert.Equal(t, doc, ino.PrivateID)

	// the hard link stats the same inode
	link, err := vol.Stat("/doc-link.txt")
	require.NoError(t, err)
	assert.Equal(t, doc, link.CNID)

	sym, err := vol.Stat("/latest")
	require.NoError(t, err)
	assert.Equal(t, fs.ModeSymlink, sym.Mode().Type())
	assert.Equal(t, int64(len("/docs/doc.txt")), sym.Size())

	pipe, err := vol.Stat("/pipe")
	require.NoError(t, err)
	assert.Equal(t, fs.ModeNamedPipe, pipe.Mode().Type())
	_, err = vol.OpenFile("/pipe")
	assert.ErrorIs(t, err, apfs.ErrNotAFile)
	_, err = vol.OpenFile("/docs")
	assert.ErrorIs(t, err, apfs.ErrNotAFile)

	_, err = vol.Stat("/docs/missing")
	assert.ErrorIs(t, err, apfs.ErrPathNotFound)
}

func TestListDir(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	docs := v.Dir(v.Root(), "docs")
	doc := v.File(docs, "doc.txt", text(10))
	v.File(docs, "b.txt", text(10))
	v.Dir(docs, "archive")
	v.Hardlink(docs, "a-link.txt", doc)
	v.Symlink(docs, "zz", "doc.txt")
	ctr, _ := open(t, c)
	vol := volume(t, ctr, "data")

	check := func(t *testing.T) {
		entries, err := vol.ListDir("/docs")
		require.NoError(t, err)
		var names []string
		for _, e := range entries {
			names = append(names, e.Name)
		}
		assert.Equal(t, []string{"a-link.txt", "archive", "b.txt", "doc.txt", "zz"}, names)
		assert.Equal(t, doc, entries[0].CNID)
		assert.NotZero(t, entries[0].SiblingID)
		assert.True(t, entries[1].IsDir())
		assert.Equal(t, uint8(types.DT_LNK), entries[4].Type)

		_, err = vol.ListDir("/docs/doc.txt")
		assert.ErrorIs(t, err, apfs.ErrNotADirectory)
		_, err = vol.ListDir("/missing")
		assert.ErrorIs(t, err, apfs.ErrPathNotFound)
	}
	t.Run("tree", check)
	_, err := vol.Catalog(context.Background())
	require.NoError(t, err)
	t.Run("catalog", check)
}

func TestXattrs(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	doc := v.File(v.Root(), "doc.txt", text(10))
	v.Xattr(doc, "com.apple.quarantine", []byte("0081;5f000000;Safari;"))
	v.StreamXattr(doc, "com.apple.metadata:big", text(9000))
	v.File(v.Root(), "bare.txt", text(10))
	ctr, _ := open(t, c)
	vol := volume(t, ctr, "data")

	names, err := vol.ListXattrs("/doc.txt")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"com.apple.quarantine", "com.apple.metadata:big"}, names)

	val, err := vol.Xattr("/doc.txt", "com.apple.quarantine")
	require.NoError(t, err)
	assert.Equal(t, "0081;5f000000;Safari;", string(val))

	val, err = vol.Xattr("/doc.txt", "com.apple.metadata:big")
	require.NoError(t, err)
	assert.Equal(t, text(9000), val)

	_, err = vol.Xattr("/doc.txt", "com.apple.FinderInfo")
	assert.ErrorIs(t, err, apfs.ErrNoXattr)

	names, err = vol.ListXattrs("/bare.txt")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReadlink(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	v.Symlink(v.Root(), "home", "/Users/alice")
	v.File(v.Root(), "file", text(10))
	ctr, _ := open(t, c)
	vol := volume(t, ctr, "data")

	target, err := vol.Readlink("/home")
	require.NoError(t, err)
	assert.Equal(t, "/Users/alice", target)

	_, err = vol.Readlink("/file")
	assert.ErrorIs(t, err, apfs.ErrNotASymlink)
}

func TestCatalogSkipsCorruptLeaf(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	v.LeafCap = 8
	v.IndexCap = 4
	keep := v.Dir(v.Root(), "keep")
	v.File(keep, "a.txt", text(100))
	bulk := v.Dir(v.Root(), "bulk")
	for i := 0; i < 40; i++ {
		v.File(bulk, fmt.Sprintf("f%02d", i), text(10))
	}
	img, err := c.Build()
	require.NoError(t, err)
	leaves := v.FSTree.Leaves()
	require.Greater(t, len(leaves), 4)
	bad := leaves[len(leaves)-2].Addr
	img.Corrupt(bad)

	ctr, err := apfs.Open(img, 0, img.Size())
	require.NoError(t, err)
	defer ctr.Close()
	vol := volume(t, ctr, "data")

	h := captureLogs(t)
	cat, err := vol.Catalog(context.Background())
	require.NoError(t, err)

	warned := func() []string {
		var blocks []string
		for _, e := range h.Entries {
			if e.Level == log.WarnLevel && e.Message == "skipping unreadable file-system tree node" {
				blocks = append(blocks, fmt.Sprint(e.Fields.Get("block")))
			}
		}
		return blocks
	}
	assert.Equal(t, []string{fmt.Sprintf("%#x", bad)}, warned())
	require.Len(t, cat.Skipped, 1)
	assert.ErrorIs(t, cat.Skipped[0].Err, apfs.ErrBadBlockChecksum)

	// a second call returns the same catalog without walking again
	again, err := vol.Catalog(context.Background())
	require.NoError(t, err)
	assert.Same(t, cat, again)
	assert.Len(t, warned(), 1)

	for _, path := range []string{"/", "/keep", "/keep/a.txt", "/bulk", "/bulk/f00"} {
		ok, err := vol.Exists(path)
		require.NoError(t, err)
		assert.True(t, ok, path)
	}
	ok, err := vol.Exists("/keep/b.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalogReadsBesideCorruptLeaf(t *testing.T) {
	build := func() (*apfstest.Container, *apfstest.Volume) {
		c := apfstest.NewContainer()
		v := c.AddVolume("data")
		v.LeafCap = 6
		v.IndexCap = 4
		for i := 0; i < 24; i++ {
			f := v.File(v.Root(), fmt.Sprintf("f%02d", i), text(10))
			v.Xattr(f, "com.apple.lastuseddate", []byte{byte(i)})
		}
		return c, v
	}
	c, v := build()
	_, err := c.Build()
	require.NoError(t, err)
	n := len(v.FSTree.Leaves())
	require.Greater(t, n, 4)

	for i := 0; i < n; i++ {
		t.Run(fmt.Sprintf("leaf %d", i), func(t *testing.T) {
			c, v := build()
			img, err := c.Build()
			require.NoError(t, err)
			img.Corrupt(v.FSTree.Leaves()[i].Addr)

			ctr, err := apfs.Open(img, 0, img.Size())
			require.NoError(t, err)
			defer ctr.Close()
			vol := volume(t, ctr, "data")
			cat, err := vol.Catalog(context.Background())
			require.NoError(t, err)
			require.Len(t, cat.Skipped, 1)

			// every file the walk kept whole stays readable
			checked := 0
			for cnid, ino := range cat.Inodes {
				path, ok := cat.Paths[cnid]
				if !ok || ino.IsDir() || len(cat.FileExtents(cnid)) == 0 {
					continue
				}
				fi, err := vol.Stat(path)
				require.NoError(t, err, path)
				assert.EqualValues(t, 10, fi.Size(), path)

				f, err := vol.OpenFile(path)
				require.NoError(t, err, path)
				data, err := io.ReadAll(f)
				f.Close()
				require.NoError(t, err, path)
				assert.Equal(t, text(10), data, path)

				_, err = vol.ListXattrs(path)
				require.NoError(t, err, path)
				checked++
			}
			assert.NotZero(t, checked)
		})
	}
}

func TestCatalogCancelled(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	for i := 0; i < 20; i++ {
		v.File(v.Root(), fmt.Sprintf("f%02d", i), text(10))
	}
	ctr, _ := open(t, c)
	vol := volume(t, ctr, "data")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := vol.Catalog(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// nothing was kept, the next walk starts over
	cat, err := vol.Catalog(context.Background())
	require.NoError(t, err)
	assert.Len(t, cat.Inodes, 21)
}
