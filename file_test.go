package apfs_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"testing"

	apfs "github.com/blacktop/go-macapt"
	"github.com/blacktop/go-macapt/internal/apfstest"
	"github.com/blacktop/go-macapt/pkg/decmpfs"
	"github.com/blacktop/go-macapt/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openFile(t *testing.T, v *apfs.Volume, path string) *apfs.File {
	t.Helper()
	f, err := v.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestReadPlainFile(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	v.ExtentBlocks = 1
	data := text(8192)
	cnid := v.File(v.Root(), "test.txt", data)
	ctr, img := open(t, c)
	vol := volume(t, ctr, "data")

	cat, err := vol.Catalog(context.Background())
	require.NoError(t, err)
	exts := cat.FileExtents(cnid)
	require.Len(t, exts, 2)
	assert.Equal(t, uint64(4096), exts[1].LogicalOffset)

	f := openFile(t, vol, "/test.txt")
	assert.Equal(t, int64(8192), f.Size())
	got, err := f.ReadRange(0, 8192)
	require.NoError(t, err)
	want := append(append([]byte{}, img.Block(exts[0].PhysBlock)...), img.Block(exts[1].PhysBlock)...)
	assert.Equal(t, want, got)
	assert.Equal(t, data, got)

	// a range straddling the extent boundary
	got, err = f.ReadRange(4000, 200)
	require.NoError(t, err)
	assert.Equal(t, data[4000:4200], got)
}

func TestReadInlineZlib(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	data := text(50000)
	v.Compressed(v.Root(), "packed.txt", 3, 50000, apfstest.Zlib(data), nil)
	ctr, _ := open(t, c)
	vol := volume(t, ctr, "data")

	f := openFile(t, vol, "/packed.txt")
	assert.Equal(t, int64(50000), f.Size())
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Len(t, got, 50000)
	assert.Equal(t, sha256.Sum256(data), sha256.Sum256(got))

	fi, err := vol.Stat("/packed.txt")
	require.NoError(t, err)
	assert.True(t, fi.Compressed)
	assert.Equal(t, int64(50000), fi.Size())
}

func TestReadResourceForkLZVN(t *testing.T) {
	data := text(200000)
	rsrc := apfstest.OffsetResourceFork(data, apfstest.LZVN)

	for _, threshold := range []int64{0, apfs.DefaultDecompressCacheThreshold} {
		c := apfstest.NewContainer()
		v := c.AddVolume("data")
		v.Compressed(v.Root(), "fork.bin", 8, 200000, nil, rsrc)
		ctr, _ := open(t, c, apfs.WithDecompressCacheThreshold(threshold))
		vol := volume(t, ctr, "data")

		f := openFile(t, vol, "/fork.bin")
		assert.Equal(t, int64(200000), f.Size())
		got, err := f.ReadRange(130000, 10000)
		require.NoError(t, err)
		assert.Equal(t, data[130000:140000], got)

		// reads past the end come back short
		got, err = f.ReadRange(199990, 100)
		require.NoError(t, err)
		assert.Equal(t, data[199990:], got)
	}
}

func TestReadCompressedTypes(t *testing.T) {
	small := text(3000)
	big := text(3*0x10000 + 123)
	tests := []struct {
		name    string
		typ     uint32
		data    []byte
		payload []byte
		rsrc    []byte
	}{
		{name: "inline raw", typ: 1, data: small, payload: small},
		{name: "inline zlib stored", typ: 3, data: small, payload: append([]byte{0xFF}, small...)},
		{name: "inline lzvn", typ: 7, data: small, payload: apfstest.LZVN(small)},
		{name: "inline lzfse", typ: 11, data: small, payload: apfstest.LZFSE(small)},
		{name: "resource fork zlib", typ: 4, data: big, rsrc: apfstest.ZlibResourceFork(big, false)},
		{name: "resource fork zlib stored", typ: 4, data: big, rsrc: apfstest.ZlibResourceFork(big, true)},
		{name: "resource fork lzvn stored", typ: 8, data: big, rsrc: apfstest.OffsetResourceFork(big, apfstest.StoredLZVN)},
		{name: "resource fork lzfse", typ: 12, data: big, rsrc: apfstest.OffsetResourceFork(big, apfstest.LZFSE)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := apfstest.NewContainer()
			v := c.AddVolume("data")
			v.Compressed(v.Root(), "file", tt.typ, uint64(len(tt.data)), tt.payload, tt.rsrc)
			ctr, _ := open(t, c)
			f := openFile(t, volume(t, ctr, "data"), "/file")
			got, err := io.ReadAll(f)
			require.NoError(t, err)
			assert.Equal(t, tt.data, got)
		})
	}
}

func TestReadCorruptedChunk(t *testing.T) {
	data := text(4 * 0x10000)
	rsrc := apfstest.ZlibResourceFork(data, false)
	hdr, err := types.ParseDecmpfsHeader([]byte("fpmc\x04\x00\x00\x00\x00\x00\x04\x00\x00\x00\x00\x00"))
	require.NoError(t, err)
	r, err := decmpfs.NewReader(hdr, bytes.NewReader(rsrc), int64(len(rsrc)))
	require.NoError(t, err)
	bad := r.Chunks()[2]
	for i := uint64(2); i < uint64(bad.Size); i++ {
		rsrc[bad.Offset+i] ^= 0x5A
	}

	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	v.Compressed(v.Root(), "broken.bin", 4, uint64(len(data)), nil, rsrc)
	ctr, _ := open(t, c)
	f := openFile(t, volume(t, ctr, "data"), "/broken.bin")

	got, err := f.ReadRange(0x10000, 2*0x10000)
	assert.ErrorIs(t, err, apfs.ErrCorruptedChunk)
	assert.Equal(t, data[0x10000:2*0x10000], got)

	got, err = f.ReadRange(3*0x10000, 0x10000)
	require.NoError(t, err)
	assert.Equal(t, data[3*0x10000:], got)
}

func TestReadSparseFile(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	chunk := text(4096)
	v.SparseFile(v.Root(), "sparse.img", 5*4096, map[uint64][]byte{
		4096:     chunk,
		3 * 4096: chunk,
	})
	ctr, _ := open(t, c)
	f := openFile(t, volume(t, ctr, "data"), "/sparse.img")

	want := make([]byte, 5*4096)
	copy(want[4096:], chunk)
	copy(want[3*4096:], chunk)
	got, err := f.ReadRange(0, 5*4096)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadBoundaries(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	v.File(v.Root(), "empty", nil)
	v.File(v.Root(), "short.txt", []byte("0123456789"))
	ctr, _ := open(t, c)
	vol := volume(t, ctr, "data")

	empty := openFile(t, vol, "/empty")
	assert.Equal(t, int64(0), empty.Size())
	got, err := empty.ReadRange(0, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	n, err := empty.Read(make([]byte, 10))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	f := openFile(t, vol, "/short.txt")
	got, err = f.ReadRange(5, 100)
	require.NoError(t, err)
	assert.Equal(t, "56789", string(got))
	got, err = f.ReadRange(100, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	p := make([]byte, 8)
	n, err = f.ReadAt(p, 4)
	assert.Equal(t, 6, n)
	assert.ErrorIs(t, err, io.EOF)
	_, err = f.ReadAt(p, -1)
	assert.Error(t, err)
}

func TestFileSeekAndClose(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	v.File(v.Root(), "short.txt", []byte("0123456789"))
	ctr, _ := open(t, c)
	f, err := volume(t, ctr, "data").OpenFile("/short.txt")
	require.NoError(t, err)

	pos, err := f.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)
	rest, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "789", string(rest))

	_, err = f.Seek(2, io.SeekStart)
	require.NoError(t, err)
	pos, err = f.Seek(1, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)
	p := make([]byte, 2)
	_, err = io.ReadFull(f, p)
	require.NoError(t, err)
	assert.Equal(t, "34", string(p))

	_, err = f.Seek(-20, io.SeekCurrent)
	assert.Error(t, err)
	_, err = f.Seek(0, 42)
	assert.Error(t, err)

	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Close(), apfs.ErrClosed)
	_, err = f.ReadAt(p, 0)
	assert.ErrorIs(t, err, apfs.ErrClosed)
}

func TestReadSymlinkContent(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	v.Symlink(v.Root(), "home", "/Users/alice")
	ctr, _ := open(t, c)
	f := openFile(t, volume(t, ctr, "data"), "/home")
	assert.Equal(t, int64(len("/Users/alice")), f.Size())
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "/Users/alice", string(got))
	assert.Equal(t, os.ModeSymlink, f.Stat().Mode()&os.ModeType)
}

func TestCatAndCopy(t *testing.T) {
	c := apfstest.NewContainer()
	v := c.AddVolume("data")
	docs := v.Dir(v.Root(), "docs")
	v.File(docs, "a.txt", text(5000))
	v.Compressed(docs, "b.txt", 3, 50000, apfstest.Zlib(text(50000)), nil)
	v.Dir(docs, "nested")
	v.Special(docs, "pipe", types.S_IFIFO|0644)
	ctr, _ := open(t, c)
	vol := volume(t, ctr, "data")

	var buf bytes.Buffer
	require.NoError(t, vol.Cat("/docs/a.txt", &buf))
	assert.Equal(t, text(5000), buf.Bytes())

	dir := t.TempDir()
	require.NoError(t, vol.Copy("/docs/b.txt", dir))
	got, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, text(50000), got)

	all := t.TempDir()
	require.NoError(t, vol.Copy("/docs", all))
	entries, err := os.ReadDir(all)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"a.txt", "b.txt"}, names)

	assert.ErrorIs(t, vol.Copy("/missing", all), apfs.ErrPathNotFound)
}
