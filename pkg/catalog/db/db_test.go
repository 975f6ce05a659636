package db_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macapt/pkg/catalog"
	"github.com/blacktop/go-macapt/pkg/catalog/db"
	"github.com/blacktop/go-macapt/types"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCatalog() *catalog.Catalog {
	c := catalog.New(true)
	c.Inodes[2] = &catalog.Inode{CNID: 2, Parent: 1, PrivateID: 2, Name: "root", Mode: types.S_IFDIR | 0755, Nlink: 2}
	c.Inodes[16] = &catalog.Inode{CNID: 16, Parent: 2, PrivateID: 16, Name: "Users", Mode: types.S_IFDIR | 0755, Created: 1 << 62}
	c.Inodes[17] = &catalog.Inode{
		CNID: 17, Parent: 16, PrivateID: 17, Name: "notes.txt", Mode: types.S_IFREG | 0644,
		Nlink: 2, UID: 501, GID: 20, LogicalSize: 5000, PhysicalSize: 8192, Flags: uint64(types.INODE_HAS_RSRC_FORK),
	}
	c.Inodes[18] = &catalog.Inode{CNID: 18, Parent: 16, PrivateID: 18, Name: "packed", Mode: types.S_IFREG | 0644, BsdFlags: 0x20}
	c.Extents[17] = []catalog.Extent{
		{StreamID: 17, LogicalOffset: 4096, Length: 4096, PhysBlock: 101},
		{StreamID: 17, LogicalOffset: 0, Length: 4096, PhysBlock: 100},
	}
	c.IndexNodes = []catalog.IndexNode{
		{CNID: 16, Parent: 2, ItemType: types.DT_DIR, Name: "Users"},
		{CNID: 17, Parent: 16, ItemType: types.DT_REG, Name: "notes.txt", DateAdded: 1234},
		{CNID: 18, Parent: 16, ItemType: types.DT_REG, Name: "packed"},
	}
	c.Hardlinks = []catalog.Hardlink{{CNID: 17, Parent: 2, Name: "notes-link", SiblingID: 40}}
	c.Attributes[17] = []catalog.Attribute{{CNID: 17, Name: "com.apple.quarantine", Flags: uint16(types.XATTR_DATA_EMBEDDED), Data: []byte("q"), Size: 1}}
	hdr := []byte("fpmc\x03\x00\x00\x00\x0a\x00\x00\x00\x00\x00\x00\x00\xff0123456789")
	c.Attributes[18] = []catalog.Attribute{{CNID: 18, Name: types.DECMPFS_XATTR_NAME, Flags: uint16(types.XATTR_DATA_EMBEDDED), Data: hdr, Size: uint64(len(hdr))}}
	c.DirStats[16] = catalog.DirStats{CNID: 16, NumChildren: 2, TotalSize: 5010}
	c.Finish(nil)
	return c
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, err := db.Open(filepath.Join(t.TempDir(), "container.db"))
	require.NoError(t, err)
	defer d.Close()

	want := sampleCatalog()
	require.Equal(t, "/Users/notes.txt", want.Paths[17])
	require.Contains(t, want.Compressed, uint64(18))

	require.NoError(t, d.Reset(ctx))
	require.NoError(t, d.WriteCatalog(ctx, "Macintosh HD", want))
	got, err := d.LoadCatalog(ctx, "Macintosh HD", true)
	require.NoError(t, err)

	opts := []cmp.Option{
		cmpopts.IgnoreUnexported(catalog.Catalog{}),
		cmpopts.EquateEmpty(),
		cmpopts.SortSlices(func(a, b catalog.IndexNode) bool { return a.CNID < b.CNID }),
	}
	if diff := cmp.Diff(want, got, opts...); diff != "" {
		t.Errorf("catalog mismatch (-want +got):\n%s", diff)
	}

	cnid, err := got.Lookup("/USERS/notes-link")
	require.Error(t, err, "hard links live under the root, not /Users")
	cnid, err = got.Lookup("/notes-link")
	require.NoError(t, err)
	assert.Equal(t, uint64(17), cnid)
}

func TestTableName(t *testing.T) {
	tests := []struct {
		volume string
		want   string
	}{
		{"Macintosh HD", "Macintosh_HD_Inodes"},
		{"Macintosh HD - Data", "Macintosh_HD___Data_Inodes"},
		{"Preboot", "Preboot_Inodes"},
		{`we"ird`, "we_ird_Inodes"},
	}
	for _, tt := range tests {
		t.Run(tt.volume, func(t *testing.T) {
			assert.Equal(t, tt.want, db.TableName(tt.volume, "Inodes"))
		})
	}
}

func TestMatches(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "container.db")
	vols := []db.VolumeInfo{
		{Name: "Macintosh HD", UUID: "7B1E0000-0000-0000-0000-000000000001", Files: 10, Folders: 3, Created: 1, Updated: 2},
		{Name: "Preboot", UUID: "7B1E0000-0000-0000-0000-000000000002", Files: 1, Folders: 1, Created: 1, Updated: 1 << 63},
	}

	d, err := db.Open(path)
	require.NoError(t, err)
	ok, err := d.Matches(ctx, vols)
	require.NoError(t, err)
	assert.False(t, ok, "a fresh database never matches")

	require.NoError(t, d.Reset(ctx))
	require.NoError(t, d.WriteCatalog(ctx, vols[0].Name, sampleCatalog()))
	require.NoError(t, d.Commit(ctx, vols))
	require.NoError(t, d.Close())

	// reopening finds the stored volumes
	d, err = db.Open(path)
	require.NoError(t, err)
	defer d.Close()
	stored, err := d.Volumes(ctx)
	require.NoError(t, err)
	assert.Equal(t, vols, stored)

	ok, err = d.Matches(ctx, vols)
	require.NoError(t, err)
	assert.True(t, ok)

	changed := append([]db.VolumeInfo(nil), vols...)
	changed[0].Files++
	ok, err = d.Matches(ctx, changed)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.Matches(ctx, vols[:1])
	require.NoError(t, err)
	assert.False(t, ok)

	// Reset drops the old per-volume tables
	require.NoError(t, d.Reset(ctx))
	_, err = d.LoadCatalog(ctx, vols[0].Name, false)
	assert.Error(t, err)
}

func TestInterruptedRebuildNeverMatches(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "container.db")
	vols := []db.VolumeInfo{
		{Name: "Macintosh HD", UUID: "7B1E0000-0000-0000-0000-000000000001", Files: 10, Folders: 3, Created: 1, Updated: 2},
		{Name: "Data", UUID: "7B1E0000-0000-0000-0000-000000000003", Files: 4, Folders: 1, Created: 1, Updated: 3},
	}

	d, err := db.Open(path)
	require.NoError(t, err)
	require.NoError(t, d.Reset(ctx))
	require.NoError(t, d.Commit(ctx, vols))
	ok, err := d.Matches(ctx, vols)
	require.NoError(t, err)
	require.True(t, ok)

	// a rebuild that stops after the first volume leaves nothing to reuse
	require.NoError(t, d.Reset(ctx))
	ok, err = d.Matches(ctx, vols)
	require.NoError(t, err)
	assert.False(t, ok, "matched right after Reset")

	require.NoError(t, d.WriteCatalog(ctx, vols[0].Name, sampleCatalog()))
	require.NoError(t, d.Close())

	d, err = db.Open(path)
	require.NoError(t, err)
	defer d.Close()
	ok, err = d.Matches(ctx, vols)
	require.NoError(t, err)
	assert.False(t, ok, "matched with only one of two volumes written")

	require.NoError(t, d.WriteCatalog(ctx, vols[1].Name, sampleCatalog()))
	require.NoError(t, d.Commit(ctx, vols))
	ok, err = d.Matches(ctx, vols)
	require.NoError(t, err)
	assert.True(t, ok)
}
