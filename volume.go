package apfs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/btree"
	"github.com/blacktop/go-macapt/pkg/catalog"
	"github.com/blacktop/go-macapt/pkg/omap"
	"github.com/blacktop/go-macapt/types"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

// Volume is an APFS volume of an opened container
type Volume struct {
	Superblock types.ApfsSuperblock
	Oid        uint64
	// Addr is the block holding the volume superblock
	Addr uint64

	c       *Container
	xid     uint64
	omap    *omap.OMap
	tree    *btree.Tree
	resolve btree.Resolver

	mu  sync.Mutex
	cat *catalog.Catalog
	// last resolved folder, keyed by its normalized path
	lastDir   string
	lastDirID uint64

	decompressed *lru.ARCCache
}

// Counts are the object counts recorded in the volume superblock
type Counts struct {
	Files     uint64
	Folders   uint64
	Symlinks  uint64
	Other     uint64
	Snapshots uint64
}

// Timestamps are the volume's creation and last modification times
type Timestamps struct {
	Created  time.Time
	Modified time.Time
}

// Snapshot is a snapshot recorded in the volume's snap-meta tree
type Snapshot struct {
	Name    string
	Xid     uint64
	Created time.Time
}

func newVolume(c *Container, oid, addr uint64, sb types.ApfsSuperblock) (*Volume, error) {
	v := &Volume{
		Superblock: sb,
		Oid:        oid,
		Addr:       addr,
		c:          c,
		xid:        c.Xid,
	}

	if sb.Encrypted() {
		log.WithFields(log.Fields{
			"volume": sb.Name(),
			"uuid":   sb.VolumeUUID.String(),
		}).Warn("volume is encrypted, skipping")
		return v, nil
	}

	var err error
	v.omap, err = omap.Open(c.nodes, uint64(sb.OmapOid), omap.WithCacheSize(c.conf.omapCacheSize))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s object map: %w", sb.Name(), err)
	}
	var opts []btree.Option
	if types.IsStorageVirtual(sb.RootTreeType) {
		v.resolve = v.omap.Resolver(v.xid)
		opts = append(opts, btree.WithResolver(v.resolve))
	}
	v.tree, err = btree.Open(c.nodes, uint64(sb.RootTreeOid), btree.FSCompare(sb.HashedNames()), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s file-system tree: %w", sb.Name(), err)
	}

	if c.conf.decompressThreshold > 0 && c.conf.decompressEntries > 0 {
		if v.decompressed, err = lru.NewARC(c.conf.decompressEntries); err != nil {
			return nil, err
		}
	}

	return v, nil
}

func (v *Volume) Name() string {
	return v.Superblock.Name()
}

func (v *Volume) UUID() uuid.UUID {
	return uuid.UUID(v.Superblock.VolumeUUID)
}

// Role returns the volume role, e.g. "system" or "data"
func (v *Volume) Role() string {
	return v.Superblock.Role.String()
}

func (v *Volume) IsEncrypted() bool {
	return v.Superblock.Encrypted()
}

func (v *Volume) CaseInsensitive() bool {
	return v.Superblock.CaseInsensitive()
}

func (v *Volume) Counts() Counts {
	return Counts{
		Files:     v.Superblock.NumFiles,
		Folders:   v.Superblock.NumDirectories,
		Symlinks:  v.Superblock.NumSymlinks,
		Other:     v.Superblock.NumOtherFsobjects,
		Snapshots: v.Superblock.NumSnapshots,
	}
}

func (v *Volume) Timestamps() Timestamps {
	return Timestamps{
		Created:  types.FromApfsTime(v.Superblock.FormattedBy.Timestamp),
		Modified: types.FromApfsTime(v.Superblock.LastModTime),
	}
}

func (v *Volume) check() error {
	if v.IsEncrypted() {
		return fmt.Errorf("%s: %w", v.Name(), ErrEncryptedVolume)
	}
	return nil
}

// Snapshots lists the snapshots recorded in the snap-meta tree
func (v *Volume) Snapshots() ([]Snapshot, error) {
	if err := v.check(); err != nil {
		return nil, err
	}
	if v.Superblock.SnapMetaTreeOid == 0 {
		return nil, nil
	}
	var opts []btree.Option
	if types.IsStorageVirtual(v.Superblock.SnapMetaTreeType) {
		opts = append(opts, btree.WithResolver(v.resolve))
	}
	tree, err := btree.Open(v.c.nodes, uint64(v.Superblock.SnapMetaTreeOid), btree.FSCompare(false), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot metadata tree: %w", err)
	}

	var snaps []Snapshot
	err = tree.Walk(context.Background(), func(k, val []byte) error {
		rec, err := types.DecodeFSRecord(k, val, false)
		if err != nil {
			return err
		}
		if meta, ok := rec.Val.(types.JSnapMetadataVal); ok {
			snaps = append(snaps, Snapshot{
				Name:    meta.Name,
				Xid:     rec.Key.GetID(),
				Created: types.FromApfsTime(meta.CreateTime),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk snapshot metadata tree: %w", err)
	}
	return snaps, nil
}

// OpenSnapshot is not supported; only the current transaction can be read
func (v *Volume) OpenSnapshot(name string) (*Volume, error) {
	return nil, fmt.Errorf("%w: reading snapshot %q", types.ErrUnsupported, name)
}

// Catalog walks the whole file-system tree into a catalog on first use and
// returns the same catalog afterwards. A cancelled walk leaves no catalog behind.
func (v *Volume) Catalog(ctx context.Context) (*catalog.Catalog, error) {
	if err := v.check(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cat != nil {
		return v.cat, nil
	}
	cat, err := catalog.Build(ctx, v.c.nodes, catalog.Config{
		Root:            uint64(v.Superblock.RootTreeOid),
		Resolver:        v.resolve,
		Hashed:          v.Superblock.HashedNames(),
		CaseInsensitive: v.CaseInsensitive(),
		ReadStream:      v.readStream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s catalog: %w", v.Name(), err)
	}
	v.cat = cat
	return cat, nil
}

func (v *Volume) catalog() *catalog.Catalog {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cat
}

// readStream reads the first n bytes of a data stream from its extents
func (v *Volume) readStream(extents []catalog.Extent, n uint64) ([]byte, error) {
	r := newExtentReader(v.c.dev, v.c.BlockSize(), extents, int64(n))
	buf := make([]byte, n)
	if m, err := r.ReadAt(buf, 0); err != nil && m < len(buf) {
		return nil, err
	}
	return buf, nil
}

func (v *Volume) release() {
	v.mu.Lock()
	v.cat = nil
	v.lastDir, v.lastDirID = "", 0
	v.mu.Unlock()
	if v.omap != nil {
		v.omap.Purge()
	}
	if v.decompressed != nil {
		v.decompressed.Purge()
	}
}
