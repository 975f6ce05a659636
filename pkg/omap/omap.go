// Package omap resolves virtual object ids through an APFS object map.
package omap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/btree"
	"github.com/blacktop/go-macapt/types"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize is the number of resolved mappings kept in memory
const DefaultCacheSize = 2000

var (
	// ErrNotFound is returned when no mapping exists for an oid at or before the requested xid
	ErrNotFound = errors.New("object not found in omap")
	// ErrDeleted is returned when the newest visible mapping is marked deleted
	ErrDeleted = errors.New("object deleted in omap")
)

// Entry is a resolved omap mapping
type Entry struct {
	Oid   uint64
	Xid   uint64
	Flags uint32
	Size  uint32
	Paddr uint64
}

func (e Entry) String() string {
	return fmt.Sprintf("oid=%#x, xid=%#x, flags=%#x, size=%d, paddr=%#x", e.Oid, e.Xid, e.Flags, e.Size, e.Paddr)
}

// Encrypted returns true if the mapped object is encrypted on disk
func (e Entry) Encrypted() bool {
	return e.Flags&types.OMAP_VAL_ENCRYPTED != 0
}

type cacheKey struct {
	oid uint64
	xid uint64
}

// OMap is an opened object map
type OMap struct {
	Addr uint64
	Phys types.OMap

	tree  *btree.Tree
	snaps map[uint64]uint32
	cache *lru.Cache
}

type config struct {
	cacheSize int
}

type Option func(*config)

// WithCacheSize sets the number of cached resolutions; zero or less disables the cache
func WithCacheSize(n int) Option {
	return func(c *config) {
		c.cacheSize = n
	}
}

// Open reads the omap_phys_t at addr together with its snapshot tree
func Open(src btree.BlockReader, addr uint64, opts ...Option) (*OMap, error) {
	conf := config{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&conf)
	}

	data, err := src.ReadBlock(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to read omap object: %w", err)
	}
	obj, err := types.DecodeObj(addr, data)
	if err != nil {
		return nil, err
	}
	phys, ok := obj.Body.(types.OMap)
	if !ok {
		return nil, fmt.Errorf("%w: block %#x is a %s, not an omap", types.ErrBadMagic, addr, obj.Hdr.GetType())
	}
	if types.IsStorageVirtual(phys.TreeType) {
		return nil, fmt.Errorf("%w: virtual omap tree", types.ErrUnsupported)
	}

	om := &OMap{
		Addr:  addr,
		Phys:  phys,
		snaps: make(map[uint64]uint32),
	}
	if om.tree, err = btree.Open(src, uint64(phys.TreeOid), btree.OMapCompare); err != nil {
		return nil, fmt.Errorf("failed to open omap tree: %w", err)
	}
	if conf.cacheSize > 0 {
		if om.cache, err = lru.New(conf.cacheSize); err != nil {
			return nil, err
		}
	}

	if phys.SnapCount > 0 && phys.SnapshotTreeOid != 0 {
		if err := om.loadSnapshots(src); err != nil {
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"addr":       fmt.Sprintf("%#x", addr),
		"tree":       fmt.Sprintf("%#x", phys.TreeOid),
		"snap_count": phys.SnapCount,
	}).Debug("opened object map")

	return om, nil
}

func (om *OMap) loadSnapshots(src btree.BlockReader) error {
	snaps, err := btree.Open(src, uint64(om.Phys.SnapshotTreeOid), btree.SnapshotCompare)
	if err != nil {
		return fmt.Errorf("failed to open omap snapshot tree: %w", err)
	}
	return snaps.Walk(context.Background(), func(k, v []byte) error {
		if len(k) < 8 {
			return fmt.Errorf("omap snapshot key: %w", types.ErrTruncatedRecord)
		}
		s, err := types.DecodeOMapSnapshot(v)
		if err != nil {
			return err
		}
		om.snaps[binary.LittleEndian.Uint64(k)] = s.Flags
		return nil
	})
}

// Snapshots returns the xid and flags of every snapshot known to the omap
func (om *OMap) Snapshots() map[uint64]uint32 {
	out := make(map[uint64]uint32, len(om.snaps))
	for xid, flags := range om.snaps {
		out[xid] = flags
	}
	return out
}

// hidden reports whether mappings written at xid belong to a deleted or reverted snapshot
func (om *OMap) hidden(xid uint64) bool {
	flags, ok := om.snaps[xid]
	return ok && flags&(types.OMAP_SNAPSHOT_DELETED|types.OMAP_SNAPSHOT_REVERTED) != 0
}

// Lookup returns the mapping for oid with the largest xid <= xid
func (om *OMap) Lookup(oid, xid uint64) (Entry, error) {
	ck := cacheKey{oid: oid, xid: xid}
	if om.cache != nil {
		if v, ok := om.cache.Get(ck); ok {
			return v.(Entry), nil
		}
	}

	want := xid
	for {
		k, v, err := om.tree.Floor(types.EncodeOMapKey(types.OidT(oid), types.XidT(want)))
		if err != nil {
			if errors.Is(err, btree.ErrNotFound) {
				return Entry{}, fmt.Errorf("oid %#x at xid %#x: %w", oid, xid, ErrNotFound)
			}
			return Entry{}, err
		}
		key, err := types.DecodeOMapKey(k)
		if err != nil {
			return Entry{}, err
		}
		if uint64(key.Oid) != oid {
			return Entry{}, fmt.Errorf("oid %#x at xid %#x: %w", oid, xid, ErrNotFound)
		}
		if om.hidden(uint64(key.Xid)) {
			log.WithFields(log.Fields{
				"oid": fmt.Sprintf("%#x", oid),
				"xid": fmt.Sprintf("%#x", key.Xid),
			}).Debug("skipping mapping from deleted snapshot")
			if key.Xid == 0 {
				return Entry{}, fmt.Errorf("oid %#x at xid %#x: %w", oid, xid, ErrNotFound)
			}
			want = uint64(key.Xid) - 1
			continue
		}
		val, err := types.DecodeOMapVal(v)
		if err != nil {
			return Entry{}, err
		}
		if val.Flags&types.OMAP_VAL_DELETED != 0 {
			return Entry{}, fmt.Errorf("oid %#x at xid %#x: %w", oid, xid, ErrDeleted)
		}
		e := Entry{
			Oid:   oid,
			Xid:   uint64(key.Xid),
			Flags: val.Flags,
			Size:  val.Size,
			Paddr: val.Paddr,
		}
		if om.cache != nil {
			om.cache.Add(ck, e)
		}
		return e, nil
	}
}

// Resolver returns a btree.Resolver that looks oids up at xid
func (om *OMap) Resolver(xid uint64) btree.Resolver {
	return func(oid uint64) (uint64, error) {
		e, err := om.Lookup(oid, xid)
		if err != nil {
			return 0, err
		}
		return e.Paddr, nil
	}
}

// Walk calls fn for every mapping in key order
func (om *OMap) Walk(ctx context.Context, fn func(Entry) error) error {
	return om.tree.Walk(ctx, func(k, v []byte) error {
		key, err := types.DecodeOMapKey(k)
		if err != nil {
			return err
		}
		val, err := types.DecodeOMapVal(v)
		if err != nil {
			return err
		}
		return fn(Entry{Oid: uint64(key.Oid), Xid: uint64(key.Xid), Flags: val.Flags, Size: val.Size, Paddr: val.Paddr})
	})
}

// Purge drops all cached resolutions
func (om *OMap) Purge() {
	if om.cache != nil {
		om.cache.Purge()
	}
}
