package apfstest

import (
	"fmt"
	"time"

	"github.com/blacktop/go-macapt/pkg/btree"
	"github.com/blacktop/go-macapt/types"
)

const (
	DefaultBlockSize = 4096
	DefaultXid       = 0x40

	descBase   = 1
	descBlocks = 8
	firstAlloc = descBase + descBlocks + 1

	fsOidBase   = 0x402
	nodeOidBase = 0x1000
)

// Snapshot is a snap-meta record added to a volume
type Snapshot struct {
	Name    string
	Xid     uint64
	Created time.Time
}

// OMapSnapshot is an entry in a volume omap's snapshot tree
type OMapSnapshot struct {
	Xid   uint64
	Flags uint32
}

// OMapEntry is an additional volume omap mapping
type OMapEntry struct {
	Oid   uint64
	Xid   uint64
	Flags uint32
	Paddr uint64
}

// Container assembles a synthetic container image
type Container struct {
	BlockSize int
	Xid       uint64
	UUID      types.UUID
	// StaleBlockZero writes an older superblock (xid-1) at block 0
	StaleBlockZero bool

	Volumes []*Volume

	img        *Image
	volumeOids []uint64
	// addresses of the checkpoint superblock copies, filled in by Build
	CheckpointAddrs []uint64
}

// NewContainer returns a builder with a 4 KiB block size
func NewContainer() *Container {
	c := &Container{
		BlockSize: DefaultBlockSize,
		Xid:       DefaultXid,
		UUID:      types.UUID{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	}
	c.img = NewImage(c.BlockSize, firstAlloc)
	return c
}

// Image returns the image under construction
func (c *Container) Image() *Image {
	return c.img
}

// AddVolume adds a case-sensitive, unencrypted volume holding only its root directory
func (c *Container) AddVolume(name string) *Volume {
	v := newVolume(c, name, uint64(fsOidBase+len(c.Volumes)))
	c.Volumes = append(c.Volumes, v)
	return v
}

// Build lays out every volume and the container superblocks
func (c *Container) Build() (*Image, error) {
	var omapRecords []KV
	for _, v := range c.Volumes {
		addr, err := v.build()
		if err != nil {
			return nil, fmt.Errorf("volume %s: %w", v.Name, err)
		}
		omapRecords = append(omapRecords, KV{
			Key: types.EncodeOMapKey(types.OidT(v.Oid), types.XidT(c.Xid)),
			Val: omapVal(0, uint32(c.BlockSize), addr),
		})
		c.volumeOids = append(c.volumeOids, v.Oid)
	}

	omap, err := c.img.BuildTree(TreeSpec{
		Subtype:  uint32(types.OBJECT_TYPE_OMAP),
		Physical: true,
		FixedKey: types.OMAP_KEY_SIZE,
		FixedVal: types.OMAP_VAL_SIZE,
		Xid:      c.Xid,
		Compare:  btree.OMapCompare,
	}, omapRecords)
	if err != nil {
		return nil, err
	}
	omapAddr := c.img.Alloc(1)
	c.img.Put(omapAddr, encodeOMapObj(c.BlockSize, omapAddr, c.Xid, omap.RootAddr, 0, 0, 0))

	cpm := make([]byte, c.BlockSize)
	PutObjHeader(cpm, descBase, c.Xid, uint32(types.OBJECT_TYPE_CHECKPOINT_MAP)|uint32(types.OBJ_PHYSICAL), 0)
	le.PutUint32(cpm[32:], types.CHECKPOINT_MAP_LAST)
	c.img.Put(descBase, Seal(cpm))

	older := c.superblock(c.Xid-1, omapAddr)
	latest := c.superblock(c.Xid, omapAddr)
	c.img.Put(descBase+1, older)
	c.img.Put(descBase+2, latest)
	c.CheckpointAddrs = []uint64{descBase + 1, descBase + 2}
	if c.StaleBlockZero {
		c.img.Put(0, c.superblock(c.Xid-1, omapAddr))
	} else {
		c.img.Put(0, c.superblock(c.Xid, omapAddr))
	}
	return c.img, nil
}

func (c *Container) superblock(xid, omapAddr uint64) []byte {
	var sb types.NxSuperblockT
	copy(sb.Magic[:], types.NX_MAGIC)
	sb.BlockSize = uint32(c.BlockSize)
	sb.BlockCount = c.img.Blocks() + 1
	sb.UUID = c.UUID
	sb.NextOid = types.OidT(nodeOidBase * 16)
	sb.NextXid = types.XidT(xid + 1)
	sb.XpDescBlocks = descBlocks
	sb.XpDescBase = descBase
	sb.XpDescLen = 3
	sb.OmapOid = types.OidT(omapAddr)
	sb.MaxFileSystems = types.NX_MAX_FILE_SYSTEMS
	for i, oid := range c.volumeOids {
		sb.FsOid[i] = types.OidT(oid)
	}
	b := EncodeStruct(c.BlockSize, &sb)
	PutObjHeader(b, 1, xid, uint32(types.OBJECT_TYPE_NX_SUPERBLOCK)|uint32(types.OBJ_EPHEMERAL), 0)
	return Seal(b)
}

func omapVal(flags, size uint32, paddr uint64) []byte {
	b := le.AppendUint32(nil, flags)
	b = le.AppendUint32(b, size)
	return le.AppendUint64(b, paddr)
}

func encodeOMapObj(bs int, addr, xid, treeAddr, snapTreeAddr uint64, snapCount uint32, mostRecent uint64) []byte {
	var om types.OMapPhysT
	om.TreeType = uint32(types.OBJECT_TYPE_BTREE) | uint32(types.OBJ_PHYSICAL)
	om.SnapshotTreeType = uint32(types.OBJECT_TYPE_BTREE) | uint32(types.OBJ_PHYSICAL)
	om.TreeOid = types.OidT(treeAddr)
	om.SnapshotTreeOid = types.OidT(snapTreeAddr)
	om.SnapCount = snapCount
	om.MostRecentSnap = types.XidT(mostRecent)
	b := EncodeStruct(bs, &om)
	PutObjHeader(b, addr, xid, uint32(types.OBJECT_TYPE_OMAP)|uint32(types.OBJ_PHYSICAL), 0)
	return Seal(b)
}

// OMap writes a standalone physical object map; it returns the address of the omap object
func (im *Image) OMap(xid uint64, entries []OMapEntry, snaps []OMapSnapshot) (uint64, error) {
	var kvs []KV
	for _, e := range entries {
		kvs = append(kvs, KV{
			Key: types.EncodeOMapKey(types.OidT(e.Oid), types.XidT(e.Xid)),
			Val: omapVal(e.Flags, uint32(im.bs), e.Paddr),
		})
	}
	tree, err := im.BuildTree(TreeSpec{
		Subtype:  uint32(types.OBJECT_TYPE_OMAP),
		Physical: true,
		FixedKey: types.OMAP_KEY_SIZE,
		FixedVal: types.OMAP_VAL_SIZE,
		Xid:      xid,
		LeafCap:  8,
		IndexCap: 8,
		Compare:  btree.OMapCompare,
	}, kvs)
	if err != nil {
		return 0, err
	}
	var snapRoot, mostRecent uint64
	if len(snaps) > 0 {
		var skvs []KV
		for _, s := range snaps {
			val := le.AppendUint32(nil, s.Flags)
			val = le.AppendUint32(val, 0)
			val = le.AppendUint64(val, 0)
			skvs = append(skvs, KV{Key: le.AppendUint64(nil, s.Xid), Val: val})
			mostRecent = max(mostRecent, s.Xid)
		}
		st, err := im.BuildTree(TreeSpec{
			Subtype:  uint32(types.OBJECT_TYPE_OMAP_SNAPSHOT),
			Physical: true,
			FixedKey: 8,
			FixedVal: 16,
			Xid:      xid,
			Compare:  btree.SnapshotCompare,
		}, skvs)
		if err != nil {
			return 0, err
		}
		snapRoot = st.RootAddr
	}
	addr := im.Alloc(1)
	im.Put(addr, encodeOMapObj(im.bs, addr, xid, tree.RootAddr, snapRoot, uint32(len(snaps)), mostRecent))
	return addr, nil
}
