package apfstest

import (
	"sort"
	"time"

	"github.com/blacktop/go-macapt/pkg/btree"
	"github.com/blacktop/go-macapt/pkg/names"
	"github.com/blacktop/go-macapt/types"
)

const apsbRoleOffset = 964

// Inode is an inode record as it will be encoded
type Inode struct {
	ID         uint64
	Parent     uint64
	PrivateID  uint64
	Name       string
	Mode       uint16
	Nlink      int32
	HasDstream bool
	Size       uint64
	Alloced    uint64
	BsdFlags   uint32
	UID        uint32
	GID        uint32
	Time       uint64
}

// Volume builds the records of one volume
type Volume struct {
	Name            string
	Oid             uint64
	Role            uint16
	CaseInsensitive bool
	// Hashed selects hashed directory record keys (set for every modern volume)
	Hashed    bool
	Encrypted bool

	// LeafCap and IndexCap bound the FS tree node fan-out
	LeafCap  int
	IndexCap int
	// ExtentBlocks splits file data into extents of at most this many blocks
	ExtentBlocks int

	Created  time.Time
	Modified time.Time

	Snapshots     []Snapshot
	OMapExtra     []OMapEntry
	OMapSnapshots []OMapSnapshot

	// FSTree is the laid out file-system tree, set by Container.Build
	FSTree *Tree
	// OMapAddr is the address of the volume's omap object, set by Container.Build
	OMapAddr uint64

	c       *Container
	nextID  uint64
	inodes  map[uint64]*Inode
	records []KV
	files   uint64
	dirs    uint64
	links   uint64
	others  uint64
}

func newVolume(c *Container, name string, oid uint64) *Volume {
	ts := time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC)
	v := &Volume{
		Name:     name,
		Oid:      oid,
		Role:     uint16(types.APFS_VOL_ROLE_DATA),
		Hashed:   true,
		Created:  ts,
		Modified: ts.Add(time.Hour),
		c:        c,
		nextID:   types.MIN_USER_INO_NUM,
		inodes:   make(map[uint64]*Inode),
	}
	v.inodes[types.ROOT_DIR_INO_NUM] = &Inode{
		ID:        types.ROOT_DIR_INO_NUM,
		Parent:    types.ROOT_DIR_PARENT,
		PrivateID: types.ROOT_DIR_INO_NUM,
		Name:      "root",
		Mode:      types.S_IFDIR | 0755,
		Time:      uint64(ts.UnixNano()),
	}
	return v
}

// Root is the root directory inode number
func (v *Volume) Root() uint64 {
	return types.ROOT_DIR_INO_NUM
}

func (v *Volume) newID() uint64 {
	id := v.nextID
	v.nextID++
	return id
}

// Inode returns the inode built for id so tests can adjust it before Build
func (v *Volume) Inode(id uint64) *Inode {
	return v.inodes[id]
}

func (v *Volume) now() uint64 {
	return uint64(v.Created.UnixNano())
}

func (v *Volume) addInode(parent uint64, name string, mode uint16) *Inode {
	ino := &Inode{
		ID:     v.newID(),
		Parent: parent,
		Name:   name,
		Mode:   mode,
		Nlink:  1,
		UID:    501,
		GID:    20,
		Time:   v.now(),
	}
	ino.PrivateID = ino.ID
	v.inodes[ino.ID] = ino
	if p, ok := v.inodes[parent]; ok && p.Mode&types.S_IFMT == types.S_IFDIR {
		p.Nlink++
	}
	v.Drec(parent, name, ino.ID, uint8((mode&types.S_IFMT)>>12), 0)
	return ino
}

// Drec adds a directory record; siblingID adds a DREC_EXT_TYPE_SIBLING_ID field when non-zero
func (v *Volume) Drec(parent uint64, name string, child uint64, dt uint8, siblingID uint64) {
	var hash uint32
	if v.Hashed {
		hash = names.Hash(name, v.CaseInsensitive)
	}
	val := le.AppendUint64(nil, child)
	val = le.AppendUint64(val, v.now())
	val = le.AppendUint16(val, uint16(dt))
	if siblingID != 0 {
		val = append(val, types.EncodeXFields([]types.XField{{
			Type: types.DREC_EXT_TYPE_SIBLING_ID,
			Data: le.AppendUint64(nil, siblingID),
		}})...)
	}
	v.Record(types.EncodeDrecKey(parent, name, v.Hashed, hash), val)
}

// Record adds a raw file-system tree record
func (v *Volume) Record(key, val []byte) {
	v.records = append(v.records, KV{Key: key, Val: val})
}

// Dir adds a directory and returns its inode number
func (v *Volume) Dir(parent uint64, name string) uint64 {
	v.dirs++
	ino := v.addInode(parent, name, types.S_IFDIR|0755)
	ino.Nlink = 0
	return ino.ID
}

// File adds a regular file whose data is written to freshly allocated blocks
func (v *Volume) File(parent uint64, name string, data []byte) uint64 {
	v.files++
	ino := v.addInode(parent, name, types.S_IFREG|0644)
	ino.HasDstream = true
	ino.Size = uint64(len(data))
	ino.Alloced = v.writeStream(ino.PrivateID, data)
	return ino.ID
}

// SparseFile adds a file of the given size with data only at the given block-aligned offsets
func (v *Volume) SparseFile(parent uint64, name string, size uint64, chunks map[uint64][]byte) uint64 {
	v.files++
	ino := v.addInode(parent, name, types.S_IFREG|0644)
	ino.HasDstream = true
	ino.Size = size
	offs := make([]uint64, 0, len(chunks))
	for off := range chunks {
		offs = append(offs, off)
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	for _, off := range offs {
		ino.Alloced += v.writeExtents(ino.PrivateID, off, chunks[off])
	}
	v.dstreamID(ino.PrivateID)
	return ino.ID
}

// Symlink adds a symbolic link whose target lives in the com.apple.fs.symlink xattr
func (v *Volume) Symlink(parent uint64, name, target string) uint64 {
	v.links++
	ino := v.addInode(parent, name, types.S_IFLNK|0755)
	v.Xattr(ino.ID, types.SYMLINK_EA_NAME, append([]byte(target), 0))
	return ino.ID
}

// Special adds a fifo, socket or device node
func (v *Volume) Special(parent uint64, name string, mode uint16) uint64 {
	v.others++
	return v.addInode(parent, name, mode).ID
}

// Hardlink adds another directory entry for an existing inode
func (v *Volume) Hardlink(parent uint64, name string, target uint64) {
	ino := v.inodes[target]
	ino.Nlink++
	sibling := v.newID()
	v.Drec(parent, name, target, uint8((ino.Mode&types.S_IFMT)>>12), sibling)

	key := le.AppendUint64(types.EncodeJKey(target, types.APFS_TYPE_SIBLING_LINK), sibling)
	val := le.AppendUint64(nil, parent)
	val = le.AppendUint16(val, uint16(len(name)+1))
	val = append(append(val, name...), 0)
	v.Record(key, val)
	v.Record(types.EncodeJKey(sibling, types.APFS_TYPE_SIBLING_MAP), le.AppendUint64(nil, target))
}

// Xattr adds an extended attribute; data larger than the embedded limit is stored in a data stream
func (v *Volume) Xattr(oid uint64, name string, data []byte) {
	if len(data) <= types.XATTR_MAX_EMBEDDED_SIZE {
		val := le.AppendUint16(nil, uint16(types.XATTR_DATA_EMBEDDED))
		val = le.AppendUint16(val, uint16(len(data)))
		v.Record(types.EncodeXattrKey(oid, name), append(val, data...))
		return
	}
	v.StreamXattr(oid, name, data)
}

// StreamXattr adds an extended attribute whose data lives in its own data stream
func (v *Volume) StreamXattr(oid uint64, name string, data []byte) {
	stream := v.newID()
	alloced := v.writeStream(stream, data)
	xdata := le.AppendUint64(nil, stream)
	xdata = append(xdata, types.JDstream{Size: uint64(len(data)), AllocedSize: alloced}.Encode()...)
	val := le.AppendUint16(nil, uint16(types.XATTR_DATA_STREAM))
	val = le.AppendUint16(val, uint16(len(xdata)))
	v.Record(types.EncodeXattrKey(oid, name), append(val, xdata...))
}

// Compressed adds a decmpfs compressed file. payload follows the 16 byte decmpfs
// header in the xattr; rsrc, when set, becomes the com.apple.ResourceFork stream.
func (v *Volume) Compressed(parent uint64, name string, typ uint32, size uint64, payload, rsrc []byte) uint64 {
	v.files++
	ino := v.addInode(parent, name, types.S_IFREG|0644)
	ino.BsdFlags |= 0x20 // UF_COMPRESSED
	hdr := []byte("fpmc")
	hdr = le.AppendUint32(hdr, typ)
	hdr = le.AppendUint64(hdr, size)
	v.Xattr(ino.ID, types.DECMPFS_XATTR_NAME, append(hdr, payload...))
	if rsrc != nil {
		v.StreamXattr(ino.ID, types.RSRC_FORK_XATTR_NAME, rsrc)
	}
	return ino.ID
}

func (v *Volume) dstreamID(id uint64) {
	v.Record(types.EncodeJKey(id, types.APFS_TYPE_DSTREAM_ID), le.AppendUint32(nil, 1))
}

func (v *Volume) writeStream(id uint64, data []byte) uint64 {
	v.dstreamID(id)
	if len(data) == 0 {
		return 0
	}
	return v.writeExtents(id, 0, data)
}

// writeExtents stores data starting at logical offset off and returns the allocated byte count
func (v *Volume) writeExtents(id, off uint64, data []byte) uint64 {
	bs := v.c.BlockSize
	nblocks := (len(data) + bs - 1) / bs
	per := v.ExtentBlocks
	if per <= 0 {
		per = nblocks
	}
	var alloced uint64
	for b := 0; b < nblocks; b += per {
		n := min(per, nblocks-b)
		addr := v.c.img.Alloc(n)
		end := min((b+n)*bs, len(data))
		v.c.img.Put(addr, data[b*bs:end])
		length := uint64(n * bs)
		val := le.AppendUint64(nil, length)
		val = le.AppendUint64(val, addr)
		val = le.AppendUint64(val, 0)
		v.Record(types.EncodeFileExtentKey(id, off+uint64(b*bs)), val)
		alloced += length
	}
	return alloced
}

func encodeInode(ino *Inode) []byte {
	b := make([]byte, types.J_INODE_VAL_SIZE)
	le.PutUint64(b[0:], ino.Parent)
	le.PutUint64(b[8:], ino.PrivateID)
	for off := 16; off < 48; off += 8 {
		le.PutUint64(b[off:], ino.Time)
	}
	le.PutUint32(b[56:], uint32(ino.Nlink))
	le.PutUint32(b[68:], ino.BsdFlags)
	le.PutUint32(b[72:], ino.UID)
	le.PutUint32(b[76:], ino.GID)
	le.PutUint16(b[80:], ino.Mode)
	fields := []types.XField{{Type: types.INO_EXT_TYPE_NAME, Flags: types.XF_DO_NOT_COPY, Data: append([]byte(ino.Name), 0)}}
	if ino.HasDstream {
		fields = append(fields, types.XField{
			Type:  types.INO_EXT_TYPE_DSTREAM,
			Flags: types.XF_SYSTEM_FIELD,
			Data:  types.JDstream{Size: ino.Size, AllocedSize: ino.Alloced}.Encode(),
		})
	}
	return append(b, types.EncodeXFields(fields)...)
}

func (v *Volume) snapRecords() []KV {
	var kvs []KV
	for _, s := range v.Snapshots {
		val := le.AppendUint64(nil, 0)
		val = le.AppendUint64(val, 0)
		val = le.AppendUint64(val, uint64(s.Created.UnixNano()))
		val = le.AppendUint64(val, uint64(s.Created.UnixNano()))
		val = le.AppendUint64(val, 0)
		val = le.AppendUint32(val, 0)
		val = le.AppendUint32(val, 0)
		val = le.AppendUint16(val, uint16(len(s.Name)+1))
		val = append(append(val, s.Name...), 0)
		kvs = append(kvs, KV{Key: types.EncodeJKey(s.Xid, types.APFS_TYPE_SNAP_METADATA), Val: val})

		key := types.EncodeJKey(types.OBJ_ID_MASK, types.APFS_TYPE_SNAP_NAME)
		key = le.AppendUint16(key, uint16(len(s.Name)+1))
		key = append(append(key, s.Name...), 0)
		kvs = append(kvs, KV{Key: key, Val: le.AppendUint64(nil, s.Xid)})
	}
	return kvs
}

func (v *Volume) build() (uint64, error) {
	img := v.c.img
	xid := v.c.Xid

	kvs := make([]KV, 0, len(v.records)+len(v.inodes))
	for _, ino := range v.inodes {
		kvs = append(kvs, KV{Key: types.EncodeJKey(ino.ID, types.APFS_TYPE_INODE), Val: encodeInode(ino)})
	}
	kvs = append(kvs, v.records...)

	nextOid := nodeOidBase + (v.Oid-fsOidBase)*0x10000
	fs, err := img.BuildTree(TreeSpec{
		Subtype:  uint32(types.OBJECT_TYPE_FSTREE),
		Xid:      xid,
		LeafCap:  v.LeafCap,
		IndexCap: v.IndexCap,
		NextOid:  &nextOid,
		Compare:  btree.FSCompare(v.Hashed),
	}, kvs)
	if err != nil {
		return 0, err
	}
	v.FSTree = fs

	snaps, err := img.BuildTree(TreeSpec{
		Subtype:  uint32(types.OBJECT_TYPE_SNAPMETATREE),
		Physical: true,
		Xid:      xid,
		Compare:  btree.FSCompare(false),
	}, v.snapRecords())
	if err != nil {
		return 0, err
	}

	entries := append([]OMapEntry(nil), v.OMapExtra...)
	for _, n := range fs.Nodes {
		entries = append(entries, OMapEntry{Oid: n.Oid, Xid: xid, Paddr: n.Addr})
	}
	omapAddr, err := img.OMap(xid, entries, v.OMapSnapshots)
	if err != nil {
		return 0, err
	}
	v.OMapAddr = omapAddr

	var sb types.ApfsSuperblockT
	copy(sb.Magic[:], types.APFS_MAGIC)
	if v.CaseInsensitive {
		sb.IncompatibleFeatures |= types.APFS_INCOMPAT_CASE_INSENSITIVE
	} else if v.Hashed {
		sb.IncompatibleFeatures |= types.APFS_INCOMPAT_NORMALIZATION_INSENSITIVE
	}
	if !v.Encrypted {
		sb.FsFlags |= types.APFS_FS_UNENCRYPTED
	}
	sb.OmapOid = types.OidT(omapAddr)
	sb.RootTreeOid = types.OidT(fs.Root)
	sb.RootTreeType = uint32(types.OBJECT_TYPE_BTREE)
	sb.SnapMetaTreeOid = types.OidT(snaps.RootAddr)
	sb.SnapMetaTreeType = uint32(types.OBJECT_TYPE_BTREE) | uint32(types.OBJ_PHYSICAL)
	sb.NextObjID = v.nextID
	sb.NumFiles = v.files
	sb.NumDirectories = v.dirs
	sb.NumSymlinks = v.links
	sb.NumOtherFsobjects = v.others
	sb.NumSnapshots = uint64(len(v.Snapshots))
	sb.VolumeUUID = types.UUID{byte(v.Oid), byte(v.Oid >> 8), 0xa9, 0xf5}
	sb.LastModTime = uint64(v.Modified.UnixNano())
	sb.FormattedBy.Timestamp = uint64(v.Created.UnixNano())
	copy(sb.FormattedBy.ID[:], "apfstest")
	copy(sb.VolumeName[:], v.Name)

	addr := img.Alloc(1)
	b := EncodeStruct(v.c.BlockSize, &sb)
	le.PutUint16(b[apsbRoleOffset:], v.Role)
	PutObjHeader(b, v.Oid, xid, uint32(types.OBJECT_TYPE_FS), 0)
	img.Put(addr, Seal(b))
	return addr, nil
}
