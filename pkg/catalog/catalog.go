// Package catalog holds the relational view of an APFS volume's file-system
// tree: inodes, extents, directory entries, attributes and the derived paths.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/blacktop/go-macapt/pkg/names"
	"github.com/blacktop/go-macapt/types"
)

var (
	// ErrPathNotFound is returned when a path does not name a catalog entry
	ErrPathNotFound = errors.New("path not found")
	// ErrNotADirectory is returned when a path component is not a directory
	ErrNotADirectory = errors.New("not a directory")
)

// Inode is a row of the Inodes table. Timestamps are APFS times (nanoseconds since 1970).
type Inode struct {
	CNID         uint64
	Parent       uint64
	PrivateID    uint64
	Name         string
	Created      uint64
	Modified     uint64
	Changed      uint64
	Accessed     uint64
	Flags        uint64
	Nlink        int32
	BsdFlags     uint32
	Mode         uint16
	UID          uint32
	GID          uint32
	LogicalSize  uint64
	PhysicalSize uint64
	Compressed   bool
}

func (i *Inode) IsDir() bool     { return i.Mode&types.S_IFMT == types.S_IFDIR }
func (i *Inode) IsRegular() bool { return i.Mode&types.S_IFMT == types.S_IFREG }
func (i *Inode) IsSymlink() bool { return i.Mode&types.S_IFMT == types.S_IFLNK }

func (i *Inode) String() string {
	return fmt.Sprintf("cnid=%#x, parent=%#x, name=%q, mode=%#o, size=%d", i.CNID, i.Parent, i.Name, i.Mode, i.LogicalSize)
}

// Extent is a row of the Extents table, keyed by data stream id
type Extent struct {
	StreamID      uint64
	LogicalOffset uint64
	Length        uint64
	PhysBlock     uint64
	Flags         uint8
	CryptoID      uint64
}

// IndexNode is a directory entry that is not a hard link sibling
type IndexNode struct {
	CNID      uint64
	Parent    uint64
	DateAdded uint64
	ItemType  uint8
	Name      string
}

// Attribute is an extended attribute; Data is set for embedded attributes and
// StreamID for attributes stored in their own data stream.
type Attribute struct {
	CNID        uint64
	Name        string
	Flags       uint16
	Data        []byte
	StreamID    uint64
	Size        uint64
	AllocedSize uint64
}

// Embedded reports whether the attribute data is stored in the record itself
func (a Attribute) Embedded() bool {
	return a.Flags&uint16(types.XATTR_DATA_STREAM) == 0
}

type DirStats struct {
	CNID        uint64
	NumChildren uint64
	TotalSize   uint64
}

// Hardlink is a directory entry carrying a sibling id
type Hardlink struct {
	CNID      uint64
	Parent    uint64
	Name      string
	SiblingID uint64
}

// CompressedFile joins a com.apple.decmpfs attribute with its resource fork
type CompressedFile struct {
	CNID             uint64
	Type             uint32
	UncompressedSize uint64
	// Header is the whole decmpfs attribute, including any inline payload
	Header []byte
	// HeaderStream is set instead of Header when the decmpfs attribute lives in a data stream
	HeaderStream   uint64
	ResourceStream uint64
	ResourceSize   uint64
}

// DirEntry is a child listed by Children
type DirEntry struct {
	Name      string
	CNID      uint64
	ItemType  uint8
	SiblingID uint64
}

// SkippedBlock is a file-system tree node that could not be read
type SkippedBlock struct {
	Addr uint64
	Oid  uint64
	Err  error
}

// Catalog is the in-memory catalog of one volume
type Catalog struct {
	CaseInsensitive bool

	Inodes     map[uint64]*Inode
	Extents    map[uint64][]Extent
	IndexNodes []IndexNode
	Attributes map[uint64][]Attribute
	DirStats   map[uint64]DirStats
	Hardlinks  []Hardlink
	Paths      map[uint64]string
	Compressed map[uint64]*CompressedFile

	// Skipped lists the nodes left out of the catalog
	Skipped []SkippedBlock

	children map[uint64]map[string]DirEntry
}

// New returns an empty catalog; Finish must be called once every row is added
func New(caseInsensitive bool) *Catalog {
	return &Catalog{
		CaseInsensitive: caseInsensitive,
		Inodes:          make(map[uint64]*Inode),
		Extents:         make(map[uint64][]Extent),
		Attributes:      make(map[uint64][]Attribute),
		DirStats:        make(map[uint64]DirStats),
		Paths:           make(map[uint64]string),
		Compressed:      make(map[uint64]*CompressedFile),
	}
}

// Finish drops dangling directory entries, then builds the directory index,
// the Paths table and the Compressed_Files join
func (c *Catalog) Finish(readStream StreamReader) {
	kept := c.IndexNodes[:0]
	for _, n := range c.IndexNodes {
		if _, ok := c.Inodes[n.CNID]; ok {
			kept = append(kept, n)
		}
	}
	c.IndexNodes = kept
	for id := range c.Extents {
		ext := c.Extents[id]
		sort.Slice(ext, func(i, j int) bool { return ext[i].LogicalOffset < ext[j].LogicalOffset })
	}

	c.children = make(map[uint64]map[string]DirEntry)
	for _, n := range c.IndexNodes {
		c.addChild(n.Parent, DirEntry{Name: n.Name, CNID: n.CNID, ItemType: n.ItemType})
	}
	for _, h := range c.Hardlinks {
		typ := uint8(types.DT_REG)
		if ino, ok := c.Inodes[h.CNID]; ok {
			typ = uint8((ino.Mode & types.S_IFMT) >> 12)
		}
		c.addChild(h.Parent, DirEntry{Name: h.Name, CNID: h.CNID, ItemType: typ, SiblingID: h.SiblingID})
	}

	c.buildPaths()
	c.joinCompressed(readStream)
}

func (c *Catalog) addChild(parent uint64, e DirEntry) {
	dir, ok := c.children[parent]
	if !ok {
		dir = make(map[string]DirEntry)
		c.children[parent] = dir
	}
	dir[names.Normalize(e.Name, c.CaseInsensitive)] = e
}

// maxDepth bounds the upward walk so a parent cycle cannot loop forever
const maxDepth = 1024

func (c *Catalog) buildPaths() {
	c.Paths = map[uint64]string{types.ROOT_DIR_INO_NUM: "/"}
	primary := make(map[uint64]IndexNode, len(c.IndexNodes))
	for _, n := range c.IndexNodes {
		if _, ok := primary[n.CNID]; !ok {
			primary[n.CNID] = n
		}
	}
	for cnid := range c.Inodes {
		c.path(cnid, primary, 0)
	}
}

func (c *Catalog) path(cnid uint64, primary map[uint64]IndexNode, depth int) (string, bool) {
	if p, ok := c.Paths[cnid]; ok {
		return p, true
	}
	if depth > maxDepth {
		return "", false
	}
	var parent uint64
	var name string
	orphan := false
	if n, ok := primary[cnid]; ok {
		parent, name = n.Parent, n.Name
	} else if ino, ok := c.Inodes[cnid]; ok && ino.Parent != types.ROOT_DIR_PARENT && ino.Name != "" {
		parent, name = ino.Parent, ino.Name
		orphan = true
	} else {
		return "", false
	}
	pp, ok := c.path(parent, primary, depth+1)
	if !ok {
		return "", false
	}
	if orphan {
		// the directory record was lost, so the inode's own parent and name
		// stand in for it and Lookup must find the same entry
		key := names.Normalize(name, c.CaseInsensitive)
		if e, ok := c.children[parent][key]; ok && e.CNID != cnid {
			return "", false
		}
		ino := c.Inodes[cnid]
		c.addChild(parent, DirEntry{Name: name, CNID: cnid, ItemType: uint8((ino.Mode & types.S_IFMT) >> 12)})
	}
	p := JoinPath(pp, name)
	c.Paths[cnid] = p
	return p, true
}

// JoinPath appends name to dir without doubling the separator at the root
func JoinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

// StreamReader reads the first n bytes of a data stream made of extents
type StreamReader func(extents []Extent, n uint64) ([]byte, error)

func (c *Catalog) joinCompressed(readStream StreamReader) {
	for cnid, attrs := range c.Attributes {
		var decmpfs, rsrc *Attribute
		for i := range attrs {
			switch attrs[i].Name {
			case types.DECMPFS_XATTR_NAME:
				decmpfs = &attrs[i]
			case types.RSRC_FORK_XATTR_NAME:
				rsrc = &attrs[i]
			}
		}
		if decmpfs == nil {
			continue
		}
		cf := &CompressedFile{CNID: cnid}
		if decmpfs.Embedded() {
			cf.Header = decmpfs.Data
		} else {
			cf.HeaderStream = decmpfs.StreamID
			if readStream != nil {
				data, err := readStream(c.Extents[decmpfs.StreamID], decmpfs.Size)
				if err != nil {
					logStreamError(cnid, decmpfs.StreamID, err)
				} else {
					cf.Header = data
				}
			}
		}
		if len(cf.Header) > 0 {
			if hdr, err := types.ParseDecmpfsHeader(cf.Header); err == nil {
				cf.Type = uint32(hdr.CompressionType)
				cf.UncompressedSize = hdr.UncompressedSize
			} else {
				logStreamError(cnid, cf.HeaderStream, err)
			}
		}
		if rsrc != nil {
			cf.ResourceStream = rsrc.StreamID
			cf.ResourceSize = rsrc.Size
		}
		c.Compressed[cnid] = cf
		if ino, ok := c.Inodes[cnid]; ok {
			ino.Compressed = true
			if cf.UncompressedSize > 0 || ino.LogicalSize == 0 {
				ino.LogicalSize = cf.UncompressedSize
			}
		}
	}
}

// Inode returns the inode row for cnid
func (c *Catalog) Inode(cnid uint64) (*Inode, bool) {
	ino, ok := c.Inodes[cnid]
	return ino, ok
}

// FileExtents returns the extents of the inode's data stream ordered by logical offset
func (c *Catalog) FileExtents(cnid uint64) []Extent {
	ino, ok := c.Inodes[cnid]
	if !ok {
		return nil
	}
	return c.Extents[ino.PrivateID]
}

// Attribute returns the named attribute of cnid
func (c *Catalog) Attribute(cnid uint64, name string) (Attribute, bool) {
	for _, a := range c.Attributes[cnid] {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Children lists a directory's entries sorted by name
func (c *Catalog) Children(cnid uint64) []DirEntry {
	dir := c.children[cnid]
	out := make([]DirEntry, 0, len(dir))
	for _, e := range dir {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Child looks name up in the directory cnid
func (c *Catalog) Child(cnid uint64, name string) (DirEntry, bool) {
	e, ok := c.children[cnid][names.Normalize(name, c.CaseInsensitive)]
	return e, ok
}

// Lookup resolves an absolute path to a cnid
func (c *Catalog) Lookup(path string) (uint64, error) {
	cnid := uint64(types.ROOT_DIR_INO_NUM)
	for _, part := range SplitPath(path) {
		if ino, ok := c.Inodes[cnid]; ok && !ino.IsDir() {
			return 0, fmt.Errorf("%s: %w", path, ErrNotADirectory)
		}
		e, ok := c.Child(cnid, part)
		if !ok {
			return 0, fmt.Errorf("%s: %w", path, ErrPathNotFound)
		}
		cnid = e.CNID
	}
	return cnid, nil
}

// SplitPath returns the non-empty components of a slash separated path
func SplitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return parts
}
