package apfs

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/blacktop/go-macapt/pkg/btree"
	"github.com/blacktop/go-macapt/pkg/catalog"
	"github.com/blacktop/go-macapt/pkg/names"
	"github.com/blacktop/go-macapt/types"
)

// DirEntry is a directory record
type DirEntry struct {
	Name      string
	CNID      uint64
	Type      uint8 // DT_*
	DateAdded uint64
	SiblingID uint64
}

func (e DirEntry) IsDir() bool {
	return e.Type == types.DT_DIR
}

// ResolvePath returns the inode number of path. Once the catalog is built
// lookups go through it, before that they descend the file-system tree.
func (v *Volume) ResolvePath(path string) (uint64, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	if cat := v.catalog(); cat != nil {
		return cat.Lookup(path)
	}

	parts := catalog.SplitPath(path)
	if len(parts) == 0 {
		return types.ROOT_DIR_INO_NUM, nil
	}

	ci := v.CaseInsensitive()
	dirKey := folderKey(parts[:len(parts)-1], ci)

	cnid := uint64(types.ROOT_DIR_INO_NUM)
	start := 0
	v.mu.Lock()
	if v.lastDirID != 0 && v.lastDir == dirKey {
		cnid, start = v.lastDirID, len(parts)-1
	}
	v.mu.Unlock()

	for i := start; i < len(parts); i++ {
		e, err := v.lookup(cnid, parts[i])
		if err != nil {
			if errors.Is(err, btree.ErrNotFound) || errors.Is(err, ErrPathNotFound) {
				return 0, fmt.Errorf("%s: %w", path, ErrPathNotFound)
			}
			return 0, fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		if i == len(parts)-1 {
			if i > 0 {
				v.mu.Lock()
				v.lastDir, v.lastDirID = dirKey, cnid
				v.mu.Unlock()
			}
			return e.CNID, nil
		}
		if !e.IsDir() {
			return 0, fmt.Errorf("%s: %w", path, ErrNotADirectory)
		}
		cnid = e.CNID
	}
	return cnid, nil
}

func folderKey(parts []string, ci bool) string {
	norm := make([]string, len(parts))
	for i, p := range parts {
		norm[i] = names.Normalize(p, ci)
	}
	return "/" + strings.Join(norm, "/")
}

// lookup finds the directory record for name in parent. Hashed volumes start at
// the name's hash and only scan its collisions; others scan the whole folder.
func (v *Volume) lookup(parent uint64, name string) (DirEntry, error) {
	ci := v.CaseInsensitive()
	hashed := v.Superblock.HashedNames()

	var hash uint32
	lo := types.EncodeJKey(parent, types.APFS_TYPE_DIR_REC)
	if hashed {
		hash = names.Hash(name, ci)
		lo = types.EncodeDrecKey(parent, "", true, hash)
	}

	var found *DirEntry
	err := v.drecs(lo, parent, func(key types.JDrecKey, val types.JDrecVal) bool {
		if hashed && key.Hash != hash {
			return false
		}
		if names.Equal(key.Name, name, ci) {
			found = newDirEntry(key, val)
			return false
		}
		return true
	})
	if err != nil {
		return DirEntry{}, err
	}
	if found == nil {
		return DirEntry{}, ErrPathNotFound
	}
	return *found, nil
}

// drecs calls fn for the directory records of parent starting at lo until fn returns false
func (v *Volume) drecs(lo []byte, parent uint64, fn func(types.JDrecKey, types.JDrecVal) bool) error {
	hashed := v.Superblock.HashedNames()
	return v.tree.Range(lo, func(k, val []byte) (bool, error) {
		hdr, err := types.DecodeJKey(k)
		if err != nil {
			return false, err
		}
		if hdr.GetID() != parent || hdr.GetType() != types.APFS_TYPE_DIR_REC {
			return false, nil
		}
		key, err := types.DecodeDrecKey(k, hashed)
		if err != nil {
			return false, err
		}
		dv, err := types.DecodeDrecVal(val)
		if err != nil {
			return false, err
		}
		return fn(key, dv), nil
	})
}

func newDirEntry(key types.JDrecKey, val types.JDrecVal) *DirEntry {
	e := &DirEntry{
		Name:      key.Name,
		CNID:      val.FileID,
		Type:      val.Type(),
		DateAdded: val.DateAdded,
	}
	e.SiblingID, _ = val.SiblingID()
	return e
}

// children returns the directory records of cnid sorted by name
func (v *Volume) children(cnid uint64) ([]DirEntry, error) {
	var out []DirEntry
	err := v.drecs(types.EncodeJKey(cnid, types.APFS_TYPE_DIR_REC), cnid, func(key types.JDrecKey, val types.JDrecVal) bool {
		out = append(out, *newDirEntry(key, val))
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// inode reads the inode record of cnid
func (v *Volume) inode(cnid uint64) (*types.JInodeVal, error) {
	val, err := v.tree.Get(types.EncodeJKey(cnid, types.APFS_TYPE_INODE))
	if err != nil {
		if errors.Is(err, btree.ErrNotFound) {
			return nil, fmt.Errorf("inode %#x: %w", cnid, ErrPathNotFound)
		}
		return nil, fmt.Errorf("failed to read inode %#x: %w", cnid, err)
	}
	return types.DecodeInodeVal(val)
}

// xattrs returns the extended attribute records of cnid in name order. Once the
// catalog is built they come from it, so a damaged neighbouring leaf does not
// fail the read.
func (v *Volume) xattrs(cnid uint64) ([]catalog.Attribute, error) {
	if cat := v.catalog(); cat != nil {
		out := append([]catalog.Attribute(nil), cat.Attributes[cnid]...)
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	}
	var out []catalog.Attribute
	err := v.tree.Range(types.EncodeJKey(cnid, types.APFS_TYPE_XATTR), func(k, val []byte) (bool, error) {
		hdr, err := types.DecodeJKey(k)
		if err != nil {
			return false, err
		}
		if hdr.GetID() != cnid || hdr.GetType() != types.APFS_TYPE_XATTR {
			return false, nil
		}
		key, err := types.DecodeXattrKey(k)
		if err != nil {
			return false, err
		}
		xv, err := types.DecodeXattrVal(val)
		if err != nil {
			return false, err
		}
		a := catalog.Attribute{CNID: cnid, Name: key.Name, Flags: uint16(xv.Flags), Size: xv.Size()}
		if xv.IsStream() {
			a.StreamID = xv.DstreamOid
			a.AllocedSize = xv.Dstream.AllocedSize
		} else {
			a.Data = xv.Data
		}
		out = append(out, a)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read extended attributes of %#x: %w", cnid, err)
	}
	return out, nil
}

// extents returns the file extents of a data stream in logical order
func (v *Volume) extents(stream uint64) ([]catalog.Extent, error) {
	// a stream with no extents in a catalog that skipped nodes may have lost
	// them, so the tree is asked again and reports the damage
	if cat := v.catalog(); cat != nil {
		if exts := cat.Extents[stream]; len(exts) > 0 || len(cat.Skipped) == 0 {
			return exts, nil
		}
	}
	var out []catalog.Extent
	err := v.tree.Range(types.EncodeFileExtentKey(stream, 0), func(k, val []byte) (bool, error) {
		hdr, err := types.DecodeJKey(k)
		if err != nil {
			return false, err
		}
		if hdr.GetID() != stream || hdr.GetType() != types.APFS_TYPE_FILE_EXTENT {
			return false, nil
		}
		key, err := types.DecodeFileExtentKey(k)
		if err != nil {
			return false, err
		}
		ev, err := types.DecodeFileExtentVal(val)
		if err != nil {
			return false, err
		}
		out = append(out, catalog.Extent{
			StreamID:      stream,
			LogicalOffset: key.LogicalAddr,
			Length:        ev.Length(),
			PhysBlock:     ev.PhysBlockNum,
			Flags:         ev.Flags(),
			CryptoID:      ev.CryptoID,
		})
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read extents of stream %#x: %w", stream, err)
	}
	return out, nil
}
