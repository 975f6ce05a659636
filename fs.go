package apfs

import (
	"errors"
	"fmt"
	"path"

	"github.com/blacktop/go-macapt/pkg/catalog"
	"github.com/blacktop/go-macapt/types"
)

// Stat returns information about the inode path names, without following symlinks
func (v *Volume) Stat(path string) (*FileInfo, error) {
	cnid, err := v.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	return v.stat(cnid)
}

func (v *Volume) stat(cnid uint64) (*FileInfo, error) {
	ino, err := v.inode(cnid)
	if err != nil {
		return nil, err
	}
	fi := newFileInfo(cnid, ino)
	if ino.Mode.IsDir() {
		return fi, nil
	}
	// compressed and symlink sizes are only known from their attributes
	attrs, err := v.xattrs(cnid)
	if err != nil {
		return nil, err
	}
	if ino.Mode.IsSymlink() {
		target, err := v.symlinkTarget(attrs)
		if err != nil {
			return nil, err
		}
		fi.size = int64(len(target))
	} else if a, ok := findAttr(attrs, types.DECMPFS_XATTR_NAME); ok {
		data, err := v.attrData(a)
		if err != nil {
			return nil, fmt.Errorf("failed to read decmpfs header: %w", err)
		}
		hdr, err := types.ParseDecmpfsHeader(data)
		if err != nil {
			return nil, err
		}
		fi.Compressed = true
		fi.size = int64(hdr.UncompressedSize)
	}
	return fi, nil
}

func newFileInfo(cnid uint64, ino *types.JInodeVal) *FileInfo {
	fi := &FileInfo{
		CNID:       cnid,
		Parent:     ino.ParentID,
		PrivateID:  ino.PrivateID,
		Created:    types.FromApfsTime(ino.CreateTime),
		Modified:   types.FromApfsTime(ino.ModTime),
		Changed:    types.FromApfsTime(ino.ChangeTime),
		Accessed:   types.FromApfsTime(ino.AccessTime),
		UID:        ino.Owner,
		GID:        ino.Group,
		Nlink:      ino.Nlink(),
		BsdFlags:   ino.BsdFlags,
		Compressed: ino.IsCompressed(),
		name:       ino.Name(),
		size:       int64(ino.Size()),
		mode:       ino.Mode.FileMode(),
		inode:      ino,
	}
	if cnid == types.ROOT_DIR_INO_NUM {
		fi.name = "/"
	}
	if ino.InternalFlags&types.INODE_HAS_UNCOMPRESSED_SIZE != 0 {
		fi.size = int64(ino.UncompressedSize)
	}
	return fi
}

// ListDir returns the entries of the folder path names, sorted by name
func (v *Volume) ListDir(path string) ([]DirEntry, error) {
	cnid, err := v.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	if cat := v.catalog(); cat != nil {
		if ino, ok := cat.Inode(cnid); ok && !ino.IsDir() {
			return nil, fmt.Errorf("%s: %w", path, ErrNotADirectory)
		}
		return fromCatalogEntries(cat.Children(cnid)), nil
	}
	ino, err := v.inode(cnid)
	if err != nil {
		return nil, err
	}
	if !ino.Mode.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, ErrNotADirectory)
	}
	return v.children(cnid)
}

func fromCatalogEntries(entries []catalog.DirEntry) []DirEntry {
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name, CNID: e.CNID, Type: e.ItemType, SiblingID: e.SiblingID})
	}
	return out
}

// ListXattrs returns the names of path's extended attributes
func (v *Volume) ListXattrs(path string) ([]string, error) {
	cnid, err := v.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	attrs, err := v.xattrs(cnid)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, a.Name)
	}
	return out, nil
}

// Xattr returns the value of the named extended attribute, reading it from its data stream when needed
func (v *Volume) Xattr(path, name string) ([]byte, error) {
	cnid, err := v.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	attrs, err := v.xattrs(cnid)
	if err != nil {
		return nil, err
	}
	a, ok := findAttr(attrs, name)
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", path, name, ErrNoXattr)
	}
	return v.attrData(a)
}

// Exists reports whether path names an inode. Lookup failures other than a
// missing component are returned.
func (v *Volume) Exists(path string) (bool, error) {
	_, err := v.ResolvePath(path)
	if err != nil {
		if errors.Is(err, ErrPathNotFound) || errors.Is(err, ErrNotADirectory) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Readlink returns the target of the symbolic link path names
func (v *Volume) Readlink(path string) (string, error) {
	cnid, err := v.ResolvePath(path)
	if err != nil {
		return "", err
	}
	ino, err := v.inode(cnid)
	if err != nil {
		return "", err
	}
	if !ino.Mode.IsSymlink() {
		return "", fmt.Errorf("%s: %w", path, ErrNotASymlink)
	}
	attrs, err := v.xattrs(cnid)
	if err != nil {
		return "", err
	}
	return v.symlinkTarget(attrs)
}

// OpenFile opens the file path names. Symbolic links are not followed: their
// content is the link target. Folders return ErrNotAFile.
func (v *Volume) OpenFile(name string) (*File, error) {
	cnid, err := v.ResolvePath(name)
	if err != nil {
		return nil, err
	}
	ino, err := v.inode(cnid)
	if err != nil {
		return nil, err
	}
	if !ino.Mode.IsRegular() && !ino.Mode.IsSymlink() {
		return nil, fmt.Errorf("%s: %w", name, ErrNotAFile)
	}
	r, size, err := v.openReader(cnid, ino)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	fi := newFileInfo(cnid, ino)
	fi.size = size
	if fi.name == "" {
		fi.name = path.Base(name)
	}
	return &File{info: fi, r: r, size: size}, nil
}
