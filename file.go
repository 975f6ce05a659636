package apfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/catalog"
	"github.com/blacktop/go-macapt/pkg/decmpfs"
	"github.com/blacktop/go-macapt/types"
)

// FileInfo describes an inode; it implements fs.FileInfo
type FileInfo struct {
	CNID      uint64
	Parent    uint64
	PrivateID uint64
	Created   time.Time
	Modified  time.Time
	Changed   time.Time
	Accessed  time.Time
	UID       uint32
	GID       uint32
	Nlink     int32
	BsdFlags  uint32
	// Compressed is set for files stored with decmpfs; Size is then the uncompressed size
	Compressed bool

	name  string
	size  int64
	mode  fs.FileMode
	inode *types.JInodeVal
}

func (fi *FileInfo) Name() string       { return fi.name }
func (fi *FileInfo) Size() int64        { return fi.size }
func (fi *FileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi *FileInfo) ModTime() time.Time { return fi.Modified }
func (fi *FileInfo) IsDir() bool        { return fi.mode.IsDir() }

// Sys returns the *types.JInodeVal the info was built from
func (fi *FileInfo) Sys() any { return fi.inode }

func (fi *FileInfo) String() string {
	return fmt.Sprintf("%s %d %d %10d %s %s", fi.mode, fi.UID, fi.GID, fi.size, fi.Modified.Format(time.RFC3339), fi.name)
}

// File is an open file, directory entries excluded. Reads on one File are serialized.
type File struct {
	mu     sync.Mutex
	info   *FileInfo
	r      io.ReaderAt
	size   int64
	off    int64
	closed bool
}

// Stat returns the file's inode information
func (f *File) Stat() *FileInfo {
	return f.info
}

// Size is the logical size: the uncompressed size for compressed files and the target length for symlinks
func (f *File) Size() int64 {
	return f.size
}

// ReadAt implements io.ReaderAt
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAt(p, off)
}

func (f *File) readAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= f.size {
		return 0, io.EOF
	}
	want := p
	if rem := f.size - off; int64(len(want)) > rem {
		want = want[:rem]
	}
	n, err := f.r.ReadAt(want, off)
	if err == nil || (errors.Is(err, io.EOF) && n == len(want)) {
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	return n, err
}

// ReadRange returns up to n bytes starting at off. The slice is short without
// an error at EOF; a short slice with an error means the data past it is unreadable.
func (f *File) ReadRange(off, n int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= f.size || n <= 0 {
		if f.closed {
			return nil, ErrClosed
		}
		return []byte{}, nil
	}
	buf := make([]byte, min(n, f.size-off))
	m, err := f.readAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return buf[:m], err
	}
	return buf[:m], nil
}

// Read implements io.Reader
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.readAt(p, f.off)
	f.off += int64(n)
	return n, err
}

// Seek implements io.Seeker
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.off + offset
	case io.SeekEnd:
		abs = f.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative position %d", abs)
	}
	f.off = abs
	return abs, nil
}

// Close releases the handle's buffers
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	f.r = nil
	return nil
}

// openReader returns the reader for the content of an inode and its logical size
func (v *Volume) openReader(cnid uint64, ino *types.JInodeVal) (io.ReaderAt, int64, error) {
	attrs, err := v.xattrs(cnid)
	if err != nil {
		return nil, 0, err
	}

	if ino.Mode.IsSymlink() {
		target, err := v.symlinkTarget(attrs)
		if err != nil {
			return nil, 0, err
		}
		return bytes.NewReader([]byte(target)), int64(len(target)), nil
	}

	if a, ok := findAttr(attrs, types.DECMPFS_XATTR_NAME); ok {
		return v.openCompressed(cnid, a, attrs)
	}

	ds, _ := ino.Dstream()
	if ds.Size == 0 {
		return bytes.NewReader(nil), 0, nil
	}
	exts, err := v.extents(ino.PrivateID)
	if err != nil {
		return nil, 0, err
	}
	return newExtentReader(v.c.dev, v.c.BlockSize(), exts, int64(ds.Size)), int64(ds.Size), nil
}

func (v *Volume) openCompressed(cnid uint64, hdrAttr catalog.Attribute, attrs []catalog.Attribute) (io.ReaderAt, int64, error) {
	data, err := v.attrData(hdrAttr)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read decmpfs header: %w", err)
	}
	hdr, err := types.ParseDecmpfsHeader(data)
	if err != nil {
		return nil, 0, err
	}

	var rsrc io.ReaderAt
	var rsrcSize int64
	if a, ok := findAttr(attrs, types.RSRC_FORK_XATTR_NAME); ok {
		rsrc, rsrcSize, err = v.attrReader(a)
		if err != nil {
			return nil, 0, err
		}
	}

	if !decmpfs.Supported(hdr) {
		log.WithFields(log.Fields{
			"cnid": fmt.Sprintf("%#x", cnid),
			"type": hdr.CompressionType,
		}).Warn("unsupported compression, reading raw compressed bytes")
		if rsrc != nil {
			return rsrc, rsrcSize, nil
		}
		return bytes.NewReader(hdr.AttrBytes), int64(len(hdr.AttrBytes)), nil
	}

	size := int64(hdr.UncompressedSize)
	if v.decompressed != nil && size <= v.c.conf.decompressThreshold {
		if cached, ok := v.decompressed.Get(cnid); ok {
			b := cached.([]byte)
			return bytes.NewReader(b), int64(len(b)), nil
		}
	}

	dr, err := decmpfs.NewReader(hdr, rsrc, rsrcSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open compressed file %#x: %w", cnid, err)
	}
	if v.decompressed != nil && size <= v.c.conf.decompressThreshold {
		if b, err := dr.Decompress(); err == nil {
			v.decompressed.Add(cnid, b)
			return bytes.NewReader(b), int64(len(b)), nil
		}
		// fall through to chunk-wise reads so the readable chunks stay readable
	}
	return dr, dr.Size(), nil
}

// attrData returns the whole value of an extended attribute
func (v *Volume) attrData(a catalog.Attribute) ([]byte, error) {
	if a.Embedded() {
		return a.Data, nil
	}
	r, size, err := v.attrReader(a)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if n, err := r.ReadAt(buf, 0); err != nil && n < len(buf) {
		return nil, err
	}
	return buf, nil
}

// attrReader returns a reader over an extended attribute's value
func (v *Volume) attrReader(a catalog.Attribute) (io.ReaderAt, int64, error) {
	if a.Embedded() {
		return bytes.NewReader(a.Data), int64(len(a.Data)), nil
	}
	exts, err := v.extents(a.StreamID)
	if err != nil {
		return nil, 0, err
	}
	return newExtentReader(v.c.dev, v.c.BlockSize(), exts, int64(a.Size)), int64(a.Size), nil
}

func findAttr(attrs []catalog.Attribute, name string) (catalog.Attribute, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a, true
		}
	}
	return catalog.Attribute{}, false
}

func (v *Volume) symlinkTarget(attrs []catalog.Attribute) (string, error) {
	a, ok := findAttr(attrs, types.SYMLINK_EA_NAME)
	if !ok {
		return "", fmt.Errorf("symlink target: %w", ErrNoXattr)
	}
	data, err := v.attrData(a)
	if err != nil {
		return "", fmt.Errorf("failed to read symlink target: %w", err)
	}
	return string(bytes.TrimRight(data, "\x00")), nil
}
