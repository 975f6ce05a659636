// Package partition locates APFS containers inside whole-disk images.
package partition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
)

// APFSTypeGUID is the GPT partition type of an APFS container
const APFSTypeGUID = "7C3457EF-0000-11AA-AA11-00306543ECAC"

const (
	nxMagic    = "NXSB"
	nxMagicOff = 32
	gptMagic   = "EFI PART"
)

// ErrNoContainer is returned when neither a bare container nor an APFS partition is found
var ErrNoContainer = errors.New("no APFS container found")

// Container is an APFS container located in an image
type Container struct {
	Index  int // partition number, 0 for a bare container
	Name   string
	Offset int64
	Size   int64
}

// Find returns the APFS containers in an image of the given size. An image
// that starts with a container superblock is a single bare container.
func Find(r io.ReaderAt, size int64) ([]Container, error) {
	if isContainer(r, 0) {
		log.Debug("Found bare APFS container at offset 0")
		return []Container{{Offset: 0, Size: size}}, nil
	}

	var found []Container
	for _, sector := range []int{512, 4096} {
		parts, err := readGPT(r, size, sector)
		if err != nil {
			log.WithError(err).Debugf("no GPT with %d byte sectors", sector)
			continue
		}
		found = parts
		break
	}
	if found == nil {
		return nil, ErrNoContainer
	}

	var out []Container
	for _, c := range found {
		if c.Offset+nxMagicOff+4 > size || !isContainer(r, c.Offset) {
			log.WithFields(log.Fields{
				"partition": c.Index,
				"offset":    fmt.Sprintf("%#x", c.Offset),
			}).Warn("APFS partition has no container superblock")
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, ErrNoContainer
	}
	return out, nil
}

func isContainer(r io.ReaderAt, off int64) bool {
	magic := make([]byte, 4)
	if _, err := r.ReadAt(magic, off+nxMagicOff); err != nil {
		return false
	}
	return string(magic) == nxMagic
}

// readGPT reads the table through go-diskfs, which verifies the header and
// entry CRCs. A damaged table falls back to a raw scan of the entries.
func readGPT(r io.ReaderAt, size int64, sector int) ([]Container, error) {
	hdr := make([]byte, 8)
	if _, err := r.ReadAt(hdr, int64(sector)); err != nil || string(hdr) != gptMagic {
		return nil, fmt.Errorf("no %q signature at %#x", gptMagic, sector)
	}

	tbl, err := gpt.Read(newDevice(r, size), sector, sector)
	if err != nil {
		log.WithError(err).Warn("GPT failed validation, scanning entries directly")
		return scanGPT(r, sector)
	}

	var out []Container
	for i, p := range tbl.Partitions {
		if p == nil || !strings.EqualFold(string(p.Type), APFSTypeGUID) {
			continue
		}
		out = append(out, Container{
			Index:  i + 1,
			Name:   p.Name,
			Offset: int64(p.Start) * int64(sector),
			Size:   int64(p.End-p.Start+1) * int64(sector),
		})
	}
	return out, nil
}

// scanGPT walks the partition entry array without checking CRCs
func scanGPT(r io.ReaderAt, sector int) ([]Container, error) {
	hdr := make([]byte, 92)
	if _, err := r.ReadAt(hdr, int64(sector)); err != nil {
		return nil, fmt.Errorf("failed to read GPT header: %w", err)
	}
	le := binary.LittleEndian
	entryLBA := le.Uint64(hdr[72:])
	count := le.Uint32(hdr[80:])
	entrySize := le.Uint32(hdr[84:])
	if entrySize < 128 || count > 1024 {
		return nil, fmt.Errorf("implausible GPT entry array (%d entries of %d bytes)", count, entrySize)
	}

	var out []Container
	ent := make([]byte, entrySize)
	for i := uint32(0); i < count; i++ {
		off := int64(entryLBA)*int64(sector) + int64(i)*int64(entrySize)
		if _, err := r.ReadAt(ent, off); err != nil {
			return nil, fmt.Errorf("failed to read GPT entry %d: %w", i, err)
		}
		typ, err := mixedEndianGUID(ent[0:16])
		if err != nil {
			return nil, err
		}
		if typ == uuid.Nil {
			continue
		}
		if !strings.EqualFold(typ.String(), APFSTypeGUID) {
			continue
		}
		first, last := le.Uint64(ent[32:]), le.Uint64(ent[40:])
		out = append(out, Container{
			Index:  int(i) + 1,
			Name:   utf16Name(ent[56:128]),
			Offset: int64(first) * int64(sector),
			Size:   int64(last-first+1) * int64(sector),
		})
	}
	return out, nil
}

// mixedEndianGUID converts an on-disk GUID, whose first three fields are little endian
func mixedEndianGUID(b []byte) (uuid.UUID, error) {
	s := make([]byte, 16)
	copy(s, b)
	s[0], s[1], s[2], s[3] = b[3], b[2], b[1], b[0]
	s[4], s[5] = b[5], b[4]
	s[6], s[7] = b[7], b[6]
	return uuid.FromBytes(s)
}

func utf16Name(b []byte) string {
	s, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	name, _, _ := strings.Cut(string(s), "\x00")
	return name
}

// device adapts an image to the file interface go-diskfs reads tables through
type device struct {
	*io.SectionReader
}

func newDevice(r io.ReaderAt, size int64) *device {
	return &device{io.NewSectionReader(r, 0, size)}
}

func (d *device) Stat() (fs.FileInfo, error) { return deviceInfo{d.Size()}, nil }
func (d *device) Close() error               { return nil }

// WriteAt rejects writes; images are opened read-only
func (d *device) WriteAt(p []byte, off int64) (int, error) {
	return 0, fs.ErrPermission
}

type deviceInfo struct{ size int64 }

func (i deviceInfo) Name() string       { return "image" }
func (i deviceInfo) Size() int64        { return i.size }
func (i deviceInfo) Mode() fs.FileMode  { return 0o444 }
func (i deviceInfo) ModTime() time.Time { return time.Time{} }
func (i deviceInfo) IsDir() bool        { return false }
func (i deviceInfo) Sys() any           { return nil }
