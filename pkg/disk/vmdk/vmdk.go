// Package vmdk reads VMware virtual disks: monolithic and split sparse
// extents, streamOptimized (compressed) extents and flat extents described
// by a text descriptor.
package vmdk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/disk"
	"github.com/blacktop/go-macapt/pkg/disk/raw"
	"github.com/blacktop/go-macapt/types"
	"github.com/klauspost/compress/zlib"

	lru "github.com/hashicorp/golang-lru"
)

const (
	SparseMagic     = "KDMV"
	DescriptorMagic = "# Disk DescriptorFile"

	sectorSize = 512
	gdAtEnd    = 0xffffffffffffffff

	flagCompressed = 1 << 16
	flagMarkers    = 1 << 17

	compressionDeflate = 1

	// DefaultGrainCacheSize is the number of decompressed grains kept per extent
	DefaultGrainCacheSize = 256
)

// SparseExtentHeader is the on-disk header of a hosted sparse extent
type SparseExtentHeader struct {
	MagicNumber        [4]byte
	Version            uint32
	Flags              uint32
	Capacity           uint64 // sectors
	GrainSize          uint64 // sectors
	DescriptorOffset   uint64
	DescriptorSize     uint64
	NumGTEsPerGT       uint32
	RgdOffset          uint64
	GdOffset           uint64
	OverHead           uint64
	UncleanShutdown    uint8
	SingleEndLineChar  byte
	NonEndLineChar     byte
	DoubleEndLineChar1 byte
	DoubleEndLineChar2 byte
	CompressAlgorithm  uint16
	Pad                [433]byte
}

// Extent is one line of a descriptor's extent description
type Extent struct {
	Access  string
	Sectors uint64
	Type    string
	File    string
	Offset  uint64
}

// Descriptor is a parsed VMDK text descriptor
type Descriptor struct {
	Version    int
	CID        string
	ParentCID  string
	CreateType string
	Extents    []Extent
}

// ParseDescriptor parses the text descriptor of a VMDK
func ParseDescriptor(text string) (*Descriptor, error) {
	d := &Descriptor{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimRight(line, "\x00"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if key, val, ok := strings.Cut(line, "="); ok && !strings.ContainsAny(strings.TrimSpace(key), " \t") {
			val = strings.Trim(strings.TrimSpace(val), `"`)
			switch strings.TrimSpace(key) {
			case "version":
				d.Version, _ = strconv.Atoi(val)
			case "CID":
				d.CID = val
			case "parentCID":
				d.ParentCID = val
			case "createType":
				d.CreateType = val
			}
			continue
		}
		ext, err := parseExtent(line)
		if err != nil {
			return nil, err
		}
		d.Extents = append(d.Extents, ext)
	}
	if len(d.Extents) == 0 {
		return nil, fmt.Errorf("descriptor lists no extents: %w", types.ErrTruncatedRecord)
	}
	return d, nil
}

// parseExtent parses `RW 4192256 SPARSE "disk-s001.vmdk" 0`
func parseExtent(line string) (Extent, error) {
	var ext Extent
	var file string
	if i := strings.IndexByte(line, '"'); i >= 0 {
		j := strings.LastIndexByte(line, '"')
		if j <= i {
			return ext, fmt.Errorf("unterminated extent file name in %q", line)
		}
		file = line[i+1 : j]
		line = line[:i] + line[j+1:]
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return ext, fmt.Errorf("malformed extent line %q", line)
	}
	sectors, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return ext, fmt.Errorf("bad extent size in %q: %w", line, err)
	}
	ext = Extent{Access: fields[0], Sectors: sectors, Type: strings.ToUpper(fields[2]), File: file}
	if len(fields) > 3 {
		if ext.Offset, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
			return ext, fmt.Errorf("bad extent offset in %q: %w", line, err)
		}
	}
	return ext, nil
}

// VMDK is a virtual disk assembled from its extents
type VMDK struct {
	*raw.Raw

	Descriptor *Descriptor
}

// Open opens a VMDK from either its descriptor file or a monolithic sparse extent
func Open(name string) (*VMDK, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	magic := make([]byte, len(DescriptorMagic))
	if _, err := f.ReadAt(magic, 0); err != nil && err != io.EOF {
		f.Close()
		return nil, err
	}

	if string(magic[:4]) == SparseMagic {
		se, err := NewSparseExtent(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		v := &VMDK{Raw: &raw.Raw{}}
		if se.Header.DescriptorOffset != 0 {
			if v.Descriptor, err = se.descriptor(); err != nil {
				log.WithError(err).Debug("ignoring embedded VMDK descriptor")
			}
		}
		v.Append(se, f, int64(se.Header.Capacity)*sectorSize)
		return v, nil
	}

	defer f.Close()
	if !strings.HasPrefix(string(magic), DescriptorMagic) {
		return nil, fmt.Errorf("%s is neither a sparse extent nor a descriptor: %w", name, types.ErrBadMagic)
	}
	text, err := io.ReadAll(io.LimitReader(f, 1<<20))
	if err != nil {
		return nil, err
	}
	desc, err := ParseDescriptor(string(text))
	if err != nil {
		return nil, err
	}
	return openExtents(filepath.Dir(name), desc)
}

func openExtents(dir string, desc *Descriptor) (*VMDK, error) {
	if desc.ParentCID != "" && !strings.EqualFold(desc.ParentCID, "ffffffff") {
		log.WithField("parent_cid", desc.ParentCID).Warn("VMDK has a parent disk; only this link of the chain is read")
	}
	v := &VMDK{Raw: &raw.Raw{}, Descriptor: desc}
	for _, ext := range desc.Extents {
		size := int64(ext.Sectors) * sectorSize
		switch ext.Type {
		case "ZERO":
			v.Append(disk.Zeros{}, nil, size)
		case "FLAT", "VMFS":
			f, err := os.Open(filepath.Join(dir, ext.File))
			if err != nil {
				v.Close()
				return nil, fmt.Errorf("failed to open flat extent: %w", err)
			}
			v.Append(io.NewSectionReader(f, int64(ext.Offset)*sectorSize, size), f, size)
		case "SPARSE", "VMFSSPARSE":
			f, err := os.Open(filepath.Join(dir, ext.File))
			if err != nil {
				v.Close()
				return nil, fmt.Errorf("failed to open sparse extent: %w", err)
			}
			se, err := NewSparseExtent(f)
			if err != nil {
				f.Close()
				v.Close()
				return nil, fmt.Errorf("failed to parse sparse extent %s: %w", ext.File, err)
			}
			v.Append(se, f, size)
		default:
			v.Close()
			return nil, fmt.Errorf("extent type %s: %w", ext.Type, types.ErrUnsupported)
		}
		log.WithFields(log.Fields{
			"type":    ext.Type,
			"file":    ext.File,
			"sectors": ext.Sectors,
		}).Debug("Added VMDK extent")
	}
	return v, nil
}

// SparseExtent reads the grains of a hosted sparse extent
type SparseExtent struct {
	Header SparseExtentHeader

	r      io.ReaderAt
	gd     []uint32
	gts    *lru.Cache
	grains *lru.Cache
}

// NewSparseExtent parses the header and grain directory of a sparse extent
func NewSparseExtent(r io.ReaderAt) (*SparseExtent, error) {
	se := &SparseExtent{r: r}
	if err := binary.Read(io.NewSectionReader(r, 0, sectorSize), binary.LittleEndian, &se.Header); err != nil {
		return nil, fmt.Errorf("failed to read sparse extent header: %w", types.ErrTruncatedBlock)
	}
	if string(se.Header.MagicNumber[:]) != SparseMagic {
		return nil, fmt.Errorf("found unexpected sparse extent magic %q: %w", se.Header.MagicNumber[:], types.ErrBadMagic)
	}

	if se.Header.GdOffset == gdAtEnd {
		// streamOptimized: the real header is the footer, one sector before the end-of-stream marker
		end, err := size(r)
		if err != nil {
			return nil, err
		}
		var footer SparseExtentHeader
		if err := binary.Read(io.NewSectionReader(r, end-2*sectorSize, sectorSize), binary.LittleEndian, &footer); err != nil {
			return nil, fmt.Errorf("failed to read sparse extent footer: %w", err)
		}
		if string(footer.MagicNumber[:]) != SparseMagic {
			return nil, fmt.Errorf("sparse extent footer: %w", types.ErrBadMagic)
		}
		se.Header = footer
	}

	h := se.Header
	if h.GrainSize == 0 || h.NumGTEsPerGT == 0 {
		return nil, fmt.Errorf("invalid grain size %d or table size %d", h.GrainSize, h.NumGTEsPerGT)
	}
	if h.Flags&flagCompressed != 0 && h.CompressAlgorithm != compressionDeflate {
		return nil, fmt.Errorf("grain compression %d: %w", h.CompressAlgorithm, types.ErrUnsupported)
	}

	grains := (h.Capacity + h.GrainSize - 1) / h.GrainSize
	tables := (grains + uint64(h.NumGTEsPerGT) - 1) / uint64(h.NumGTEsPerGT)
	gd := make([]byte, tables*4)
	if _, err := r.ReadAt(gd, int64(h.GdOffset)*sectorSize); err != nil {
		return nil, fmt.Errorf("failed to read grain directory: %w", err)
	}
	se.gd = make([]uint32, tables)
	for i := range se.gd {
		se.gd[i] = binary.LittleEndian.Uint32(gd[i*4:])
	}

	var err error
	if se.gts, err = lru.New(64); err != nil {
		return nil, err
	}
	if se.grains, err = lru.New(DefaultGrainCacheSize); err != nil {
		return nil, err
	}
	return se, nil
}

type sizer interface {
	Stat() (os.FileInfo, error)
}

func size(r io.ReaderAt) (int64, error) {
	switch v := r.(type) {
	case sizer:
		fi, err := v.Stat()
		if err != nil {
			return 0, err
		}
		return fi.Size(), nil
	case interface{ Size() int64 }:
		return v.Size(), nil
	}
	return 0, fmt.Errorf("cannot locate the footer of a %T: %w", r, types.ErrUnsupported)
}

func (se *SparseExtent) descriptor() (*Descriptor, error) {
	buf := make([]byte, se.Header.DescriptorSize*sectorSize)
	if _, err := se.r.ReadAt(buf, int64(se.Header.DescriptorOffset)*sectorSize); err != nil {
		return nil, err
	}
	return ParseDescriptor(string(bytes.TrimRight(buf, "\x00")))
}

func (se *SparseExtent) grainTable(idx int) ([]uint32, error) {
	if v, ok := se.gts.Get(idx); ok {
		return v.([]uint32), nil
	}
	buf := make([]byte, se.Header.NumGTEsPerGT*4)
	if _, err := se.r.ReadAt(buf, int64(se.gd[idx])*sectorSize); err != nil {
		return nil, fmt.Errorf("failed to read grain table %d: %w", idx, err)
	}
	gt := make([]uint32, se.Header.NumGTEsPerGT)
	for i := range gt {
		gt[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	se.gts.Add(idx, gt)
	return gt, nil
}

// grain returns the data of grain g, or nil for an unallocated grain
func (se *SparseExtent) grain(g uint64) ([]byte, error) {
	per := uint64(se.Header.NumGTEsPerGT)
	if g/per >= uint64(len(se.gd)) || se.gd[g/per] == 0 {
		return nil, nil
	}
	gt, err := se.grainTable(int(g / per))
	if err != nil {
		return nil, err
	}
	sector := gt[g%per]
	if sector <= 1 { // unallocated or explicitly zeroed
		return nil, nil
	}
	if v, ok := se.grains.Get(g); ok {
		return v.([]byte), nil
	}

	grainBytes := int64(se.Header.GrainSize) * sectorSize
	data := make([]byte, grainBytes)
	if se.Header.Flags&flagCompressed == 0 {
		if _, err := se.r.ReadAt(data, int64(sector)*sectorSize); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read grain %d: %w", g, err)
		}
	} else {
		// grain marker: lba, compressed size, deflate stream
		var marker [12]byte
		if _, err := se.r.ReadAt(marker[:], int64(sector)*sectorSize); err != nil {
			return nil, fmt.Errorf("failed to read grain marker %d: %w", g, err)
		}
		n := int64(binary.LittleEndian.Uint32(marker[8:]))
		zr, err := zlib.NewReader(io.NewSectionReader(se.r, int64(sector)*sectorSize+12, n))
		if err != nil {
			return nil, fmt.Errorf("failed to inflate grain %d: %w", g, err)
		}
		defer zr.Close()
		if _, err := io.ReadFull(zr, data); err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed to inflate grain %d: %w", g, err)
		}
	}
	se.grains.Add(g, data)
	return data, nil
}

func (se *SparseExtent) ReadAt(p []byte, off int64) (n int, err error) {
	size := int64(se.Header.Capacity) * sectorSize
	if err := disk.CheckRange(off, size); err != nil {
		return 0, err
	}
	p, short := disk.Clamp(p, off, size)

	grainBytes := int64(se.Header.GrainSize) * sectorSize
	for n < len(p) {
		pos := off + int64(n)
		rel := pos % grainBytes
		dst := p[n : n+int(min(int64(len(p)-n), grainBytes-rel))]
		data, err := se.grain(uint64(pos / grainBytes))
		if err != nil {
			return n, err
		}
		if data == nil {
			clear(dst)
		} else {
			copy(dst, data[rel:])
		}
		n += len(dst)
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}
