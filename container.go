// Package apfs reads APFS containers and volumes from disk images.
package apfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/btree"
	"github.com/blacktop/go-macapt/pkg/omap"
	"github.com/blacktop/go-macapt/types"
	"github.com/google/uuid"
)

// Container is an opened APFS container
type Container struct {
	Superblock types.NxSuperblock
	// Xid is the transaction of the checkpoint in use
	Xid uint64
	// Addr is the block the superblock in use was read from
	Addr uint64

	dev    io.ReaderAt
	size   int64
	blocks *types.BlockReader
	nodes  btree.BlockReader
	cache  *btree.CachedReader
	omap   *omap.OMap
	vols   []*Volume
	conf   config
}

// Open opens the container that starts offset bytes into dev and is size bytes long
func Open(dev io.ReaderAt, offset, size int64, opts ...Option) (*Container, error) {
	conf := defaultConfig()
	for _, opt := range opts {
		opt(&conf)
	}

	c := &Container{
		dev:  io.NewSectionReader(dev, offset, size),
		size: size,
		conf: conf,
	}

	bs, err := probeBlockSize(c.dev)
	if err != nil {
		return nil, err
	}
	c.blocks = types.NewBlockReader(c.dev, bs, conf.verify)
	c.nodes = c.blocks
	if conf.omapCacheSize > 0 {
		if c.cache, err = btree.NewCachedReader(c.blocks, conf.omapCacheSize); err != nil {
			return nil, err
		}
		c.nodes = c.cache
	}

	block0, err := c.blocks.ReadRaw(0)
	if err != nil {
		return nil, fmt.Errorf("failed to read container superblock: %w", err)
	}
	nxsb, err := types.DecodeObj(0, block0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse container superblock: %w", err)
	}
	base, ok := nxsb.Body.(types.NxSuperblock)
	if !ok {
		return nil, fmt.Errorf("%w: block 0 is a %s", types.ErrBadMagic, nxsb.Hdr.GetType())
	}

	log.WithFields(log.Fields{
		"checksum":   fmt.Sprintf("%#x", nxsb.Hdr.Checksum()),
		"oid":        fmt.Sprintf("%#x", nxsb.Hdr.Oid),
		"xid":        fmt.Sprintf("%#x", nxsb.Hdr.Xid),
		"block_size": bs,
		"magic":      base.Magic.String(),
	}).Debug("APFS Container")

	best, err := c.selectCheckpoint(&base, nxsb)
	if err != nil {
		return nil, err
	}
	c.Superblock = best.Body.(types.NxSuperblock)
	c.Xid = uint64(best.Hdr.Xid)
	c.Addr = best.Addr
	if c.Superblock.BlockSize != bs {
		log.Warnf("checkpoint block size %#x differs from block 0 (%#x)", c.Superblock.BlockSize, bs)
	}

	c.omap, err = omap.Open(c.nodes, uint64(c.Superblock.OmapOid), omap.WithCacheSize(conf.omapCacheSize))
	if err != nil {
		return nil, fmt.Errorf("failed to open container object map: %w", err)
	}

	for _, oid := range c.Superblock.VolumeOids() {
		v, err := c.openVolume(uint64(oid))
		if err != nil {
			log.WithFields(log.Fields{
				"oid": fmt.Sprintf("%#x", oid),
				"err": err,
			}).Warn("skipping unreadable volume")
			continue
		}
		c.vols = append(c.vols, v)
	}

	return c, nil
}

// probeBlockSize reads the block size out of the superblock at block 0
func probeBlockSize(r io.ReaderAt) (uint32, error) {
	hdr := make([]byte, 40)
	if n, err := r.ReadAt(hdr, 0); n < len(hdr) {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("container superblock: %w", types.ErrTruncatedBlock)
		}
		return 0, fmt.Errorf("failed to read container superblock: %w", err)
	}
	if string(hdr[32:36]) != types.NX_MAGIC {
		return 0, fmt.Errorf("%w: expected %s at offset 32, got %q", types.ErrBadMagic, types.NX_MAGIC, hdr[32:36])
	}
	bs := binary.LittleEndian.Uint32(hdr[36:])
	if bs < types.NX_MINIMUM_BLOCK_SIZE || bs > types.NX_MAXIMUM_BLOCK_SIZE || bs&(bs-1) != 0 {
		return 0, fmt.Errorf("%w: block size %#x", types.ErrUnsupported, bs)
	}
	return bs, nil
}

// selectCheckpoint returns the container superblock that has the largest
// transaction identifier in the checkpoint descriptor area and isnʼt malformed
func (c *Container) selectCheckpoint(base *types.NxSuperblock, block0 *types.Obj) (*types.Obj, error) {
	if base.XpDescBlocks&types.NX_XP_DESC_TREE_FLAG != 0 {
		return nil, fmt.Errorf("%w: checkpoint descriptor area is a b-tree", types.ErrUnsupported)
	}

	// candidates are always verified, whatever the caller asked for
	verified := types.NewBlockReader(c.dev, c.blocks.BlockSize(), true)

	var best *types.Obj
	for i := uint32(0); i < base.XpDescBlocks; i++ {
		addr := base.XpDescBase + uint64(i)
		o, err := verified.ReadObj(addr)
		if err != nil {
			if errors.Is(err, types.ErrBadBlockChecksum) || errors.Is(err, types.ErrBadMagic) {
				log.WithFields(log.Fields{
					"index": i,
					"block": fmt.Sprintf("%#x", addr),
				}).Debug("checkpoint block failed validation, skipping")
				continue
			}
			return nil, fmt.Errorf("failed to read checkpoint descriptor block %#x: %w", addr, err)
		}
		if o.Hdr.GetType() != types.OBJECT_TYPE_NX_SUPERBLOCK {
			continue
		}
		if best == nil || o.Hdr.Xid > best.Hdr.Xid {
			best = o
		}
	}

	if best == nil {
		if !types.VerifyChecksum(block0.Raw) {
			return nil, fmt.Errorf("%w: no checkpoint superblock verifies and block 0 is corrupt", types.ErrCorruptedCheckpoint)
		}
		log.Warn("no checkpoint superblock verified, falling back to block 0")
		return block0, nil
	}

	log.WithFields(log.Fields{
		"block":    fmt.Sprintf("%#x", best.Addr),
		"xid":      fmt.Sprintf("%#x", best.Hdr.Xid),
		"block0":   fmt.Sprintf("%#x", block0.Hdr.Xid),
		"is_stale": best.Hdr.Xid > block0.Hdr.Xid,
	}).Debug("selected checkpoint")

	return best, nil
}

func (c *Container) openVolume(oid uint64) (*Volume, error) {
	e, err := c.omap.Lookup(oid, c.Xid)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve volume superblock: %w", err)
	}
	obj, err := c.blocks.ReadObj(e.Paddr)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume superblock: %w", err)
	}
	sb, ok := obj.Body.(types.ApfsSuperblock)
	if !ok {
		return nil, fmt.Errorf("%w: block %#x is a %s, not a volume superblock", types.ErrBadMagic, e.Paddr, obj.Hdr.GetType())
	}

	log.WithFields(log.Fields{
		"checksum": fmt.Sprintf("%#x", obj.Hdr.Checksum()),
		"oid":      fmt.Sprintf("%#x", obj.Hdr.Oid),
		"xid":      fmt.Sprintf("%#x", obj.Hdr.Xid),
		"block":    fmt.Sprintf("%#x", e.Paddr),
	}).Debug(fmt.Sprintf("APFS Volume (%s)", sb.Name()))

	return newVolume(c, oid, e.Paddr, sb)
}

// Volumes returns the container's volumes, encrypted ones included
func (c *Container) Volumes() []*Volume {
	return c.vols
}

// Volume returns the volume with the given name
func (c *Container) Volume(name string) (*Volume, bool) {
	for _, v := range c.vols {
		if v.Name() == name {
			return v, true
		}
	}
	return nil, false
}

func (c *Container) BlockSize() uint32 {
	return c.blocks.BlockSize()
}

func (c *Container) UUID() uuid.UUID {
	return uuid.UUID(c.Superblock.UUID)
}

// Size is the container's length in bytes
func (c *Container) Size() int64 {
	return c.size
}

// Close releases the caches and catalogs held by the container and its volumes.
// The device passed to Open is left open.
func (c *Container) Close() error {
	for _, v := range c.vols {
		v.release()
	}
	c.omap.Purge()
	if c.cache != nil {
		c.cache.Purge()
	}
	return nil
}
