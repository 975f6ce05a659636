package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/btree"
	"github.com/blacktop/go-macapt/types"
)

// Config describes the file-system tree to catalog
type Config struct {
	// Root is the root node's oid (virtual trees) or block address
	Root            uint64
	Resolver        btree.Resolver
	Hashed          bool
	CaseInsensitive bool
	// ReadStream, when set, reads decmpfs attributes that live in a data stream
	ReadStream StreamReader
}

// Build walks every record of the file-system tree into a new catalog.
// Unreadable nodes are logged and skipped; a cancelled ctx discards the partial catalog.
func Build(ctx context.Context, src btree.BlockReader, conf Config) (*Catalog, error) {
	c := New(conf.CaseInsensitive)
	b := &builder{c: c, hashed: conf.Hashed, siblings: make(map[uint64]Hardlink)}

	opts := []btree.Option{btree.WithErrorHandler(b.skip)}
	if conf.Resolver != nil {
		opts = append(opts, btree.WithResolver(conf.Resolver))
	}
	tree, err := btree.Open(src, conf.Root, btree.FSCompare(conf.Hashed), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open file-system tree: %w", err)
	}
	if err := tree.Walk(ctx, b.add); err != nil {
		return nil, fmt.Errorf("failed to walk file-system tree: %w", err)
	}
	b.flushSiblings()
	c.Finish(conf.ReadStream)

	log.WithFields(log.Fields{
		"inodes":     len(c.Inodes),
		"drecs":      len(c.IndexNodes),
		"hardlinks":  len(c.Hardlinks),
		"compressed": len(c.Compressed),
		"skipped":    len(c.Skipped),
	}).Debug("built catalog")

	return c, nil
}

type builder struct {
	c      *Catalog
	hashed bool
	// sibling link records, keyed by sibling id, for links whose drec was lost
	siblings map[uint64]Hardlink
	seen     map[uint64]struct{}
}

func (b *builder) skip(parent uint64, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	sb := SkippedBlock{Addr: parent, Err: err}
	var nerr *btree.NodeError
	if errors.As(err, &nerr) {
		sb.Oid = nerr.Ref
		if nerr.Addr != 0 {
			sb.Addr = nerr.Addr
		}
	}
	var cerr *types.ChecksumError
	if errors.As(err, &cerr) {
		sb.Addr = cerr.Addr
	}
	b.c.Skipped = append(b.c.Skipped, sb)
	log.WithFields(log.Fields{
		"block": fmt.Sprintf("%#x", sb.Addr),
		"oid":   fmt.Sprintf("%#x", sb.Oid),
		"err":   err,
	}).Warn("skipping unreadable file-system tree node")
	return nil
}

func (b *builder) add(k, v []byte) error {
	rec, err := types.DecodeFSRecord(k, v, b.hashed)
	if err != nil {
		log.WithFields(log.Fields{
			"oid": fmt.Sprintf("%#x", rec.Key.GetID()),
			"err": err,
		}).Warn("skipping undecodable file-system record")
		return nil
	}
	id := rec.Key.GetID()

	switch val := rec.Val.(type) {
	case *types.JInodeVal:
		b.inode(id, val)
	case types.JDrecVal:
		key := rec.KeyBody.(types.JDrecKey)
		if sib, ok := val.SiblingID(); ok {
			b.c.Hardlinks = append(b.c.Hardlinks, Hardlink{CNID: val.FileID, Parent: id, Name: key.Name, SiblingID: sib})
			b.markSibling(sib)
			return nil
		}
		b.c.IndexNodes = append(b.c.IndexNodes, IndexNode{
			CNID:      val.FileID,
			Parent:    id,
			DateAdded: val.DateAdded,
			ItemType:  val.Type(),
			Name:      key.Name,
		})
	case types.JXattrVal:
		key := rec.KeyBody.(types.JXattrKey)
		a := Attribute{CNID: id, Name: key.Name, Flags: uint16(val.Flags), Size: val.Size()}
		if val.IsStream() {
			a.StreamID = val.DstreamOid
			a.AllocedSize = val.Dstream.AllocedSize
		} else {
			a.Data = val.Data
		}
		b.c.Attributes[id] = append(b.c.Attributes[id], a)
	case types.JFileExtentVal:
		key := rec.KeyBody.(types.JFileExtentKey)
		b.c.Extents[id] = append(b.c.Extents[id], Extent{
			StreamID:      id,
			LogicalOffset: key.LogicalAddr,
			Length:        val.Length(),
			PhysBlock:     val.PhysBlockNum,
			Flags:         val.Flags(),
			CryptoID:      val.CryptoID,
		})
	case types.JDirStatsVal:
		b.c.DirStats[id] = DirStats{CNID: id, NumChildren: val.NumChildren, TotalSize: val.TotalSize}
	case types.JSiblingVal:
		key := rec.KeyBody.(types.JSiblingKey)
		b.siblings[key.SiblingID] = Hardlink{CNID: id, Parent: val.ParentID, Name: val.Name, SiblingID: key.SiblingID}
	default:
		if _, raw := rec.Val.([]byte); raw {
			log.WithFields(log.Fields{
				"oid":  fmt.Sprintf("%#x", id),
				"type": rec.Key.GetType(),
			}).Debug("ignoring file-system record")
		}
	}
	return nil
}

func (b *builder) inode(id uint64, val *types.JInodeVal) {
	ino := &Inode{
		CNID:      id,
		Parent:    val.ParentID,
		PrivateID: val.PrivateID,
		Name:      val.Name(),
		Created:   val.CreateTime,
		Modified:  val.ModTime,
		Changed:   val.ChangeTime,
		Accessed:  val.AccessTime,
		Flags:     uint64(val.InternalFlags),
		Nlink:     val.Nlink(),
		BsdFlags:  val.BsdFlags,
		Mode:      uint16(val.Mode),
		UID:       val.Owner,
		GID:       val.Group,
	}
	if ds, ok := val.Dstream(); ok {
		ino.LogicalSize = ds.Size
		ino.PhysicalSize = ds.AllocedSize
	}
	if val.IsCompressed() {
		ino.Compressed = true
		if val.InternalFlags&types.INODE_HAS_UNCOMPRESSED_SIZE != 0 {
			ino.LogicalSize = val.UncompressedSize
		}
	}
	b.c.Inodes[id] = ino
}

func (b *builder) markSibling(id uint64) {
	if b.seen == nil {
		b.seen = make(map[uint64]struct{})
	}
	b.seen[id] = struct{}{}
}

// flushSiblings adds sibling links whose directory record was not seen
func (b *builder) flushSiblings() {
	for id, h := range b.siblings {
		if _, ok := b.seen[id]; ok {
			continue
		}
		b.c.Hardlinks = append(b.c.Hardlinks, h)
	}
}

func logStreamError(cnid, stream uint64, err error) {
	log.WithFields(log.Fields{
		"cnid":   fmt.Sprintf("%#x", cnid),
		"stream": fmt.Sprintf("%#x", stream),
		"err":    err,
	}).Warn("failed to read decmpfs header")
}
