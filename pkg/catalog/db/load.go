package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/blacktop/go-macapt/pkg/catalog"
)

// LoadCatalog reads a volume's catalog back from the database
func (d *DB) LoadCatalog(ctx context.Context, volume string, caseInsensitive bool) (*catalog.Catalog, error) {
	c := catalog.New(caseInsensitive)
	r := reader{ctx: ctx, db: d.db, volume: volume}

	r.each("Inodes", func(rows *sql.Rows) error {
		var cnid, parent, private, created, modified, changed, accessed, flags, lsize, psize int64
		ino := &catalog.Inode{}
		if err := rows.Scan(&cnid, &parent, &private, &ino.Name, &created, &modified, &changed, &accessed, &flags,
			&ino.Nlink, &ino.BsdFlags, &ino.Mode, &ino.UID, &ino.GID, &lsize, &psize, &ino.Compressed); err != nil {
			return err
		}
		ino.CNID, ino.Parent, ino.PrivateID = uint64(cnid), uint64(parent), uint64(private)
		ino.Created, ino.Modified, ino.Changed, ino.Accessed = uint64(created), uint64(modified), uint64(changed), uint64(accessed)
		ino.Flags, ino.LogicalSize, ino.PhysicalSize = uint64(flags), uint64(lsize), uint64(psize)
		c.Inodes[ino.CNID] = ino
		return nil
	})
	r.each("Extents", func(rows *sql.Rows) error {
		var stream, off, length, block, crypto int64
		var e catalog.Extent
		if err := rows.Scan(&stream, &off, &length, &block, &e.Flags, &crypto); err != nil {
			return err
		}
		e.StreamID, e.LogicalOffset, e.Length, e.PhysBlock, e.CryptoID = uint64(stream), uint64(off), uint64(length), uint64(block), uint64(crypto)
		c.Extents[e.StreamID] = append(c.Extents[e.StreamID], e)
		return nil
	})
	r.each("IndexNodes", func(rows *sql.Rows) error {
		var cnid, parent, added int64
		var n catalog.IndexNode
		if err := rows.Scan(&cnid, &parent, &added, &n.ItemType, &n.Name); err != nil {
			return err
		}
		n.CNID, n.Parent, n.DateAdded = uint64(cnid), uint64(parent), uint64(added)
		c.IndexNodes = append(c.IndexNodes, n)
		return nil
	})
	r.each("Attributes", func(rows *sql.Rows) error {
		var cnid, stream, size, alloced int64
		var a catalog.Attribute
		if err := rows.Scan(&cnid, &a.Name, &a.Flags, &a.Data, &stream, &size, &alloced); err != nil {
			return err
		}
		a.CNID, a.StreamID, a.Size, a.AllocedSize = uint64(cnid), uint64(stream), uint64(size), uint64(alloced)
		c.Attributes[a.CNID] = append(c.Attributes[a.CNID], a)
		return nil
	})
	r.each("DirStats", func(rows *sql.Rows) error {
		var cnid, children, total int64
		if err := rows.Scan(&cnid, &children, &total); err != nil {
			return err
		}
		c.DirStats[uint64(cnid)] = catalog.DirStats{CNID: uint64(cnid), NumChildren: uint64(children), TotalSize: uint64(total)}
		return nil
	})
	r.each("Hardlinks", func(rows *sql.Rows) error {
		var cnid, parent, sibling int64
		var h catalog.Hardlink
		if err := rows.Scan(&cnid, &parent, &h.Name, &sibling); err != nil {
			return err
		}
		h.CNID, h.Parent, h.SiblingID = uint64(cnid), uint64(parent), uint64(sibling)
		c.Hardlinks = append(c.Hardlinks, h)
		return nil
	})
	compressed := make(map[uint64]*catalog.CompressedFile)
	r.each("Compressed_Files", func(rows *sql.Rows) error {
		var cnid, size, hstream, rstream, rsize int64
		cf := &catalog.CompressedFile{}
		if err := rows.Scan(&cnid, &cf.Type, &size, &cf.Header, &hstream, &rstream, &rsize); err != nil {
			return err
		}
		cf.CNID, cf.UncompressedSize = uint64(cnid), uint64(size)
		cf.HeaderStream, cf.ResourceStream, cf.ResourceSize = uint64(hstream), uint64(rstream), uint64(rsize)
		compressed[cf.CNID] = cf
		return nil
	})
	if r.err != nil {
		return nil, fmt.Errorf("failed to load %s catalog: %w", volume, r.err)
	}

	// rows come back in table order, Finish restores extent order and rebuilds the indexes
	c.Finish(nil)
	// streamed decmpfs headers were read when the catalog was first built
	c.Compressed = compressed
	return c, nil
}

type reader struct {
	ctx    context.Context
	db     *sql.DB
	volume string
	err    error
}

func (r *reader) each(table string, fn func(*sql.Rows) error) {
	if r.err != nil {
		return
	}
	rows, err := r.db.QueryContext(r.ctx, "SELECT * FROM "+quote(TableName(r.volume, table)))
	if err != nil {
		r.err = err
		return
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			r.err = fmt.Errorf("%s: %w", table, err)
			return
		}
	}
	r.err = rows.Err()
}
