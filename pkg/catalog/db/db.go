// Package db persists volume catalogs to a SQLite file, one file per container.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/apex/log"
	"github.com/blacktop/go-macapt/pkg/catalog"

	_ "modernc.org/sqlite"
)

// Version is the catalog schema version stored in Version_Info
const Version = 1

// VolumeInfo is a row of Volumes_Info. Created and Updated are APFS times.
type VolumeInfo struct {
	Name    string
	UUID    string
	Files   uint64
	Folders uint64
	Created uint64
	Updated uint64
}

// DB is an open catalog database
type DB struct {
	Path string
	db   *sql.DB
}

// Open opens or creates the catalog database at path
func Open(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database %s: %w", path, err)
	}
	// a single writer keeps the per-volume transactions from contending for the file lock
	sdb.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=OFF"} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("failed to configure catalog database: %w", err)
		}
	}
	return &DB{Path: path, db: sdb}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// TableName returns the table for a volume's catalog table, e.g. "Macintosh_HD_Inodes"
func TableName(volume, table string) string {
	name := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, volume)
	return name + "_" + table
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Matches reports whether the database was written by this schema version for exactly these volumes
func (d *DB) Matches(ctx context.Context, vols []VolumeInfo) (bool, error) {
	var version int
	err := d.db.QueryRowContext(ctx, "SELECT Version FROM Version_Info").Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "no such table") {
			return false, nil
		}
		return false, fmt.Errorf("failed to read Version_Info: %w", err)
	}
	if version != Version {
		return false, nil
	}
	stored, err := d.Volumes(ctx)
	if err != nil {
		return false, err
	}
	if len(stored) != len(vols) {
		return false, nil
	}
	for i := range vols {
		if stored[i] != vols[i] {
			return false, nil
		}
	}
	return true, nil
}

// Volumes returns the rows of Volumes_Info in insertion order
func (d *DB) Volumes(ctx context.Context) ([]VolumeInfo, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT Name, UUID, Files, Folders, Created, Updated FROM Volumes_Info ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to read Volumes_Info: %w", err)
	}
	defer rows.Close()
	var out []VolumeInfo
	for rows.Next() {
		var v VolumeInfo
		var files, folders, created, updated int64
		if err := rows.Scan(&v.Name, &v.UUID, &files, &folders, &created, &updated); err != nil {
			return nil, err
		}
		v.Files, v.Folders, v.Created, v.Updated = uint64(files), uint64(folders), uint64(created), uint64(updated)
		out = append(out, v)
	}
	return out, rows.Err()
}

var tables = []string{"Inodes", "Extents", "IndexNodes", "Attributes", "DirStats", "Hardlinks", "Paths", "Compressed_Files"}

// Reset drops every table, the info tables included, so an interrupted
// rebuild never matches. Commit records the volumes once every catalog is written.
func (d *DB) Reset(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	var existing []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		existing = append(existing, name)
	}
	rows.Close()
	for _, name := range existing {
		if _, err := tx.ExecContext(ctx, "DROP TABLE "+quote(name)); err != nil {
			return fmt.Errorf("failed to drop %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// Commit records the schema version and the volumes, marking the catalogs complete
func (d *DB) Commit(ctx context.Context, vols []VolumeInfo) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		"DROP TABLE IF EXISTS Version_Info",
		"DROP TABLE IF EXISTS Volumes_Info",
		"CREATE TABLE Version_Info (Version INTEGER)",
		"CREATE TABLE Volumes_Info (Name TEXT, UUID TEXT, Files INTEGER, Folders INTEGER, Created INTEGER, Updated INTEGER)",
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("failed to create info tables: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO Version_Info (Version) VALUES (?)", Version); err != nil {
		return err
	}
	for _, v := range vols {
		if _, err := tx.ExecContext(ctx, "INSERT INTO Volumes_Info VALUES (?, ?, ?, ?, ?, ?)",
			v.Name, v.UUID, int64(v.Files), int64(v.Folders), int64(v.Created), int64(v.Updated)); err != nil {
			return fmt.Errorf("failed to insert volume %s: %w", v.Name, err)
		}
	}
	return tx.Commit()
}

var schema = map[string]string{
	"Inodes": `(CNID INTEGER PRIMARY KEY, Parent_CNID INTEGER, Private_ID INTEGER, Name TEXT,
		Created INTEGER, Modified INTEGER, Changed INTEGER, Accessed INTEGER, Flags INTEGER,
		Nlink INTEGER, BSD_Flags INTEGER, Mode INTEGER, UID INTEGER, GID INTEGER,
		Logical_Size INTEGER, Physical_Size INTEGER, Compressed INTEGER)`,
	"Extents":          `(CNID INTEGER, Logical_Offset INTEGER, Length INTEGER, Phys_Block INTEGER, Flags INTEGER, Crypto_ID INTEGER)`,
	"IndexNodes":       `(CNID INTEGER, Parent_CNID INTEGER, Date_Added INTEGER, Item_Type INTEGER, Name TEXT)`,
	"Attributes":       `(CNID INTEGER, Name TEXT, Flags INTEGER, Data BLOB, Stream_ID INTEGER, Logical_Size INTEGER, Alloced_Size INTEGER)`,
	"DirStats":         `(CNID INTEGER PRIMARY KEY, Num_Children INTEGER, Total_Size INTEGER)`,
	"Hardlinks":        `(CNID INTEGER, Parent_CNID INTEGER, Name TEXT, Sibling_ID INTEGER)`,
	"Paths":            `(CNID INTEGER PRIMARY KEY, Path TEXT)`,
	"Compressed_Files": `(CNID INTEGER PRIMARY KEY, Type INTEGER, Uncompressed_Size INTEGER, Header BLOB, Header_Stream INTEGER, Resource_Stream INTEGER, Resource_Size INTEGER)`,
}

var indexes = map[string][]string{
	"Extents":    {"CNID"},
	"IndexNodes": {"CNID", "Parent_CNID"},
	"Attributes": {"CNID"},
	"Hardlinks":  {"CNID", "Parent_CNID"},
}

func i64(v uint64) int64 { return int64(v) }

// WriteCatalog stores a volume's catalog, replacing any previous copy
func (d *DB) WriteCatalog(ctx context.Context, volume string, cat *catalog.Catalog) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range tables {
		name := TableName(volume, t)
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(name)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "CREATE TABLE "+quote(name)+" "+schema[t]); err != nil {
			return fmt.Errorf("failed to create %s: %w", name, err)
		}
		for _, col := range indexes[t] {
			idx := quote(name + "_" + col)
			if _, err := tx.ExecContext(ctx, "CREATE INDEX "+idx+" ON "+quote(name)+" ("+col+")"); err != nil {
				return fmt.Errorf("failed to index %s: %w", name, err)
			}
		}
	}

	w := writer{ctx: ctx, tx: tx, volume: volume}
	for _, ino := range cat.Inodes {
		w.insert("Inodes", i64(ino.CNID), i64(ino.Parent), i64(ino.PrivateID), ino.Name,
			i64(ino.Created), i64(ino.Modified), i64(ino.Changed), i64(ino.Accessed), i64(ino.Flags),
			ino.Nlink, ino.BsdFlags, ino.Mode, ino.UID, ino.GID,
			i64(ino.LogicalSize), i64(ino.PhysicalSize), ino.Compressed)
	}
	for _, exts := range cat.Extents {
		for _, e := range exts {
			w.insert("Extents", i64(e.StreamID), i64(e.LogicalOffset), i64(e.Length), i64(e.PhysBlock), e.Flags, i64(e.CryptoID))
		}
	}
	for _, n := range cat.IndexNodes {
		w.insert("IndexNodes", i64(n.CNID), i64(n.Parent), i64(n.DateAdded), n.ItemType, n.Name)
	}
	for _, attrs := range cat.Attributes {
		for _, a := range attrs {
			w.insert("Attributes", i64(a.CNID), a.Name, a.Flags, a.Data, i64(a.StreamID), i64(a.Size), i64(a.AllocedSize))
		}
	}
	for _, s := range cat.DirStats {
		w.insert("DirStats", i64(s.CNID), i64(s.NumChildren), i64(s.TotalSize))
	}
	for _, h := range cat.Hardlinks {
		w.insert("Hardlinks", i64(h.CNID), i64(h.Parent), h.Name, i64(h.SiblingID))
	}
	for cnid, p := range cat.Paths {
		w.insert("Paths", i64(cnid), p)
	}
	for _, cf := range cat.Compressed {
		w.insert("Compressed_Files", i64(cf.CNID), cf.Type, i64(cf.UncompressedSize), cf.Header,
			i64(cf.HeaderStream), i64(cf.ResourceStream), i64(cf.ResourceSize))
	}
	w.close()
	if w.err != nil {
		return fmt.Errorf("failed to write %s catalog: %w", volume, w.err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"volume": volume,
		"db":     d.Path,
		"rows":   w.rows,
	}).Debug("wrote catalog")
	return nil
}

// writer batches inserts through one prepared statement per table and keeps the first error
type writer struct {
	ctx    context.Context
	tx     *sql.Tx
	volume string
	stmts  map[string]*sql.Stmt
	rows   int
	err    error
}

func (w *writer) insert(table string, args ...any) {
	if w.err != nil {
		return
	}
	if w.stmts == nil {
		w.stmts = make(map[string]*sql.Stmt)
	}
	stmt, ok := w.stmts[table]
	if !ok {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
		stmt, w.err = w.tx.PrepareContext(w.ctx, "INSERT INTO "+quote(TableName(w.volume, table))+" VALUES ("+marks+")")
		if w.err != nil {
			return
		}
		w.stmts[table] = stmt
	}
	if _, w.err = stmt.ExecContext(w.ctx, args...); w.err == nil {
		w.rows++
	}
}

func (w *writer) close() {
	for _, stmt := range w.stmts {
		stmt.Close()
	}
}
