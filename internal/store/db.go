// Package store persists crag snapshots: structured records in SQLite and
// binary resources in a disk blob cache.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"cragpack/internal/model"
)

// DB holds the three snapshot record collections
type DB struct {
	sql *sql.DB
}

// Open opens or creates the snapshot database at path
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{sql: db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS snapshot_meta (
  crag_id        TEXT PRIMARY KEY,
  downloaded_at  INTEGER NOT NULL,
  doc            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshot_meta_downloaded ON snapshot_meta(downloaded_at);
CREATE TABLE IF NOT EXISTS crag_detail (
  crag_id  TEXT PRIMARY KEY,
  doc      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS image_detail (
  image_id       TEXT PRIMARY KEY,
  crag_id        TEXT NOT NULL,
  display_order  INTEGER,
  doc            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_image_detail_crag ON image_detail(crag_id);
`)
	return err
}

// SaveSnapshot writes the meta record, the crag record and the crag's image
// set in one transaction. Image rows left from an earlier download of the
// same crag are replaced.
func (d *DB) SaveSnapshot(ctx context.Context, meta model.SnapshotMeta, crag model.CragDetail, images []model.ImageDetail) (err error) {
	metaDoc, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	cragDoc, err := json.Marshal(crag)
	if err != nil {
		return fmt.Errorf("encode crag: %w", err)
	}

	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
INSERT INTO snapshot_meta (crag_id, downloaded_at, doc) VALUES (?, ?, ?)
ON CONFLICT(crag_id) DO UPDATE SET downloaded_at = excluded.downloaded_at, doc = excluded.doc`,
		meta.CragID, meta.DownloadedAt, string(metaDoc)); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
INSERT INTO crag_detail (crag_id, doc) VALUES (?, ?)
ON CONFLICT(crag_id) DO UPDATE SET doc = excluded.doc`,
		crag.ID, string(cragDoc)); err != nil {
		return fmt.Errorf("write crag: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM image_detail WHERE crag_id = ?`, crag.ID); err != nil {
		return fmt.Errorf("clear images: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO image_detail (image_id, crag_id, display_order, doc) VALUES (?, ?, ?, ?)
ON CONFLICT(image_id) DO UPDATE SET crag_id = excluded.crag_id, display_order = excluded.display_order, doc = excluded.doc`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, img := range images {
		doc, mErr := json.Marshal(img)
		if mErr != nil {
			err = fmt.Errorf("encode image %s: %w", img.ID, mErr)
			return err
		}
		var order sql.NullInt64
		if img.DisplayOrder != nil {
			order = sql.NullInt64{Int64: int64(*img.DisplayOrder), Valid: true}
		}
		if _, err = stmt.ExecContext(ctx, img.ID, img.CragID, order, string(doc)); err != nil {
			return fmt.Errorf("write image %s: %w", img.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the meta record, the crag record and every image
// row for cragID in one transaction. Deleting an absent crag is not an error.
func (d *DB) DeleteSnapshot(ctx context.Context, cragID string) (err error) {
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, q := range []string{
		`DELETE FROM snapshot_meta WHERE crag_id = ?`,
		`DELETE FROM crag_detail WHERE crag_id = ?`,
		`DELETE FROM image_detail WHERE crag_id = ?`,
	} {
		if _, err = tx.ExecContext(ctx, q, cragID); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", cragID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// Meta returns the snapshot registry entry, or nil when the crag is not downloaded
func (d *DB) Meta(ctx context.Context, cragID string) (*model.SnapshotMeta, error) {
	var meta model.SnapshotMeta
	ok, err := d.getDoc(ctx, `SELECT doc FROM snapshot_meta WHERE crag_id = ?`, cragID, &meta)
	if err != nil || !ok {
		return nil, err
	}
	return &meta, nil
}

// Crag returns the stored crag record, or nil when absent
func (d *DB) Crag(ctx context.Context, cragID string) (*model.CragDetail, error) {
	var crag model.CragDetail
	ok, err := d.getDoc(ctx, `SELECT doc FROM crag_detail WHERE crag_id = ?`, cragID, &crag)
	if err != nil || !ok {
		return nil, err
	}
	return &crag, nil
}

// Image returns one stored image record, or nil when absent
func (d *DB) Image(ctx context.Context, imageID string) (*model.ImageDetail, error) {
	var img model.ImageDetail
	ok, err := d.getDoc(ctx, `SELECT doc FROM image_detail WHERE image_id = ?`, imageID, &img)
	if err != nil || !ok {
		return nil, err
	}
	return &img, nil
}

// ImagesForCrag returns the crag's images ordered by display order (unordered
// last) then id
func (d *DB) ImagesForCrag(ctx context.Context, cragID string) ([]model.ImageDetail, error) {
	rows, err := d.sql.QueryContext(ctx, `
SELECT doc FROM image_detail
WHERE crag_id = ?
ORDER BY display_order IS NULL, display_order, image_id`, cragID)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	var images []model.ImageDetail
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var img model.ImageDetail
		if err := json.Unmarshal([]byte(doc), &img); err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// ListMetas returns every snapshot, most recently downloaded first
func (d *DB) ListMetas(ctx context.Context) ([]model.SnapshotMeta, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT doc FROM snapshot_meta ORDER BY downloaded_at DESC, crag_id`)
	if err != nil {
		return nil, fmt.Errorf("query metas: %w", err)
	}
	defer rows.Close()

	var metas []model.SnapshotMeta
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var meta model.SnapshotMeta
		if err := json.Unmarshal([]byte(doc), &meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// HasSnapshot reports whether a crag detail record exists for cragID
func (d *DB) HasSnapshot(ctx context.Context, cragID string) (bool, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(1) FROM crag_detail WHERE crag_id = ?`, cragID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetMapGenerated stamps the meta record once the map screenshot is cached.
// A missing meta record is left alone.
func (d *DB) SetMapGenerated(ctx context.Context, cragID string, at int64) (err error) {
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM snapshot_meta WHERE crag_id = ?`, cragID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return tx.Rollback()
	}
	if err != nil {
		return err
	}

	var meta model.SnapshotMeta
	if err = json.Unmarshal([]byte(doc), &meta); err != nil {
		return fmt.Errorf("decode meta: %w", err)
	}
	meta.MapGeneratedAt = at
	updated, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE snapshot_meta SET doc = ? WHERE crag_id = ?`, string(updated), cragID); err != nil {
		return fmt.Errorf("update meta: %w", err)
	}
	return tx.Commit()
}

func (d *DB) getDoc(ctx context.Context, query, id string, dst any) (bool, error) {
	var doc string
	err := d.sql.QueryRowContext(ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(doc), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", id, err)
	}
	return true, nil
}
