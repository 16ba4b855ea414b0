package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// schemaVersion is the latest tag_products schema. Bump it with each
// migration.
const schemaVersion = 1

// SQLite is a Directory stored in a local SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS tag_products (
		  barcode      TEXT NOT NULL,
		  order_number TEXT NOT NULL,
		  sku          TEXT NOT NULL DEFAULT '',
		  style_name   TEXT NOT NULL DEFAULT '',
		  color        TEXT NOT NULL DEFAULT '',
		  size         TEXT NOT NULL DEFAULT '',
		  variant      TEXT NOT NULL DEFAULT '',
		  quantity     INTEGER,
		  reference    TEXT NOT NULL DEFAULT '',
		  PRIMARY KEY (barcode, order_number)
		);`
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("sqlite: migration 1: %w", err)
		}
	}

	if version < schemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", schemaVersion)); err != nil {
			return fmt.Errorf("sqlite: set schema version: %w", err)
		}
	}
	return nil
}

func (s *SQLite) LookupOrder(ctx context.Context, barcode, order string) (*ProductRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM tag_products WHERE barcode = ? AND order_number = ? LIMIT 1`,
		barcode, order)
	return scanSQLRecord(row)
}

func (s *SQLite) LookupLatest(ctx context.Context, barcode string) (*ProductRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM tag_products WHERE barcode = ?
		 ORDER BY length(order_number) DESC, order_number DESC LIMIT 1`,
		barcode)
	return scanSQLRecord(row)
}

// Put inserts or replaces a record keyed by (barcode, rec.OrderNumber).
func (s *SQLite) Put(ctx context.Context, barcode string, rec ProductRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tag_products (barcode, order_number, sku, style_name, color, size, variant, quantity, reference)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (barcode, order_number) DO UPDATE SET
		  sku = excluded.sku, style_name = excluded.style_name, color = excluded.color,
		  size = excluded.size, variant = excluded.variant, quantity = excluded.quantity,
		  reference = excluded.reference`,
		barcode, rec.OrderNumber, rec.SKU, rec.StyleName, rec.Color, rec.Size, rec.Variant, rec.Quantity, rec.Reference)
	if err != nil {
		return fmt.Errorf("sqlite: put %s/%s: %w", barcode, rec.OrderNumber, err)
	}
	return nil
}

func scanSQLRecord(row *sql.Row) (*ProductRecord, error) {
	var rec ProductRecord
	err := row.Scan(&rec.SKU, &rec.StyleName, &rec.Color, &rec.Size, &rec.Variant,
		&rec.Quantity, &rec.Reference, &rec.OrderNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	return &rec, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
