package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const productColumns = `sku, style_name, color, size, variant, COALESCE(quantity, 0), reference, order_number`

// Postgres is a Directory backed by the tag_products table of a PostgreSQL
// database.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres dials cfg.DSN and checks the connection.
func OpenPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) LookupOrder(ctx context.Context, barcode, order string) (*ProductRecord, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM tag_products WHERE barcode = $1 AND order_number = $2 LIMIT 1`,
		barcode, order)
	return scanPgRecord(row)
}

func (p *Postgres) LookupLatest(ctx context.Context, barcode string) (*ProductRecord, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM tag_products WHERE barcode = $1
		 ORDER BY length(order_number) DESC, order_number DESC LIMIT 1`,
		barcode)
	return scanPgRecord(row)
}

func scanPgRecord(row pgx.Row) (*ProductRecord, error) {
	var rec ProductRecord
	err := row.Scan(&rec.SKU, &rec.StyleName, &rec.Color, &rec.Size, &rec.Variant,
		&rec.Quantity, &rec.Reference, &rec.OrderNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
