// Package identity maps decoded tag fields to product records held in an
// external directory. The directory is optional: when it is missing or
// failing, reads simply go out without enrichment.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProductRecord is what the directory knows about one tagged item.
type ProductRecord struct {
	SKU         string `json:"sku,omitempty"`
	StyleName   string `json:"styleName,omitempty"`
	Color       string `json:"color,omitempty"`
	Size        string `json:"size,omitempty"`
	Variant     string `json:"variant,omitempty"`
	Quantity    int    `json:"quantity,omitempty"`
	Reference   string `json:"reference,omitempty"`
	OrderNumber string `json:"orderNumber,omitempty"`
}

// Directory is a product store keyed by barcode and order number.
type Directory interface {
	// LookupOrder returns the record for exactly (barcode, order).
	LookupOrder(ctx context.Context, barcode, order string) (*ProductRecord, error)
	// LookupLatest returns the barcode's record with the highest order number.
	LookupLatest(ctx context.Context, barcode string) (*ProductRecord, error)
	Close() error
}

var (
	// ErrNotFound is returned by a Directory with no matching record.
	ErrNotFound    = errors.New("product not found")
	ErrNoDirectory = errors.New("no directory configured")
)

// ResolverError describes a directory failure. It is logged, never returned
// to the read path.
type ResolverError struct {
	Op      string
	Barcode string
	Err     error
}

func (e *ResolverError) Error() string {
	if e.Barcode == "" {
		return fmt.Sprintf("identity %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("identity %s %s: %v", e.Op, e.Barcode, e.Err)
}

func (e *ResolverError) Unwrap() error { return e.Err }

// DefaultRetryAfter is the minimum gap between attempts to open a failing
// directory.
const DefaultRetryAfter = 30 * time.Second

// Opener opens a Directory. It is called lazily on first use.
type Opener func(ctx context.Context) (Directory, error)

// Resolver looks up product records through a lazily opened Directory.
type Resolver struct {
	open       Opener
	retryAfter time.Duration
	log        zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	dir      Directory
	lastFail time.Time
	closed   bool
}

// NewResolver builds a Resolver for cfg. A "none" driver yields a resolver
// that never enriches.
func NewResolver(cfg Config, log zerolog.Logger) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var open Opener
	if cfg.Driver != DriverNone && cfg.Driver != "" {
		open = func(ctx context.Context) (Directory, error) { return Open(ctx, cfg) }
	}
	return NewResolverWith(open, cfg.RetryAfter, log), nil
}

// NewResolverWith builds a Resolver around an arbitrary Opener. A nil open
// means no directory.
func NewResolverWith(open Opener, retryAfter time.Duration, log zerolog.Logger) *Resolver {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return &Resolver{open: open, retryAfter: retryAfter, log: log, now: time.Now}
}

// Resolve returns the product for (barcode, order), falling back to the
// barcode's most recent order. It returns nil when nothing matches or the
// directory is unavailable. The returned record's OrderNumber is the one the
// directory holds.
func (r *Resolver) Resolve(ctx context.Context, barcode, order string) *ProductRecord {
	dir := r.directory(ctx)
	if dir == nil {
		return nil
	}

	rec, err := dir.LookupOrder(ctx, barcode, order)
	if err == nil {
		return fillOrder(rec, order)
	}
	if !errors.Is(err, ErrNotFound) {
		r.fail("lookup", barcode, err)
		return nil
	}

	rec, err = dir.LookupLatest(ctx, barcode)
	if err == nil {
		return fillOrder(rec, "")
	}
	if !errors.Is(err, ErrNotFound) {
		r.fail("lookup latest", barcode, err)
	}
	return nil
}

func fillOrder(rec *ProductRecord, order string) *ProductRecord {
	if rec != nil && rec.OrderNumber == "" {
		rec.OrderNumber = order
	}
	return rec
}

func (r *Resolver) fail(op, barcode string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	r.log.Warn().Err(&ResolverError{Op: op, Barcode: barcode, Err: err}).Msg("directory lookup failed")
}

// Available reports whether a directory is configured at all.
func (r *Resolver) Available() bool { return r.open != nil }

func (r *Resolver) directory(ctx context.Context) Directory {
	if r.open == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if r.dir != nil {
		return r.dir
	}
	if !r.lastFail.IsZero() && r.now().Sub(r.lastFail) < r.retryAfter {
		return nil
	}

	dir, err := r.open(ctx)
	if err != nil {
		r.lastFail = r.now()
		r.log.Warn().
			Err(&ResolverError{Op: "open", Err: err}).
			Dur("retry_after", r.retryAfter).
			Msg("directory unavailable")
		return nil
	}
	r.lastFail = time.Time{}
	r.dir = dir
	r.log.Info().Msg("directory opened")
	return dir
}

// Reload refreshes the directory. A directory that can reload itself (the
// file catalog) does so in place; any other is closed and reopened on the
// next lookup.
func (r *Resolver) Reload() error {
	if r.open == nil {
		return ErrNoDirectory
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrNoDirectory
	}
	r.lastFail = time.Time{}
	if r.dir == nil {
		return nil
	}
	if rl, ok := r.dir.(interface{ Reload() error }); ok {
		if err := rl.Reload(); err != nil {
			return &ResolverError{Op: "reload", Err: err}
		}
		r.log.Info().Msg("directory reloaded")
		return nil
	}
	err := r.dir.Close()
	r.dir = nil
	r.log.Info().Msg("directory closed for reopen")
	return err
}

// Close releases the directory. Later calls to Resolve return nil.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.dir == nil {
		return nil
	}
	err := r.dir.Close()
	r.dir = nil
	return err
}
