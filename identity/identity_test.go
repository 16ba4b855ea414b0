package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDirectory struct {
	records map[string]ProductRecord // barcode/order
	latest  map[string]ProductRecord // barcode
	err     error
	closed  bool
}

func (m *memDirectory) LookupOrder(_ context.Context, barcode, order string) (*ProductRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	if rec, ok := m.records[barcode+"/"+order]; ok {
		return &rec, nil
	}
	return nil, ErrNotFound
}

func (m *memDirectory) LookupLatest(_ context.Context, barcode string) (*ProductRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	if rec, ok := m.latest[barcode]; ok {
		return &rec, nil
	}
	return nil, ErrNotFound
}

func (m *memDirectory) Close() error {
	m.closed = true
	return nil
}

func staticOpener(d Directory) Opener {
	return func(context.Context) (Directory, error) { return d, nil }
}

func TestResolveExactThenLatest(t *testing.T) {
	dir := &memDirectory{
		records: map[string]ProductRecord{
			"197416145132/0756": {SKU: "SKU-1", OrderNumber: "0756"},
		},
		latest: map[string]ProductRecord{
			"197416145132": {SKU: "SKU-1", OrderNumber: "0901"},
		},
	}
	r := NewResolverWith(staticOpener(dir), 0, zerolog.Nop())
	ctx := context.Background()

	rec := r.Resolve(ctx, "197416145132", "0756")
	require.NotNil(t, rec)
	assert.Equal(t, "0756", rec.OrderNumber)

	rec = r.Resolve(ctx, "197416145132", "0000")
	require.NotNil(t, rec)
	assert.Equal(t, "0901", rec.OrderNumber, "falls back to the most recent order")

	assert.Nil(t, r.Resolve(ctx, "000000000000", "0000"))
}

func TestResolveLookupErrorIsNil(t *testing.T) {
	dir := &memDirectory{err: errors.New("connection reset")}
	r := NewResolverWith(staticOpener(dir), 0, zerolog.Nop())
	assert.Nil(t, r.Resolve(context.Background(), "123456789012", "3456"))
}

func TestResolverWithoutDirectory(t *testing.T) {
	r, err := NewResolver(Config{Driver: DriverNone}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, r.Available())
	assert.Nil(t, r.Resolve(context.Background(), "123456789012", "3456"))
	require.NoError(t, r.Close())
}

func TestResolverRetriesOpenAfterWindow(t *testing.T) {
	attempts := 0
	dir := &memDirectory{latest: map[string]ProductRecord{"123456789012": {SKU: "X"}}}
	open := func(context.Context) (Directory, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("database is down")
		}
		return dir, nil
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolverWith(open, 30*time.Second, zerolog.Nop())
	r.now = func() time.Time { return now }
	ctx := context.Background()

	assert.Nil(t, r.Resolve(ctx, "123456789012", "3456"))
	now = now.Add(10 * time.Second)
	assert.Nil(t, r.Resolve(ctx, "123456789012", "3456"))
	assert.Equal(t, 1, attempts, "no reopen inside the retry window")

	now = now.Add(25 * time.Second)
	rec := r.Resolve(ctx, "123456789012", "3456")
	require.NotNil(t, rec)
	assert.Equal(t, "X", rec.SKU)
	assert.Equal(t, 2, attempts)

	require.NoError(t, r.Close())
	assert.True(t, dir.closed)
	assert.Nil(t, r.Resolve(ctx, "123456789012", "3456"))
}

func TestResolverReloadReopens(t *testing.T) {
	opened := 0
	var dirs []*memDirectory
	open := func(context.Context) (Directory, error) {
		opened++
		d := &memDirectory{latest: map[string]ProductRecord{"123456789012": {SKU: "X"}}}
		dirs = append(dirs, d)
		return d, nil
	}
	r := NewResolverWith(open, 0, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, r.Reload(), "nothing open yet")
	require.NotNil(t, r.Resolve(ctx, "123456789012", "3456"))
	require.NoError(t, r.Reload())
	assert.True(t, dirs[0].closed)

	require.NotNil(t, r.Resolve(ctx, "123456789012", "3456"))
	assert.Equal(t, 2, opened)

	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Reload(), ErrNoDirectory)

	none := NewResolverWith(nil, 0, zerolog.Nop())
	assert.ErrorIs(t, none.Reload(), ErrNoDirectory)
}

func TestResolverReloadsCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.tsv")
	require.NoError(t, os.WriteFile(path, []byte("123456789012\t3456\tOLD\n"), 0o644))
	r, err := NewResolver(Config{Driver: DriverCatalog, File: path}, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	rec := r.Resolve(ctx, "123456789012", "3456")
	require.NotNil(t, rec)
	assert.Equal(t, "OLD", rec.SKU)

	require.NoError(t, os.WriteFile(path, []byte("123456789012\t3456\tNEW\n"), 0o644))
	require.NoError(t, r.Reload())
	rec = r.Resolve(ctx, "123456789012", "3456")
	require.NotNil(t, rec)
	assert.Equal(t, "NEW", rec.SKU)

	require.NoError(t, os.Remove(path))
	var rerr *ResolverError
	require.ErrorAs(t, r.Reload(), &rerr)
	rec = r.Resolve(ctx, "123456789012", "3456")
	require.NotNil(t, rec, "failed reload keeps the old records")
	assert.Equal(t, "NEW", rec.SKU)
}

func TestResolverErrorMessage(t *testing.T) {
	err := &ResolverError{Op: "lookup", Barcode: "123", Err: ErrNotFound}
	assert.Equal(t, "identity lookup 123: product not found", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Driver: DriverSQLite, DSN: "x.db"}.Validate())
	assert.Error(t, Config{Driver: DriverPostgres}.Validate())
	assert.Error(t, Config{Driver: DriverHTTP}.Validate())
	assert.Error(t, Config{Driver: DriverCatalog}.Validate())
	assert.Error(t, Config{Driver: "mongo"}.Validate())
}

func TestSQLiteDirectory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "products", "directory.db")

	db, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Put(ctx, "197416145132", ProductRecord{SKU: "TEE-BLK-M", StyleName: "Tee", Color: "Black", Size: "M", Quantity: 12, OrderNumber: "0756"}))
	require.NoError(t, db.Put(ctx, "197416145132", ProductRecord{SKU: "TEE-BLK-M", OrderNumber: "1002"}))
	require.NoError(t, db.Put(ctx, "197416145132", ProductRecord{SKU: "TEE-BLK-M", OrderNumber: "0999"}))

	rec, err := db.LookupOrder(ctx, "197416145132", "0756")
	require.NoError(t, err)
	assert.Equal(t, "Tee", rec.StyleName)
	assert.Equal(t, 12, rec.Quantity)

	rec, err = db.LookupLatest(ctx, "197416145132")
	require.NoError(t, err)
	assert.Equal(t, "1002", rec.OrderNumber)

	_, err = db.LookupOrder(ctx, "197416145132", "0001")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put(ctx, "197416145132", ProductRecord{SKU: "TEE-WHT-M", OrderNumber: "0756"}))
	rec, err = db.LookupOrder(ctx, "197416145132", "0756")
	require.NoError(t, err)
	assert.Equal(t, "TEE-WHT-M", rec.SKU)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "directory.db")

	db, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, "123456789012", ProductRecord{SKU: "A", OrderNumber: "3456"}))
	require.NoError(t, db.Close())

	r, err := NewResolver(Config{Driver: DriverSQLite, DSN: path}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	rec := r.Resolve(ctx, "123456789012", "3456")
	require.NotNil(t, rec)
	assert.Equal(t, "A", rec.SKU)
}

func TestHTTPDirectory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "node" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/api/v1/products/197416145132" && r.URL.Query().Get("order") == "0756":
			w.Write([]byte(`{"sku":"TEE","orderNumber":"0756","quantity":3}`))
		case r.URL.Path == "/api/v1/products/197416145132" && r.URL.Query().Get("order") == "":
			w.Write([]byte(`{"sku":"TEE","orderNumber":"0999"}`))
		case r.URL.Path == "/api/v1/products/500500500500":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h, err := NewHTTP(Config{URL: srv.URL + "/", Username: "node", Password: "secret"})
	require.NoError(t, err)
	defer h.Close()
	ctx := context.Background()

	rec, err := h.LookupOrder(ctx, "197416145132", "0756")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Quantity)

	_, err = h.LookupOrder(ctx, "197416145132", "0001")
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err = h.LookupLatest(ctx, "197416145132")
	require.NoError(t, err)
	assert.Equal(t, "0999", rec.OrderNumber)

	_, err = h.LookupLatest(ctx, "500500500500")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestHTTPBadCAFile(t *testing.T) {
	_, err := NewHTTP(Config{URL: "https://example.invalid", CAFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}

func TestCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.tsv")
	data := "# barcode\torder\tsku\n" +
		"197416145132\t0756\tTEE-BLK-M\tTee\tBlack\tM\tV1\t12\tPO-1\n" +
		"197416145132\t1002\tTEE-BLK-M\tTee\tBlack\tM\tV1\t4\tPO-2\n" +
		"123456789012\t3456\tCAP\n" +
		"broken\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
	ctx := context.Background()

	rec, err := c.LookupOrder(ctx, "197416145132", "0756")
	require.NoError(t, err)
	assert.Equal(t, "PO-1", rec.Reference)
	assert.Equal(t, 12, rec.Quantity)

	rec, err = c.LookupLatest(ctx, "197416145132")
	require.NoError(t, err)
	assert.Equal(t, "1002", rec.OrderNumber)

	rec, err = c.LookupOrder(ctx, "123456789012", "3456")
	require.NoError(t, err)
	assert.Equal(t, "CAP", rec.SKU)

	_, err = c.LookupLatest(ctx, "999999999999")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(path, []byte("555555555555\t0001\tNEW\n"), 0o644))
	require.NoError(t, c.Reload())
	assert.Equal(t, 1, c.Len())
}

func TestLoadCatalogMissing(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.tsv"))
	assert.Error(t, err)
}

func TestNewerOrder(t *testing.T) {
	assert.True(t, newerOrder("1002", "0999"))
	assert.True(t, newerOrder("10000", "9999"))
	assert.False(t, newerOrder("0001", "0002"))
}
