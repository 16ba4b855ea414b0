package identity

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Catalog is a Directory held in memory, loaded from a tab-separated file:
//
//	barcode  order  sku  style  color  size  variant  quantity  reference
//
// Lines starting with '#' and lines with fewer than three fields are skipped.
type Catalog struct {
	path string

	mu      sync.RWMutex
	records map[string][]ProductRecord // by barcode
}

// LoadCatalog reads path into memory.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the file, replacing the records only when it parses.
func (c *Catalog) Reload() error {
	file, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer file.Close()

	records := make(map[string][]ProductRecord)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}
		for len(parts) < 9 {
			parts = append(parts, "")
		}
		qty, _ := strconv.Atoi(strings.TrimSpace(parts[7]))
		barcode := strings.TrimSpace(parts[0])
		records[barcode] = append(records[barcode], ProductRecord{
			OrderNumber: strings.TrimSpace(parts[1]),
			SKU:         parts[2],
			StyleName:   parts[3],
			Color:       parts[4],
			Size:        parts[5],
			Variant:     parts[6],
			Quantity:    qty,
			Reference:   parts[8],
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}

	c.mu.Lock()
	c.records = records
	c.mu.Unlock()
	return nil
}

// Len is the number of records loaded.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, recs := range c.records {
		n += len(recs)
	}
	return n
}

func (c *Catalog) LookupOrder(_ context.Context, barcode, order string) (*ProductRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.records[barcode] {
		if rec.OrderNumber == order {
			r := rec
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (c *Catalog) LookupLatest(_ context.Context, barcode string) (*ProductRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best *ProductRecord
	for i, rec := range c.records[barcode] {
		if best == nil || newerOrder(rec.OrderNumber, best.OrderNumber) {
			best = &c.records[barcode][i]
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	r := *best
	return &r, nil
}

// newerOrder compares order numbers the way the SQL backends sort them.
func newerOrder(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

func (c *Catalog) Close() error { return nil }
