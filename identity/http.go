package identity

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTP is a Directory served by a REST endpoint:
//
//	GET {url}/api/v1/products/{barcode}?order={order}
//
// answering with a ProductRecord as JSON, or 404 when there is no match.
// Without the order parameter the server returns the latest order.
type HTTP struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewHTTP builds the client. A CA file, when set, replaces the system roots.
func NewHTTP(cfg Config) (*HTTP, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CAFile)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return &HTTP{
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

func (h *HTTP) LookupOrder(ctx context.Context, barcode, order string) (*ProductRecord, error) {
	return h.get(ctx, barcode, order)
}

func (h *HTTP) LookupLatest(ctx context.Context, barcode string) (*ProductRecord, error) {
	return h.get(ctx, barcode, "")
}

func (h *HTTP) get(ctx context.Context, barcode, order string) (*ProductRecord, error) {
	endpoint := h.baseURL + "/api/v1/products/" + url.PathEscape(barcode)
	if order != "" {
		endpoint += "?" + url.Values{"order": {order}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.username != "" {
		req.SetBasicAuth(h.username, h.password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("directory HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rec ProductRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	return &rec, nil
}

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
