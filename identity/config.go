package identity

import (
	"context"
	"fmt"
	"time"
)

// Directory drivers.
const (
	DriverNone     = "none"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverHTTP     = "http"
	DriverCatalog  = "catalog"
)

// Config selects and configures the product directory.
type Config struct {
	Driver     string        `yaml:"driver"`
	DSN        string        `yaml:"dsn"`         // postgres URL or sqlite file path
	MaxConns   int32         `yaml:"max_conns"`   // postgres pool size
	URL        string        `yaml:"url"`         // http base URL
	Username   string        `yaml:"username"`    // http basic auth
	Password   string        `yaml:"password"`    // http basic auth
	CAFile     string        `yaml:"ca_file"`     // http custom CA bundle
	Timeout    time.Duration `yaml:"timeout"`     // http request timeout
	File       string        `yaml:"file"`        // catalog TSV path
	RetryAfter time.Duration `yaml:"retry_after"` // wait after a failed open
}

func (c Config) Validate() error {
	switch c.Driver {
	case "", DriverNone:
	case DriverPostgres, DriverSQLite:
		if c.DSN == "" {
			return fmt.Errorf("directory: %s driver needs dsn", c.Driver)
		}
	case DriverHTTP:
		if c.URL == "" {
			return fmt.Errorf("directory: http driver needs url")
		}
	case DriverCatalog:
		if c.File == "" {
			return fmt.Errorf("directory: catalog driver needs file")
		}
	default:
		return fmt.Errorf("directory: unknown driver %q", c.Driver)
	}
	return nil
}

// Open connects the directory cfg describes.
func Open(ctx context.Context, cfg Config) (Directory, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return OpenPostgres(ctx, cfg)
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.DSN)
	case DriverHTTP:
		return NewHTTP(cfg)
	case DriverCatalog:
		return LoadCatalog(cfg.File)
	default:
		return nil, fmt.Errorf("directory: driver %q cannot be opened", cfg.Driver)
	}
}
