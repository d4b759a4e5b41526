// Package mariadb reads student face encodings from the legacy enrollment
// registry, a MariaDB schema shared with the older enrollment tools.
package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	dialTimeout = 5 * time.Second
	readTimeout = 30 * time.Second
	pingTimeout = 10 * time.Second
)

// Pool is a small read-only connection pool to the registry. The registry is
// owned by other tools, so this package never writes to it.
type Pool struct {
	db     *sql.DB
	logger *slog.Logger
}

// connectorConfig parses the DSN and applies the settings the template
// queries depend on: updated_at is scanned as time.Time, and a stalled
// registry fails reads instead of blocking roster loads.
func connectorConfig(dsn string) (*mysql.Config, error) {
	if dsn == "" {
		return nil, errors.New("enrollment registry DSN is required")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid enrollment registry DSN: %w", err)
	}
	cfg.ParseTime = true
	if cfg.Timeout == 0 {
		cfg.Timeout = dialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = readTimeout
	}
	return cfg, nil
}

// NewPool connects to the enrollment registry. A registry that cannot be
// reached yields an error wrapping database.ErrTransient.
func NewPool(dsn string, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := connectorConfig(dsn)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("enrollment registry connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("ping enrollment registry", err)
	}

	logger = logger.With("component", "mariadb")
	logger.Info("connected to enrollment registry", "addr", cfg.Addr, "db", cfg.DBName)
	return &Pool{db: db, logger: logger}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() error {
	if p.db == nil {
		return nil
	}
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("closing enrollment registry: %w", err)
	}
	return nil
}
