package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kozaktomas/classroll/internal/config"
	"github.com/kozaktomas/classroll/internal/database"
	"github.com/kozaktomas/classroll/internal/database/mariadb"
	"github.com/kozaktomas/classroll/internal/database/postgres"
)

// stores bundles the repositories the commands work with.
type stores struct {
	pool       *postgres.Pool
	sessions   *postgres.SessionRepository
	attendance *postgres.AttendanceRepository
	local      *postgres.TemplateRepository
	// templates is the roster source: the legacy registry when configured,
	// the local template tables otherwise
	templates database.TemplateReader
	legacy    *mariadb.Pool
}

// openStores connects to PostgreSQL, applies pending migrations and, when
// ENROLLMENT_DATABASE_URL is set, connects to the legacy enrollment registry.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	logger.Info("connecting to PostgreSQL")
	pool, err := postgres.Open(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	s := &stores{
		pool:       pool,
		sessions:   postgres.NewSessionRepository(pool),
		attendance: postgres.NewAttendanceRepository(pool),
		local:      postgres.NewTemplateRepository(pool),
	}
	s.templates = s.local

	if cfg.Enrollment.DatabaseURL != "" {
		logger.Info("connecting to legacy enrollment registry")
		legacy, err := mariadb.NewPool(cfg.Enrollment.DatabaseURL, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to connect to enrollment registry: %w", err)
		}
		s.legacy = legacy
		s.templates = legacy
	}
	return s, nil
}

func (s *stores) Close() {
	if s.legacy != nil {
		s.legacy.Close()
	}
	s.pool.Close()
}
