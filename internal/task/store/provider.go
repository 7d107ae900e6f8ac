package store

import (
	"context"
	"fmt"

	"github.com/agentcom/agentcom/internal/common/config"
	"github.com/agentcom/agentcom/internal/common/database"
)

// Provide builds the configured durable store. The returned cleanup closes
// the store and any backing connections it owns.
func Provide(ctx context.Context, cfg *config.Config) (Store, func() error, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err := NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, s.Close, nil

	case "postgres":
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s, err := NewPostgresStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		cleanup := func() error {
			err := s.Close()
			db.Close()
			return err
		}
		return s, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
