package store

import (
	"context"
	"fmt"

	"github.com/ashureev/poten/internal/config"
)

// Open builds the Repository selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Repository, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		return NewSQLite(cfg.SQLitePath)
	case config.StoreMongo:
		return NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
