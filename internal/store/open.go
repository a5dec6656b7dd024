package store

import (
	"context"
	"fmt"

	"gwi.com/companion-bot/internal/config"
)

// Open builds a Store on the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Driver {
	case "file", "":
		backend, err = NewFileBackend(cfg.DataDir)
	case "sqlite":
		backend, err = NewSQLiteBackend(cfg.DatabaseURL)
	case "redis":
		backend, err = NewRedisBackend(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return New(backend), nil
}
