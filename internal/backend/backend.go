// Package backend builds the ledger gateway selected by configuration.
package backend

import (
	"context"
	"fmt"

	"famledger/internal/config"
	"famledger/internal/gateway"
	"famledger/internal/gateway/memory"
	"famledger/internal/log"
	"famledger/internal/storage"
)

// Type names a gateway implementation.
type Type string

const (
	SQLite Type = "sqlite"
	Memory Type = "memory"
)

func (t Type) IsValid() bool { return t == SQLite || t == Memory }

// Config holds what the factory needs to open a backend.
type Config struct {
	Type         Type
	SQLiteDBPath string
}

// FromAppConfig converts the application config to backend config.
func FromAppConfig(cfg *config.Config) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}
	c := Config{Type: Type(cfg.DataBackend), SQLiteDBPath: cfg.SQLiteDBPath}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}
	if c.Type == SQLite && c.SQLiteDBPath == "" {
		return fmt.Errorf("SQLite database path is required for sqlite backend")
	}
	return nil
}

// Backend is an opened gateway plus the hooks the process needs around it.
type Backend struct {
	Gateway gateway.Gateway
	Type    Type

	ping  func(context.Context) error
	close func() error
}

// Ping reports whether the backend can serve requests. The memory backend
// is always ready.
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open builds the backend described by cfg.
func Open(cfg Config, logger *log.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentBackend)

	switch cfg.Type {
	case SQLite:
		repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		logger.Info("Initialized SQLite backend", "db_path", cfg.SQLiteDBPath)
		return &Backend{Gateway: repo, Type: SQLite, ping: repo.Ping, close: repo.Close}, nil
	default:
		logger.Info("Initialized memory backend")
		return &Backend{Gateway: memory.New(nil), Type: Memory}, nil
	}
}
