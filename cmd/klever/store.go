package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nstogner/klever/pkg/config"
	"github.com/nstogner/klever/pkg/store/sqlstore"
)

// openStore opens the configured database, creating the directory of a
// SQLite file when needed.
func openStore(cfg config.StoreConfig) (*sqlstore.Store, error) {
	if cfg.Driver == sqlstore.DriverSQLite && cfg.DSN != ":memory:" && !strings.HasPrefix(cfg.DSN, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := sqlstore.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
