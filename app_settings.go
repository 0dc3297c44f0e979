package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ZrimYoung/StreetViewDownloader/internal/config"
	"github.com/ZrimYoung/StreetViewDownloader/internal/ledger"
)

// initWorkspace writes a default configuration file if none exists and
// creates the output directory and empty ledgers it names
func initWorkspace(path string, logger *slog.Logger) error {
	switch err := config.WriteDefault(path); {
	case err == nil:
		logger.Info("wrote default configuration", "path", path)
	case errors.Is(err, os.ErrExist):
		logger.Info("configuration already exists, leaving it unchanged", "path", path)
	default:
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Paths.SaveDir, 0755); err != nil {
		return fmt.Errorf("failed to create save directory: %w", err)
	}
	if err := ledger.NewStore(cfg.Paths.LogPath, cfg.Paths.FailLogPath, logger).Init(); err != nil {
		return err
	}

	for _, p := range []struct{ name, path string }{
		{"work list", cfg.Paths.CSVPath},
		{"API key", cfg.Paths.APIKeyPath},
	} {
		if _, err := os.Stat(p.path); os.IsNotExist(err) {
			logger.Warn("input file not found; create it before downloading", "file", p.name, "path", p.path)
		}
	}
	return nil
}
