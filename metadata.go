package sequencer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/factorykit/cell-sequencer/types"
)

const metadataFilename = "station-metadata.json"

// writeRunMetadata persists the station's identifying fields to the run
// directory. Written once per startup, before any cell begins running.
func writeRunMetadata(cfg *Config, testName, version string) (types.RunMetadata, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	meta := types.RunMetadata{
		TestName:  testName,
		CellCount: cfg.Cells,
		StationID: cfg.StationID,
		Version:   version,
		Host:      host,
		Port:      cfg.ListenPort,
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	}

	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return meta, fmt.Errorf("creating run directory: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return meta, fmt.Errorf("encoding run metadata: %w", err)
	}
	path := filepath.Join(cfg.RunDir, metadataFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return meta, fmt.Errorf("writing run metadata: %w", err)
	}
	cfg.Log.Info("Wrote run metadata", "path", path, "station_id", meta.StationID, "cells", meta.CellCount)
	return meta, nil
}
