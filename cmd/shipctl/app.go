// File: cmd/shipctl/app.go
// Brief: Shared setup for subcommands: settings, logger, manifest loading.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/example/shipctl/internal/config"
	"github.com/example/shipctl/internal/logging"
	"github.com/example/shipctl/internal/manifest"
)

const defaultConfigPath = "/etc/shipctl/ship.toml"

const defaultManifestName = "update-manifest.yaml"

// runContext bundles the pieces every subcommand needs.
type runContext struct {
	cfg *config.Settings
	log *zap.Logger
}

func newRunContext(configPath, logLevel, hostID string) (*runContext, error) {
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if hostID != "" {
		cfg.HostID = hostID
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, err
	}
	return &runContext{cfg: cfg, log: log}, nil
}

func (rc *runContext) close() {
	_ = rc.log.Sync()
}

// resolveManifestPath prefers an explicit --manifest flag, then the
// manifest shipped inside the source tree.
func resolveManifestPath(sourceDir, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(sourceDir, defaultManifestName)
}

// loadManifestFile parses a manifest from disk. When allowMissing is set a
// missing file yields the default manifest (replace everything, version
// unknown) instead of an error.
func loadManifestFile(path string, allowMissing bool) (*manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if allowMissing && os.IsNotExist(err) {
			return manifest.Default(), nil
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := manifest.Load(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}
