// File: internal/config/config.go
// Brief: Tool configuration loaded from ship.toml via viper.

// Package config loads the shipctl tool configuration (not the update
// manifest): where the application lives, where backups and run state go,
// and how the process identifies itself for staged rollouts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Settings holds all runtime configuration consumed by the update pipeline.
type Settings struct {
	// AppDir is the root of the deployed application tree that updates
	// mutate. Required.
	AppDir string `mapstructure:"app_dir"`
	// BackupDir receives pre-update snapshots.
	BackupDir string `mapstructure:"backup_dir"`
	// StateDB is the sqlite database recording run history and rollout
	// stage activations.
	StateDB string `mapstructure:"state_db"`
	// HostID overrides the machine identity used by the rollout selector.
	HostID string `mapstructure:"host_id"`
	// LogLevel and LogFile configure the zap logger.
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
	// VersionFile is the marker file inside AppDir holding the deployed
	// version when no VCS tag is available.
	VersionFile string `mapstructure:"version_file"`
}

// Load reads settings from the given TOML file. A missing file is an error:
// shipctl refuses to guess which installation it should be mutating.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetDefault("backup_dir", "/var/lib/shipctl/backups")
	v.SetDefault("state_db", "/var/lib/shipctl/state.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("version_file", "VERSION")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var s Settings
	if err := v.UnmarshalKey("general", &s); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	// Keys may also live at the top level for small setups.
	if s.AppDir == "" {
		if err := v.Unmarshal(&s); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	applyDefaults(&s, v)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func applyDefaults(s *Settings, v *viper.Viper) {
	if s.BackupDir == "" {
		s.BackupDir = v.GetString("backup_dir")
	}
	if s.StateDB == "" {
		s.StateDB = v.GetString("state_db")
	}
	if s.LogLevel == "" {
		s.LogLevel = v.GetString("log_level")
	}
	if s.VersionFile == "" {
		s.VersionFile = v.GetString("version_file")
	}
}

// Validate expands paths and checks the settings are coherent.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.AppDir) == "" {
		return fmt.Errorf("app_dir is required")
	}
	for _, entry := range []*string{&s.AppDir, &s.BackupDir, &s.StateDB, &s.LogFile} {
		if *entry == "" {
			continue
		}
		expanded, err := homedir.Expand(*entry)
		if err != nil {
			return fmt.Errorf("expand path %q: %w", *entry, err)
		}
		*entry = expanded
	}
	info, err := os.Stat(s.AppDir)
	if err != nil {
		return fmt.Errorf("app_dir %s: %w", s.AppDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("app_dir %s is not a directory", s.AppDir)
	}
	return nil
}

// VersionMarkerPath returns the absolute path of the version marker file.
func (s *Settings) VersionMarkerPath() string {
	if filepath.IsAbs(s.VersionFile) {
		return s.VersionFile
	}
	return filepath.Join(s.AppDir, s.VersionFile)
}
