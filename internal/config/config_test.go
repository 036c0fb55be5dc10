package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ship.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadGeneralSection(t *testing.T) {
	appDir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`[general]
app_dir = %q
backup_dir = "/var/backups/app"
host_id = "web1"
log_level = "debug"
`, appDir))
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.AppDir != appDir || s.BackupDir != "/var/backups/app" || s.HostID != "web1" {
		t.Fatalf("settings = %+v", s)
	}
	if s.LogLevel != "debug" {
		t.Fatalf("log level = %q", s.LogLevel)
	}
	// Unset keys pick up defaults.
	if s.StateDB != "/var/lib/shipctl/state.db" || s.VersionFile != "VERSION" {
		t.Fatalf("defaults not applied: %+v", s)
	}
}

func TestLoadTopLevelKeys(t *testing.T) {
	appDir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf("app_dir = %q\n", appDir))
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.AppDir != appDir {
		t.Fatalf("app_dir = %q", s.AppDir)
	}
}

func TestLoadRequiresAppDir(t *testing.T) {
	path := writeConfig(t, "[general]\nlog_level = \"info\"\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "app_dir") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadRejectsMissingAppDir(t *testing.T) {
	path := writeConfig(t, "[general]\napp_dir = \"/no/such/dir/shipctl-test\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("nonexistent app_dir accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("missing config accepted")
	}
}

func TestVersionMarkerPath(t *testing.T) {
	s := &Settings{AppDir: "/srv/app", VersionFile: "VERSION"}
	if got := s.VersionMarkerPath(); got != "/srv/app/VERSION" {
		t.Fatalf("marker = %q", got)
	}
	s.VersionFile = "/etc/app-version"
	if got := s.VersionMarkerPath(); got != "/etc/app-version" {
		t.Fatalf("marker = %q", got)
	}
}
