// File: internal/backup/backup.go
// Brief: Pre-update snapshots via a tree-copy tool.

// Package backup creates and restores full-tree snapshots of the
// installation directory. The transport is rsync driven through the process
// runner; retention of old snapshots belongs to the operator, shipctl only
// ever discards its handle after a successful run.
package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/example/shipctl/internal/runner"
)

// Handle identifies one snapshot on disk.
type Handle struct {
	Tag  string
	Path string
}

// Provider snapshots AppDir into BackupDir.
type Provider struct {
	Runner    runner.Runner
	AppDir    string
	BackupDir string
	Log       *zap.Logger
}

const copyTimeout = 30 * time.Minute

// Create copies the installation tree into a tagged snapshot directory.
func (p *Provider) Create(ctx context.Context, tag string) (Handle, error) {
	if err := os.MkdirAll(p.BackupDir, 0o755); err != nil {
		return Handle{}, errors.Wrap(err, "create backup dir")
	}
	dest := filepath.Join(p.BackupDir, "backup_"+sanitizeTag(tag))
	cmd := runner.Command{
		Args:    []string{"rsync", "-a", "--delete", p.AppDir + "/", dest + "/"},
		Timeout: copyTimeout,
	}
	res, err := p.Runner.Run(ctx, cmd)
	if err != nil {
		return Handle{}, errors.Wrap(err, "run snapshot copy")
	}
	if !res.OK() {
		return Handle{}, errors.Errorf("snapshot copy failed: %s", strings.TrimSpace(res.Stderr))
	}
	p.Log.Info("snapshot created", zap.String("tag", tag), zap.String("path", dest))
	return Handle{Tag: tag, Path: dest}, nil
}

// Restore copies a snapshot back over the installation tree.
func (p *Provider) Restore(ctx context.Context, h Handle) error {
	if h.Path == "" {
		return errors.New("empty snapshot handle")
	}
	cmd := runner.Command{
		Args:    []string{"rsync", "-a", "--delete", h.Path + "/", p.AppDir + "/"},
		Timeout: copyTimeout,
	}
	res, err := p.Runner.Run(ctx, cmd)
	if err != nil {
		return errors.Wrap(err, "run snapshot restore")
	}
	if !res.OK() {
		return errors.Errorf("snapshot restore failed: %s", strings.TrimSpace(res.Stderr))
	}
	p.Log.Info("snapshot restored", zap.String("tag", h.Tag))
	return nil
}

// sanitizeTag keeps snapshot directory names path-safe.
func sanitizeTag(tag string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, tag)
}
