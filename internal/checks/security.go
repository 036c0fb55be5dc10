// File: internal/checks/security.go
// Brief: Source-tree security validation and checksum verification.

package checks

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/shipctl/internal/manifest"
)

// Security validates the incoming source tree against the manifest's
// security policy before any of it is copied into the installation.
type Security struct {
	Log *zap.Logger
}

const checksumFileName = "checksums.sha256"

// manifestFileName is the other control file shipped alongside a release;
// neither is subject to the file-type policy.
const manifestFileName = "update-manifest.yaml"

// hashWorkers bounds the checksum fan-out.
const hashWorkers = 4

// ValidateTree walks the source tree and checks every regular file against
// allowed_file_types and max_file_size_mb.
func (s *Security) ValidateTree(sourceDir string, policy manifest.SecurityPolicy) (bool, []string) {
	var problems []string
	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(sourceDir, path)
		if relErr != nil {
			rel = path
		}
		if rel == checksumFileName || rel == manifestFileName {
			return nil
		}
		if len(policy.AllowedFileTypes) > 0 && !typeAllowed(path, policy.AllowedFileTypes) {
			problems = append(problems, fmt.Sprintf("file type not allowed: %s", rel))
			return nil
		}
		if policy.MaxFileSizeMB > 0 {
			info, statErr := d.Info()
			if statErr != nil {
				return statErr
			}
			if info.Size() > policy.MaxFileSizeMB<<20 {
				problems = append(problems, fmt.Sprintf("file too large: %s", rel))
			}
		}
		return nil
	})
	if err != nil {
		problems = append(problems, fmt.Sprintf("walk source tree: %v", err))
	}
	return len(problems) == 0, problems
}

// VerifyChecksums checks every entry of the checksum manifest in the source
// tree. When verification is enabled but the checksum file is missing, the
// check is skipped with a warning rather than failed: an update source is
// allowed not to ship one.
func (s *Security) VerifyChecksums(ctx context.Context, sourceDir string, policy manifest.SecurityPolicy) (bool, []string) {
	if !policy.VerifyChecksums {
		return true, nil
	}
	entries, err := readChecksumFile(filepath.Join(sourceDir, checksumFileName))
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			s.Log.Warn("checksum verification enabled but no checksum file found",
				zap.String("source", sourceDir))
			return true, nil
		}
		return false, []string{err.Error()}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)
	mismatches := make(chan string, len(entries))
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(sourceDir, entry.relPath)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				// Entries for files the update does not ship are ignored,
				// matching the one-directional contract of the format.
				return nil
			}
			actual, err := fileSHA256(path)
			if err != nil {
				return errors.Wrapf(err, "hash %s", entry.relPath)
			}
			if !strings.EqualFold(actual, entry.digest) {
				mismatches <- entry.relPath
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, []string{err.Error()}
	}
	close(mismatches)
	var problems []string
	for rel := range mismatches {
		problems = append(problems, "checksum mismatch: "+rel)
	}
	if len(problems) > 0 {
		return false, problems
	}
	s.Log.Info("all checksums verified", zap.Int("files", len(entries)))
	return true, nil
}

type checksumEntry struct {
	digest  string
	relPath string
}

// readChecksumFile parses the plain-text checksum manifest: one
// `<hex-digest><two spaces><relative path>` entry per line, with blank
// lines and #-comments ignored.
func readChecksumFile(path string) ([]checksumEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checksum file")
	}
	defer f.Close()
	var entries []checksumEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		digest, rel, ok := strings.Cut(line, "  ")
		if !ok {
			continue
		}
		entries = append(entries, checksumEntry{digest: digest, relPath: strings.TrimSpace(rel)})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read checksum file")
	}
	return entries, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func typeAllowed(path string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, t := range allowed {
		if strings.ToLower(t) == ext {
			return true
		}
	}
	return false
}
