// File: internal/pipeline/preview.go
// Brief: Dry-run plan: resolved action per file plus merge diffs.

package pipeline

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/example/shipctl/internal/manifest"
	"github.com/example/shipctl/internal/merge"
)

// PlanEntry describes what one source file would do if the update ran.
type PlanEntry struct {
	Path   string
	Action manifest.Action
	// Diff is a unified diff of the live config against the merge result.
	// Only merge actions produce one.
	Diff string
}

// Preview walks the source tree and reports the resolved action for every
// file without touching the installation. Merge actions render the merged
// document in memory and diff it against the current file.
func Preview(sourceDir, appDir string, m *manifest.Manifest) ([]PlanEntry, error) {
	var entries []PlanEntry
	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == manifestFileName || rel == checksumFileName {
			return nil
		}
		if inPreservedDirectory(m, rel) {
			entries = append(entries, PlanEntry{Path: rel, Action: manifest.ActionSkip})
			return nil
		}
		rule := m.ResolveFileRule(rel)
		entry := PlanEntry{Path: rel, Action: rule.Action}
		switch rule.Action {
		case manifest.ActionMergeTOML:
			entry.Diff, err = mergeDiff(path, appDir, rel, merge.FormatTOML, m, rule)
		case manifest.ActionMergeJSON:
			entry.Diff, err = mergeDiff(path, appDir, rel, merge.FormatJSON, m, rule)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func mergeDiff(sourcePath, appDir, rel string, format merge.Format, m *manifest.Manifest, rule manifest.FileRule) (string, error) {
	target := filepath.Join(appDir, filepath.FromSlash(rel))
	merged, err := merge.Render(target, sourcePath, format, MergePlanFor(m, rel, rule))
	if err != nil {
		return "", err
	}
	current, err := os.ReadFile(target)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(current)),
		B:        difflib.SplitLines(string(merged)),
		FromFile: rel + " (current)",
		ToFile:   rel + " (merged)",
		Context:  3,
	})
}
