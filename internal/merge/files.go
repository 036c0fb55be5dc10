// File: internal/merge/files.go
// Brief: TOML/JSON file-level merge with atomic writes.

package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/example/shipctl/internal/manifest"
)

// Format selects the document codec for a file-level merge.
type Format int

const (
	FormatTOML Format = iota
	FormatJSON
)

// Plan describes how a single document merge should be performed. When
// Sections is non-empty the per-section path is taken and Strategy/
// PreserveKeys are ignored.
type Plan struct {
	Strategy     manifest.Strategy
	PreserveKeys []string
	Sections     map[string]manifest.SectionStrategy
}

// Render reads the target (absent file means empty document) and the source,
// merges them under the plan, and returns the serialized result without
// touching disk. Apply uses it; the plan preview diffs its output.
func Render(targetPath, sourcePath string, format Format, plan Plan) ([]byte, error) {
	old, err := readDocument(targetPath, format, true)
	if err != nil {
		return nil, err
	}
	new, err := readDocument(sourcePath, format, false)
	if err != nil {
		return nil, err
	}
	var merged map[string]any
	if len(plan.Sections) > 0 {
		merged, err = MergeSections(old, new, plan.Sections)
	} else {
		merged, err = Merge(old, new, plan.Strategy, plan.PreserveKeys)
	}
	if err != nil {
		return nil, err
	}
	return encodeDocument(merged, format)
}

// Apply merges source into target and writes the result back to target via
// a temp file and rename, so a crash mid-write cannot leave a half-written
// configuration behind.
func Apply(targetPath, sourcePath string, format Format, plan Plan) error {
	data, err := Render(targetPath, sourcePath, format, plan)
	if err != nil {
		return err
	}
	return WriteAtomic(targetPath, data, 0o644)
}

// WriteAtomic writes data to path through a temp file in the same directory
// followed by a rename.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func readDocument(path string, format Format, missingOK bool) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if missingOK && os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc := map[string]any{}
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	case FormatJSON:
		if len(data) > 0 {
			if err := json.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported merge format %d", format)
	}
	return doc, nil
}

func encodeDocument(doc map[string]any, format Format) ([]byte, error) {
	switch format {
	case FormatTOML:
		return toml.Marshal(doc)
	case FormatJSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	default:
		return nil, fmt.Errorf("unsupported merge format %d", format)
	}
}
