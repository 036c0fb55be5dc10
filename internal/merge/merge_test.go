package merge

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/example/shipctl/internal/manifest"
)

func nested() (old, new map[string]any) {
	old = map[string]any{
		"host": "prod.internal",
		"port": int64(9090),
		"limits": map[string]any{
			"rps":   int64(500),
			"burst": int64(50),
		},
		"legacy_flag": true,
	}
	new = map[string]any{
		"host": "app.example.com",
		"port": int64(8080),
		"limits": map[string]any{
			"rps":     int64(100),
			"timeout": int64(30),
		},
		"tls": map[string]any{"enabled": true},
	}
	return old, new
}

func TestMergeReplaceEqualsNew(t *testing.T) {
	old, new := nested()
	got, err := Merge(old, new, manifest.StrategyReplace, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, new) {
		t.Fatalf("replace result differs from new:\n%v\n%v", got, new)
	}
}

func TestMergePreserveUser(t *testing.T) {
	old, new := nested()
	got, err := Merge(old, new, manifest.StrategyPreserveUser, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got["host"] != "prod.internal" || got["port"] != int64(9090) {
		t.Fatalf("old scalars must win: %v", got)
	}
	limits := got["limits"].(map[string]any)
	if limits["rps"] != int64(500) {
		t.Fatalf("nested old value must win, got %v", limits["rps"])
	}
	if limits["timeout"] != int64(30) {
		t.Fatalf("new-only nested key must survive, got %v", limits)
	}
	if got["legacy_flag"] != true {
		t.Fatalf("old-only key must survive: %v", got)
	}
	if _, ok := got["tls"]; !ok {
		t.Fatalf("new-exclusive key must be kept: %v", got)
	}
}

func TestMergeUpdateOnly(t *testing.T) {
	old, new := nested()
	got, err := Merge(old, new, manifest.StrategyUpdateOnly, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got["host"] != "prod.internal" || got["port"] != int64(9090) {
		t.Fatalf("existing scalars must be unchanged: %v", got)
	}
	limits := got["limits"].(map[string]any)
	if limits["rps"] != int64(500) || limits["burst"] != int64(50) {
		t.Fatalf("existing nested values must be unchanged: %v", limits)
	}
	if limits["timeout"] != int64(30) {
		t.Fatalf("new nested key must be inserted: %v", limits)
	}
	if _, ok := got["tls"]; !ok {
		t.Fatalf("new top-level key must be inserted: %v", got)
	}
	if got["legacy_flag"] != true {
		t.Fatalf("old-only key must remain: %v", got)
	}
}

func TestMergeSmart(t *testing.T) {
	old, new := nested()
	got, err := Merge(old, new, manifest.StrategyMergeSmart, []string{"host"})
	if err != nil {
		t.Fatal(err)
	}
	if got["host"] != "prod.internal" {
		t.Fatalf("preserved key must come from old: %v", got["host"])
	}
	if got["port"] != int64(8080) {
		t.Fatalf("non-preserved keys must come from new: %v", got["port"])
	}

	// Preserve key absent from old: result stays new.
	got, err = Merge(map[string]any{}, new, manifest.StrategyMergeSmart, []string{"host"})
	if err != nil {
		t.Fatal(err)
	}
	if got["host"] != "app.example.com" {
		t.Fatalf("absent preserve key must keep new value: %v", got["host"])
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	old, new := nested()
	if _, err := Merge(old, new, manifest.StrategyPreserveUser, nil); err != nil {
		t.Fatal(err)
	}
	if new["limits"].(map[string]any)["rps"] != int64(100) {
		t.Fatalf("new was mutated: %v", new)
	}
	if old["limits"].(map[string]any)["rps"] != int64(500) {
		t.Fatalf("old was mutated: %v", old)
	}
}

func TestMergeUnknownStrategy(t *testing.T) {
	_, err := Merge(map[string]any{}, map[string]any{}, manifest.Strategy("yolo"), nil)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestMergeSections(t *testing.T) {
	old := map[string]any{
		"database": map[string]any{"host": "db.prod", "pool": int64(20)},
		"ui":       map[string]any{"theme": "dark"},
	}
	new := map[string]any{
		"database": map[string]any{"host": "db.default", "pool": int64(10), "tls": true},
		"ui":       map[string]any{"theme": "light"},
	}
	got, err := MergeSections(old, new, map[string]manifest.SectionStrategy{
		"database": {Strategy: manifest.StrategyPreserveUser},
	})
	if err != nil {
		t.Fatal(err)
	}
	db := got["database"].(map[string]any)
	if db["host"] != "db.prod" || db["pool"] != int64(20) {
		t.Fatalf("database section must preserve user values: %v", db)
	}
	if db["tls"] != true {
		t.Fatalf("database section must gain new keys: %v", db)
	}
	ui := got["ui"].(map[string]any)
	if ui["theme"] != "light" {
		t.Fatalf("unnamed section defaults to replace-with-new: %v", ui)
	}
}

func TestMergeSectionsUnknownStrategy(t *testing.T) {
	_, err := MergeSections(
		map[string]any{"s": map[string]any{}},
		map[string]any{"s": map[string]any{}},
		map[string]manifest.SectionStrategy{"s": {Strategy: manifest.Strategy("bogus")}},
	)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestApplyTOMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.toml")
	source := filepath.Join(dir, "new.toml")
	if err := os.WriteFile(target, []byte("host = \"prod.internal\"\n\n[limits]\nrps = 500\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(source, []byte("host = \"app.example.com\"\nport = 8080\n\n[limits]\nrps = 100\ntimeout = 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := Apply(target, source, FormatTOML, Plan{Strategy: manifest.StrategyPreserveUser})
	if err != nil {
		t.Fatal(err)
	}
	merged, err := readDocument(target, FormatTOML, false)
	if err != nil {
		t.Fatal(err)
	}
	if merged["host"] != "prod.internal" {
		t.Fatalf("host = %v, want prod.internal", merged["host"])
	}
	if merged["port"] != int64(8080) {
		t.Fatalf("port = %v, want 8080", merged["port"])
	}
	limits := merged["limits"].(map[string]any)
	if limits["rps"] != int64(500) || limits["timeout"] != int64(30) {
		t.Fatalf("limits merged wrong: %v", limits)
	}
}

func TestApplyJSONWithMissingTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "settings.json")
	source := filepath.Join(dir, "new.json")
	if err := os.WriteFile(source, []byte(`{"retries": 3}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Apply(target, source, FormatJSON, Plan{Strategy: manifest.StrategyPreserveUser}); err != nil {
		t.Fatal(err)
	}
	merged, err := readDocument(target, FormatJSON, false)
	if err != nil {
		t.Fatal(err)
	}
	if merged["retries"] != float64(3) {
		t.Fatalf("retries = %v", merged["retries"])
	}
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.toml")
	if err := WriteAtomic(path, []byte("a = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the target file, found %d entries", len(entries))
	}
}
