package checks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/example/shipctl/internal/manifest"
	"github.com/example/shipctl/internal/runner"
)

type stubRunner struct {
	exits map[string]int
}

func (s stubRunner) Run(_ context.Context, cmd runner.Command) (runner.Result, error) {
	key := cmd.Line
	if len(cmd.Args) > 0 {
		key = strings.Join(cmd.Args, " ")
	}
	code, ok := s.exits[key]
	if !ok {
		code = 1
	}
	return runner.Result{ExitCode: code}, nil
}

func TestRequirementsMinVersion(t *testing.T) {
	r := &Requirements{Runner: stubRunner{}, CurrentVersion: "1.1.0"}
	ok, problems := r.Check(context.Background(), manifest.RequirementSpec{MinVersion: "1.2.0"})
	if ok {
		t.Fatalf("1.1.0 must not satisfy min_version 1.2.0")
	}
	if len(problems) != 1 || !strings.Contains(problems[0], "1.2.0") {
		t.Fatalf("problems = %v", problems)
	}
	ok, _ = r.Check(context.Background(), manifest.RequirementSpec{MinVersion: "1.1"})
	if !ok {
		t.Fatalf("1.1.0 satisfies min_version 1.1")
	}
}

func TestRequirementsCommandsAndEnvChecks(t *testing.T) {
	r := &Requirements{
		Runner: stubRunner{exits: map[string]int{"probe-ok": 0}},
		AppDir: t.TempDir(),
	}
	spec := manifest.RequirementSpec{
		RequiredCommands: []string{"sh", "no-such-command-xyzzy"},
		EnvironmentChecks: []manifest.EnvironmentCheck{
			{Name: "good", Command: "probe-ok"},
			{Name: "bad", Command: "probe-missing"},
		},
	}
	ok, problems := r.Check(context.Background(), spec)
	if ok {
		t.Fatal("expected failures")
	}
	joined := strings.Join(problems, "; ")
	if !strings.Contains(joined, "no-such-command-xyzzy") {
		t.Fatalf("missing command not reported: %v", problems)
	}
	if !strings.Contains(joined, "bad") || strings.Contains(joined, "good") {
		t.Fatalf("env check diagnostics wrong: %v", problems)
	}
}

func TestRequirementsServices(t *testing.T) {
	r := &Requirements{Runner: stubRunner{exits: map[string]int{"systemctl is-active postgresql": 0}}}
	ok, problems := r.Check(context.Background(), manifest.RequirementSpec{
		RequiredServices: []string{"postgresql", "redis"},
	})
	if ok {
		t.Fatal("expected redis to be reported as down")
	}
	joined := strings.Join(problems, "; ")
	if !strings.Contains(joined, "redis") || strings.Contains(joined, "postgresql") {
		t.Fatalf("problems = %v", problems)
	}
}

func TestRequirementsDiskSpace(t *testing.T) {
	r := &Requirements{Runner: stubRunner{}, AppDir: t.TempDir()}
	// A petabyte is a safe impossibility on CI machines.
	ok, problems := r.Check(context.Background(), manifest.RequirementSpec{MinDiskSpaceMB: 1 << 30})
	if ok {
		t.Fatalf("petabyte requirement unexpectedly satisfied: %v", problems)
	}
	ok, _ = r.Check(context.Background(), manifest.RequirementSpec{MinDiskSpaceMB: 1})
	if !ok {
		t.Fatal("1MB free space requirement should pass")
	}
}

func writeSourceFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateTreeFileTypes(t *testing.T) {
	dir := t.TempDir()
	writeSourceFile(t, dir, "app.py", "print()")
	writeSourceFile(t, dir, "evil.so", "\x7fELF")
	// Control files ship with every release and are exempt from the policy.
	writeSourceFile(t, dir, "update-manifest.yaml", "version: '1.0'")
	writeSourceFile(t, dir, "checksums.sha256", "")
	s := &Security{Log: zap.NewNop()}
	ok, problems := s.ValidateTree(dir, manifest.SecurityPolicy{AllowedFileTypes: []string{".py", ".toml"}})
	if ok {
		t.Fatal("expected .so to be rejected")
	}
	if len(problems) != 1 || !strings.Contains(problems[0], "evil.so") {
		t.Fatalf("problems = %v", problems)
	}
}

func TestValidateTreeSizeLimit(t *testing.T) {
	dir := t.TempDir()
	writeSourceFile(t, dir, "big.bin", strings.Repeat("x", 2<<20))
	s := &Security{Log: zap.NewNop()}
	ok, problems := s.ValidateTree(dir, manifest.SecurityPolicy{MaxFileSizeMB: 1})
	if ok || !strings.Contains(problems[0], "big.bin") {
		t.Fatalf("ok=%v problems=%v", ok, problems)
	}
}

func TestVerifyChecksums(t *testing.T) {
	dir := t.TempDir()
	content := "hello update\n"
	writeSourceFile(t, dir, "app/main.py", content)
	sum := sha256.Sum256([]byte(content))
	checksums := fmt.Sprintf("# release 1.3.0\n\n%s  app/main.py\n", hex.EncodeToString(sum[:]))
	writeSourceFile(t, dir, "checksums.sha256", checksums)

	s := &Security{Log: zap.NewNop()}
	policy := manifest.SecurityPolicy{VerifyChecksums: true}
	ok, problems := s.VerifyChecksums(context.Background(), dir, policy)
	if !ok {
		t.Fatalf("expected verification to pass: %v", problems)
	}

	// Corrupt the file: verification must fail and name it.
	writeSourceFile(t, dir, "app/main.py", "tampered")
	ok, problems = s.VerifyChecksums(context.Background(), dir, policy)
	if ok {
		t.Fatal("tampered file passed verification")
	}
	if len(problems) != 1 || !strings.Contains(problems[0], "app/main.py") {
		t.Fatalf("problems = %v", problems)
	}
}

func TestVerifyChecksumsMissingFileIsWarning(t *testing.T) {
	s := &Security{Log: zap.NewNop()}
	ok, problems := s.VerifyChecksums(context.Background(), t.TempDir(), manifest.SecurityPolicy{VerifyChecksums: true})
	if !ok || problems != nil {
		t.Fatalf("missing checksum file must be non-fatal: ok=%v problems=%v", ok, problems)
	}
}

func TestVerifyChecksumsDisabled(t *testing.T) {
	s := &Security{Log: zap.NewNop()}
	ok, _ := s.VerifyChecksums(context.Background(), t.TempDir(), manifest.SecurityPolicy{})
	if !ok {
		t.Fatal("disabled verification must pass")
	}
}
