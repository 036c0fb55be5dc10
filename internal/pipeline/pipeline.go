// File: internal/pipeline/pipeline.go
// Brief: The update orchestrator: fixed stage sequence with rollback policy.

// Package pipeline drives one update run through its fixed stage sequence:
// rollout gate, conditional gate, requirements, security validation,
// pre-hooks, snapshot, migrations, file sync, post-hooks, post-update
// tests, cleanup, notification. Failure handling depends on the stage:
// gates skip, hard checks fail with nothing to roll back, migration and
// file-sync failures always restore the snapshot, and post-hook/test
// failures roll back only when the manifest's rollback policy says so.
package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/example/shipctl/internal/backup"
	"github.com/example/shipctl/internal/conditions"
	"github.com/example/shipctl/internal/history"
	"github.com/example/shipctl/internal/manifest"
	"github.com/example/shipctl/internal/merge"
	"github.com/example/shipctl/internal/notify"
	"github.com/example/shipctl/internal/runner"
)

// OutcomeKind tags the terminal result of a run.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeSkipped
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Outcome is produced exactly once per run.
type Outcome struct {
	Kind       OutcomeKind
	Version    string
	Reason     string
	RolledBack bool
	// ManualSteps is populated when a conditional rule demanded manual
	// intervention; the CLI prints them for the operator.
	ManualSteps []string
}

// RolloutGate decides whether this host participates in the rollout.
type RolloutGate interface {
	ShouldUpdate(hostID, version string, spec manifest.RolloutSpec) (bool, string, error)
}

// ConditionGate evaluates the manifest's conditional rules.
type ConditionGate interface {
	Evaluate(ctx context.Context, rules []manifest.ConditionalRule) conditions.Decision
}

// RequirementsChecker verifies environment preconditions.
type RequirementsChecker interface {
	Check(ctx context.Context, spec manifest.RequirementSpec) (bool, []string)
}

// SourceValidator vets the incoming source tree.
type SourceValidator interface {
	ValidateTree(sourceDir string, policy manifest.SecurityPolicy) (bool, []string)
	VerifyChecksums(ctx context.Context, sourceDir string, policy manifest.SecurityPolicy) (bool, []string)
}

// Snapshotter creates and restores full-tree snapshots.
type Snapshotter interface {
	Create(ctx context.Context, tag string) (backup.Handle, error)
	Restore(ctx context.Context, h backup.Handle) error
}

// Notifier delivers terminal-outcome notifications.
type Notifier interface {
	Send(ctx context.Context, specs []manifest.Notification, nc notify.Context)
}

// Ledger records finished runs.
type Ledger interface {
	RecordRun(ctx context.Context, run history.Run) error
}

// Pipeline wires the collaborators for one host.
type Pipeline struct {
	Log          *zap.Logger
	Runner       runner.Runner
	Rollout      RolloutGate
	Conditions   ConditionGate
	Requirements RequirementsChecker
	Security     SourceValidator
	Backups      Snapshotter
	Notifier     Notifier
	History      Ledger

	AppDir      string
	VersionFile string
	HostID      string
	// CurrentVersion is the deployed version resolved before the run; it
	// selects which migrations apply.
	CurrentVersion string
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

const (
	lockFileName = ".shipctl.lock"
	hookTimeout  = 10 * time.Minute
)

// manifestFileName and checksumFileName are control files in the source
// tree, never synced into the installation.
const (
	manifestFileName = "update-manifest.yaml"
	checksumFileName = "checksums.sha256"
)

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run executes the full pipeline for one update and returns its terminal
// outcome. The installation directory is held under an advisory lock for
// the whole run; a second concurrent run fails immediately.
func (p *Pipeline) Run(ctx context.Context, sourceDir string, m *manifest.Manifest) Outcome {
	started := p.now()
	lock := flock.New(filepath.Join(p.AppDir, lockFileName))
	locked, err := lock.TryLock()
	var out Outcome
	switch {
	case err != nil:
		out = Outcome{Kind: OutcomeFailed, Version: m.Version, Reason: fmt.Sprintf("acquire update lock: %v", err)}
	case !locked:
		out = Outcome{Kind: OutcomeFailed, Version: m.Version, Reason: "another update is already running"}
	default:
		out = p.run(ctx, sourceDir, m)
		if err := lock.Unlock(); err != nil {
			p.Log.Warn("release update lock", zap.Error(err))
		}
	}

	p.notifyOutcome(ctx, m, out)
	p.recordOutcome(ctx, out, started)
	return out
}

func (p *Pipeline) run(ctx context.Context, sourceDir string, m *manifest.Manifest) (out Outcome) {
	var snap backup.Handle
	defer func() {
		if r := recover(); r != nil {
			p.Log.Error("update run panicked", zap.Any("panic", r))
			rolledBack := false
			if snap.Path != "" {
				rolledBack = p.restore(ctx, snap)
			}
			out = Outcome{
				Kind:       OutcomeFailed,
				Version:    m.Version,
				Reason:     fmt.Sprintf("internal error: %v", r),
				RolledBack: rolledBack,
			}
		}
	}()

	fail := func(reason string) Outcome {
		p.Log.Error("update failed", zap.String("reason", reason))
		return Outcome{Kind: OutcomeFailed, Version: m.Version, Reason: reason}
	}
	failRollback := func(reason string) Outcome {
		p.Log.Error("update failed, restoring snapshot", zap.String("reason", reason))
		return Outcome{
			Kind:       OutcomeFailed,
			Version:    m.Version,
			Reason:     reason,
			RolledBack: p.restore(ctx, snap),
		}
	}

	eligible, reason, err := p.Rollout.ShouldUpdate(p.HostID, m.Version, m.Rollout)
	if err != nil {
		return fail(fmt.Sprintf("rollout evaluation: %v", err))
	}
	if !eligible {
		p.Log.Info("update skipped by rollout", zap.String("reason", reason))
		return Outcome{Kind: OutcomeSkipped, Version: m.Version, Reason: reason}
	}

	decision := p.Conditions.Evaluate(ctx, m.Conditionals)
	switch decision.Kind {
	case conditions.Skip:
		p.Log.Info("update skipped by conditional rule", zap.String("reason", decision.Message))
		return Outcome{Kind: OutcomeSkipped, Version: m.Version, Reason: decision.Message}
	case conditions.Abort:
		out := fail(orDefault(decision.Message, "manual intervention required"))
		out.ManualSteps = decision.ManualSteps
		return out
	}

	if ok, problems := p.Requirements.Check(ctx, m.Requirements); !ok {
		return fail("requirements not met: " + strings.Join(problems, "; "))
	}
	if ok, problems := p.Security.ValidateTree(sourceDir, m.Security); !ok {
		return fail("source validation failed: " + strings.Join(problems, "; "))
	}
	if ok, problems := p.Security.VerifyChecksums(ctx, sourceDir, m.Security); !ok {
		return fail("checksum verification failed: " + strings.Join(problems, "; "))
	}

	if err := p.runHooks(ctx, m.Hooks.PreUpdate); err != nil {
		return fail(fmt.Sprintf("pre-update hook: %v", err))
	}

	snap, err = p.Backups.Create(ctx, snapshotTag(m.Version, p.now()))
	if err != nil {
		return fail(fmt.Sprintf("snapshot: %v", err))
	}

	if err := p.runMigrations(ctx, m); err != nil {
		return failRollback(fmt.Sprintf("migration: %v", err))
	}
	if err := p.syncFiles(sourceDir, m); err != nil {
		return failRollback(fmt.Sprintf("file sync: %v", err))
	}

	var soft []string
	if err := p.runHooks(ctx, m.Hooks.PostUpdate); err != nil {
		if m.AutoRollbackOn(manifest.TriggerServiceStartFail) {
			return failRollback(fmt.Sprintf("post-update hook: %v", err))
		}
		p.Log.Error("post-update hook failed, continuing per rollback policy", zap.Error(err))
		soft = append(soft, fmt.Sprintf("post-update hook: %v", err))
	}
	if err := p.runTests(ctx, m.PostUpdateTests); err != nil {
		if m.AutoRollbackOn(manifest.TriggerHealthCheckFail) {
			return failRollback(fmt.Sprintf("post-update test: %v", err))
		}
		p.Log.Error("post-update test failed, continuing per rollback policy", zap.Error(err))
		soft = append(soft, fmt.Sprintf("post-update test: %v", err))
	}

	p.runCleanup(ctx, m.Cleanup)

	if len(soft) > 0 {
		return Outcome{Kind: OutcomeFailed, Version: m.Version, Reason: strings.Join(soft, "; ")}
	}
	p.Log.Info("update complete", zap.String("version", m.Version))
	return Outcome{Kind: OutcomeSuccess, Version: m.Version}
}

func (p *Pipeline) restore(ctx context.Context, snap backup.Handle) bool {
	if err := p.Backups.Restore(ctx, snap); err != nil {
		p.Log.Error("snapshot restore failed", zap.String("tag", snap.Tag), zap.Error(err))
		return false
	}
	return true
}

func (p *Pipeline) runHooks(ctx context.Context, hooks []string) error {
	for _, line := range hooks {
		p.Log.Info("running hook", zap.String("command", line))
		res, err := p.Runner.Run(ctx, runner.Command{Line: line, Dir: p.AppDir, Timeout: hookTimeout})
		if err != nil {
			return fmt.Errorf("%s: %w", line, err)
		}
		if !res.OK() {
			return fmt.Errorf("%s: exit %d: %s", line, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

// runMigrations applies the scripts for every version v with
// current < v <= target, in ascending order.
func (p *Pipeline) runMigrations(ctx context.Context, m *manifest.Manifest) error {
	for _, mig := range m.Migrations {
		if manifest.CompareVersions(mig.Version, p.CurrentVersion) <= 0 {
			continue
		}
		if manifest.CompareVersions(mig.Version, m.Version) > 0 {
			continue
		}
		for _, script := range mig.Scripts {
			p.Log.Info("running migration",
				zap.String("version", mig.Version), zap.String("script", script))
			res, err := p.Runner.Run(ctx, runner.Command{
				Line:    script,
				Dir:     p.AppDir,
				Timeout: hookTimeout,
				Env: []string{
					"MIGRATION_VERSION=" + mig.Version,
					"APP_DIR=" + p.AppDir,
				},
			})
			if err != nil {
				return fmt.Errorf("%s (%s): %w", script, mig.Version, err)
			}
			if !res.OK() {
				return fmt.Errorf("%s (%s): exit %d: %s", script, mig.Version, res.ExitCode, strings.TrimSpace(res.Stderr))
			}
		}
	}
	return nil
}

// syncFiles walks the source tree and applies each file's resolved action,
// then rewrites the version marker.
func (p *Pipeline) syncFiles(sourceDir string, m *manifest.Manifest) error {
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
			p.Log.Debug("skipping preserved path", zap.String("path", rel))
			return nil
		}
		return p.applyFile(path, rel, m)
	})
	if err != nil {
		return err
	}
	return merge.WriteAtomic(p.VersionFile, []byte(m.Version+"\n"), 0o644)
}

func (p *Pipeline) applyFile(sourcePath, rel string, m *manifest.Manifest) error {
	rule := m.ResolveFileRule(rel)
	target := filepath.Join(p.AppDir, filepath.FromSlash(rel))
	switch rule.Action {
	case manifest.ActionSkip:
		return nil
	case manifest.ActionReplace:
		return copyFile(sourcePath, target)
	case manifest.ActionBackupReplace:
		if _, err := os.Stat(target); err == nil {
			if err := copyFile(target, target+".backup"); err != nil {
				return fmt.Errorf("%s: save backup copy: %w", rel, err)
			}
		}
		return copyFile(sourcePath, target)
	case manifest.ActionMergeTOML:
		return p.mergeFile(m, sourcePath, target, rel, merge.FormatTOML, rule)
	case manifest.ActionMergeJSON:
		return p.mergeFile(m, sourcePath, target, rel, merge.FormatJSON, rule)
	default:
		return fmt.Errorf("%s: unhandled action %q", rel, rule.Action)
	}
}

func (p *Pipeline) mergeFile(m *manifest.Manifest, sourcePath, target, rel string, format merge.Format, rule manifest.FileRule) error {
	if err := merge.Apply(target, sourcePath, format, MergePlanFor(m, rel, rule)); err != nil {
		return fmt.Errorf("%s: %w", rel, err)
	}
	p.Log.Info("merged configuration", zap.String("path", rel))
	return nil
}

// MergePlanFor resolves the merge plan for one file: the manifest's
// merge_strategies entry when a pattern matches, else the file rule's own
// strategy.
func MergePlanFor(m *manifest.Manifest, rel string, rule manifest.FileRule) merge.Plan {
	if entry := m.ResolveMergeStrategy(rel); entry != nil {
		return merge.Plan{
			Strategy:     entry.Strategy,
			PreserveKeys: entry.PreserveKeys,
			Sections:     entry.Sections,
		}
	}
	return merge.Plan{Strategy: rule.MergeStrategy}
}

func inPreservedDirectory(m *manifest.Manifest, rel string) bool {
	dir := rel
	for {
		idx := strings.LastIndexByte(dir, '/')
		if idx < 0 {
			return false
		}
		dir = dir[:idx]
		if m.ShouldPreserveDirectory(dir) {
			return true
		}
	}
}

// runTests executes the post-update health checks with per-test retry.
func (p *Pipeline) runTests(ctx context.Context, tests []manifest.TestSpec) error {
	for _, tc := range tests {
		timeout := time.Duration(tc.TimeoutSecs) * time.Second
		if timeout <= 0 {
			timeout = time.Minute
		}
		attempts := tc.RetryCount + 1
		var lastErr error
		for attempt := 1; attempt <= attempts; attempt++ {
			res, err := p.Runner.Run(ctx, runner.Command{Line: tc.Command, Dir: p.AppDir, Timeout: timeout})
			switch {
			case err != nil:
				lastErr = err
			case res.OK():
				lastErr = nil
			default:
				lastErr = fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
			}
			if lastErr == nil {
				p.Log.Info("post-update test passed", zap.String("test", tc.Name))
				break
			}
			p.Log.Warn("post-update test attempt failed",
				zap.String("test", tc.Name), zap.Int("attempt", attempt), zap.Error(lastErr))
			if attempt < attempts && tc.RetryDelay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(tc.RetryDelay) * time.Second):
				}
			}
		}
		if lastErr != nil {
			return fmt.Errorf("%s: %w", tc.Name, lastErr)
		}
	}
	return nil
}

// runCleanup is best-effort: every failure is logged, none is fatal.
func (p *Pipeline) runCleanup(ctx context.Context, spec manifest.CleanupSpec) {
	for _, pattern := range spec.RemoveFiles {
		matches, err := filepath.Glob(filepath.Join(p.AppDir, pattern))
		if err != nil {
			p.Log.Warn("bad cleanup pattern", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		for _, match := range matches {
			if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
				p.Log.Warn("cleanup remove failed", zap.String("path", match), zap.Error(err))
			}
		}
	}
	for _, dir := range spec.RemoveDirectories {
		if err := os.RemoveAll(filepath.Join(p.AppDir, dir)); err != nil {
			p.Log.Warn("cleanup remove failed", zap.String("path", dir), zap.Error(err))
		}
	}
	for _, line := range spec.Commands {
		res, err := p.Runner.Run(ctx, runner.Command{Line: line, Dir: p.AppDir})
		if err != nil || !res.OK() {
			p.Log.Warn("cleanup command failed", zap.String("command", line), zap.Error(err))
		}
	}
}

func (p *Pipeline) notifyOutcome(ctx context.Context, m *manifest.Manifest, out Outcome) {
	if p.Notifier == nil {
		return
	}
	nc := notify.Context{Version: m.Version, SystemID: p.HostID, When: p.now()}
	switch out.Kind {
	case OutcomeSuccess:
		p.Notifier.Send(ctx, m.Notifications.OnSuccess, nc)
	case OutcomeFailed:
		nc.Error = out.Reason
		p.Notifier.Send(ctx, m.Notifications.OnFailure, nc)
	}
}

func (p *Pipeline) recordOutcome(ctx context.Context, out Outcome, started time.Time) {
	if p.History == nil {
		return
	}
	err := p.History.RecordRun(ctx, history.Run{
		ID:         history.NewRunID(),
		Version:    out.Version,
		Outcome:    out.Kind.String(),
		Reason:     out.Reason,
		RolledBack: out.RolledBack,
		HostID:     p.HostID,
		StartedAt:  started,
		FinishedAt: p.now(),
	})
	if err != nil {
		p.Log.Warn("record run outcome", zap.Error(err))
	}
}

func snapshotTag(version string, at time.Time) string {
	return version + "_" + at.UTC().Format("20060102T150405")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	perm := os.FileMode(0o644)
	if info, err := os.Stat(src); err == nil {
		perm = info.Mode().Perm()
	}
	return merge.WriteAtomic(dst, data, perm)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
