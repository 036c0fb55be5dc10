// File: internal/conditions/conditions.go
// Brief: Conditional-gate evaluation over a closed expression set.

// Package conditions evaluates the manifest's conditional rules in order
// and decides whether the update proceeds, is skipped, or requires manual
// intervention. The condition grammar is closed: four primitives plus a
// version comparison. Nothing here ever reaches a general-purpose
// evaluator, and an unrecognized condition evaluates to false with a
// warning instead of aborting the run.
package conditions

import (
	"context"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/example/shipctl/internal/manifest"
	"github.com/example/shipctl/internal/runner"
)

// DecisionKind tags the evaluator outcome.
type DecisionKind int

const (
	Proceed DecisionKind = iota
	Skip
	Abort
)

// Decision is the terminal result of evaluating a rule list.
type Decision struct {
	Kind        DecisionKind
	Message     string
	ManualSteps []string
}

// Evaluator resolves condition primitives against a concrete host.
type Evaluator struct {
	Runner runner.Runner
	// AppDir anchors the version lookup (VCS tag, then marker file).
	AppDir string
	// VersionFile is the marker path consulted when no VCS tag exists.
	VersionFile string
	Log         *zap.Logger
	// Env overrides environment lookup in tests; nil means os.Getenv.
	Env func(string) string
}

var (
	fileExistsRe     = regexp.MustCompile(`^file_exists\(['"]([^'"]+)['"]\)$`)
	serviceRunningRe = regexp.MustCompile(`^service_running\(['"]([^'"]+)['"]\)$`)
	commandRe        = regexp.MustCompile(`^command\(['"](.+)['"]\)$`)
	envVarRe         = regexp.MustCompile(`^env_var\(['"]([^'"]+)['"]\)\s*==\s*['"]([^'"]*)['"]$`)
	versionRe        = regexp.MustCompile(`^current_version\s*(<|>|==)\s*['"]?([0-9][0-9.]*)['"]?$`)
)

// Evaluate walks the rules strictly in order. The first rule whose
// condition holds and whose action stops evaluation determines the
// decision; otherwise the update proceeds.
func (e *Evaluator) Evaluate(ctx context.Context, rules []manifest.ConditionalRule) Decision {
	currentVersion := e.CurrentVersion(ctx)
	for _, rule := range rules {
		if !e.eval(ctx, rule.Condition, currentVersion) {
			continue
		}
		e.Log.Info("condition met", zap.String("condition", rule.Condition), zap.String("action", string(rule.Action)))
		switch rule.Action {
		case manifest.CondContinue:
			continue
		case manifest.CondWarn:
			e.Log.Warn(rule.Message, zap.String("condition", rule.Condition))
		case manifest.CondSkipUpdate:
			return Decision{Kind: Skip, Message: rule.Message}
		case manifest.CondManualIntervention:
			return Decision{Kind: Abort, Message: rule.Message, ManualSteps: rule.ManualSteps}
		}
	}
	return Decision{Kind: Proceed}
}

func (e *Evaluator) eval(ctx context.Context, condition, currentVersion string) bool {
	cond := strings.TrimSpace(condition)
	switch {
	case fileExistsRe.MatchString(cond):
		path := fileExistsRe.FindStringSubmatch(cond)[1]
		_, err := os.Stat(path)
		return err == nil
	case serviceRunningRe.MatchString(cond):
		name := serviceRunningRe.FindStringSubmatch(cond)[1]
		return e.serviceRunning(ctx, name)
	case envVarRe.MatchString(cond):
		groups := envVarRe.FindStringSubmatch(cond)
		lookup := e.Env
		if lookup == nil {
			lookup = os.Getenv
		}
		return lookup(groups[1]) == groups[2]
	case commandRe.MatchString(cond):
		line := commandRe.FindStringSubmatch(cond)[1]
		res, err := e.Runner.Run(ctx, runner.Command{Line: line, Dir: e.AppDir})
		if err != nil {
			e.Log.Warn("condition command failed to start", zap.String("condition", cond), zap.Error(err))
			return false
		}
		return res.OK()
	case versionRe.MatchString(cond):
		groups := versionRe.FindStringSubmatch(cond)
		cmp := manifest.CompareVersions(currentVersion, groups[2])
		switch groups[1] {
		case "<":
			return cmp < 0
		case ">":
			return cmp > 0
		default:
			return cmp == 0
		}
	default:
		e.Log.Warn("unrecognized condition, treating as false", zap.String("condition", cond))
		return false
	}
}

func (e *Evaluator) serviceRunning(ctx context.Context, name string) bool {
	res, err := e.Runner.Run(ctx, runner.Command{Args: []string{"systemctl", "is-active", name}})
	if err != nil {
		e.Log.Warn("service probe failed", zap.String("service", name), zap.Error(err))
		return false
	}
	return res.OK()
}

// CurrentVersion resolves the deployed version: VCS tag first, version
// marker file second, "0.0.0" otherwise. The pipeline uses the same
// resolution for migration selection and requirement checks.
func (e *Evaluator) CurrentVersion(ctx context.Context) string {
	res, err := e.Runner.Run(ctx, runner.Command{
		Args: []string{"git", "-C", e.AppDir, "describe", "--tags", "--abbrev=0"},
	})
	if err == nil && res.OK() {
		if v := strings.TrimSpace(res.Stdout); v != "" {
			return v
		}
	}
	if data, err := os.ReadFile(e.VersionFile); err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v
		}
	}
	return "0.0.0"
}
