// File: internal/checks/requirements.go
// Brief: Pre-update environment requirement checks.

// Package checks hosts the hard-check collaborators of the update pipeline:
// the requirements checker and the security validator. Both evaluate a
// declarative config and report ok plus diagnostics; the orchestrator owns
// what a failure means.
package checks

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/example/shipctl/internal/manifest"
	"github.com/example/shipctl/internal/runner"
)

// Requirements verifies environment preconditions before anything mutates.
type Requirements struct {
	Runner runner.Runner
	// AppDir is where environment checks execute and disk space is measured.
	AppDir string
	// CurrentVersion is the deployed version checked against min_version.
	CurrentVersion string
}

const envCheckTimeout = 30 * time.Second

// Check evaluates the requirement spec and returns ok plus one diagnostic
// per failed requirement.
func (r *Requirements) Check(ctx context.Context, spec manifest.RequirementSpec) (bool, []string) {
	var problems []string
	if spec.MinVersion != "" {
		if manifest.CompareVersions(r.CurrentVersion, spec.MinVersion) < 0 {
			problems = append(problems, fmt.Sprintf("version %s or newer required, have %s", spec.MinVersion, r.CurrentVersion))
		}
	}
	if spec.MinDiskSpaceMB > 0 {
		free, err := freeSpaceMB(r.AppDir)
		if err != nil {
			problems = append(problems, fmt.Sprintf("cannot measure free disk space: %v", err))
		} else if free < spec.MinDiskSpaceMB {
			problems = append(problems, fmt.Sprintf("need %dMB free space, have %dMB", spec.MinDiskSpaceMB, free))
		}
	}
	if missing := r.missingCommands(spec.RequiredCommands); len(missing) > 0 {
		problems = append(problems, "missing commands: "+strings.Join(missing, ", "))
	}
	if down := r.stoppedServices(ctx, spec.RequiredServices); len(down) > 0 {
		problems = append(problems, "services not running: "+strings.Join(down, ", "))
	}
	if failed := r.failedEnvChecks(ctx, spec.EnvironmentChecks); len(failed) > 0 {
		problems = append(problems, "environment checks failed: "+strings.Join(failed, ", "))
	}
	return len(problems) == 0, problems
}

func (r *Requirements) missingCommands(commands []string) []string {
	var missing []string
	for _, cmd := range commands {
		if _, err := exec.LookPath(cmd); err != nil {
			missing = append(missing, cmd)
		}
	}
	return missing
}

func (r *Requirements) stoppedServices(ctx context.Context, services []string) []string {
	var down []string
	for _, svc := range services {
		res, err := r.Runner.Run(ctx, runner.Command{Args: []string{"systemctl", "is-active", svc}})
		if err != nil || !res.OK() {
			down = append(down, svc)
		}
	}
	return down
}

func (r *Requirements) failedEnvChecks(ctx context.Context, checks []manifest.EnvironmentCheck) []string {
	var failed []string
	for _, check := range checks {
		name := check.Name
		if name == "" {
			name = "unnamed_check"
		}
		res, err := r.Runner.Run(ctx, runner.Command{Line: check.Command, Dir: r.AppDir, Timeout: envCheckTimeout})
		if err != nil || !res.OK() {
			failed = append(failed, name)
		}
	}
	return failed
}

func freeSpaceMB(path string) (int64, error) {
	if path == "" {
		path = "/"
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize) / (1 << 20), nil
}
