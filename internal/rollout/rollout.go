// File: internal/rollout/rollout.go
// Brief: Deterministic staged-rollout selection.

// Package rollout decides whether this host participates in the current
// staged rollout. The decision is a pure function of the host identity and
// the rollout spec, apart from the wait-time gate, which consults persisted
// stage activation timestamps.
package rollout

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/example/shipctl/internal/criteria"
	"github.com/example/shipctl/internal/manifest"
)

// ActivationStore persists when this host first observed a rollout stage,
// keyed by manifest version and stage name. internal/history provides the
// sqlite-backed implementation.
type ActivationStore interface {
	StageActivation(version, stage string) (time.Time, bool, error)
	RecordStageActivation(version, stage string, at time.Time) error
}

// Selector evaluates rollout specs for one host.
type Selector struct {
	Store ActivationStore
	Log   *zap.Logger
	// Now is the clock; nil means time.Now. Tests pin it.
	Now func() time.Time
}

// SelectorValue derives the stable per-host value in [0,100) that stage
// percentages and criteria compare against.
func SelectorValue(hostID string) int {
	return int(xxhash.Sum64String(hostID) % 100)
}

// ShouldUpdate reports whether the host identified by hostID should update
// under the given spec, and why. Stages are scanned in declared order and
// the first match wins; a stage with an explicit criteria expression is
// decided by that expression alone, the percentage only gates stages
// without criteria.
func (s *Selector) ShouldUpdate(hostID, version string, spec manifest.RolloutSpec) (bool, string, error) {
	if len(spec.Stages) == 0 || spec.Strategy != "staged" {
		return true, "no staged rollout", nil
	}
	h := SelectorValue(hostID)
	for _, stage := range spec.Stages {
		matched, err := s.stageMatches(stage, h)
		if err != nil {
			return false, "", err
		}
		if !matched {
			continue
		}
		elapsed, err := s.waitElapsed(version, stage)
		if err != nil {
			return false, "", err
		}
		if !elapsed {
			return false, fmt.Sprintf("waiting for stage %s", stage.Name), nil
		}
		return true, fmt.Sprintf("updating in stage %s", stage.Name), nil
	}
	return false, "not selected for any rollout stage", nil
}

func (s *Selector) stageMatches(stage manifest.RolloutStage, h int) (bool, error) {
	if strings.TrimSpace(stage.Criteria) == "" {
		return h < stage.Percentage, nil
	}
	expr, err := criteria.Parse(stage.Criteria)
	if err != nil {
		return false, fmt.Errorf("stage %q: %w", stage.Name, err)
	}
	return expr.Eval(h), nil
}

// waitElapsed records the stage activation on first observation and gates
// on wait_hours measured from that persisted instant.
func (s *Selector) waitElapsed(version string, stage manifest.RolloutStage) (bool, error) {
	if stage.WaitHours <= 0 {
		return true, nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	activated, found, err := s.Store.StageActivation(version, stage.Name)
	if err != nil {
		return false, fmt.Errorf("load stage activation: %w", err)
	}
	if !found {
		if err := s.Store.RecordStageActivation(version, stage.Name, now()); err != nil {
			return false, fmt.Errorf("record stage activation: %w", err)
		}
		s.Log.Info("rollout stage activated",
			zap.String("stage", stage.Name),
			zap.String("version", version),
			zap.Float64("wait_hours", stage.WaitHours))
		return false, nil
	}
	wait := time.Duration(stage.WaitHours * float64(time.Hour))
	return now().Sub(activated) >= wait, nil
}

// HostID returns the stable identity used for rollout selection: an
// explicit override, else /etc/machine-id, else the hostname.
func HostID(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve host identity: %w", err)
	}
	return name, nil
}
