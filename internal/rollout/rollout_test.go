package rollout

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/shipctl/internal/manifest"
)

type memStore struct {
	activations map[string]time.Time
}

func newMemStore() *memStore { return &memStore{activations: map[string]time.Time{}} }

func (m *memStore) StageActivation(version, stage string) (time.Time, bool, error) {
	at, ok := m.activations[version+"/"+stage]
	return at, ok, nil
}

func (m *memStore) RecordStageActivation(version, stage string, at time.Time) error {
	m.activations[version+"/"+stage] = at
	return nil
}

// hostWithValue finds a host id whose derived selector value satisfies pred.
func hostWithValue(t *testing.T, pred func(int) bool) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("host-%d", i)
		if pred(SelectorValue(id)) {
			return id
		}
	}
	t.Fatal("no host id found for predicate")
	return ""
}

func stagedSpec(stages ...manifest.RolloutStage) manifest.RolloutSpec {
	return manifest.RolloutSpec{Strategy: "staged", Stages: stages}
}

func newSelector(store ActivationStore) *Selector {
	return &Selector{Store: store, Log: zap.NewNop()}
}

func TestEmptySpecAlwaysUpdates(t *testing.T) {
	s := newSelector(newMemStore())
	ok, reason, err := s.ShouldUpdate("any-host", "1.0.0", manifest.RolloutSpec{})
	if err != nil || !ok {
		t.Fatalf("empty spec: ok=%v reason=%q err=%v", ok, reason, err)
	}
	ok, _, err = s.ShouldUpdate("any-host", "1.0.0", manifest.RolloutSpec{Strategy: "big-bang"})
	if err != nil || !ok {
		t.Fatalf("non-staged strategy must update: ok=%v err=%v", ok, err)
	}
}

func TestStageOrderFirstMatchWins(t *testing.T) {
	spec := stagedSpec(
		manifest.RolloutStage{Name: "canary", Percentage: 10},
		manifest.RolloutStage{Name: "ga", Percentage: 100},
	)
	s := newSelector(newMemStore())

	canaryHost := hostWithValue(t, func(v int) bool { return v < 10 })
	ok, reason, err := s.ShouldUpdate(canaryHost, "1.0.0", spec)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || reason != "updating in stage canary" {
		t.Fatalf("canary host: ok=%v reason=%q", ok, reason)
	}

	gaHost := hostWithValue(t, func(v int) bool { return v >= 10 })
	ok, reason, err = s.ShouldUpdate(gaHost, "1.0.0", spec)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || reason != "updating in stage ga" {
		t.Fatalf("ga host: ok=%v reason=%q", ok, reason)
	}
}

func TestNoStageMatches(t *testing.T) {
	spec := stagedSpec(manifest.RolloutStage{Name: "canary", Percentage: 10})
	s := newSelector(newMemStore())
	host := hostWithValue(t, func(v int) bool { return v >= 10 })
	ok, reason, err := s.ShouldUpdate(host, "1.0.0", spec)
	if err != nil {
		t.Fatal(err)
	}
	if ok || reason != "not selected for any rollout stage" {
		t.Fatalf("ok=%v reason=%q", ok, reason)
	}
}

func TestDeterministicWithinWaitWindow(t *testing.T) {
	spec := stagedSpec(
		manifest.RolloutStage{Name: "canary", Percentage: 50},
		manifest.RolloutStage{Name: "ga", Percentage: 100},
	)
	s := newSelector(newMemStore())
	for _, host := range []string{"alpha", "beta", "gamma"} {
		ok1, r1, err := s.ShouldUpdate(host, "2.0.0", spec)
		if err != nil {
			t.Fatal(err)
		}
		ok2, r2, err := s.ShouldUpdate(host, "2.0.0", spec)
		if err != nil {
			t.Fatal(err)
		}
		if ok1 != ok2 || r1 != r2 {
			t.Fatalf("host %s: decision not deterministic: (%v,%q) vs (%v,%q)", host, ok1, r1, ok2, r2)
		}
	}
}

func TestCriteriaOverridesPercentage(t *testing.T) {
	// The criteria admits everyone; the percentage would admit no one.
	spec := stagedSpec(manifest.RolloutStage{Name: "pilot", Percentage: 0, Criteria: "server_id >= 0"})
	s := newSelector(newMemStore())
	ok, reason, err := s.ShouldUpdate("whoever", "1.0.0", spec)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || reason != "updating in stage pilot" {
		t.Fatalf("ok=%v reason=%q", ok, reason)
	}
}

func TestBadCriteriaIsAnError(t *testing.T) {
	spec := stagedSpec(manifest.RolloutStage{Name: "pilot", Criteria: "__import__('os')"})
	s := newSelector(newMemStore())
	if _, _, err := s.ShouldUpdate("host", "1.0.0", spec); err == nil {
		t.Fatal("malformed criteria must be a config error, not false")
	}
}

func TestWaitGate(t *testing.T) {
	spec := stagedSpec(manifest.RolloutStage{Name: "canary", Percentage: 100, WaitHours: 2})
	store := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &Selector{Store: store, Log: zap.NewNop(), Now: func() time.Time { return now }}

	// First observation activates the stage and reports waiting.
	ok, reason, err := s.ShouldUpdate("host", "3.0.0", spec)
	if err != nil {
		t.Fatal(err)
	}
	if ok || reason != "waiting for stage canary" {
		t.Fatalf("ok=%v reason=%q", ok, reason)
	}

	// One hour later: still waiting.
	now = now.Add(time.Hour)
	ok, _, err = s.ShouldUpdate("host", "3.0.0", spec)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("wait gate opened an hour early")
	}

	// Two hours after activation: the gate opens.
	now = now.Add(time.Hour)
	ok, reason, err = s.ShouldUpdate("host", "3.0.0", spec)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || reason != "updating in stage canary" {
		t.Fatalf("ok=%v reason=%q", ok, reason)
	}
}

func TestSelectorValueStable(t *testing.T) {
	for _, id := range []string{"a", "machine-1", "9f86d081"} {
		v := SelectorValue(id)
		if v < 0 || v >= 100 {
			t.Fatalf("SelectorValue(%q) = %d out of range", id, v)
		}
		if v != SelectorValue(id) {
			t.Fatalf("SelectorValue(%q) unstable", id)
		}
	}
}
