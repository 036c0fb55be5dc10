package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	for i, outcome := range []string{"failed", "skipped", "success"} {
		run := Run{
			ID:         NewRunID(),
			Version:    "1.3.0",
			Outcome:    outcome,
			Reason:     "r-" + outcome,
			RolledBack: outcome == "failed",
			HostID:     "web1",
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
		}
		if err := s.RecordRun(ctx, run); err != nil {
			t.Fatalf("record run: %v", err)
		}
	}

	runs, err := s.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].Outcome != "success" || runs[1].Outcome != "skipped" {
		t.Fatalf("wrong order: %s, %s", runs[0].Outcome, runs[1].Outcome)
	}
	if !runs[1].RolledBack && runs[1].Outcome == "failed" {
		t.Fatal("rolled_back flag lost")
	}
	if !runs[0].FinishedAt.After(runs[0].StartedAt) {
		t.Fatal("timestamps did not round-trip")
	}
}

func TestListRunsDefaultLimit(t *testing.T) {
	s := openTestStore(t)
	runs, err := s.RecentRuns(context.Background(), 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("fresh store has %d runs", len(runs))
	}
}

func TestStageActivationFirstObservationWins(t *testing.T) {
	s := openTestStore(t)
	if _, ok, err := s.StageActivation("1.3.0", "canary"); err != nil || ok {
		t.Fatalf("unexpected activation before record: ok=%v err=%v", ok, err)
	}

	first := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	if err := s.RecordStageActivation("1.3.0", "canary", first); err != nil {
		t.Fatalf("record: %v", err)
	}
	// A later record for the same stage must not move the instant.
	if err := s.RecordStageActivation("1.3.0", "canary", first.Add(48*time.Hour)); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	at, ok, err := s.StageActivation("1.3.0", "canary")
	if err != nil || !ok {
		t.Fatalf("activation lookup: ok=%v err=%v", ok, err)
	}
	if !at.Equal(first) {
		t.Fatalf("activation = %v, want %v", at, first)
	}

	// A different stage for the same version is tracked separately.
	if _, ok, _ := s.StageActivation("1.3.0", "general"); ok {
		t.Fatal("general stage must be unrecorded")
	}
}
