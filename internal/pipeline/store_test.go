package pipeline

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "runs"))
}

func seedStages() map[string]*StageState {
	return map[string]*StageState{
		"preprocess":  {Kind: "preprocess", Status: "pending"},
		"train-codec": {Kind: "train", Status: "pending"},
	}
}

func TestCreateGet(t *testing.T) {
	s := testStore(t)

	rs, err := s.Create("run-1", "lj-codec", "/exp", seedStages())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rs.Status != "pending" {
		t.Errorf("status = %q, want pending", rs.Status)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Pipeline != "lj-codec" || got.ExpDir != "/exp" {
		t.Errorf("got = %+v", got)
	}
	if len(got.Stages) != 2 || got.Stages["train-codec"].Kind != "train" {
		t.Errorf("stages = %+v", got.Stages)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := testStore(t)

	if _, err := s.Create("run-1", "lj-codec", "/exp", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create("run-1", "lj-codec", "/exp", nil); err == nil {
		t.Fatal("expected error for duplicate run")
	}
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get("nonexistent"); err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestUpdate(t *testing.T) {
	s := testStore(t)

	if _, err := s.Create("run-1", "lj-codec", "/exp", seedStages()); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := s.Update("run-1", func(rs *RunState) {
		rs.Status = "in_progress"
		rs.CurrentStage = "train-codec"
		rs.Stages["train-codec"].Status = "running"
		rs.Stages["train-codec"].Fingerprint = "fp-train"
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "in_progress" || got.CurrentStage != "train-codec" {
		t.Errorf("got = %+v", got)
	}
	if got.Stages["train-codec"].Status != "running" {
		t.Errorf("stage = %+v", got.Stages["train-codec"])
	}
	if got.UpdatedAt < got.CreatedAt {
		t.Errorf("updated_at %s before created_at %s", got.UpdatedAt, got.CreatedAt)
	}
}

func TestListAndLatest(t *testing.T) {
	s := testStore(t)

	list, err := s.List("")
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if list != nil {
		t.Errorf("expected nil for empty store, got %v", list)
	}

	for _, id := range []string{"run-a", "run-b"} {
		if _, err := s.Create(id, "lj-codec", "/exp", nil); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Update("run-a", func(rs *RunState) { rs.Status = "completed" }); err != nil {
		t.Fatalf("update: %v", err)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	// Newest first.
	if all[0].RunID != "run-b" {
		t.Errorf("first = %s, want run-b", all[0].RunID)
	}

	completed, err := s.List("completed")
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 1 || completed[0].RunID != "run-a" {
		t.Errorf("completed = %+v", completed)
	}

	latest, err := s.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.RunID != "run-b" {
		t.Errorf("latest = %+v", latest)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	if _, err := s.Create("run-1", "lj-codec", "/exp", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete("run-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("run-1"); err == nil {
		t.Fatal("expected error after delete")
	}
	if err := s.Delete("run-1"); err == nil {
		t.Fatal("expected error deleting missing run")
	}
}

func TestStageRunDir(t *testing.T) {
	s := NewStore("/exp/runs")
	got := s.StageRunDir("run-1", "train-codec")
	want := filepath.Join("/exp/runs", "run-1", "stages", "train-codec")
	if got != want {
		t.Errorf("StageRunDir = %s, want %s", got, want)
	}
}
