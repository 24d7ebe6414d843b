package hooks

import (
	"os"
	"path/filepath"
	"testing"
)

func appendRaw(t *testing.T, dataDir, line string) {
	t.Helper()
	path := filepath.Join(dataDir, FactsFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("failed to open fact log: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
}

func TestObserver_EmitAndRead(t *testing.T) {
	dir := t.TempDir()

	obs, err := NewObserver(dir, "task-42")
	if err != nil {
		t.Fatalf("NewObserver failed: %v", err)
	}

	if err := obs.SessionStart(); err != nil {
		t.Fatalf("SessionStart failed: %v", err)
	}
	if err := obs.FileTouched("internal/api/handler.go"); err != nil {
		t.Fatalf("FileTouched failed: %v", err)
	}
	if err := obs.CommandRun("go test ./..."); err != nil {
		t.Fatalf("CommandRun failed: %v", err)
	}
	if err := obs.SessionEnd(true, "added handler"); err != nil {
		t.Fatalf("SessionEnd failed: %v", err)
	}

	facts, err := ReadFacts(dir)
	if err != nil {
		t.Fatalf("ReadFacts failed: %v", err)
	}
	if len(facts) != 4 {
		t.Fatalf("expected 4 facts, got %d", len(facts))
	}

	kinds := []FactKind{FactSessionStart, FactFileTouched, FactCommandRun, FactSessionEnd}
	for i, f := range facts {
		if f.Kind != kinds[i] {
			t.Errorf("fact %d: expected kind %s, got %s", i, kinds[i], f.Kind)
		}
		if f.Seq != i {
			t.Errorf("fact %d: expected seq %d, got %d", i, i, f.Seq)
		}
		if f.SessionID != obs.SessionID() {
			t.Errorf("fact %d: wrong session id %s", i, f.SessionID)
		}
		if f.TaskID != "task-42" {
			t.Errorf("fact %d: expected task hint, got %q", i, f.TaskID)
		}
	}

	if facts[1].Path != "internal/api/handler.go" {
		t.Errorf("expected touched path, got %q", facts[1].Path)
	}
	if facts[2].Command != "go test ./..." {
		t.Errorf("expected command, got %q", facts[2].Command)
	}
	if !facts[3].Success || facts[3].Summary != "added handler" {
		t.Errorf("expected successful end fact, got %+v", facts[3])
	}
}

func TestObserver_SuppressedUnderOrchestrator(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(OwnerMarkerEnv, "session-abc")

	obs, err := NewObserver(dir, "")
	if err != nil {
		t.Fatalf("NewObserver failed: %v", err)
	}
	if err := obs.SessionStart(); err != nil {
		t.Fatalf("Emit should be a silent no-op: %v", err)
	}

	facts, err := ReadFacts(dir)
	if err != nil {
		t.Fatalf("ReadFacts failed: %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("expected no facts while suppressed, got %d", len(facts))
	}
}

func TestReadFacts_MissingLogIsEmpty(t *testing.T) {
	facts, err := ReadFacts(t.TempDir())
	if err != nil {
		t.Fatalf("missing log should not error: %v", err)
	}
	if facts != nil {
		t.Fatalf("expected nil facts, got %v", facts)
	}
}

func TestFact_Key(t *testing.T) {
	f := Fact{SessionID: "s1", Seq: 7}
	if f.Key() != "s1/7" {
		t.Errorf("unexpected key %q", f.Key())
	}
}

func TestReadFacts_SkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	obs, err := NewObserver(dir, "")
	if err != nil {
		t.Fatalf("NewObserver failed: %v", err)
	}
	if err := obs.SessionStart(); err != nil {
		t.Fatalf("SessionStart failed: %v", err)
	}

	// Simulate a crash mid-append.
	appendRaw(t, dir, "{\"session_id\":\"s1\",\"se")

	facts, err := ReadFacts(dir)
	if err != nil {
		t.Fatalf("ReadFacts failed: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected torn line skipped, got %d facts", len(facts))
	}
}
