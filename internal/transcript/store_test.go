package transcript

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opalsh/opal/internal/agent"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "transcript.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordRunWithToolCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-3 * time.Second)
	run := agent.RunRecord{
		ID:         "run-1",
		Input:      "fix the build",
		Outcome:    "final",
		Iterations: 2,
		Failures:   1,
		Started:    started,
		Finished:   time.Now(),
	}
	if err := s.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	exitCode := 2
	calls := []agent.ToolCallRecord{
		{RunID: "run-1", Seq: 1, Tool: "run_shell", OK: false, ExitCode: &exitCode, Duration: 120 * time.Millisecond, Error: "make failed"},
		{RunID: "run-1", Seq: 2, Tool: "edit_file", OK: true, Duration: 5 * time.Millisecond},
	}
	for _, c := range calls {
		if err := s.RecordToolCall(ctx, c); err != nil {
			t.Fatalf("RecordToolCall: %v", err)
		}
	}

	recent, err := s.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("runs = %d, want 1", len(recent))
	}
	got := recent[0]
	if got.ID != "run-1" || got.Outcome != "final" || got.Iterations != 2 || got.Failures != 1 {
		t.Errorf("run = %+v", got)
	}
	if got.ToolCalls != 2 {
		t.Errorf("ToolCalls = %d, want 2", got.ToolCalls)
	}
	if got.Started.Sub(started).Abs() > time.Second {
		t.Errorf("Started round trip drifted: %v vs %v", got.Started, started)
	}
}

func TestRecentRunsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		err := s.RecordRun(ctx, agent.RunRecord{
			ID:       id,
			Input:    "x",
			Outcome:  "final",
			Started:  base.Add(time.Duration(i) * time.Minute),
			Finished: base.Add(time.Duration(i)*time.Minute + time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	recent, err := s.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("runs = %d, want 2", len(recent))
	}
	if recent[0].ID != "new" || recent[1].ID != "mid" {
		t.Errorf("order = %s, %s", recent[0].ID, recent[1].ID)
	}
}

func TestStoreImplementsRecorder(t *testing.T) {
	var _ agent.Recorder = (*Store)(nil)
}
