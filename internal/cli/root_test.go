package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	sqlitestore "github.com/PipeOpsHQ/insight-runtime/state/sqlite"
	"github.com/PipeOpsHQ/insight-runtime/state/statetest"
)

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := NewRootCmd()
	want := map[string]bool{"serve": false, "ask": false, "sweep": false, "job": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func seededStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := sqlitestore.New(path)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if _, err := s.CreateJob(context.Background(), statetest.SampleJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	t.Setenv("INSIGHT_CONFIG_FILE", "")
	t.Setenv("INSIGHT_STORE", "sqlite")
	t.Setenv("INSIGHT_SQLITE_PATH", path)
	t.Setenv("INSIGHT_LOG_LEVEL", "error")
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := Execute(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestSweepThenJob(t *testing.T) {
	seededStore(t)

	out, err := run(t, "job", "job-1")
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if !strings.Contains(out, "running") {
		t.Fatalf("expected running job, got:\n%s", out)
	}

	// The sample lease expired long ago, so the sweep releases it.
	out, err = run(t, "sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "1 job(s)") {
		t.Fatalf("unexpected sweep output: %q", out)
	}

	out, err = run(t, "job", "job-1", "--history")
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if !strings.Contains(out, "timed_out") || !strings.Contains(out, "weather") {
		t.Fatalf("unexpected job output:\n%s", out)
	}
}

func TestJob_JSONAndMissing(t *testing.T) {
	seededStore(t)

	out, err := run(t, "job", "job-1", "--json")
	if err != nil {
		t.Fatalf("job --json: %v", err)
	}
	if !strings.Contains(out, `"jobId": "job-1"`) {
		t.Fatalf("unexpected json output:\n%s", out)
	}

	if _, err := run(t, "job", "nope"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestAsk_RequiresQuestion(t *testing.T) {
	seededStore(t)
	if _, err := run(t, "ask"); err == nil {
		t.Fatal("expected error without a question")
	}
}
