package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sipeed/runclaw/pkg/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// completedRun builds a record and result for a finished echo run.
func completedRun(t *testing.T, line string, started time.Time) (*models.Command, *models.Result) {
	t.Helper()
	rec := models.NewCommand(line, "/tmp", models.InitiatorUser, "")
	rec.StartedAt = started
	rec.AppendStdout("out\n")
	if err := rec.MarkExited(0); err != nil {
		t.Fatalf("MarkExited: %v", err)
	}
	res := &models.Result{
		ID:         rec.ID,
		ExitCode:   0,
		Stdout:     rec.Stdout,
		Stderr:     rec.Stderr,
		DurationMs: 12,
	}
	return rec, res
}

func TestOpenCreatesSchema(t *testing.T) {
	s := testStore(t)

	var ver int
	if err := s.db.QueryRow("SELECT version FROM schema_meta LIMIT 1").Scan(&ver); err != nil {
		t.Fatalf("query schema_meta: %v", err)
	}
	if ver != schemaVersion {
		t.Errorf("schema version = %d, want %d", ver, schemaVersion)
	}

	for _, table := range []string{"schema_meta", "commands"} {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	rec, res := completedRun(t, "echo hi", time.Now())
	if err := s.Record(rec, res); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	n, err := s2.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count after reopen = %d, want 1", n)
	}
}

func TestRecordAndGet(t *testing.T) {
	s := testStore(t)

	started := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	rec, res := completedRun(t, "echo hi", started)
	res.Stderr = "warn\n"
	rec.Stderr = "warn\n"
	if err := s.Record(rec, res); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Line != "echo hi" || got.Command != "echo" {
		t.Errorf("line/command = %q/%q", got.Line, got.Command)
	}
	if got.Status != models.StatusCompleted {
		t.Errorf("status = %q", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit code = %v", got.ExitCode)
	}
	if got.Stdout != "out\n" || got.Stderr != "warn\n" {
		t.Errorf("stdout/stderr = %q/%q", got.Stdout, got.Stderr)
	}
	if got.DurationMs != 12 {
		t.Errorf("duration = %d", got.DurationMs)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt == nil {
		t.Errorf("completed_at missing")
	}
	if !got.Approved {
		t.Errorf("approved flag lost")
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordRejectedWithoutResult(t *testing.T) {
	s := testStore(t)

	rec := models.NewCommand("rm -rf /tmp/x", "/tmp", models.InitiatorAgent, "req-1")
	if err := rec.MarkCancelled(); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(rec, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelled {
		t.Errorf("status = %q", got.Status)
	}
	if got.ExitCode != nil {
		t.Errorf("rejected run has exit code %d", *got.ExitCode)
	}
	if got.Approved {
		t.Errorf("rejected run marked approved")
	}
	if got.RequestID != "req-1" {
		t.Errorf("request id = %q", got.RequestID)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := testStore(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		rec, res := completedRun(t, "echo hi", base.Add(time.Duration(i)*time.Minute))
		if err := s.Record(rec, res); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}

	entries, err := s.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("List = %d entries, want 3", len(entries))
	}
	for i, want := range []string{ids[2], ids[1], ids[0]} {
		if entries[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, entries[i].ID, want)
		}
	}

	limited, err := s.List(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].ID != ids[2] {
		t.Errorf("List(2) = %+v", limited)
	}
}

func TestSearch(t *testing.T) {
	s := testStore(t)

	for _, line := range []string{"echo alpha", "echo beta", "ls -la"} {
		rec, res := completedRun(t, line, time.Now())
		if err := s.Record(rec, res); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		term string
		want int
	}{
		{"echo", 2},
		{"alpha", 1},
		{"ls", 1},
		{"zzz", 0},
	}
	for _, tt := range tests {
		got, err := s.Search(tt.term, 0)
		if err != nil {
			t.Fatalf("Search(%q): %v", tt.term, err)
		}
		if len(got) != tt.want {
			t.Errorf("Search(%q) = %d entries, want %d", tt.term, len(got), tt.want)
		}
	}
}

func TestRecordReplacesSameID(t *testing.T) {
	s := testStore(t)

	rec, res := completedRun(t, "echo hi", time.Now())
	if err := s.Record(rec, res); err != nil {
		t.Fatal(err)
	}

	res.Stdout = "updated\n"
	if err := s.Record(rec, res); err != nil {
		t.Fatal(err)
	}

	n, err := s.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count = %d after re-record, want 1", n)
	}
	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stdout != "updated\n" {
		t.Errorf("stdout = %q, want replacement", got.Stdout)
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		rec, res := completedRun(t, "echo hi", base.Add(time.Duration(i)*time.Minute))
		if err := s.Record(rec, res); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}

	deleted, err := s.Prune(2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	entries, err := s.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("List = %d entries after prune", len(entries))
	}
	if entries[0].ID != ids[4] || entries[1].ID != ids[3] {
		t.Errorf("prune kept wrong rows: %s, %s", entries[0].ID, entries[1].ID)
	}
}

func TestExportJSONL(t *testing.T) {
	s := testStore(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	first, res1 := completedRun(t, "echo first", base)
	second, res2 := completedRun(t, "echo second", base.Add(time.Minute))
	if err := s.Record(first, res1); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(second, res2); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := s.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("export lines = %d, want 2", len(lines))
	}
	var e0, e1 Entry
	if err := json.Unmarshal([]byte(lines[0]), &e0); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &e1); err != nil {
		t.Fatal(err)
	}
	// Oldest first.
	if e0.ID != first.ID || e1.ID != second.ID {
		t.Errorf("export order = %s, %s", e0.ID, e1.ID)
	}
}

func TestExportZstdRoundTrip(t *testing.T) {
	s := testStore(t)

	rec, res := completedRun(t, "echo compressed", time.Now())
	if err := s.Record(rec, res); err != nil {
		t.Fatal(err)
	}

	var plain, packed bytes.Buffer
	if err := s.Export(&plain); err != nil {
		t.Fatal(err)
	}
	if err := s.ExportZstd(&packed); err != nil {
		t.Fatalf("ExportZstd: %v", err)
	}

	r, err := zstd.NewReader(bytes.NewReader(packed.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	unpacked, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(unpacked, plain.Bytes()) {
		t.Errorf("zstd round trip diverged from plain export")
	}
}
