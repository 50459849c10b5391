package history

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func record(id uint64, sensor string, sev types.Severity, raised time.Time, dur time.Duration) types.HistoryRecord {
	resolved := raised.Add(dur)
	a := types.Alert{
		ID:         id,
		SensorID:   sensor,
		Severity:   sev,
		Status:     types.StatusResolved,
		RaisedAt:   raised,
		ResolvedAt: &resolved,
		Reason:     types.ReasonRelieved,
	}
	return types.NewHistoryRecord(&a)
}

func TestMemoryStoreQuery(t *testing.T) {
	s := NewMemoryStore()
	s.Append(record(1, "A", types.SeverityWarning, t0, time.Minute))
	s.Append(record(2, "B", types.SeverityCritical, t0.Add(time.Minute), time.Minute))
	s.Append(record(3, "A", types.SeverityCritical, t0.Add(2*time.Minute), time.Minute))

	all, _ := s.Query(Filter{})
	if len(all) != 3 || all[0].ID != 3 || all[2].ID != 1 {
		t.Fatalf("newest-first order broken: %v", ids(all))
	}
	if all[0].Duration != time.Minute {
		t.Errorf("duration = %v", all[0].Duration)
	}

	crit, _ := s.Query(Filter{Severity: types.SeverityCritical})
	if len(crit) != 2 || crit[0].ID != 3 || crit[1].ID != 2 {
		t.Fatalf("severity filter = %v", ids(crit))
	}

	a, _ := s.Query(Filter{SensorID: "A", Since: t0.Add(time.Minute)})
	if len(a) != 1 || a[0].ID != 3 {
		t.Fatalf("sensor+since filter = %v", ids(a))
	}

	lim, _ := s.Query(Filter{Limit: 1})
	if len(lim) != 1 || lim[0].ID != 3 {
		t.Fatalf("limit = %v", ids(lim))
	}
}

func TestMemoryStoreDuplicate(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Append(record(7, "A", types.SeverityWarning, t0, time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(record(7, "A", types.SeverityWarning, t0, time.Second)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second append err = %v, want ErrDuplicate", err)
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func TestQueryReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	s.Append(record(1, "A", types.SeverityWarning, t0, time.Second))

	got, _ := s.Query(Filter{})
	*got[0].ResolvedAt = t0.Add(time.Hour)

	again, _ := s.Query(Filter{})
	if !again[0].ResolvedAt.Equal(t0.Add(time.Second)) {
		t.Fatal("query result aliases stored record")
	}
}

func TestFileStoreReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "history.jsonl")

	fs, err := NewFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	fs.Append(record(1, "A", types.SeverityWarning, t0, time.Minute))
	fs.Append(record(2, "B", types.SeverityCritical, t0.Add(time.Minute), 2*time.Minute))
	if err := fs.Append(record(2, "B", types.SeverityCritical, t0, time.Minute)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate err = %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, _ := reopened.Query(Filter{})
	if len(got) != 2 || got[0].ID != 2 || got[0].Duration != 2*time.Minute {
		t.Fatalf("replayed = %+v", got)
	}
	if err := reopened.Append(record(1, "A", types.SeverityWarning, t0, time.Minute)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("replayed IDs must stay deduplicated, err = %v", err)
	}
}

func TestRetentionByCount(t *testing.T) {
	r := NewRetention(NewMemoryStore(), 2, 0, nil, zerolog.Nop())
	for i := uint64(1); i <= 4; i++ {
		if err := r.Append(record(i, "A", types.SeverityWarning, t0.Add(time.Duration(i)*time.Minute), time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := r.Query(Filter{})
	if len(got) != 2 || got[0].ID != 4 || got[1].ID != 3 {
		t.Fatalf("retained = %v", ids(got))
	}
	if err := r.Append(record(1, "A", types.SeverityWarning, t0, time.Second)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("evicted ID re-append err = %v", err)
	}
}

func TestRetentionByAge(t *testing.T) {
	now := t0.Add(time.Hour)
	r := NewRetention(NewMemoryStore(), 0, 30*time.Minute, func() time.Time { return now }, zerolog.Nop())
	r.Append(record(1, "A", types.SeverityWarning, t0, time.Minute))
	r.Append(record(2, "A", types.SeverityWarning, t0.Add(50*time.Minute), time.Minute))

	got, _ := r.Query(Filter{})
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("retained = %v", ids(got))
	}
}

func TestFileStorePruneCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	fs, err := NewFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	r := NewRetention(fs, 1, 0, nil, zerolog.Nop())
	r.Append(record(1, "A", types.SeverityWarning, t0, time.Minute))
	r.Append(record(2, "A", types.SeverityWarning, t0.Add(time.Minute), time.Minute))
	r.Append(record(3, "A", types.SeverityWarning, t0.Add(2*time.Minute), time.Minute))
	fs.Close()

	reopened, err := NewFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, _ := reopened.Query(Filter{})
	if len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("after compaction = %v", ids(got))
	}
}

func ids(recs []types.HistoryRecord) []uint64 {
	out := make([]uint64, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestFileStoreSkipsMalformedAndTornLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	first, _ := json.Marshal(record(1, "A", types.SeverityWarning, t0, time.Minute))
	third, _ := json.Marshal(record(3, "C", types.SeverityCritical, t0.Add(time.Minute), time.Minute))
	body := string(first) + "\nnot json\n" + string(third) + "\n" + `{"id":4,"sensor_id":"S1","sev`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	fs, err := NewFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	got, _ := fs.Query(Filter{})
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 1 {
		t.Fatalf("loaded = %v", ids(got))
	}
	if fs.MaxID() != 3 {
		t.Fatalf("MaxID = %d", fs.MaxID())
	}
	if err := fs.Append(record(4, "S1", types.SeverityCritical, t0.Add(2*time.Minute), time.Minute)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, _ = reopened.Query(Filter{})
	if len(got) != 3 || got[0].ID != 4 {
		t.Fatalf("after reopen = %v", ids(got))
	}
}

func TestFileStoreTerminatesLastLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	first, _ := json.Marshal(record(1, "A", types.SeverityWarning, t0, time.Minute))
	if err := os.WriteFile(path, first, 0o644); err != nil {
		t.Fatal(err)
	}

	fs, err := NewFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Append(record(2, "B", types.SeverityWarning, t0.Add(time.Minute), time.Minute)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	fs.Close()

	reopened, err := NewFileStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got, _ := reopened.Query(Filter{}); len(got) != 2 {
		t.Fatalf("after reopen = %v", ids(got))
	}
}

func TestMaxIDSurvivesPrune(t *testing.T) {
	s := NewMemoryStore()
	s.Append(record(7, "A", types.SeverityWarning, t0, time.Minute))
	s.Append(record(3, "B", types.SeverityWarning, t0.Add(time.Minute), time.Minute))
	if s.MaxID() != 7 {
		t.Fatalf("MaxID = %d", s.MaxID())
	}
	if n, _ := s.Prune(0, t0.Add(90*time.Second)); n != 1 {
		t.Fatalf("pruned %d", n)
	}
	if s.MaxID() != 7 {
		t.Fatalf("MaxID after prune = %d", s.MaxID())
	}
}
