package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.AdminDir = t.TempDir()
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(name, status string, completed int64) *models.HistoryRecord {
	return &models.HistoryRecord{
		NzoID:        models.NewNzoID(),
		Name:         name,
		NameLower:    name,
		Status:       status,
		Bytes:        1 << 20,
		Size:         "1.0 MB",
		DuplicateKey: models.DupeKeyFor(name, 1<<20),
		Completed:    completed,
	}
}

func TestAddAndList(t *testing.T) {
	s := testStore(t)
	now := time.Now().Unix()
	for i := 0; i < 3; i++ {
		rec := testRecord(fmt.Sprintf("job%d", i), models.StatusCompleted, now+int64(i))
		if err := s.Add(rec); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if rec.ID == 0 {
			t.Error("Add did not set the row id")
		}
	}

	recs, total, err := s.List(Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(recs) != 3 {
		t.Fatalf("total=%d len=%d, want 3/3", total, len(recs))
	}
	// newest first
	if recs[0].Name != "job2" || recs[2].Name != "job0" {
		t.Errorf("order = %s..%s, want job2..job0", recs[0].Name, recs[2].Name)
	}
}

func TestListFilters(t *testing.T) {
	s := testStore(t)
	now := time.Now().Unix()

	ok := testRecord("Good.Release", models.StatusCompleted, now)
	ok.Category = "movies"
	s.Add(ok)
	bad := testRecord("Broken.Release", models.StatusFailed, now+1)
	bad.Category = "tv"
	bad.FailMessage = "Aborted, cannot be completed"
	s.Add(bad)

	recs, total, err := s.List(Filter{Status: models.StatusFailed})
	if err != nil || total != 1 || recs[0].Name != "Broken.Release" {
		t.Errorf("status filter: total=%d err=%v", total, err)
	}
	recs, total, err = s.List(Filter{Category: "movies"})
	if err != nil || total != 1 || recs[0].Name != "Good.Release" {
		t.Errorf("category filter: total=%d err=%v", total, err)
	}
	_, total, err = s.List(Filter{Search: "broken"})
	if err != nil || total != 1 {
		t.Errorf("search filter: total=%d err=%v", total, err)
	}
	_, total, err = s.List(Filter{Search: "no-such-job"})
	if err != nil || total != 0 {
		t.Errorf("empty search: total=%d err=%v", total, err)
	}
}

func TestListPaging(t *testing.T) {
	s := testStore(t)
	now := time.Now().Unix()
	for i := 0; i < 10; i++ {
		s.Add(testRecord(fmt.Sprintf("job%02d", i), models.StatusCompleted, now+int64(i)))
	}
	recs, total, err := s.List(Filter{Limit: 3, Offset: 3})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 10 || len(recs) != 3 {
		t.Fatalf("total=%d len=%d, want 10/3", total, len(recs))
	}
	if recs[0].Name != "job06" {
		t.Errorf("page starts at %s, want job06", recs[0].Name)
	}
}

func TestByNzoID(t *testing.T) {
	s := testStore(t)
	rec := testRecord("findme", models.StatusCompleted, time.Now().Unix())
	s.Add(rec)

	got, err := s.ByNzoID(rec.NzoID)
	if err != nil {
		t.Fatalf("ByNzoID: %v", err)
	}
	if got == nil || got.Name != "findme" {
		t.Errorf("got %+v", got)
	}

	missing, err := s.ByNzoID("SABnzbd_nzo_nothere")
	if err != nil || missing != nil {
		t.Errorf("missing id: got %v, %v", missing, err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	s := testStore(t)
	rec := testRecord("full", models.StatusFailed, time.Now().Unix())
	rec.Category = "tv"
	rec.PP = 3
	rec.Script = "notify.sh"
	rec.ScriptLog = "script output here"
	rec.StageLog = `[{"stage":"Repair","actions":["Repaired 12 blocks"]}]`
	rec.DownloadTime = 120
	rec.PostprocTime = 45
	rec.Downloaded = 999
	rec.Completeness = 87
	rec.FailMessage = "Unpacking failed"
	rec.Password = "pw"
	rec.Retry = 1
	rec.Archive = true
	if err := s.Add(rec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.ByNzoID(rec.NzoID)
	if err != nil || got == nil {
		t.Fatalf("ByNzoID: %v", err)
	}
	if got.Category != "tv" || got.PP != 3 || got.Script != "notify.sh" ||
		got.StageLog != rec.StageLog || got.DownloadTime != 120 ||
		got.PostprocTime != 45 || got.FailMessage != "Unpacking failed" ||
		got.Retry != 1 || !got.Archive {
		t.Errorf("fields lost in round trip: %+v", got)
	}
}

func TestHasDupe(t *testing.T) {
	s := testStore(t)
	rec := testRecord("dupe-source", models.StatusCompleted, time.Now().Unix())
	s.Add(rec)

	if !s.HasDupe(rec.DuplicateKey) {
		t.Error("stored duplicate key not found")
	}
	if s.HasDupe("no-such-key") {
		t.Error("phantom duplicate reported")
	}
}

func TestDeleteAndPurge(t *testing.T) {
	s := testStore(t)
	now := time.Now().Unix()
	keep := testRecord("keep", models.StatusCompleted, now)
	s.Add(keep)
	fail1 := testRecord("fail1", models.StatusFailed, now)
	s.Add(fail1)
	fail2 := testRecord("fail2", models.StatusFailed, now)
	s.Add(fail2)

	if err := s.Delete(fail1.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	n, err := s.Purge(true)
	if err != nil {
		t.Fatalf("Purge failed-only: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if count, _ := s.Count(); count != 1 {
		t.Errorf("count = %d, want 1 (completed survives)", count)
	}

	n, err = s.Purge(false)
	if err != nil || n != 1 {
		t.Errorf("full purge removed %d, err %v", n, err)
	}
}

func TestTrimRetention(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.AdminDir = t.TempDir()
	cfg.History.RetentionDays = 30
	cfg.History.RetentionCount = 3
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	s.Add(testRecord("ancient", models.StatusCompleted, now.Add(-60*24*time.Hour).Unix()))
	for i := 0; i < 5; i++ {
		s.Add(testRecord(fmt.Sprintf("recent%d", i), models.StatusCompleted,
			now.Add(-time.Duration(i)*time.Hour).Unix()))
	}

	s.TrimRetention(now)
	recs, total, err := s.List(Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 {
		t.Fatalf("kept %d records, want 3", total)
	}
	for _, rec := range recs {
		if rec.Name == "ancient" {
			t.Error("record older than retention survived")
		}
	}
	// the newest three survive
	if recs[0].Name != "recent0" {
		t.Errorf("newest = %s, want recent0", recs[0].Name)
	}
}
