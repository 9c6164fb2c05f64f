package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/models"
)

func testConfig(t *testing.T) *config.MainConfig {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.AdminDir = t.TempDir()
	cfg.Download.IncompleteDir = filepath.Join(cfg.AdminDir, "incomplete")
	return cfg
}

func testJob(cfg *config.MainConfig, name string, prio models.Priority) *models.NzbObject {
	nzo := &models.NzbObject{
		ID:            models.NewNzoID(),
		Name:          name,
		SanitizedName: name,
		State:         models.StateQueued,
		Priority:      prio,
		AdminDir:      filepath.Join(cfg.Download.IncompleteDir, name),
		CreatedAt:     time.Now(),
	}
	f := &models.NzbFile{
		ID:       models.NewNzfID(),
		Filename: name + ".bin",
		Size:     100,
		Articles: []*models.Article{{MessageID: "<a>", Bytes: 100, Ordinal: 1}},
	}
	f.BytesLeft = f.Size
	nzo.Files = []*models.NzbFile{f}
	nzo.TotalBytes = f.Size
	return nzo
}

func names(jobs []*models.NzbObject) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.Name
	}
	return out
}

func TestAddKeepsFifoWithinTier(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)
	for _, n := range []string{"one", "two", "three"} {
		if err := q.Add(testJob(cfg, n, models.PriorityNormal), PosBottom); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	got := names(q.Jobs())
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestPriorityTiersOrdering(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)
	q.Add(testJob(cfg, "normal1", models.PriorityNormal), PosBottom)
	q.Add(testJob(cfg, "low", models.PriorityLow), PosBottom)
	q.Add(testJob(cfg, "high", models.PriorityHigh), PosBottom)
	q.Add(testJob(cfg, "normal2", models.PriorityNormal), PosBottom)
	q.Add(testJob(cfg, "force", models.PriorityForce), PosBottom)

	got := names(q.Jobs())
	want := []string{"force", "high", "normal1", "normal2", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestPosTopInsertsAtTierHead(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)
	q.Add(testJob(cfg, "high", models.PriorityHigh), PosBottom)
	q.Add(testJob(cfg, "n1", models.PriorityNormal), PosBottom)
	q.Add(testJob(cfg, "n2", models.PriorityNormal), PosBottom)
	q.Add(testJob(cfg, "jumper", models.PriorityNormal), PosTop)

	got := names(q.Jobs())
	want := []string{"high", "jumper", "n1", "n2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSetPriorityReinsertsAtTierBottom(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)
	q.Add(testJob(cfg, "n1", models.PriorityNormal), PosBottom)
	q.Add(testJob(cfg, "n2", models.PriorityNormal), PosBottom)
	q.Add(testJob(cfg, "climber", models.PriorityLow), PosBottom)

	id := q.Jobs()[2].ID
	if !q.SetPriority(id, models.PriorityNormal) {
		t.Fatal("SetPriority failed")
	}
	got := names(q.Jobs())
	want := []string{"n1", "n2", "climber"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestMoveTop(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)
	q.Add(testJob(cfg, "n1", models.PriorityNormal), PosBottom)
	q.Add(testJob(cfg, "n2", models.PriorityNormal), PosBottom)
	q.Add(testJob(cfg, "n3", models.PriorityNormal), PosBottom)

	id := q.Jobs()[2].ID
	if !q.MoveTop(id) {
		t.Fatal("MoveTop failed")
	}
	if got := names(q.Jobs()); got[0] != "n3" {
		t.Errorf("order after move = %v", got)
	}
}

func TestActiveJobsSkipsPausedAndStopped(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)
	q.Add(testJob(cfg, "running", models.PriorityNormal), PosBottom)
	paused := testJob(cfg, "paused", models.PriorityNormal)
	paused.State = models.StatePaused
	q.Add(paused, PosBottom)
	q.Add(testJob(cfg, "stopped", models.PriorityStop), PosBottom)

	got := names(q.ActiveJobs(0))
	if len(got) != 1 || got[0] != "running" {
		t.Errorf("active = %v, want [running]", got)
	}
}

func TestActiveJobsPropagationDelay(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)

	fresh := testJob(cfg, "fresh", models.PriorityNormal)
	fresh.AvgDate = time.Now().Add(-2 * time.Minute)
	q.Add(fresh, PosBottom)

	old := testJob(cfg, "old", models.PriorityNormal)
	old.AvgDate = time.Now().Add(-2 * time.Hour)
	q.Add(old, PosBottom)

	forced := testJob(cfg, "forced", models.PriorityForce)
	forced.AvgDate = time.Now().Add(-1 * time.Minute)
	q.Add(forced, PosBottom)

	got := names(q.ActiveJobs(30 * time.Minute))
	if len(got) != 2 {
		t.Fatalf("active = %v, want [forced old]", got)
	}
	for _, n := range got {
		if n == "fresh" {
			t.Error("job inside propagation delay was dispatched")
		}
	}
}

func TestActiveJobsTopOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Download.TopOnly = true
	q := NewQueue(cfg)
	q.Add(testJob(cfg, "first", models.PriorityNormal), PosBottom)
	q.Add(testJob(cfg, "second", models.PriorityNormal), PosBottom)

	got := names(q.ActiveJobs(0))
	if len(got) != 1 || got[0] != "first" {
		t.Errorf("top_only active = %v, want [first]", got)
	}
}

func TestDuplicatePolicies(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)
	first := testJob(cfg, "release", models.PriorityNormal)
	first.DupeKey = models.DupeKeyFor("release", 100)
	if err := q.Add(first, PosBottom); err != nil {
		t.Fatalf("Add: %v", err)
	}

	cfg.DuplicatePolicy = config.DupFail
	dup := testJob(cfg, "release", models.PriorityNormal)
	dup.DupeKey = first.DupeKey
	if err := q.Add(dup, PosBottom); err == nil {
		t.Error("fail policy admitted a duplicate")
	}

	cfg.DuplicatePolicy = config.DupPause
	dup2 := testJob(cfg, "release-again", models.PriorityNormal)
	dup2.DupeKey = first.DupeKey
	if err := q.Add(dup2, PosBottom); err != nil {
		t.Fatalf("pause policy rejected: %v", err)
	}
	if dup2.StateSnapshot() != models.StatePaused {
		t.Error("pause policy did not pause the duplicate")
	}

	cfg.DuplicatePolicy = config.DupTag
	dup3 := testJob(cfg, "release-more", models.PriorityNormal)
	dup3.DupeKey = first.DupeKey
	if err := q.Add(dup3, PosBottom); err != nil {
		t.Fatalf("tag policy rejected: %v", err)
	}
	if dup3.Name != "DUPLICATE-release-more" {
		t.Errorf("tag policy name = %q", dup3.Name)
	}
}

func TestHistoryDupeCallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.DuplicatePolicy = config.DupFail
	q := NewQueue(cfg)
	q.HistoryDupe = func(key string) bool { return true }

	nzo := testJob(cfg, "seen-before", models.PriorityNormal)
	nzo.DupeKey = models.DupeKeyFor("seen-before", 100)
	if err := q.Add(nzo, PosBottom); err == nil {
		t.Error("history duplicate admitted")
	}
}

func TestPersistRestoreKeepsOrder(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)

	var ids []string
	for i := 0; i < 10; i++ {
		nzo := testJob(cfg, fmt.Sprintf("job%02d", i), models.PriorityNormal)
		if err := q.Add(nzo, PosBottom); err != nil {
			t.Fatalf("Add: %v", err)
		}
		ids = append(ids, nzo.ID)
	}
	// pause one, move another to the top, as a user would mid-session
	q.ByID(ids[3]).Pause()
	q.MoveTop(ids[8])

	wantOrder := names(q.Jobs())

	q2 := NewQueue(cfg)
	if err := q2.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	gotOrder := names(q2.Jobs())
	if len(gotOrder) != len(wantOrder) {
		t.Fatalf("restored %d jobs, want %d", len(gotOrder), len(wantOrder))
	}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("restored order = %v, want %v", gotOrder, wantOrder)
		}
	}
	if q2.ByID(ids[3]).StateSnapshot() != models.StatePaused {
		t.Error("paused state lost across restart")
	}
}

func TestRestoreMissingFileYieldsEmptyQueue(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)
	if err := q.Restore(); err != nil {
		t.Fatalf("Restore on fresh dir: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("restored %d jobs from nothing", q.Len())
	}
}

func TestRestoreRefusesNewerVersion(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.AdminDir, fmt.Sprintf("queue%d.sab", QueueVersion))
	if err := os.WriteFile(path, []byte(`{"version":99,"jobs":[]}`), 0644); err != nil {
		t.Fatal(err)
	}
	q := NewQueue(cfg)
	if err := q.Restore(); err == nil {
		t.Error("newer queue version accepted")
	}
}

func TestRestoreClearsStaleFetchers(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)
	nzo := testJob(cfg, "crashy", models.PriorityNormal)
	q.Add(nzo, PosBottom)

	// simulate a crash with an article on the wire
	a := nzo.Files[0].Articles[0]
	nzo.ClaimArticle(a, "srv", 0)
	if err := nzo.SaveAdmin(); err != nil {
		t.Fatalf("SaveAdmin: %v", err)
	}

	q2 := NewQueue(cfg)
	if err := q2.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	restored := q2.ByID(nzo.ID)
	if restored == nil {
		t.Fatal("job not restored")
	}
	if restored.Files[0].Articles[0].Fetcher != "" {
		t.Error("stale fetcher assignment survived restart")
	}
}

func TestFailToHistory(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)
	var handed *models.NzbObject
	q.OnFailToHistory = func(nzo *models.NzbObject) { handed = nzo }
	dropped := ""
	q.DropCache = func(jobID string) { dropped = jobID }

	nzo := testJob(cfg, "doomed", models.PriorityNormal)
	q.Add(nzo, PosBottom)
	q.FailToHistory(nzo, "Aborted, cannot be completed")

	if q.Len() != 0 {
		t.Error("failed job still queued")
	}
	if handed == nil || handed.ID != nzo.ID {
		t.Error("history hand-off missing")
	}
	if dropped != nzo.ID {
		t.Error("cache not purged")
	}
	if nzo.StateSnapshot() != models.StateFailed || nzo.FailMsg != "Aborted, cannot be completed" {
		t.Errorf("state/reason = %v %q", nzo.StateSnapshot(), nzo.FailMsg)
	}
}

func TestDeleteRemovesJobData(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)
	nzo := testJob(cfg, "gone", models.PriorityNormal)
	q.Add(nzo, PosBottom)
	if _, err := os.Stat(filepath.Join(nzo.AdminDir, models.AdminSubDir)); err != nil {
		t.Fatalf("admin dir missing after add: %v", err)
	}

	if !q.Delete(nzo.ID) {
		t.Fatal("Delete failed")
	}
	if q.Len() != 0 {
		t.Error("deleted job still queued")
	}
	if _, err := os.Stat(nzo.AdminDir); !os.IsNotExist(err) {
		t.Error("job dir survived delete")
	}
}

func TestPauseResumeCategory(t *testing.T) {
	cfg := testConfig(t)
	q := NewQueue(cfg)
	tv := testJob(cfg, "show", models.PriorityNormal)
	tv.Category = "tv"
	q.Add(tv, PosBottom)
	movie := testJob(cfg, "film", models.PriorityNormal)
	movie.Category = "movies"
	q.Add(movie, PosBottom)

	if n := q.PauseCategory("tv"); n != 1 {
		t.Errorf("paused %d, want 1", n)
	}
	if tv.StateSnapshot() != models.StatePaused || movie.StateSnapshot() == models.StatePaused {
		t.Error("wrong jobs paused")
	}
	if n := q.ResumeCategory("tv"); n != 1 {
		t.Errorf("resumed %d, want 1", n)
	}
	if tv.StateSnapshot() != models.StateQueued {
		t.Error("category resume did not requeue")
	}
}
