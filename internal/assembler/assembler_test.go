package assembler

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-while/go-nzbgrab/internal/cache"
	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/models"
	"github.com/go-while/go-nzbgrab/internal/queue"
)

func testSetup(t *testing.T) (*Assembler, *queue.Queue, *cache.ArticleCache) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.AdminDir = t.TempDir()
	c := cache.NewArticleCache(1 << 20)
	q := queue.NewQueue(cfg)
	return NewAssembler(cfg, c, q), q, c
}

func testJob(dir, filename string, segments int, segBytes int64) *models.NzbObject {
	f := &models.NzbFile{
		ID:       models.NewNzfID(),
		Filename: filename,
		Size:     int64(segments) * segBytes,
	}
	for i := 1; i <= segments; i++ {
		f.Articles = append(f.Articles, &models.Article{
			MessageID: fmt.Sprintf("<seg%d@test>", i),
			Bytes:     segBytes,
			FileIndex: 0,
			Ordinal:   i,
		})
	}
	f.BytesLeft = f.Size
	return &models.NzbObject{
		ID:            models.NewNzoID(),
		Name:          "job",
		SanitizedName: "job",
		AdminDir:      dir,
		State:         models.StateDownloading,
		Files:         []*models.NzbFile{f},
		TotalBytes:    f.Size,
	}
}

func seg(jobID string, ordinal int, off int64, data string) *cache.CachedArticle {
	return &cache.CachedArticle{
		Key:     cache.FileKey{JobID: jobID, FileIndex: 0},
		Ordinal: ordinal,
		Offset:  off,
		Data:    []byte(data),
	}
}

func TestDrainAssemblesOutOfOrderSegments(t *testing.T) {
	asm, q, c := testSetup(t)
	dir := t.TempDir()
	nzo := testJob(dir, "file.bin", 2, 4)
	q.AddExisting(nzo, queue.PosBottom)
	key := cache.FileKey{JobID: nzo.ID, FileIndex: 0}

	c.Put(seg(nzo.ID, 2, 4, "tail"))
	asm.drainFile(key) // segment 1 missing: nothing writable yet
	if nzo.Files[0].Assembled {
		t.Fatal("file assembled with a leading gap")
	}

	c.Put(seg(nzo.ID, 1, 0, "head"))
	asm.drainFile(key)

	data, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	if err != nil {
		t.Fatalf("reading assembled file: %v", err)
	}
	if string(data) != "headtail" {
		t.Errorf("file content = %q, want headtail", data)
	}
	if !nzo.Files[0].Assembled {
		t.Error("file not marked assembled")
	}
}

func TestFetchedJobNotCompleteUntilAssembled(t *testing.T) {
	asm, q, c := testSetup(t)
	nzo := testJob(t.TempDir(), "file.bin", 2, 4)
	q.AddExisting(nzo, queue.PosBottom)
	key := cache.FileKey{JobID: nzo.ID, FileIndex: 0}

	// both segments fetched, only the first delivered to the assembler
	for _, a := range nzo.Files[0].Articles {
		nzo.ClaimArticle(a, "s", 0)
		nzo.FinishArticle(a, true)
	}
	c.Put(seg(nzo.ID, 1, 0, "head"))
	asm.drainFile(key)

	if nzo.DownloadComplete() {
		t.Fatal("job complete with a segment still in the cache")
	}

	c.Put(seg(nzo.ID, 2, 4, "tail"))
	asm.drainFile(key)
	if !nzo.DownloadComplete() {
		t.Error("job not complete after the last segment was written")
	}
}

func TestTrailingFailedSegmentFinishesFile(t *testing.T) {
	asm, q, c := testSetup(t)
	dir := t.TempDir()
	nzo := testJob(dir, "file.bin", 2, 4)
	q.AddExisting(nzo, queue.PosBottom)
	key := cache.FileKey{JobID: nzo.ID, FileIndex: 0}

	c.Put(seg(nzo.ID, 1, 0, "head"))
	asm.drainFile(key)
	if nzo.Files[0].Assembled {
		t.Fatal("file assembled with segment 2 still pending")
	}

	// segment 2 fails on every fit server; the downloader nudges the file
	nzo.AddFailedArticle(nzo.Files[0].Articles[1])
	asm.drainFile(key)

	if !nzo.Files[0].Assembled {
		t.Error("file with a trailing failed segment never finished")
	}
	if !nzo.DownloadComplete() {
		t.Error("job not complete after its last writable segment landed")
	}
	info, err := os.Stat(filepath.Join(dir, "file.bin"))
	if err != nil || info.Size() != 4 {
		t.Errorf("on-disk size = %v (err %v), want 4", info, err)
	}
}

func TestDiskFullHoldsSegmentForRetry(t *testing.T) {
	asm, q, c := testSetup(t)
	fired := 0
	asm.OnDiskFull = func() { fired++ }

	// /dev/full returns ENOSPC on every write
	nzo := testJob("/dev", "full", 1, 4)
	q.AddExisting(nzo, queue.PosBottom)
	key := cache.FileKey{JobID: nzo.ID, FileIndex: 0}

	c.Put(seg(nzo.ID, 1, 0, "data"))
	asm.drainFile(key)

	if fired != 1 {
		t.Fatalf("OnDiskFull fired %d times, want 1", fired)
	}
	asm.mux.Lock()
	heldArt := asm.held[key]
	asm.mux.Unlock()
	if heldArt == nil {
		t.Fatal("segment not held after ENOSPC")
	}
	if nzo.Files[0].Assembled {
		t.Fatal("file assembled despite the failed write")
	}

	// space recovers: swap the descriptor for a writable file and retry
	dst, err := os.Create(filepath.Join(t.TempDir(), "full"))
	if err != nil {
		t.Fatalf("creating retry target: %v", err)
	}
	asm.mux.Lock()
	asm.open[key].Close()
	asm.open[key] = dst
	asm.mux.Unlock()

	asm.RetryHeld()
	select {
	case got := <-c.Ready:
		if got != key {
			t.Fatalf("retry signalled %+v, want %+v", got, key)
		}
	default:
		t.Fatal("RetryHeld did not signal the held file")
	}
	asm.drainFile(key)

	if !nzo.Files[0].Assembled {
		t.Error("file not assembled after the retried write")
	}
	data, err := os.ReadFile(dst.Name())
	if err != nil || string(data) != "data" {
		t.Errorf("retried write produced %q (err %v), want data", data, err)
	}
}
