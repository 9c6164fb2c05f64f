// Package assembler streams decoded articles from the article cache into
// files under the incomplete directory. Each file is written strictly in
// segment order; the cache absorbs out-of-order arrival.
package assembler

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/go-while/go-nzbgrab/internal/cache"
	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/models"
	"github.com/go-while/go-nzbgrab/internal/queue"
)

// Assembler drains the article cache into per-job files.
type Assembler struct {
	cfg   *config.MainConfig
	cache *cache.ArticleCache
	q     *queue.Queue

	mux  sync.Mutex
	open map[cache.FileKey]*os.File

	// bytesWritten tracks per-file progress for the completion invariant.
	bytesWritten map[cache.FileKey]int64

	// held carries a segment taken from the cache whose write failed with
	// ENOSPC. It is retried before the cache is consulted again, so no
	// bytes are lost across a disk-full pause.
	held map[cache.FileKey]*cache.CachedArticle

	// OnDiskFull fires once per ENOSPC episode; the supervisor pauses
	// downloading and arms the free-space re-check.
	OnDiskFull func()

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewAssembler creates the assembler over the shared cache and queue.
func NewAssembler(cfg *config.MainConfig, artCache *cache.ArticleCache, q *queue.Queue) *Assembler {
	return &Assembler{
		cfg:          cfg,
		cache:        artCache,
		q:            q,
		open:         make(map[cache.FileKey]*os.File),
		bytesWritten: make(map[cache.FileKey]int64),
		held:         make(map[cache.FileKey]*cache.CachedArticle),
		stopChan:     make(chan struct{}),
	}
}

// Run consumes readiness signals until the cache closes. One goroutine.
func (asm *Assembler) Run() {
	asm.wg.Add(1)
	defer asm.wg.Done()
	log.Printf("[ASSEMBLER] Started")
	for {
		select {
		case key, ok := <-asm.cache.Ready:
			if !ok {
				asm.closeAll()
				return
			}
			asm.drainFile(key)
		case <-asm.stopChan:
			asm.closeAll()
			return
		}
		// the Ready channel drops signals under pressure; sweep leftovers
		for _, key := range asm.cache.PendingFiles() {
			asm.drainFile(key)
		}
	}
}

// Stop halts the assembler and closes open descriptors.
func (asm *Assembler) Stop() {
	asm.stopOnce.Do(func() { close(asm.stopChan) })
	asm.wg.Wait()
}

// drainFile writes every contiguously-available segment of one file and
// finishes the file once the cursor has passed its last segment.
func (asm *Assembler) drainFile(key cache.FileKey) {
	nzo := asm.q.ByID(key.JobID)
	if nzo == nil {
		// deleted while segments were in flight. Jobs handed to
		// post-processing leave the cache empty, so this only purges
		// cancelled work.
		asm.cache.Drop(key.JobID)
		asm.dropHeld(key.JobID)
		return
	}
	for {
		next := asm.nextOrdinal(nzo, key.FileIndex)
		if next < 0 {
			asm.finishFile(nzo, key)
			return
		}
		art := asm.takeSegment(key, next)
		if art == nil {
			return // gap: segment not fetched yet
		}
		if err := asm.writeSegment(nzo, key, art); err != nil {
			if errors.Is(err, syscall.ENOSPC) {
				asm.mux.Lock()
				asm.held[key] = art
				asm.mux.Unlock()
			}
			asm.handleWriteError(nzo, err)
			return
		}
		asm.advance(nzo, key)
	}
}

// takeSegment prefers a held segment whose write failed earlier over the
// cache. The buffer moves to the caller either way.
func (asm *Assembler) takeSegment(key cache.FileKey, ordinal int) *cache.CachedArticle {
	asm.mux.Lock()
	if art := asm.held[key]; art != nil && art.Ordinal == ordinal {
		delete(asm.held, key)
		asm.mux.Unlock()
		return art
	}
	asm.mux.Unlock()
	return asm.cache.TakeForAssembly(key, ordinal)
}

// RetryHeld re-signals files holding a segment whose write failed, so the
// write is retried. Called when a disk-full pause is lifted.
func (asm *Assembler) RetryHeld() {
	asm.mux.Lock()
	keys := make([]cache.FileKey, 0, len(asm.held))
	for key := range asm.held {
		keys = append(keys, key)
	}
	asm.mux.Unlock()
	for _, key := range keys {
		asm.cache.Nudge(key)
	}
}

func (asm *Assembler) dropHeld(jobID string) {
	asm.mux.Lock()
	for key := range asm.held {
		if key.JobID == jobID {
			delete(asm.held, key)
		}
	}
	asm.mux.Unlock()
}

// nextOrdinal returns the file's write cursor, or -1 when done/invalid.
// Failed segments are skipped: the cursor jumps over them so later
// segments still land at their declared offsets.
func (asm *Assembler) nextOrdinal(nzo *models.NzbObject, fileIndex int) int {
	nzo.Mux.Lock()
	defer nzo.Mux.Unlock()
	if fileIndex < 0 || fileIndex >= len(nzo.Files) {
		return -1
	}
	f := nzo.Files[fileIndex]
	for f.NextWrite < len(f.Articles) && f.Articles[f.NextWrite].Failed {
		f.NextWrite++
	}
	if f.NextWrite >= len(f.Articles) {
		return -1
	}
	// ordinals are 1-based
	return f.NextWrite + 1
}

// writeSegment appends one article body at its offset. The first segment
// of a file triggers filename sanitization and the __renames__ record.
func (asm *Assembler) writeSegment(nzo *models.NzbObject, key cache.FileKey, art *cache.CachedArticle) error {
	fh, err := asm.fileHandle(nzo, key)
	if err != nil {
		return err
	}
	if _, err := fh.WriteAt(art.Data, art.Offset); err != nil {
		return err
	}
	asm.mux.Lock()
	asm.bytesWritten[key] += int64(len(art.Data))
	asm.mux.Unlock()
	return nil
}

// fileHandle opens (once) the on-disk file for a job file, creating the
// job directory and recording the sanitized-name mapping.
func (asm *Assembler) fileHandle(nzo *models.NzbObject, key cache.FileKey) (*os.File, error) {
	asm.mux.Lock()
	if fh, ok := asm.open[key]; ok {
		asm.mux.Unlock()
		return fh, nil
	}
	asm.mux.Unlock()

	nzo.Mux.RLock()
	f := nzo.Files[key.FileIndex]
	declared := f.EffectiveName()
	jobDir := nzo.AdminDir
	nzo.Mux.RUnlock()

	safe := models.SanitizeFilename(declared)
	if safe != declared {
		renames, err := nzo.LoadMap(models.RenamesFileName)
		if err != nil {
			renames = make(map[string]string)
		}
		renames[declared] = safe
		if err := nzo.SaveMap(models.RenamesFileName, renames); err != nil {
			log.Printf("[ASSEMBLER] Failed to record rename for %s: %v", declared, err)
		}
		log.Printf("[ASSEMBLER] Renamed %q to %q", declared, safe)
	}

	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(jobDir, safe)
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	asm.mux.Lock()
	asm.open[key] = fh
	asm.mux.Unlock()
	return fh, nil
}

// advance bumps the write cursor past the segment just written and any
// failed segments behind it.
func (asm *Assembler) advance(nzo *models.NzbObject, key cache.FileKey) {
	nzo.Mux.Lock()
	f := nzo.Files[key.FileIndex]
	f.NextWrite++
	for f.NextWrite < len(f.Articles) && f.Articles[f.NextWrite].Failed {
		f.NextWrite++
	}
	nzo.Mux.Unlock()
}

// finishFile fsyncs and closes a file whose cursor passed the last
// segment and marks it assembled. Idempotent: repeat signals for the
// same file are no-ops. The job becomes download-complete only after
// every file went through here (or failed entirely), so post-processing
// never sees a truncated file.
func (asm *Assembler) finishFile(nzo *models.NzbObject, key cache.FileKey) {
	nzo.Mux.Lock()
	if key.FileIndex < 0 || key.FileIndex >= len(nzo.Files) {
		nzo.Mux.Unlock()
		return
	}
	f := nzo.Files[key.FileIndex]
	if f.Assembled || f.NextWrite < len(f.Articles) {
		nzo.Mux.Unlock()
		return
	}
	declared, failed := f.Size, f.FailedBytes
	name := f.EffectiveName()
	nzo.Mux.Unlock()

	asm.mux.Lock()
	fh := asm.open[key]
	written := asm.bytesWritten[key]
	delete(asm.open, key)
	delete(asm.bytesWritten, key)
	asm.mux.Unlock()

	if fh != nil {
		if err := fh.Sync(); err != nil {
			log.Printf("[ASSEMBLER] fsync failed for %s: %v", name, err)
		}
		fh.Close()
	}

	if written != declared-failed {
		log.Printf("[ASSEMBLER] Size mismatch for %s: wrote %d, declared %d, failed %d",
			name, written, declared, failed)
	}
	nzo.MarkFileComplete(key.FileIndex)
	log.Printf("[ASSEMBLER] File %s assembled (%d bytes)", name, written)
}

// handleWriteError fails the job on persistent write errors. Disk-full
// instead pauses downloading via the supervisor; the segment stays held
// and the write is retried once space recovers.
func (asm *Assembler) handleWriteError(nzo *models.NzbObject, err error) {
	if errors.Is(err, syscall.ENOSPC) {
		log.Printf("[ASSEMBLER] Disk full while assembling job %s", nzo.ID)
		if asm.OnDiskFull != nil {
			asm.OnDiskFull()
		}
		return
	}
	log.Printf("[ASSEMBLER] Write error for job %s: %v", nzo.ID, err)
	asm.q.FailToHistory(nzo, "Disk write error: "+err.Error())
}

func (asm *Assembler) closeAll() {
	asm.mux.Lock()
	defer asm.mux.Unlock()
	for key, fh := range asm.open {
		fh.Sync()
		fh.Close()
		delete(asm.open, key)
	}
}
