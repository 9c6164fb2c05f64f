// Package supervisor owns component lifecycle: it builds the queue,
// server pool, cache, downloader, assembler, post-processor, history,
// scheduler and watcher, wires their callbacks, and exposes the pause,
// resume and shutdown operations the API and scheduler drive.
package supervisor

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-while/go-nzbgrab/internal/assembler"
	"github.com/go-while/go-nzbgrab/internal/cache"
	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/downloader"
	"github.com/go-while/go-nzbgrab/internal/history"
	"github.com/go-while/go-nzbgrab/internal/models"
	"github.com/go-while/go-nzbgrab/internal/postproc"
	"github.com/go-while/go-nzbgrab/internal/queue"
	"github.com/go-while/go-nzbgrab/internal/scheduler"
	"github.com/go-while/go-nzbgrab/internal/watcher"
)

// shutdownGrace bounds the wait for in-flight work on shutdown.
const shutdownGrace = 30 * time.Second

// versionCheckURL is polled daily for a newer release.
const versionCheckURL = "https://api.github.com/repos/go-while/go-nzbgrab/releases/latest"

// JobSource turns an NZB file into a job descriptor. The XML parsing
// itself lives outside the core; tests install fixture sources.
type JobSource interface {
	FromFile(path string) (*models.NzbObject, []byte, error)
}

// Supervisor is the component root.
type Supervisor struct {
	Cfg        *config.MainConfig
	Queue      *queue.Queue
	Servers    *downloader.ServerPool
	Cache      *cache.ArticleCache
	Downloader *downloader.Downloader
	Assembler  *assembler.Assembler
	PostProc   *postproc.Processor
	History    *history.Store
	Scheduler  *scheduler.Scheduler
	Watcher    *watcher.Watcher

	// Source parses NZB files dropped into the watched folder.
	Source JobSource

	paused atomic.Bool

	warnMux  sync.Mutex
	warnings []string

	stopOnce sync.Once
	done     chan struct{}
}

// New builds and wires all components. The returned supervisor is not
// running yet; call Start.
func New(cfg *config.MainConfig) (*Supervisor, error) {
	hist, err := history.Open(cfg)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		Cfg:     cfg,
		History: hist,
		Cache:   cache.NewArticleCache(cfg.Download.ArticleCacheLimit),
		done:    make(chan struct{}),
	}
	s.Queue = queue.NewQueue(cfg)
	s.Servers = downloader.NewServerPool(cfg)
	s.Downloader = downloader.NewDownloader(cfg, s.Queue, s.Servers, s.Cache, &s.paused)
	s.Assembler = assembler.NewAssembler(cfg, s.Cache, s.Queue)
	s.PostProc = postproc.NewProcessor(cfg, s.Downloader, hist)
	s.Scheduler = scheduler.NewScheduler(cfg, s)
	s.Watcher = watcher.NewWatcher(cfg.WatchedDir, s)

	s.Queue.HistoryDupe = hist.HasDupe
	s.Queue.DropCache = s.Cache.Drop
	s.Queue.OnFailToHistory = func(nzo *models.NzbObject) {
		rec := models.NewHistoryRecord(nzo, "")
		if err := hist.Add(rec); err != nil {
			s.Warn(fmt.Sprintf("failed to write history for %s: %v", nzo.ID, err))
		}
	}
	s.Downloader.OnComplete = s.PostProc.Enqueue
	s.Downloader.OnRequiredServerDown = func(name string) {
		s.Warn("required server " + name + " is down, downloads paused")
		s.PauseAll()
	}
	s.Assembler.OnDiskFull = s.diskFull
	s.PostProc.OnWarning = s.Warn

	return s, nil
}

// Start restores persisted state and launches the long-lived tasks.
func (s *Supervisor) Start() error {
	if err := s.Queue.Restore(); err != nil {
		return err
	}
	if err := s.PostProc.Restore(); err != nil {
		return err
	}
	s.scanOrphans()

	go s.Downloader.Run()
	go s.Assembler.Run()
	go s.PostProc.Run()
	go s.Scheduler.Run()
	go s.Watcher.Run()
	log.Printf("[SUPERVISOR] All components started")
	return nil
}

// Shutdown stops everything, bounded by the grace period.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() {
		log.Printf("[SUPERVISOR] Shutting down")
		finished := make(chan struct{})
		go func() {
			s.Scheduler.Stop()
			s.Watcher.Stop()
			s.Downloader.Stop()
			s.Cache.Close()
			s.Assembler.Stop()
			s.PostProc.Stop()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(shutdownGrace):
			log.Printf("[SUPERVISOR] Grace period expired, forcing shutdown")
		}
		s.Queue.Persist()
		s.Servers.Shutdown()
		if err := s.History.Close(); err != nil {
			log.Printf("[SUPERVISOR] History close: %v", err)
		}
		close(s.done)
		log.Printf("[SUPERVISOR] Shutdown complete")
	})
	<-s.done
}

// Paused reports the global pause flag.
func (s *Supervisor) Paused() bool { return s.paused.Load() }

// AddJob admits a parsed job: admin dir layout, stored NZB, queue entry.
// nzbData may be nil when no source NZB exists (API-constructed jobs).
func (s *Supervisor) AddJob(nzo *models.NzbObject, nzbData []byte) error {
	nzo.Mux.Lock()
	if nzo.ID == "" {
		nzo.ID = models.NewNzoID()
	}
	if nzo.SanitizedName == "" {
		nzo.SanitizedName = models.SanitizeJobName(nzo.Name)
	}
	if nzo.AdminDir == "" {
		nzo.AdminDir = filepath.Join(s.Cfg.Download.IncompleteDir, nzo.SanitizedName)
	}
	if nzo.CreatedAt.IsZero() {
		nzo.CreatedAt = time.Now()
	}
	if nzo.DupeKey == "" {
		nzo.DupeKey = models.DupeKeyFor(nzo.Name, nzo.TotalBytes)
	}
	nzo.State = models.StateQueued
	nzo.Mux.Unlock()
	nzo.RecomputeAvgDate()

	if _, err := nzo.AdminPath(); err != nil {
		return err
	}
	if nzbData != nil {
		if err := nzo.SaveNzbGz(nzbData); err != nil {
			log.Printf("[SUPERVISOR] Failed to store NZB for %s: %v", nzo.ID, err)
		}
	}
	if err := nzo.SaveAttribs(nzo.Attribs()); err != nil {
		log.Printf("[SUPERVISOR] Failed to store attribs for %s: %v", nzo.ID, err)
	}
	return s.Queue.Add(nzo, queue.PosBottom)
}

// AddNzbFile implements watcher.JobReceiver through the installed source.
func (s *Supervisor) AddNzbFile(path string) error {
	if s.Source == nil {
		return fmt.Errorf("no job source installed, cannot parse %s", path)
	}
	nzo, nzbData, err := s.Source.FromFile(path)
	if err != nil {
		// refused jobs still leave a history trace with the reason
		rec := &models.HistoryRecord{
			NzoID:       models.NewNzoID(),
			Name:        filepath.Base(path),
			NameLower:   strings.ToLower(filepath.Base(path)),
			Status:      models.StatusFailed,
			FailMessage: "Parse error: " + err.Error(),
			Completed:   time.Now().Unix(),
		}
		s.History.Add(rec)
		return err
	}
	return s.AddJob(nzo, nzbData)
}

// scanOrphans logs admin directories on disk that no restored job claims.
func (s *Supervisor) scanOrphans() {
	known := make(map[string]bool)
	for _, j := range s.Queue.Jobs() {
		j.Mux.RLock()
		known[j.AdminDir] = true
		j.Mux.RUnlock()
	}
	entries, err := os.ReadDir(s.Cfg.Download.IncompleteDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.Cfg.Download.IncompleteDir, e.Name())
		if known[dir] {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, models.AdminSubDir)); err == nil {
			log.Printf("[SUPERVISOR] Orphan job directory %s (not in restored queue)", dir)
		}
	}
}

// Warn appends to the bounded warning ring.
func (s *Supervisor) Warn(msg string) {
	size := s.Cfg.WarningRingSize
	if size <= 0 {
		size = 20
	}
	s.warnMux.Lock()
	s.warnings = append(s.warnings, time.Now().Format("15:04:05")+" "+msg)
	if len(s.warnings) > size {
		s.warnings = s.warnings[len(s.warnings)-size:]
	}
	s.warnMux.Unlock()
	log.Printf("[SUPERVISOR] WARN %s", msg)
}

// Warnings returns the current warning ring, oldest first.
func (s *Supervisor) Warnings() []string {
	s.warnMux.Lock()
	defer s.warnMux.Unlock()
	return append([]string(nil), s.warnings...)
}

// diskFull pauses downloads and arms the free-space watcher with the
// bytes the queue still expects to write.
func (s *Supervisor) diskFull() {
	s.Warn("disk full, downloads paused")
	s.PauseAll()
	var needed int64
	for _, j := range s.Queue.Jobs() {
		j.Mux.RLock()
		needed += j.TotalBytes - j.BytesDownloaded
		j.Mux.RUnlock()
	}
	if needed < 1 {
		needed = 1
	}
	s.Scheduler.WatchFreeSpace(needed)
}

// scheduler.Actions implementation

func (s *Supervisor) PauseAll() {
	s.paused.Store(true)
	log.Printf("[SUPERVISOR] Downloads paused")
}

func (s *Supervisor) ResumeAll() {
	s.paused.Store(false)
	// a disk-full pause may have left a segment waiting for its write retry
	s.Assembler.RetryHeld()
	log.Printf("[SUPERVISOR] Downloads resumed")
}

func (s *Supervisor) PausePostProc()  { s.PostProc.Pause() }
func (s *Supervisor) ResumePostProc() { s.PostProc.Resume() }

func (s *Supervisor) PausePriority(tier int)    { s.Queue.PausePriority(models.Priority(tier)) }
func (s *Supervisor) ResumePriority(tier int)   { s.Queue.ResumePriority(models.Priority(tier)) }
func (s *Supervisor) PauseCategory(cat string)  { s.Queue.PauseCategory(cat) }
func (s *Supervisor) ResumeCategory(cat string) { s.Queue.ResumeCategory(cat) }

func (s *Supervisor) SetSpeedLimit(percent int) {
	s.Downloader.Limiter().SetLimit(s.Cfg.Download.SpeedLimitAbs, percent)
	log.Printf("[SUPERVISOR] Speed limit set to %d%%", percent)
}

func (s *Supervisor) EnableServer(name string) {
	if srv := s.Servers.ByName(name); srv != nil {
		srv.Enable()
	}
}

func (s *Supervisor) DisableServer(name string) {
	if srv := s.Servers.ByName(name); srv != nil {
		srv.Disable()
	}
}

func (s *Supervisor) CheckServerQuotas(now time.Time) { s.Servers.CheckQuotas(now) }
func (s *Supervisor) CheckServerExpiry(now time.Time) { s.Servers.CheckExpiry(now) }

func (s *Supervisor) RolloverTotals(now time.Time) { s.Downloader.Meter().Rollover(now) }
func (s *Supervisor) TrimHistory(now time.Time)    { s.History.TrimRetention(now) }

// FreeSpaceBelow reports whether the incomplete dir's filesystem has
// less than needed bytes free.
func (s *Supervisor) FreeSpaceBelow(needed int64) bool {
	free, err := scheduler.FreeSpace(s.Cfg.Download.IncompleteDir)
	if err != nil {
		return false // cannot measure, assume space came back
	}
	return free < needed
}

// CheckVersion polls the release feed and logs a newer version.
func (s *Supervisor) CheckVersion() {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(versionCheckURL)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil || resp.StatusCode != http.StatusOK {
		return
	}
	if tag := extractTagName(string(body)); tag != "" && tag != config.AppVersion {
		log.Printf("[SUPERVISOR] Newer release available: %s (running %s)", tag, config.AppVersion)
		s.Warn("newer release available: " + tag)
	}
}

func extractTagName(body string) string {
	const marker = `"tag_name":"`
	i := strings.Index(body, marker)
	if i < 0 {
		return ""
	}
	rest := body[i+len(marker):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return rest[:j]
}
