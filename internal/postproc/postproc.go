// Package postproc runs finished jobs through the post-processing chain:
// par2 repair, split-file join, archive unpack, deobfuscation, cleanup,
// move to the completion directory, user script and the final history
// hand-off. One job is processed at a time; waiting jobs sit in a
// persisted secondary queue.
package postproc

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/models"
)

// PPQueueVersion tags the serialized post-processing queue schema.
const PPQueueVersion = 1

// DownloadControl is what the processor needs from the download engine.
type DownloadControl interface {
	PauseForPostProc()
	ResumeFromPostProc()
	FetchExtraPar2(nzo *models.NzbObject, blocks int) int
}

// HistorySink receives finished jobs.
type HistorySink interface {
	Add(rec *models.HistoryRecord) error
}

type ppEntry struct {
	ID  string `json:"id"`
	Dir string `json:"dir"`
}

type ppEnvelope struct {
	Version int       `json:"version"`
	Jobs    []ppEntry `json:"jobs"`
}

// Processor is the post-processing worker.
type Processor struct {
	cfg        *config.MainConfig
	downloader DownloadControl
	history    HistorySink

	mux       sync.Mutex
	waiting   []*models.NzbObject
	current   *models.NzbObject
	retried   map[string]bool // nzo id -> already retried after a tool crash
	extracted map[string]bool // archive paths consumed by unpack
	wake      chan struct{}

	paused atomic.Bool // user pause: stop between stages, not mid-tool

	// OnProgress receives UI status lines ("Verifying 12/40").
	OnProgress func(nzoID, line string)
	// OnWarning feeds the supervisor's warning ring.
	OnWarning func(msg string)

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewProcessor creates the post-processing worker.
func NewProcessor(cfg *config.MainConfig, dl DownloadControl, hist HistorySink) *Processor {
	return &Processor{
		cfg:        cfg,
		downloader: dl,
		history:    hist,
		retried:    make(map[string]bool),
		extracted:  make(map[string]bool),
		wake:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}
}

func (p *Processor) ppFilePath() string {
	return filepath.Join(p.cfg.AdminDir, fmt.Sprintf("postproc%d.sab", PPQueueVersion))
}

// Enqueue adds a finished download to the post-processing queue.
func (p *Processor) Enqueue(nzo *models.NzbObject) {
	p.mux.Lock()
	p.waiting = append(p.waiting, nzo)
	p.mux.Unlock()
	p.persist()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pause suspends stage transitions at the next safe point.
func (p *Processor) Pause()  { p.paused.Store(true) }
func (p *Processor) Resume() { p.paused.Store(false) }

// QueueLen returns the number of jobs waiting plus any job in progress.
func (p *Processor) QueueLen() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	n := len(p.waiting)
	if p.current != nil {
		n++
	}
	return n
}

// Run processes jobs one at a time until stopped.
func (p *Processor) Run() {
	p.wg.Add(1)
	defer p.wg.Done()
	log.Printf("[POSTPROC] Worker started")
	for {
		nzo := p.dequeue()
		if nzo == nil {
			select {
			case <-p.wake:
				continue
			case <-p.stopChan:
				return
			}
		}
		p.process(nzo)
		p.mux.Lock()
		p.current = nil
		p.mux.Unlock()
		p.persist()

		select {
		case <-p.stopChan:
			return
		default:
		}
	}
}

// Stop halts the worker after the current job's current stage.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
	log.Printf("[POSTPROC] Worker stopped")
}

func (p *Processor) dequeue() *models.NzbObject {
	p.mux.Lock()
	defer p.mux.Unlock()
	if len(p.waiting) == 0 {
		return nil
	}
	nzo := p.waiting[0]
	p.waiting = p.waiting[1:]
	p.current = nzo
	return nzo
}

// waitUnpaused blocks between stages while the user pause is in effect.
func (p *Processor) waitUnpaused() {
	for p.paused.Load() {
		select {
		case <-p.stopChan:
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (p *Processor) progress(nzo *models.NzbObject, line string) {
	if p.OnProgress != nil {
		p.OnProgress(nzo.ID, line)
	}
}

func (p *Processor) warn(msg string) {
	log.Printf("[POSTPROC] WARN %s", msg)
	if p.OnWarning != nil {
		p.OnWarning(msg)
	}
}

// process runs the full stage chain for one job.
func (p *Processor) process(nzo *models.NzbObject) {
	start := time.Now()
	log.Printf("[POSTPROC] Processing job %s (%s)", nzo.ID, nzo.Name)
	p.downloader.PauseForPostProc()
	defer p.downloader.ResumeFromPostProc()

	anyFailed := false
	failMsg := ""
	record := func(res stageResult, stage string) bool {
		switch res.status {
		case stagePartialOk:
			p.warn(stage + ": " + res.message)
			nzo.AppendStageLog(stage, "Warning: "+res.message)
		case stageFailed:
			anyFailed = true
			if failMsg == "" {
				failMsg = res.message
			}
			nzo.AppendStageLog(stage, "Failed: "+res.message)
		}
		return res.status != stageFailed
	}

	type namedStage struct {
		name string
		run  func() stageResult
	}
	stages := []namedStage{
		{"Repair", func() stageResult {
			if nzo.PPLevel < models.PPRepair {
				return ok()
			}
			return p.stageRepair(nzo)
		}},
		{"Join", func() stageResult { return p.stageJoin(nzo) }},
		{"Unpack", func() stageResult { return p.stageUnpack(nzo) }},
		{"Deobfuscate", func() stageResult { return p.stageDeobfuscate(nzo) }},
		{"Cleanup", func() stageResult {
			if nzo.PPLevel < models.PPDelete {
				return ok()
			}
			return p.stageCleanup(nzo)
		}},
	}

	for _, st := range stages {
		p.waitUnpaused()
		select {
		case <-p.stopChan:
			// job stays first in line for the next start
			p.mux.Lock()
			p.waiting = append([]*models.NzbObject{nzo}, p.waiting...)
			p.mux.Unlock()
			p.persist()
			return
		default:
		}
		res := st.run()
		if res.status == stageRetryLater {
			// job went back to the download queue for more par2 blocks
			return
		}
		if res.status == stageEncrypted {
			p.parkEncrypted(nzo)
			return
		}
		if res.status == stageFailed && p.shouldRetry(nzo, res.message) {
			res = st.run()
		}
		if !record(res, st.name) {
			break
		}
	}

	p.waitUnpaused()
	finalDir := ""
	if !anyFailed || !p.cfg.PostProc.SafePostproc {
		var res stageResult
		res, finalDir = p.stageMove(nzo, anyFailed)
		record(res, "Move")
	}

	scriptLog := ""
	if finalDir != "" {
		var res stageResult
		res, scriptLog = p.stageScript(nzo, finalDir, !anyFailed)
		record(res, "Script")
	}

	p.finalize(nzo, finalDir, failMsg, scriptLog, anyFailed, start)
}

// parkEncrypted pauses the job and the worker until a password arrives.
// SetPassword re-enqueues the job and resumes the worker.
func (p *Processor) parkEncrypted(nzo *models.NzbObject) {
	nzo.Mux.Lock()
	nzo.FailMsg = "Encrypted"
	nzo.State = models.StatePaused
	nzo.Mux.Unlock()
	p.Pause()
	p.warn(fmt.Sprintf("job %s needs a password (Encrypted)", nzo.ID))
	p.mux.Lock()
	p.waiting = append([]*models.NzbObject{nzo}, p.waiting...)
	p.mux.Unlock()
	p.persist()
}

// SetPassword supplies a password for an encrypted job and restarts
// post-processing.
func (p *Processor) SetPassword(nzoID, password string) bool {
	p.mux.Lock()
	var target *models.NzbObject
	for _, j := range p.waiting {
		if j.ID == nzoID {
			target = j
			break
		}
	}
	p.mux.Unlock()
	if target == nil {
		return false
	}
	target.Mux.Lock()
	target.Password = password
	target.FailMsg = ""
	target.State = models.StateQuickCheck
	target.Mux.Unlock()
	p.Resume()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// shouldRetry allows one retry after an external tool crash.
func (p *Processor) shouldRetry(nzo *models.NzbObject, msg string) bool {
	if !isToolDeath(msg) {
		return false
	}
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.retried[nzo.ID] {
		return false
	}
	p.retried[nzo.ID] = true
	log.Printf("[POSTPROC] Tool crash on job %s, retrying stage once: %s", nzo.ID, msg)
	return true
}

func isToolDeath(msg string) bool {
	return strings.Contains(msg, "died") || strings.Contains(msg, "killed")
}

// finalize writes the history record and tears down the admin directory.
func (p *Processor) finalize(nzo *models.NzbObject, finalDir, failMsg, scriptLog string, anyFailed bool, start time.Time) {
	nzo.Mux.Lock()
	nzo.CompletedAt = time.Now()
	if anyFailed {
		nzo.State = models.StateFailed
		nzo.FailMsg = failMsg
	} else {
		nzo.State = models.StateCompleted
	}
	nzo.Mux.Unlock()

	rec := models.NewHistoryRecord(nzo, finalDir)
	rec.PostprocTime = int64(time.Since(start).Seconds())
	rec.ScriptLog = scriptLog
	if err := p.history.Add(rec); err != nil {
		p.warn(fmt.Sprintf("failed to write history for %s: %v", nzo.ID, err))
	}

	if !anyFailed {
		if err := nzo.RemoveAdmin(); err != nil {
			log.Printf("[POSTPROC] Failed to remove admin dir for %s: %v", nzo.ID, err)
		}
		nzo.Mux.RLock()
		jobDir := nzo.AdminDir
		nzo.Mux.RUnlock()
		if err := os.Remove(jobDir); err != nil && !os.IsNotExist(err) {
			// leftovers are fine, the dir may still hold skipped files
			log.Printf("[POSTPROC] Job dir %s not empty after move", jobDir)
		}
	}
	p.mux.Lock()
	delete(p.retried, nzo.ID)
	p.mux.Unlock()
	log.Printf("[POSTPROC] Job %s finished: %s (%s)", nzo.ID, nzo.StateSnapshot(), FormatDuration(time.Since(start)))
}

// persist writes the waiting list atomically.
func (p *Processor) persist() {
	p.mux.Lock()
	env := ppEnvelope{Version: PPQueueVersion}
	if p.current != nil {
		cur := p.current
		cur.Mux.RLock()
		env.Jobs = append(env.Jobs, ppEntry{ID: cur.ID, Dir: cur.AdminDir})
		cur.Mux.RUnlock()
	}
	for _, j := range p.waiting {
		j.Mux.RLock()
		env.Jobs = append(env.Jobs, ppEntry{ID: j.ID, Dir: j.AdminDir})
		j.Mux.RUnlock()
	}
	p.mux.Unlock()

	data, err := json.Marshal(&env)
	if err != nil {
		log.Printf("[POSTPROC] Failed to marshal pp queue: %v", err)
		return
	}
	if err := config.AtomicWriteFile(p.ppFilePath(), data, 0644); err != nil {
		log.Printf("[POSTPROC] Failed to persist pp queue: %v", err)
	}
}

// Restore reloads the waiting list after a restart. Jobs re-run their
// full stage chain; the stages are idempotent over already-processed
// directories.
func (p *Processor) Restore() error {
	data, err := os.ReadFile(p.ppFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read pp queue file: %w", err)
	}
	var env ppEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to parse pp queue file: %w", err)
	}
	if env.Version > PPQueueVersion {
		return fmt.Errorf("pp queue file has version %d, this build supports up to %d",
			env.Version, PPQueueVersion)
	}
	p.mux.Lock()
	defer p.mux.Unlock()
	for _, entry := range env.Jobs {
		nzo, err := models.LoadAdminJob(entry.Dir, entry.ID)
		if err != nil {
			log.Printf("[POSTPROC] Skipping unrestorable pp job %s: %v", entry.ID, err)
			continue
		}
		p.waiting = append(p.waiting, nzo)
	}
	if len(p.waiting) > 0 {
		log.Printf("[POSTPROC] Restored %d pp jobs", len(p.waiting))
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return nil
}
