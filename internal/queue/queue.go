// Package queue implements the multi-priority job queue: admission with
// duplicate detection, ordering, bulk pause/resume by tier or category,
// and crash-safe persistence of the queue order. Job bodies live in their
// per-job admin directories; the queue file only records order.
package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/models"
)

// QueueVersion tags the serialized queue schema. A file written by a
// newer build is refused on restore.
const QueueVersion = 1

// Position within a priority tier on insert.
type Position int

const (
	PosBottom Position = iota
	PosTop
)

// queueEntry is one line of the persisted queue order.
type queueEntry struct {
	ID  string `json:"id"`
	Dir string `json:"dir"` // job's admin parent dir (incomplete_dir/<name>)
}

type queueEnvelope struct {
	Version int          `json:"version"`
	Jobs    []queueEntry `json:"jobs"`
}

// Queue is the priority-ordered job list. It exclusively owns its jobs.
type Queue struct {
	mux  sync.RWMutex
	cfg  *config.MainConfig
	jobs []*models.NzbObject // sorted by priority tier, stable within tier
	byID map[string]*models.NzbObject

	// HistoryDupe reports whether a duplicate key exists in history.
	// Installed by the supervisor before the queue accepts jobs.
	HistoryDupe func(key string) bool

	// OnFailToHistory receives jobs removed via FailToHistory.
	OnFailToHistory func(nzo *models.NzbObject)

	// DropCache purges cached articles for a job id.
	DropCache func(jobID string)
}

// NewQueue creates an empty queue.
func NewQueue(cfg *config.MainConfig) *Queue {
	return &Queue{
		cfg:  cfg,
		byID: make(map[string]*models.NzbObject),
	}
}

func (q *Queue) queueFilePath() string {
	return filepath.Join(q.cfg.AdminDir, fmt.Sprintf("queue%d.sab", QueueVersion))
}

// insertLocked places the job at the right spot for its priority tier.
func (q *Queue) insertLocked(nzo *models.NzbObject, pos Position) {
	prio := nzo.Priority
	idx := len(q.jobs)
	if pos == PosTop {
		// before the first job of the same or lower tier
		for i, j := range q.jobs {
			if j.Priority <= prio {
				idx = i
				break
			}
		}
	} else {
		// after the last job of the same or higher tier
		for i, j := range q.jobs {
			if j.Priority < prio {
				idx = i
				break
			}
		}
	}
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[idx+1:], q.jobs[idx:])
	q.jobs[idx] = nzo
	q.byID[nzo.ID] = nzo
}

func (q *Queue) removeLocked(id string) *models.NzbObject {
	nzo, ok := q.byID[id]
	if !ok {
		return nil
	}
	delete(q.byID, id)
	for i, j := range q.jobs {
		if j.ID == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			break
		}
	}
	return nzo
}

// Add admits a new job, applying the configured duplicate policy. The
// returned error is non-nil only for the Fail policy.
func (q *Queue) Add(nzo *models.NzbObject, pos Position) error {
	q.mux.Lock()
	dup := q.hasDupeLocked(nzo)
	if dup {
		switch q.cfg.DuplicatePolicy {
		case config.DupFail:
			q.mux.Unlock()
			log.Printf("[QUEUE] Rejected duplicate job %s (%s)", nzo.ID, nzo.Name)
			return fmt.Errorf("duplicate job: %s", nzo.Name)
		case config.DupPause:
			nzo.Mux.Lock()
			nzo.State = models.StatePaused
			nzo.Mux.Unlock()
			log.Printf("[QUEUE] Duplicate job %s (%s) admitted paused", nzo.ID, nzo.Name)
		case config.DupTag:
			nzo.Mux.Lock()
			nzo.Name = "DUPLICATE-" + nzo.Name
			nzo.Mux.Unlock()
			log.Printf("[QUEUE] Duplicate job %s tagged", nzo.ID)
		default:
			// ignore: admit as-is
		}
	}
	q.insertLocked(nzo, pos)
	q.mux.Unlock()

	nzo.SetOnChange(func(changed *models.NzbObject) {
		if err := changed.SaveAdmin(); err != nil {
			log.Printf("[QUEUE] Failed to persist job %s: %v", changed.ID, err)
		}
	})
	if err := nzo.SaveAdmin(); err != nil {
		log.Printf("[QUEUE] Failed to persist new job %s: %v", nzo.ID, err)
	}
	q.Persist()
	log.Printf("[QUEUE] Added job %s (%s) priority %s", nzo.ID, nzo.Name, nzo.Priority)
	return nil
}

// AddExisting reinserts a job the queue handed out earlier (extra-par2
// fetches). No duplicate check.
func (q *Queue) AddExisting(nzo *models.NzbObject, pos Position) {
	q.mux.Lock()
	if _, present := q.byID[nzo.ID]; !present {
		q.insertLocked(nzo, pos)
	}
	q.mux.Unlock()
	q.Persist()
}

func (q *Queue) hasDupeLocked(nzo *models.NzbObject) bool {
	key := nzo.DupeKey
	if key == "" {
		return false
	}
	for _, j := range q.jobs {
		if j.DupeKey == key {
			return true
		}
	}
	return q.HistoryDupe != nil && q.HistoryDupe(key)
}

// activeState reports whether the job may receive dispatch.
func activeState(s models.JobState) bool {
	return s == models.StateQueued || s == models.StateDownloading || s == models.StateFetchingPar2
}

// ActiveJobs returns, in queue order, jobs the downloader may dispatch
// from right now. With top_only only the first candidate is returned.
// Jobs younger than the propagation delay (by average article date) are
// skipped.
func (q *Queue) ActiveJobs(propDelay time.Duration) []*models.NzbObject {
	now := time.Now()
	q.mux.RLock()
	defer q.mux.RUnlock()
	var out []*models.NzbObject
	for _, j := range q.jobs {
		j.Mux.RLock()
		ok := activeState(j.State) && j.Priority > models.PriorityStop
		if ok && j.Priority != models.PriorityForce && propDelay > 0 && !j.AvgDate.IsZero() {
			ok = now.Sub(j.AvgDate) >= propDelay
		}
		j.Mux.RUnlock()
		if !ok {
			continue
		}
		out = append(out, j)
		if q.cfg.Download.TopOnly {
			break
		}
	}
	return out
}

// NextActive returns the single active downloader target, or nil.
func (q *Queue) NextActive(propDelay time.Duration) *models.NzbObject {
	jobs := q.ActiveJobs(propDelay)
	if len(jobs) == 0 {
		return nil
	}
	return jobs[0]
}

// ByID returns a queued job.
func (q *Queue) ByID(id string) *models.NzbObject {
	q.mux.RLock()
	defer q.mux.RUnlock()
	return q.byID[id]
}

// Jobs returns a snapshot of the queue order.
func (q *Queue) Jobs() []*models.NzbObject {
	q.mux.RLock()
	defer q.mux.RUnlock()
	out := make([]*models.NzbObject, len(q.jobs))
	copy(out, q.jobs)
	return out
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mux.RLock()
	defer q.mux.RUnlock()
	return len(q.jobs)
}

// Remove takes a job out of the queue (completion hand-off or deletion).
func (q *Queue) Remove(id string) bool {
	q.mux.Lock()
	nzo := q.removeLocked(id)
	q.mux.Unlock()
	if nzo == nil {
		return false
	}
	q.Persist()
	return true
}

// SetPriority changes a job's tier and re-inserts it at the tier bottom.
func (q *Queue) SetPriority(id string, p models.Priority) bool {
	q.mux.Lock()
	nzo := q.removeLocked(id)
	if nzo == nil {
		q.mux.Unlock()
		return false
	}
	nzo.Mux.Lock()
	nzo.Priority = p
	nzo.Mux.Unlock()
	q.insertLocked(nzo, PosBottom)
	q.mux.Unlock()
	if err := nzo.SaveAdmin(); err != nil {
		log.Printf("[QUEUE] Failed to persist job %s: %v", nzo.ID, err)
	}
	q.Persist()
	return true
}

// MoveTop moves a job to the top of its priority tier.
func (q *Queue) MoveTop(id string) bool {
	q.mux.Lock()
	nzo := q.removeLocked(id)
	if nzo == nil {
		q.mux.Unlock()
		return false
	}
	q.insertLocked(nzo, PosTop)
	q.mux.Unlock()
	q.Persist()
	return true
}

// PausePriority pauses every job at the given tier.
func (q *Queue) PausePriority(p models.Priority) int {
	return q.bulk(func(j *models.NzbObject) bool {
		if j.Priority == p {
			j.Pause()
			return true
		}
		return false
	})
}

// ResumePriority resumes every paused job at the given tier.
func (q *Queue) ResumePriority(p models.Priority) int {
	return q.bulk(func(j *models.NzbObject) bool {
		if j.Priority == p {
			j.Resume()
			return true
		}
		return false
	})
}

// PauseCategory pauses every job carrying the category.
func (q *Queue) PauseCategory(cat string) int {
	return q.bulk(func(j *models.NzbObject) bool {
		if j.Category == cat {
			j.Pause()
			return true
		}
		return false
	})
}

// ResumeCategory resumes every paused job carrying the category.
func (q *Queue) ResumeCategory(cat string) int {
	return q.bulk(func(j *models.NzbObject) bool {
		if j.Category == cat {
			j.Resume()
			return true
		}
		return false
	})
}

func (q *Queue) bulk(apply func(j *models.NzbObject) bool) int {
	n := 0
	for _, j := range q.Jobs() {
		if apply(j) {
			n++
		}
	}
	if n > 0 {
		q.Persist()
	}
	return n
}

// FailToHistory removes the job and hands it to history with the given
// reason. In-flight articles drain first: the job is marked deleted so
// workers abandon it, the cache is purged, then the history hand-off runs.
func (q *Queue) FailToHistory(nzo *models.NzbObject, reason string) {
	q.mux.Lock()
	q.removeLocked(nzo.ID)
	q.mux.Unlock()

	nzo.Mux.Lock()
	nzo.Deleted = true
	nzo.FailMsg = reason
	nzo.State = models.StateFailed
	nzo.Mux.Unlock()

	// wait for in-flight fetches to notice the deletion
	for i := 0; i < 200 && nzo.InFlight() > 0; i++ {
		time.Sleep(50 * time.Millisecond)
	}
	if q.DropCache != nil {
		q.DropCache(nzo.ID)
	}
	q.Persist()
	log.Printf("[QUEUE] Job %s failed to history: %s", nzo.ID, reason)
	if q.OnFailToHistory != nil {
		q.OnFailToHistory(nzo)
	}
}

// Delete removes a job entirely: cache purge, admin and incomplete data
// removal.
func (q *Queue) Delete(id string) bool {
	q.mux.Lock()
	nzo := q.removeLocked(id)
	q.mux.Unlock()
	if nzo == nil {
		return false
	}
	nzo.Mux.Lock()
	nzo.Deleted = true
	nzo.State = models.StateDeleted
	dir := nzo.AdminDir
	nzo.Mux.Unlock()

	for i := 0; i < 200 && nzo.InFlight() > 0; i++ {
		time.Sleep(50 * time.Millisecond)
	}
	if q.DropCache != nil {
		q.DropCache(id)
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("[QUEUE] Failed to remove job dir %s: %v", dir, err)
		}
	}
	q.Persist()
	log.Printf("[QUEUE] Deleted job %s", id)
	return true
}

// Persist writes the queue order atomically.
func (q *Queue) Persist() {
	q.mux.RLock()
	env := queueEnvelope{Version: QueueVersion}
	for _, j := range q.jobs {
		j.Mux.RLock()
		env.Jobs = append(env.Jobs, queueEntry{ID: j.ID, Dir: j.AdminDir})
		j.Mux.RUnlock()
	}
	q.mux.RUnlock()

	data, err := json.Marshal(&env)
	if err != nil {
		log.Printf("[QUEUE] Failed to marshal queue: %v", err)
		return
	}
	if err := config.AtomicWriteFile(q.queueFilePath(), data, 0644); err != nil {
		log.Printf("[QUEUE] Failed to persist queue: %v", err)
	}
}

// Restore loads the queue order and the job bodies from disk. A missing
// queue file yields an empty queue; a newer-versioned file is an error.
func (q *Queue) Restore() error {
	data, err := os.ReadFile(q.queueFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read queue file: %w", err)
	}
	var env queueEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to parse queue file: %w", err)
	}
	if env.Version > QueueVersion {
		return fmt.Errorf("queue file has version %d, this build supports up to %d",
			env.Version, QueueVersion)
	}

	q.mux.Lock()
	defer q.mux.Unlock()
	for _, entry := range env.Jobs {
		nzo, err := models.LoadAdminJob(entry.Dir, entry.ID)
		if err != nil {
			log.Printf("[QUEUE] Skipping unrestorable job %s: %v", entry.ID, err)
			continue
		}
		// in-flight assignments do not survive a restart
		for _, f := range nzo.Files {
			for _, a := range f.Articles {
				if !a.Done && !a.Failed {
					a.Fetcher = ""
				}
			}
		}
		nzo.SetOnChange(func(changed *models.NzbObject) {
			if err := changed.SaveAdmin(); err != nil {
				log.Printf("[QUEUE] Failed to persist job %s: %v", changed.ID, err)
			}
		})
		q.jobs = append(q.jobs, nzo)
		q.byID[nzo.ID] = nzo
	}
	log.Printf("[QUEUE] Restored %d jobs", len(q.jobs))
	return nil
}
