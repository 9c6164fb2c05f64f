// Package scheduler runs timed actions: configured cron-style tasks,
// the built-in maintenance tasks (midnight rollover, retention trim,
// server expiry and quota checks, version check) and one-shot timers
// such as resume-in-N-minutes and the free-space auto-resume installed
// on disk-full.
package scheduler

import (
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-while/go-nzbgrab/internal/config"
)

// tick is the scheduler's resolution.
const tick = 30 * time.Second

// freeSpaceInterval is how often the disk-full watcher re-checks.
const freeSpaceInterval = 5 * time.Minute

// Actions is the control surface the scheduler drives. Implemented by
// the supervisor; the scheduler never touches component internals.
type Actions interface {
	PauseAll()
	ResumeAll()
	PausePostProc()
	ResumePostProc()
	PausePriority(tier int)
	ResumePriority(tier int)
	PauseCategory(cat string)
	ResumeCategory(cat string)
	SetSpeedLimit(percent int)
	EnableServer(name string)
	DisableServer(name string)
	CheckServerQuotas(now time.Time)
	CheckServerExpiry(now time.Time)
	RolloverTotals(now time.Time)
	TrimHistory(now time.Time)
	CheckVersion()
	FreeSpaceBelow(minFree int64) bool
}

// Scheduler fires configured and built-in tasks.
type Scheduler struct {
	mux     sync.Mutex
	cfg     *config.MainConfig
	actions Actions

	tasks []config.SchedTask

	// resumePlan is the one and only planned resume time; a fired timer
	// is ignored unless it still matches the plan.
	resumePlan time.Time

	// spaceWatch is armed by disk-full and cleared once space returns.
	spaceWatch     bool
	spaceWatchNext time.Time
	spaceNeeded    int64

	lastMinute string // "HH:MM" last cron evaluation, fire once per minute
	lastDay    string
	versionAt  time.Time // today's randomized version-check time
	lastQuota  time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler builds the scheduler from the configured task list.
func NewScheduler(cfg *config.MainConfig, actions Actions) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		actions:  actions,
		tasks:    append([]config.SchedTask(nil), cfg.SchedTasks...),
		stopChan: make(chan struct{}),
	}
	s.planVersionCheck(time.Now())
	return s
}

// Run is the scheduler loop. One goroutine.
func (s *Scheduler) Run() {
	s.wg.Add(1)
	defer s.wg.Done()
	log.Printf("[SCHEDULER] Started with %d configured tasks", len(s.tasks))
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case now := <-ticker.C:
			s.evaluate(now)
		}
	}
}

// Stop halts the loop. Pending one-shot plans are dropped; persisted
// state (queue, totals) does not depend on them.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	log.Printf("[SCHEDULER] Stopped")
}

// Reload replaces the configured task list without losing one-shot plans.
func (s *Scheduler) Reload(tasks []config.SchedTask) {
	s.mux.Lock()
	s.tasks = append([]config.SchedTask(nil), tasks...)
	s.mux.Unlock()
	log.Printf("[SCHEDULER] Reloaded %d tasks", len(tasks))
}

// ResumeIn plans a one-shot resume after the given delay, replacing any
// earlier plan.
func (s *Scheduler) ResumeIn(d time.Duration) {
	s.mux.Lock()
	s.resumePlan = time.Now().Add(d)
	plan := s.resumePlan
	s.mux.Unlock()
	log.Printf("[SCHEDULER] Resume planned for %s", plan.Format("15:04:05"))

	time.AfterFunc(d, func() {
		s.mux.Lock()
		still := !s.resumePlan.IsZero() && plan.Equal(s.resumePlan)
		if still {
			s.resumePlan = time.Time{}
		}
		s.mux.Unlock()
		if still {
			log.Printf("[SCHEDULER] Planned resume firing")
			s.actions.ResumeAll()
		}
	})
}

// CancelResume drops the planned resume.
func (s *Scheduler) CancelResume() {
	s.mux.Lock()
	s.resumePlan = time.Time{}
	s.mux.Unlock()
}

// WatchFreeSpace arms the disk-full recovery: every 5 minutes free space
// is compared against the bytes the paused job still needs.
func (s *Scheduler) WatchFreeSpace(needed int64) {
	s.mux.Lock()
	s.spaceWatch = true
	s.spaceNeeded = needed
	s.spaceWatchNext = time.Now().Add(freeSpaceInterval)
	s.mux.Unlock()
	log.Printf("[SCHEDULER] Free-space watcher armed, need %d bytes", needed)
}

// evaluate runs everything due at the given instant.
func (s *Scheduler) evaluate(now time.Time) {
	minute := now.Format("15:04")
	day := now.Format("2006-01-02")

	s.mux.Lock()
	newMinute := minute != s.lastMinute
	s.lastMinute = minute
	newDay := day != s.lastDay && s.lastDay != ""
	firstPass := s.lastDay == ""
	s.lastDay = day
	quotaDue := now.Sub(s.lastQuota) >= 10*time.Minute
	if quotaDue {
		s.lastQuota = now
	}
	versionDue := !s.versionAt.IsZero() && now.After(s.versionAt)
	if versionDue {
		s.versionAt = time.Time{}
	}
	spaceDue := s.spaceWatch && now.After(s.spaceWatchNext)
	if spaceDue {
		s.spaceWatchNext = now.Add(freeSpaceInterval)
	}
	needed := s.spaceNeeded
	tasks := s.tasks
	s.mux.Unlock()

	if newDay || firstPass {
		s.actions.RolloverTotals(now)
		s.actions.TrimHistory(now)
		s.actions.CheckServerExpiry(now)
		if newDay {
			s.planVersionCheck(now)
		}
	}
	if quotaDue {
		s.actions.CheckServerQuotas(now)
	}
	if versionDue {
		s.actions.CheckVersion()
	}
	if spaceDue {
		if !s.actions.FreeSpaceBelow(needed) {
			log.Printf("[SCHEDULER] Free space recovered, resuming downloads")
			s.mux.Lock()
			s.spaceWatch = false
			s.mux.Unlock()
			s.actions.ResumeAll()
		}
	}

	if newMinute {
		for _, t := range tasks {
			if s.taskDue(t, now) {
				s.fire(t)
			}
		}
	}
}

// taskDue reports whether a cron task matches this minute.
func (s *Scheduler) taskDue(t config.SchedTask, now time.Time) bool {
	if !t.Enabled {
		return false
	}
	if t.Minute != now.Minute() || t.Hour != now.Hour() {
		return false
	}
	if len(t.Weekdays) == 0 {
		return true
	}
	wd := int(now.Weekday())
	for _, d := range t.Weekdays {
		if d == wd {
			return true
		}
	}
	return false
}

// fire executes one configured task action.
func (s *Scheduler) fire(t config.SchedTask) {
	log.Printf("[SCHEDULER] Firing task %s(%s)", t.Action, t.Args)
	switch t.Action {
	case "pause":
		s.actions.PauseAll()
	case "resume":
		s.actions.ResumeAll()
	case "pause_post":
		s.actions.PausePostProc()
	case "resume_post":
		s.actions.ResumePostProc()
	case "pause_priority":
		if tier, err := strconv.Atoi(strings.TrimSpace(t.Args)); err == nil {
			s.actions.PausePriority(tier)
		}
	case "resume_priority":
		if tier, err := strconv.Atoi(strings.TrimSpace(t.Args)); err == nil {
			s.actions.ResumePriority(tier)
		}
	case "pause_cat":
		s.actions.PauseCategory(strings.TrimSpace(t.Args))
	case "resume_cat":
		s.actions.ResumeCategory(strings.TrimSpace(t.Args))
	case "speedlimit":
		if pct, err := strconv.Atoi(strings.TrimSpace(t.Args)); err == nil {
			s.actions.SetSpeedLimit(pct)
		}
	case "enable_server":
		s.actions.EnableServer(t.Args)
	case "disable_server":
		s.actions.DisableServer(t.Args)
	default:
		log.Printf("[SCHEDULER] Unknown task action %q ignored", t.Action)
	}
}

// planVersionCheck picks a random time later today for the version check.
func (s *Scheduler) planVersionCheck(now time.Time) {
	delay := time.Duration(rand.Intn(20*3600)) * time.Second
	s.mux.Lock()
	s.versionAt = now.Add(delay)
	s.mux.Unlock()
}

// FreeSpace returns the free bytes on the filesystem holding path.
func FreeSpace(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
