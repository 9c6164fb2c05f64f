package downloader

// Persistent bandwidth meter. Counts bytes per day/week/month plus the
// lifetime total, rolled over at midnight by the scheduler and saved at
// totals<VERSION>.sab.

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-while/go-nzbgrab/internal/config"
)

// TotalsVersion tags the serialized totals schema.
const TotalsVersion = 1

type totalsEnvelope struct {
	Version int    `json:"version"`
	Day     string `json:"day"` // YYYY-MM-DD the day counter belongs to
	DayB    int64  `json:"day_bytes"`
	WeekB   int64  `json:"week_bytes"`
	MonthB  int64  `json:"month_bytes"`
	TotalB  int64  `json:"total_bytes"`
}

// TotalsMeter accumulates downloaded bytes across restarts.
type TotalsMeter struct {
	mux  sync.Mutex
	cfg  *config.MainConfig
	data totalsEnvelope

	dirty bool
}

// NewTotalsMeter loads the persisted totals, starting fresh when absent.
func NewTotalsMeter(cfg *config.MainConfig) *TotalsMeter {
	m := &TotalsMeter{cfg: cfg}
	m.data.Version = TotalsVersion
	m.data.Day = time.Now().Format("2006-01-02")

	raw, err := os.ReadFile(m.path())
	if err == nil {
		var env totalsEnvelope
		if json.Unmarshal(raw, &env) == nil && env.Version <= TotalsVersion {
			m.data = env
			m.data.Version = TotalsVersion
		}
	}
	return m
}

func (m *TotalsMeter) path() string {
	return filepath.Join(m.cfg.AdminDir, fmt.Sprintf("totals%d.sab", TotalsVersion))
}

// Add accounts downloaded bytes.
func (m *TotalsMeter) Add(n int64) {
	m.mux.Lock()
	m.data.DayB += n
	m.data.WeekB += n
	m.data.MonthB += n
	m.data.TotalB += n
	m.dirty = true
	m.mux.Unlock()
}

// Snapshot returns (day, week, month, total) byte counters.
func (m *TotalsMeter) Snapshot() (int64, int64, int64, int64) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.data.DayB, m.data.WeekB, m.data.MonthB, m.data.TotalB
}

// Rollover resets the day counter (and week/month on their boundaries).
// Invoked by the scheduler's midnight task.
func (m *TotalsMeter) Rollover(now time.Time) {
	m.mux.Lock()
	today := now.Format("2006-01-02")
	if m.data.Day != today {
		m.data.Day = today
		m.data.DayB = 0
		if now.Weekday() == time.Monday {
			m.data.WeekB = 0
		}
		if now.Day() == 1 {
			m.data.MonthB = 0
		}
		m.dirty = true
	}
	m.mux.Unlock()
	m.Persist()
}

// Persist writes the totals atomically when they changed.
func (m *TotalsMeter) Persist() {
	m.mux.Lock()
	if !m.dirty {
		m.mux.Unlock()
		return
	}
	m.dirty = false
	data, err := json.Marshal(&m.data)
	m.mux.Unlock()
	if err != nil {
		return
	}
	if err := config.AtomicWriteFile(m.path(), data, 0644); err != nil {
		log.Printf("[TOTALS] Failed to persist totals: %v", err)
	}
}
