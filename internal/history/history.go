// Package history stores finished jobs in a sqlite database under the
// admin directory. Records are immutable snapshots; the store supports
// paging, filtering, per-record delete, full purge and retention trims.
package history

import (
	"database/sql"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/models"
)

// HistoryDBVersion tags the database file name, history<VERSION>.db.
const HistoryDBVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	nzo_id TEXT NOT NULL,
	name TEXT NOT NULL,
	name_lower TEXT NOT NULL,
	category TEXT,
	pp INTEGER,
	script TEXT,
	report TEXT,
	url TEXT,
	url_info TEXT,
	status TEXT NOT NULL,
	storage TEXT,
	path TEXT,
	script_log TEXT,
	script_line TEXT,
	download_time INTEGER,
	postproc_time INTEGER,
	stage_log TEXT,
	downloaded INTEGER,
	completeness INTEGER,
	fail_message TEXT,
	bytes INTEGER,
	meta TEXT,
	series TEXT,
	md5sum TEXT,
	password TEXT,
	action_line TEXT,
	size TEXT,
	retry INTEGER,
	archive INTEGER,
	duplicate_key TEXT,
	completed INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_completed ON history(completed);
CREATE INDEX IF NOT EXISTS idx_history_name_lower ON history(name_lower);
CREATE INDEX IF NOT EXISTS idx_history_dupe ON history(duplicate_key);
`

// Store is the sqlite-backed history.
type Store struct {
	mux sync.RWMutex
	db  *sql.DB
	cfg *config.MainConfig
}

// Open opens (creating if needed) the history database.
func Open(cfg *config.MainConfig) (*Store, error) {
	path := filepath.Join(cfg.AdminDir, fmt.Sprintf("history%d.db", HistoryDBVersion))
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.Exec("PRAGMA journal_mode = WAL")
	db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	log.Printf("[HISTORY] Opened %s", path)
	return &Store{db: db, cfg: cfg}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.db.Close()
}

// Add inserts one finished-job record.
func (s *Store) Add(rec *models.HistoryRecord) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	res, err := s.db.Exec(`INSERT INTO history (
		nzo_id, name, name_lower, category, pp, script, report, url, url_info,
		status, storage, path, script_log, script_line, download_time,
		postproc_time, stage_log, downloaded, completeness, fail_message,
		bytes, meta, series, md5sum, password, action_line, size, retry,
		archive, duplicate_key, completed)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.NzoID, rec.Name, rec.NameLower, rec.Category, rec.PP, rec.Script,
		rec.Report, rec.URL, rec.URLInfo, rec.Status, rec.Storage, rec.Path,
		rec.ScriptLog, rec.ScriptLine, rec.DownloadTime, rec.PostprocTime,
		rec.StageLog, rec.Downloaded, rec.Completeness, rec.FailMessage,
		rec.Bytes, rec.Meta, rec.Series, rec.MD5Sum, rec.Password,
		rec.ActionLine, rec.Size, rec.Retry, rec.Archive, rec.DuplicateKey,
		rec.Completed)
	if err != nil {
		return fmt.Errorf("failed to insert history record for %s: %w", rec.NzoID, err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// Filter narrows List results; zero values match everything.
type Filter struct {
	Category string
	Status   string
	Search   string // substring of the lowercased name
	Offset   int
	Limit    int // 0 = 50
}

const recordColumns = `id, nzo_id, name, name_lower, category, pp, script,
	report, url, url_info, status, storage, path, script_log, script_line,
	download_time, postproc_time, stage_log, downloaded, completeness,
	fail_message, bytes, meta, series, md5sum, password, action_line, size,
	retry, archive, duplicate_key, completed`

// List returns records newest-first plus the unfiltered total count.
func (s *Store) List(f Filter) ([]*models.HistoryRecord, int, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	where := []string{"1=1"}
	var args []any
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Search != "" {
		where = append(where, "name_lower LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM history WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf("SELECT %s FROM history WHERE %s ORDER BY completed DESC, id DESC LIMIT ? OFFSET ?",
		recordColumns, cond)
	rows, err := s.db.Query(query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*models.HistoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// ByNzoID returns the newest record for a job id, or nil.
func (s *Store) ByNzoID(nzoID string) (*models.HistoryRecord, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	row := s.db.QueryRow(fmt.Sprintf(
		"SELECT %s FROM history WHERE nzo_id = ? ORDER BY id DESC LIMIT 1", recordColumns), nzoID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.HistoryRecord, error) {
	rec := &models.HistoryRecord{}
	err := row.Scan(&rec.ID, &rec.NzoID, &rec.Name, &rec.NameLower,
		&rec.Category, &rec.PP, &rec.Script, &rec.Report, &rec.URL,
		&rec.URLInfo, &rec.Status, &rec.Storage, &rec.Path, &rec.ScriptLog,
		&rec.ScriptLine, &rec.DownloadTime, &rec.PostprocTime, &rec.StageLog,
		&rec.Downloaded, &rec.Completeness, &rec.FailMessage, &rec.Bytes,
		&rec.Meta, &rec.Series, &rec.MD5Sum, &rec.Password, &rec.ActionLine,
		&rec.Size, &rec.Retry, &rec.Archive, &rec.DuplicateKey, &rec.Completed)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes one record by row id.
func (s *Store) Delete(id int64) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	_, err := s.db.Exec("DELETE FROM history WHERE id = ?", id)
	return err
}

// Purge removes all records, or only failed ones.
func (s *Store) Purge(failedOnly bool) (int64, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	query := "DELETE FROM history"
	var args []any
	if failedOnly {
		query += " WHERE status = ?"
		args = append(args, models.StatusFailed)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HasDupe reports whether a duplicate key is present. Used by queue
// admission.
func (s *Store) HasDupe(key string) bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	var one int
	err := s.db.QueryRow("SELECT 1 FROM history WHERE duplicate_key = ? LIMIT 1", key).Scan(&one)
	return err == nil
}

// TrimRetention applies the configured retention: by age, then by count.
// Invoked by the scheduler's midnight task.
func (s *Store) TrimRetention(now time.Time) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if days := s.cfg.History.RetentionDays; days > 0 {
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour).Unix()
		if res, err := s.db.Exec("DELETE FROM history WHERE completed < ?", cutoff); err == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				log.Printf("[HISTORY] Retention removed %d records older than %d days", n, days)
			}
		}
	}
	if count := s.cfg.History.RetentionCount; count > 0 {
		res, err := s.db.Exec(`DELETE FROM history WHERE id NOT IN
			(SELECT id FROM history ORDER BY completed DESC, id DESC LIMIT ?)`, count)
		if err == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				log.Printf("[HISTORY] Retention trimmed %d records beyond the last %d", n, count)
			}
		}
	}
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM history").Scan(&n)
	return n, err
}
