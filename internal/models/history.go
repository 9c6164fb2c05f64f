package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Job end statuses recorded in history.
const (
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
)

// HistoryRecord is the immutable snapshot of a finished job, one row in the
// history database.
type HistoryRecord struct {
	ID           int64  `json:"id"`
	NzoID        string `json:"nzo_id"`
	Name         string `json:"name"`
	NameLower    string `json:"name_lower"`
	Category     string `json:"category"`
	PP           int    `json:"pp"`
	Script       string `json:"script"`
	Report       string `json:"report"`
	URL          string `json:"url"`
	URLInfo      string `json:"url_info"`
	Status       string `json:"status"`
	Storage      string `json:"storage"` // final output path
	Path         string `json:"path"`    // incomplete path while downloading
	ScriptLog    string `json:"script_log"`
	ScriptLine   string `json:"script_line"`
	DownloadTime int64  `json:"download_time"` // seconds
	PostprocTime int64  `json:"postproc_time"` // seconds
	StageLog     string `json:"stage_log"`     // JSON-encoded []StageLogEntry
	Downloaded   int64  `json:"downloaded"`    // bytes actually fetched
	Completeness int    `json:"completeness"`
	FailMessage  string `json:"fail_message"`
	Bytes        int64  `json:"bytes"`
	Meta         string `json:"meta"`
	Series       string `json:"series"`
	MD5Sum       string `json:"md5sum"`
	Password     string `json:"password"`
	ActionLine   string `json:"action_line"`
	Size         string `json:"size"` // human readable
	Retry        int    `json:"retry"`
	Archive      bool   `json:"archive"`
	DuplicateKey string `json:"duplicate_key"`
	Completed    int64  `json:"completed"` // unix timestamp
}

// NewHistoryRecord derives a history record from a finished job.
func NewHistoryRecord(nzo *NzbObject, storage string) *HistoryRecord {
	nzo.Mux.RLock()
	defer nzo.Mux.RUnlock()

	status := StatusCompleted
	if nzo.FailMsg != "" {
		status = StatusFailed
	}
	completeness := 0
	if nzo.TotalBytes > 0 {
		completeness = int(nzo.BytesDownloaded * 100 / nzo.TotalBytes)
	}
	var downloadTime int64
	if !nzo.DownloadEnd.IsZero() && !nzo.CreatedAt.IsZero() {
		downloadTime = int64(nzo.DownloadEnd.Sub(nzo.CreatedAt) / time.Second)
	}
	var postprocTime int64
	if !nzo.CompletedAt.IsZero() && !nzo.DownloadEnd.IsZero() {
		postprocTime = int64(nzo.CompletedAt.Sub(nzo.DownloadEnd) / time.Second)
	}
	stageLog, _ := json.Marshal(nzo.StageLog)

	return &HistoryRecord{
		NzoID:        nzo.ID,
		Name:         nzo.Name,
		NameLower:    strings.ToLower(nzo.Name),
		Category:     nzo.Category,
		PP:           nzo.PPLevel,
		Script:       nzo.Script,
		URL:          nzo.URL,
		Status:       status,
		Storage:      storage,
		DownloadTime: downloadTime,
		PostprocTime: postprocTime,
		StageLog:     string(stageLog),
		Downloaded:   nzo.BytesDownloaded,
		Completeness: completeness,
		FailMessage:  nzo.FailMsg,
		Bytes:        nzo.TotalBytes,
		Password:     nzo.Password,
		Size:         HumanBytes(nzo.TotalBytes),
		DuplicateKey: nzo.DupeKey,
		Completed:    time.Now().Unix(),
	}
}

// HumanBytes formats a byte count for display.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
