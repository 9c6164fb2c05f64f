// Package models holds the core data model for go-nzbgrab:
// jobs (NzbObject), their files and articles, and history records.
package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority tiers for queued jobs. Higher value = dispatched first.
type Priority int

const (
	PriorityStop   Priority = -3
	PriorityPaused Priority = -2
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
	PriorityRepair Priority = 2
	PriorityForce  Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityStop:
		return "Stop"
	case PriorityPaused:
		return "Paused"
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityRepair:
		return "Repair"
	case PriorityForce:
		return "Force"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Post-processing levels.
const (
	PPNone   = 0 // download only
	PPRepair = 1 // + par2 verify/repair
	PPUnpack = 2 // + unpack archives
	PPDelete = 3 // + cleanup of source archives
)

// JobState is the lifecycle state of an NzbObject.
type JobState int

const (
	StateQueued JobState = iota
	StateGrabbing
	StateDownloading
	StateFetchingPar2
	StatePaused
	StateChecking
	StateQuickCheck
	StateVerifying
	StateRepairing
	StateExtracting
	StateMoving
	StateRunningScript
	StateCompleted
	StateFailed
	StateDeleted
)

var jobStateNames = map[JobState]string{
	StateQueued:        "Queued",
	StateGrabbing:      "Grabbing",
	StateDownloading:   "Downloading",
	StateFetchingPar2:  "Fetching",
	StatePaused:        "Paused",
	StateChecking:      "Checking",
	StateQuickCheck:    "QuickCheck",
	StateVerifying:     "Verifying",
	StateRepairing:     "Repairing",
	StateExtracting:    "Extracting",
	StateMoving:        "Moving",
	StateRunningScript: "Running",
	StateCompleted:     "Completed",
	StateFailed:        "Failed",
	StateDeleted:       "Deleted",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

// PostProcessing reports whether the state belongs to the post-processing pipeline.
func (s JobState) PostProcessing() bool {
	switch s {
	case StateChecking, StateQuickCheck, StateVerifying, StateRepairing,
		StateExtracting, StateMoving, StateRunningScript:
		return true
	}
	return false
}

// Article is the smallest unit of transfer: one yEnc-encoded segment
// of an NzbFile on one or more NNTP servers.
type Article struct {
	MessageID string `json:"message_id"`
	Bytes     int64  `json:"bytes"`
	FileIndex int    `json:"file_index"` // index of the owning NzbFile in the job
	Ordinal   int    `json:"ordinal"`    // segment number within the file, 1-based

	// Tried holds the names of servers that already attempted this article.
	Tried map[string]bool `json:"tried,omitempty"`

	// FetcherPrio is the priority watermark of the last server that tried
	// this article. A strictly worse-priority server never retries work a
	// better one already failed.
	FetcherPrio int    `json:"fetcher_prio"`
	Fetcher     string `json:"-"` // server currently fetching, empty = none

	Done   bool `json:"done"`
	Failed bool `json:"failed"`
}

// MarkTried records a server attempt and advances the priority watermark.
func (a *Article) MarkTried(server string, prio int) {
	if a.Tried == nil {
		a.Tried = make(map[string]bool)
	}
	a.Tried[server] = true
	if prio > a.FetcherPrio {
		a.FetcherPrio = prio
	}
}

// NzbFile is one target output file inside a job.
type NzbFile struct {
	ID       string   `json:"id"` // nzf id, stable across restarts
	Filename string   `json:"filename"`
	Subject  string   `json:"subject"`
	Groups   []string `json:"groups,omitempty"` // newsgroups carrying the articles
	Size     int64    `json:"size"`

	// BytesLeft counts bytes not yet downloaded. Invariant:
	// downloaded article bytes + BytesLeft == Size at all times.
	BytesLeft   int64 `json:"bytes_left"`
	FailedBytes int64 `json:"failed_bytes"`

	Articles []*Article `json:"articles"`

	// FirstArticleDecoded is set once the first segment's yEnc headers have
	// been seen and the declared filename confirmed or refined.
	FirstArticleDecoded bool   `json:"first_article_decoded"`
	DecodedName         string `json:"decoded_name,omitempty"`

	IsPar2    bool      `json:"is_par2"`
	Par2Set   string    `json:"par2_set,omitempty"` // base name of the par2 set
	Date      time.Time `json:"date"`
	Assembled bool      `json:"assembled"`

	// NextWrite is the assembler cursor: the ordinal of the next segment to
	// be written to disk.
	NextWrite int `json:"next_write"`
}

// Complete reports whether every article is either done or failed.
func (f *NzbFile) Complete() bool {
	for _, a := range f.Articles {
		if !a.Done && !a.Failed {
			return false
		}
	}
	return true
}

// EffectiveName returns the yEnc-decoded filename when known, the declared
// filename otherwise.
func (f *NzbFile) EffectiveName() string {
	if f.DecodedName != "" {
		return f.DecodedName
	}
	return f.Filename
}

// StageLogEntry is one post-processing stage result line for the UI and history.
type StageLogEntry struct {
	Stage   string   `json:"stage"`
	Actions []string `json:"actions"`
}

// NzbObject is the in-memory job descriptor. The queue owns its jobs; a job
// owns its files and articles (arena style, articles refer to their file by
// index). All mutation goes through the guarded operations below.
type NzbObject struct {
	Mux sync.RWMutex `json:"-"`

	ID            string `json:"id"` // nzo id
	Name          string `json:"name"`
	SanitizedName string `json:"sanitized_name"`
	Password      string `json:"password,omitempty"`
	// NzbPassword carries a password embedded in the NZB metadata. The
	// job-level Password takes precedence when both are set.
	NzbPassword string   `json:"nzb_password,omitempty"`
	Category    string   `json:"category,omitempty"`
	Priority    Priority `json:"priority"`
	PPLevel     int      `json:"pp_level"`
	Script      string   `json:"script,omitempty"`
	URL         string   `json:"url,omitempty"`

	State   JobState `json:"state"`
	FailMsg string   `json:"fail_msg,omitempty"`

	Files []*NzbFile `json:"files"`

	// ExtraPar2 holds par2 volume files withheld from download until the
	// post-processor requests more recovery blocks.
	ExtraPar2 []*NzbFile `json:"extra_par2,omitempty"`

	AdminDir string `json:"admin_dir"`

	BytesDownloaded int64 `json:"bytes_downloaded"`
	TotalBytes      int64 `json:"total_bytes"`

	DupeKey string    `json:"dupe_key"`
	AvgDate time.Time `json:"avg_date"`

	StageLog []StageLogEntry `json:"stage_log,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	DownloadEnd time.Time `json:"download_end,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Deleted bool `json:"-"`

	// inFlight counts articles currently assigned to a connection.
	inFlight int

	// onChange is invoked (if set) after every committed guarded operation,
	// outside the job lock. The queue installs it for persistence + UI events.
	onChange func(nzo *NzbObject)
}

// NewNzoID returns a fresh job id.
func NewNzoID() string {
	return "SABnzbd_nzo_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewNzfID returns a fresh file id.
func NewNzfID() string {
	return "SABnzbd_nzf_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// DupeKeyFor computes the duplicate-detection key over name and size.
func DupeKeyFor(name string, bytes int64) string {
	h := md5.Sum([]byte(fmt.Sprintf("%s|%d", strings.ToLower(name), bytes)))
	return hex.EncodeToString(h[:])
}

// SetOnChange installs the change observer. Called once by the queue on admission.
func (nzo *NzbObject) SetOnChange(fn func(*NzbObject)) {
	nzo.Mux.Lock()
	nzo.onChange = fn
	nzo.Mux.Unlock()
}

func (nzo *NzbObject) notify() {
	nzo.Mux.RLock()
	fn := nzo.onChange
	nzo.Mux.RUnlock()
	if fn != nil {
		fn(nzo)
	}
}

// Pause pauses the job. In-flight articles complete; no new dispatch.
func (nzo *NzbObject) Pause() {
	nzo.Mux.Lock()
	if nzo.State == StateQueued || nzo.State == StateDownloading || nzo.State == StateFetchingPar2 {
		nzo.State = StatePaused
	}
	nzo.Mux.Unlock()
	nzo.notify()
}

// Resume returns a paused job to Queued.
func (nzo *NzbObject) Resume() {
	nzo.Mux.Lock()
	if nzo.State == StatePaused {
		nzo.State = StateQueued
	}
	nzo.Mux.Unlock()
	nzo.notify()
}

// SetPriority changes the priority tier.
func (nzo *NzbObject) SetPriority(p Priority) {
	nzo.Mux.Lock()
	nzo.Priority = p
	nzo.Mux.Unlock()
	nzo.notify()
}

// SetCategory changes the category tag.
func (nzo *NzbObject) SetCategory(cat string) {
	nzo.Mux.Lock()
	nzo.Category = cat
	nzo.Mux.Unlock()
	nzo.notify()
}

// SetState transitions the job state and clears or sets the failure reason.
func (nzo *NzbObject) SetState(s JobState) {
	nzo.Mux.Lock()
	nzo.State = s
	nzo.Mux.Unlock()
	nzo.notify()
}

// AddFailedArticle accounts a permanently failed article: the file's
// remaining bytes drop by exactly the article's declared size, once.
func (nzo *NzbObject) AddFailedArticle(a *Article) {
	nzo.Mux.Lock()
	if !a.Failed && !a.Done {
		a.Failed = true
		a.Fetcher = ""
		if a.FileIndex >= 0 && a.FileIndex < len(nzo.Files) {
			f := nzo.Files[a.FileIndex]
			f.BytesLeft -= a.Bytes
			f.FailedBytes += a.Bytes
		}
	}
	nzo.Mux.Unlock()
	nzo.notify()
}

// MarkFileComplete marks a file fully assembled on disk.
func (nzo *NzbObject) MarkFileComplete(fileIndex int) {
	nzo.Mux.Lock()
	if fileIndex >= 0 && fileIndex < len(nzo.Files) {
		nzo.Files[fileIndex].Assembled = true
	}
	nzo.Mux.Unlock()
	nzo.notify()
}

// AppendStageLog appends one stage entry; entries stay in execution order.
func (nzo *NzbObject) AppendStageLog(stage string, actions ...string) {
	nzo.Mux.Lock()
	for i := range nzo.StageLog {
		if nzo.StageLog[i].Stage == stage {
			nzo.StageLog[i].Actions = append(nzo.StageLog[i].Actions, actions...)
			nzo.Mux.Unlock()
			nzo.notify()
			return
		}
	}
	nzo.StageLog = append(nzo.StageLog, StageLogEntry{Stage: stage, Actions: actions})
	nzo.Mux.Unlock()
	nzo.notify()
}

// NextArticle returns the next dispatchable article for the given set of
// eligible server names, or nil. Par2 files in the main list are dispatched
// after all other files.
func (nzo *NzbObject) NextArticle(eligible func(a *Article) bool) *Article {
	nzo.Mux.RLock()
	defer nzo.Mux.RUnlock()
	// two passes: data files first, par2 files last
	for _, par2Pass := range []bool{false, true} {
		for _, f := range nzo.Files {
			if f.IsPar2 != par2Pass {
				continue
			}
			for _, a := range f.Articles {
				if a.Done || a.Failed || a.Fetcher != "" {
					continue
				}
				if eligible == nil || eligible(a) {
					return a
				}
			}
		}
	}
	return nil
}

// DownloadComplete reports whether every file is either assembled on disk
// or failed beyond recovery. Articles being done is not enough: the last
// segments may still sit in the cache ahead of the assembler, and handing
// the job to post-processing early would truncate files.
func (nzo *NzbObject) DownloadComplete() bool {
	nzo.Mux.RLock()
	defer nzo.Mux.RUnlock()
	for _, f := range nzo.Files {
		if f.Assembled {
			continue
		}
		allFailed := true
		for _, a := range f.Articles {
			if !a.Failed {
				allFailed = false
				break
			}
		}
		if !allFailed {
			return false
		}
	}
	return true
}

// StateSnapshot returns the current job state.
func (nzo *NzbObject) StateSnapshot() JobState {
	nzo.Mux.RLock()
	defer nzo.Mux.RUnlock()
	return nzo.State
}

// IsDeleted reports whether the job was deleted while articles were in flight.
func (nzo *NzbObject) IsDeleted() bool {
	nzo.Mux.RLock()
	defer nzo.Mux.RUnlock()
	return nzo.Deleted
}

// par2VolRE matches ".volNN+MM.par2" volume file names; MM is the number
// of recovery blocks the volume carries.
var par2VolRE = regexp.MustCompile(`(?i)\.vol\d+\+(\d+)\.par2$`)

// Par2VolBlocks returns the recovery-block count encoded in a par2 volume
// filename, or 0 for non-volume par2 files.
func Par2VolBlocks(name string) int {
	m := par2VolRE.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// CountExtraPar2ForBlocks returns how many withheld par2 files are needed
// to cover at least blocks recovery blocks. Volumes without a parsable
// block count are assumed to carry one block.
func (nzo *NzbObject) CountExtraPar2ForBlocks(blocks int) int {
	nzo.Mux.RLock()
	defer nzo.Mux.RUnlock()
	got := 0
	for i, f := range nzo.ExtraPar2 {
		n := Par2VolBlocks(f.EffectiveName())
		if n == 0 {
			n = 1
		}
		got += n
		if got >= blocks {
			return i + 1
		}
	}
	return len(nzo.ExtraPar2)
}

// PromoteExtraPar2 moves up to count withheld par2 files into the active
// file list and returns how many were promoted.
func (nzo *NzbObject) PromoteExtraPar2(count int) int {
	nzo.Mux.Lock()
	defer func() { nzo.Mux.Unlock(); nzo.notify() }()
	if count <= 0 || len(nzo.ExtraPar2) == 0 {
		return 0
	}
	if count > len(nzo.ExtraPar2) {
		count = len(nzo.ExtraPar2)
	}
	promoted := nzo.ExtraPar2[:count]
	nzo.ExtraPar2 = nzo.ExtraPar2[count:]
	base := len(nzo.Files)
	for i, f := range promoted {
		for _, a := range f.Articles {
			a.FileIndex = base + i
		}
		nzo.Files = append(nzo.Files, f)
		nzo.TotalBytes += f.Size
	}
	return count
}

// ClaimArticle assigns an article to a server's connection. Returns false
// when the article is no longer claimable (done, failed or already taken).
func (nzo *NzbObject) ClaimArticle(a *Article, server string, prio int) bool {
	nzo.Mux.Lock()
	defer nzo.Mux.Unlock()
	if a.Done || a.Failed || a.Fetcher != "" || nzo.Deleted {
		return false
	}
	a.Fetcher = server
	a.MarkTried(server, prio)
	nzo.inFlight++
	return true
}

// ReleaseArticle returns a claimed article to the dispatchable set.
// With forgetServer the attempt does not count against that server
// (quota parks and throttles are not article-specific).
func (nzo *NzbObject) ReleaseArticle(a *Article, forgetServer bool) {
	nzo.Mux.Lock()
	if a.Fetcher != "" {
		if forgetServer && a.Tried != nil {
			delete(a.Tried, a.Fetcher)
		}
		a.Fetcher = ""
		nzo.inFlight--
	}
	nzo.Mux.Unlock()
}

// FinishArticle completes an in-flight article, successfully or not.
func (nzo *NzbObject) FinishArticle(a *Article, ok bool) {
	nzo.Mux.Lock()
	if a.Fetcher != "" {
		nzo.inFlight--
	}
	if !a.Done && !a.Failed {
		a.Fetcher = ""
		if ok {
			a.Done = true
			nzo.BytesDownloaded += a.Bytes
			if a.FileIndex >= 0 && a.FileIndex < len(nzo.Files) {
				nzo.Files[a.FileIndex].BytesLeft -= a.Bytes
			}
		} else {
			a.Failed = true
			if a.FileIndex >= 0 && a.FileIndex < len(nzo.Files) {
				f := nzo.Files[a.FileIndex]
				f.BytesLeft -= a.Bytes
				f.FailedBytes += a.Bytes
			}
		}
	} else {
		a.Fetcher = ""
	}
	nzo.Mux.Unlock()
	nzo.notify()
}

// InFlight returns the number of articles currently on connections.
func (nzo *NzbObject) InFlight() int {
	nzo.Mux.RLock()
	defer nzo.Mux.RUnlock()
	return nzo.inFlight
}

// FileDate returns the posting date of the file owning the article.
func (nzo *NzbObject) FileDate(fileIndex int) time.Time {
	nzo.Mux.RLock()
	defer nzo.Mux.RUnlock()
	if fileIndex >= 0 && fileIndex < len(nzo.Files) {
		return nzo.Files[fileIndex].Date
	}
	return time.Time{}
}

// FileGroup returns the first newsgroup of the file, for servers that
// require a group context before BODY.
func (nzo *NzbObject) FileGroup(fileIndex int) string {
	nzo.Mux.RLock()
	defer nzo.Mux.RUnlock()
	if fileIndex >= 0 && fileIndex < len(nzo.Files) && len(nzo.Files[fileIndex].Groups) > 0 {
		return nzo.Files[fileIndex].Groups[0]
	}
	return ""
}

// SetDecodedName records the filename recovered from the first decoded
// yEnc header of a file.
func (nzo *NzbObject) SetDecodedName(fileIndex int, name string) {
	nzo.Mux.Lock()
	if fileIndex >= 0 && fileIndex < len(nzo.Files) {
		f := nzo.Files[fileIndex]
		if !f.FirstArticleDecoded && name != "" {
			f.DecodedName = name
			f.FirstArticleDecoded = true
		}
	}
	nzo.Mux.Unlock()
}

// RecomputeAvgDate refreshes the job's average article date from its files.
func (nzo *NzbObject) RecomputeAvgDate() {
	nzo.Mux.Lock()
	defer nzo.Mux.Unlock()
	var sum int64
	var n int64
	for _, f := range nzo.Files {
		if !f.Date.IsZero() {
			sum += f.Date.Unix()
			n++
		}
	}
	if n > 0 {
		nzo.AvgDate = time.Unix(sum/n, 0)
	}
}
