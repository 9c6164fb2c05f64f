package downloader

// The dispatcher: picks the active job's next article, finds a fit server
// and hands the article to one of its connections. Parallelism is bounded
// by the sum of connection limits across enabled servers, not by a fixed
// worker count.

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-while/go-nzbgrab/internal/cache"
	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/models"
	"github.com/go-while/go-nzbgrab/internal/nntp"
	"github.com/go-while/go-nzbgrab/internal/queue"
)

// dispatchIdleSleep is the dispatcher's poll interval when nothing is
// dispatchable.
const dispatchIdleSleep = 250 * time.Millisecond

// Downloader drives article fetching for the active job.
type Downloader struct {
	cfg     *config.MainConfig
	q       *queue.Queue
	servers *ServerPool
	cache   *cache.ArticleCache
	limiter *SpeedLimiter

	paused   *atomic.Bool // global user pause, owned by the supervisor
	ppPaused atomic.Bool  // paused by a post-processing stage

	maxRetries int
	propDelay  time.Duration

	inflight chan struct{} // semaphore sized to the total connection limit
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// OnComplete receives jobs whose download has finished.
	OnComplete func(nzo *models.NzbObject)
	// OnRequiredServerDown fires when a required server fails its login.
	OnRequiredServerDown func(name string)

	meter *TotalsMeter

	totalDownloaded atomic.Int64 // this process's bytes, for the UI rate
}

// NewDownloader wires the download engine together.
func NewDownloader(cfg *config.MainConfig, q *queue.Queue, servers *ServerPool,
	artCache *cache.ArticleCache, paused *atomic.Bool) *Downloader {
	d := &Downloader{
		cfg:        cfg,
		q:          q,
		servers:    servers,
		cache:      artCache,
		limiter:    NewSpeedLimiter(cfg.Download.SpeedLimitAbs, cfg.Download.SpeedLimitPct),
		paused:     paused,
		maxRetries: cfg.Download.MaxRetries,
		propDelay:  time.Duration(cfg.Download.PropagationDelay) * time.Minute,
		inflight:   make(chan struct{}, servers.TotalConnLimit()),
		stopChan:   make(chan struct{}),
		meter:      NewTotalsMeter(cfg),
	}
	return d
}

// Meter exposes the persistent bandwidth meter.
func (d *Downloader) Meter() *TotalsMeter { return d.meter }

// Limiter exposes the bandwidth limiter for API speed changes.
func (d *Downloader) Limiter() *SpeedLimiter { return d.limiter }

// TotalDownloaded returns lifetime downloaded bytes.
func (d *Downloader) TotalDownloaded() int64 { return d.totalDownloaded.Load() }

// PauseForPostProc halts dispatch while a stage needs the disk/CPU.
func (d *Downloader) PauseForPostProc()   { d.ppPaused.Store(true) }
func (d *Downloader) ResumeFromPostProc() { d.ppPaused.Store(false) }

// Run is the dispatcher loop. One long-lived goroutine.
func (d *Downloader) Run() {
	d.wg.Add(1)
	defer d.wg.Done()
	log.Printf("[DOWNLOADER] Dispatcher started (parallelism %d)", cap(d.inflight))
	for {
		select {
		case <-d.stopChan:
			return
		default:
		}

		if d.paused.Load() || d.ppPaused.Load() {
			time.Sleep(dispatchIdleSleep)
			continue
		}

		if !d.dispatchOne() {
			time.Sleep(dispatchIdleSleep)
		}
	}
}

// dispatchOne hands at most one article to a worker. It walks the active
// jobs in queue order so a stalled top job does not starve the rest
// (unless top_only restricts dispatch to the first job).
func (d *Downloader) dispatchOne() bool {
	for _, nzo := range d.q.ActiveJobs(d.propDelay) {
		if st := nzo.StateSnapshot(); st == models.StateQueued {
			nzo.SetState(models.StateDownloading)
		}

		art := nzo.NextArticle(func(a *models.Article) bool {
			return d.servers.AnyFit(a, nzo.FileDate(a.FileIndex))
		})
		if art == nil {
			d.sweepUndispatchable(nzo)
			d.maybeComplete(nzo)
			continue
		}

		srv := d.servers.Fitness(art, nzo.FileDate(art.FileIndex))
		if srv == nil {
			// eligible in principle but no free slot right now
			continue
		}
		if !nzo.ClaimArticle(art, srv.Name(), srv.Config.Priority) {
			continue
		}

		select {
		case d.inflight <- struct{}{}:
		case <-d.stopChan:
			nzo.ReleaseArticle(art, true)
			return false
		}
		d.wg.Add(1)
		go d.fetchWorker(nzo, art, srv)
		return true
	}
	return false
}

// sweepUndispatchable fails articles that no fit server can ever serve.
func (d *Downloader) sweepUndispatchable(nzo *models.NzbObject) {
	for {
		art := nzo.NextArticle(nil)
		if art == nil {
			return
		}
		if d.servers.AnyFit(art, nzo.FileDate(art.FileIndex)) {
			return // dispatchable again (a server came back)
		}
		log.Printf("[DOWNLOADER] Article %s has no fit server left, failing (%d bytes)", art.MessageID, art.Bytes)
		d.failArticle(nzo, art)
	}
}

// failArticle marks an article permanently failed and pokes the assembler,
// so a file whose trailing segment failed can still be finished.
func (d *Downloader) failArticle(nzo *models.NzbObject, art *models.Article) {
	nzo.AddFailedArticle(art)
	d.cache.Nudge(cache.FileKey{JobID: nzo.ID, FileIndex: art.FileIndex})
}

// maybeComplete hands a finished job to post-processing exactly once.
func (d *Downloader) maybeComplete(nzo *models.NzbObject) bool {
	if nzo.InFlight() > 0 || !nzo.DownloadComplete() {
		return false
	}
	if !d.q.Remove(nzo.ID) {
		return false // already handed off or deleted
	}
	nzo.Mux.Lock()
	nzo.DownloadEnd = time.Now()
	nzo.Mux.Unlock()
	nzo.SetState(models.StateQuickCheck)
	if err := nzo.SaveAdmin(); err != nil {
		log.Printf("[DOWNLOADER] Failed to persist job %s on completion: %v", nzo.ID, err)
	}
	log.Printf("[DOWNLOADER] Job %s download complete (%d bytes)", nzo.ID, nzo.BytesDownloaded)
	if d.OnComplete != nil {
		d.OnComplete(nzo)
	}
	return true
}

// fetchWorker downloads one article on one server, with local retries for
// transient errors before escalating to failover.
func (d *Downloader) fetchWorker(nzo *models.NzbObject, art *models.Article, srv *Server) {
	defer d.wg.Done()
	defer func() { <-d.inflight }()

	group := nzo.FileGroup(art.FileIndex)

	var body []byte
	var hdr *nntp.YencHeader
	op := func() error {
		var err error
		body, hdr, err = srv.Pool.FetchBody(group, art.MessageID)
		if err != nil && nntp.Classify(err) == nntp.KindTransient {
			return err // retry on the same server
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(d.maxRetries))
	err := backoff.Retry(op, bo)

	if nzo.IsDeleted() {
		nzo.FinishArticle(art, false)
		return
	}

	if err != nil {
		d.handleFetchError(nzo, art, srv, err)
		d.maybeComplete(nzo)
		return
	}

	srv.AddBytes(int64(len(body)))
	d.totalDownloaded.Add(int64(len(body)))
	d.meter.Add(int64(len(body)))
	if hdr.Name != "" {
		nzo.SetDecodedName(art.FileIndex, hdr.Name)
	}
	nzo.FinishArticle(art, true)

	d.cache.Put(&cache.CachedArticle{
		Key:     cache.FileKey{JobID: nzo.ID, FileIndex: art.FileIndex},
		Ordinal: art.Ordinal,
		Offset:  hdr.Offset(),
		Data:    body,
	})

	d.limiter.Wait(int64(len(body)))
	d.maybeComplete(nzo)
}

// handleFetchError maps an error kind onto retry, failover, server state
// changes or permanent article failure.
func (d *Downloader) handleFetchError(nzo *models.NzbObject, art *models.Article, srv *Server, err error) {
	kind := nntp.Classify(err)
	switch kind {
	case nntp.KindAuthFailed:
		srv.Disable()
		nzo.ReleaseArticle(art, true)
		if srv.Config.Required {
			log.Printf("[DOWNLOADER] Required server %s failed login, pausing downloads: %v", srv.Name(), err)
			if d.OnRequiredServerDown != nil {
				d.OnRequiredServerDown(srv.Name())
			}
		} else {
			log.Printf("[DOWNLOADER] Optional server %s failed login, disabled: %v", srv.Name(), err)
		}

	case nntp.KindQuotaExceeded:
		srv.ParkQuota()
		nzo.ReleaseArticle(art, true)

	case nntp.KindThrottled:
		// connection already recycled by the pool; retry elsewhere or later
		nzo.ReleaseArticle(art, true)

	case nntp.KindArticleMissing, nntp.KindArticleIncomplete:
		nzo.ReleaseArticle(art, false)
		if !d.servers.AnyFit(art, nzo.FileDate(art.FileIndex)) {
			log.Printf("[DOWNLOADER] Article %s failed on all fit servers: %v", art.MessageID, err)
			d.failArticle(nzo, art)
		}

	default: // transient, local retries exhausted -> failover
		nzo.ReleaseArticle(art, false)
		if !d.servers.AnyFit(art, nzo.FileDate(art.FileIndex)) {
			log.Printf("[DOWNLOADER] Article %s exhausted retries everywhere: %v", art.MessageID, err)
			d.failArticle(nzo, art)
		}
	}
}

// FetchExtraPar2 promotes withheld par2 volume files so that at least
// blocks recovery blocks become downloadable, and requeues the job.
// Called by the post-processor when repair needs more blocks.
func (d *Downloader) FetchExtraPar2(nzo *models.NzbObject, blocks int) int {
	files := nzo.CountExtraPar2ForBlocks(blocks)
	n := nzo.PromoteExtraPar2(files)
	if n == 0 {
		return 0
	}
	nzo.SetState(models.StateFetchingPar2)
	d.q.AddExisting(nzo, queue.PosTop)
	log.Printf("[DOWNLOADER] Job %s: fetching %d extra par2 files for %d blocks", nzo.ID, n, blocks)
	return n
}

// Stop halts dispatch and waits for in-flight workers.
func (d *Downloader) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
	d.wg.Wait()
	d.meter.Persist()
	log.Printf("[DOWNLOADER] Dispatcher stopped")
}
