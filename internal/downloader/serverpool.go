// Package downloader contains the download engine: the multi-server
// connection pool with per-article fitness and failover, the bandwidth
// limiter and the dispatcher that feeds articles to connections.
package downloader

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/models"
	"github.com/go-while/go-nzbgrab/internal/nntp"
)

// Server wraps one configured news server with its connection pool and
// runtime counters.
type Server struct {
	mux sync.RWMutex

	Config config.ServerConfig
	Pool   *nntp.Pool

	bytesConsumed int64 // bytes fetched in the current quota period
	quotaStart    time.Time
	quotaParked   bool
	disabled      bool // set on auth failure, cleared by operator action
}

// Name returns the server's display name.
func (s *Server) Name() string { return s.Config.Name }

// AddBytes accounts downloaded bytes and parks the server when it
// crosses its quota.
func (s *Server) AddBytes(n int64) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.bytesConsumed += n
	if s.Config.QuotaBytes > 0 && !s.quotaParked && s.bytesConsumed >= s.Config.QuotaBytes {
		s.quotaParked = true
		log.Printf("[SERVERS] %s hit quota (%d bytes), parked until period reset", s.Config.Name, s.bytesConsumed)
	}
}

// BytesConsumed returns the current period's byte counter.
func (s *Server) BytesConsumed() int64 {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.bytesConsumed
}

// ParkQuota parks the server until the next quota period reset.
func (s *Server) ParkQuota() {
	s.mux.Lock()
	s.quotaParked = true
	s.mux.Unlock()
}

// Disable takes the server out of rotation (auth failure or expiry).
func (s *Server) Disable() {
	s.mux.Lock()
	s.disabled = true
	s.mux.Unlock()
}

// Enable returns the server to rotation.
func (s *Server) Enable() {
	s.mux.Lock()
	s.disabled = false
	s.mux.Unlock()
}

// Disabled reports whether the server is out of rotation.
func (s *Server) Disabled() bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.disabled
}

// ResetQuotaIfDue clears the byte counter when the quota period has
// elapsed. Called by the scheduler's 10-minute quota check.
func (s *Server) ResetQuotaIfDue(now time.Time) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.Config.QuotaBytes <= 0 {
		return
	}
	var period time.Duration
	switch s.Config.QuotaPeriod {
	case config.QuotaPeriodWeek:
		period = 7 * 24 * time.Hour
	case config.QuotaPeriodMonth:
		period = 30 * 24 * time.Hour
	default:
		period = 24 * time.Hour
	}
	if s.quotaStart.IsZero() {
		s.quotaStart = now
		return
	}
	if now.Sub(s.quotaStart) >= period {
		s.quotaStart = now
		s.bytesConsumed = 0
		if s.quotaParked {
			s.quotaParked = false
			log.Printf("[SERVERS] %s quota period reset, back in rotation", s.Config.Name)
		}
	}
}

// CheckExpiry disables the server once its configured expiry date passed.
func (s *Server) CheckExpiry(now time.Time) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.Config.ExpireDate == "" || s.disabled {
		return
	}
	expiry, err := time.Parse("2006-01-02", s.Config.ExpireDate)
	if err != nil {
		return
	}
	if now.After(expiry.Add(24 * time.Hour)) {
		s.disabled = true
		log.Printf("[SERVERS] %s expired on %s, disabled", s.Config.Name, s.Config.ExpireDate)
	}
}

// fitFor decides whether this server may try the given article.
func (s *Server) fitFor(a *models.Article, articleDate time.Time, now time.Time) bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if !s.Config.Enabled || s.disabled || s.quotaParked {
		return false
	}
	if a.Tried[s.Config.Name] {
		return false
	}
	// never climb back up the priority ladder for work a better server
	// already attempted
	if a.FetcherPrio > 0 && s.Config.Priority < a.FetcherPrio {
		return false
	}
	if s.Config.RetentionDays > 0 && !articleDate.IsZero() {
		age := now.Sub(articleDate)
		if age > time.Duration(s.Config.RetentionDays)*24*time.Hour {
			return false
		}
	}
	return s.hasFreeSlotLocked()
}

func (s *Server) hasFreeSlotLocked() bool {
	stats := s.Pool.Stats()
	return stats.IdleConnections > 0 || stats.ActiveConnections < stats.MaxConnections
}

// ServerPool holds all configured servers grouped by priority.
type ServerPool struct {
	mux     sync.RWMutex
	servers []*Server // sorted by priority, best first
}

// NewServerPool builds the server pool from configuration.
func NewServerPool(cfg *config.MainConfig) *ServerPool {
	sp := &ServerPool{}
	for _, sc := range cfg.GetServers() {
		maxConns := sc.MaxConns
		if maxConns <= 0 {
			maxConns = 1
		}
		backend := &nntp.BackendConfig{
			Name:       sc.Name,
			Host:       sc.Host,
			Port:       sc.Port,
			SSL:        sc.SSL,
			SSLVerify:  sc.SSLVerify,
			Username:   sc.Username,
			Password:   sc.Password,
			NetTimeout: cfg.NetTimeout(),
			MaxConns:   maxConns,
			Priority:   sc.Priority,
		}
		srv := &Server{Config: sc, Pool: nntp.NewPool(backend)}
		srv.Pool.StartCleanupWorker(8 * time.Second)
		sp.servers = append(sp.servers, srv)
	}
	sort.SliceStable(sp.servers, func(i, j int) bool {
		return sp.servers[i].Config.Priority < sp.servers[j].Config.Priority
	})
	return sp
}

// Fitness returns the best server allowed to try the article, or nil.
func (sp *ServerPool) Fitness(a *models.Article, articleDate time.Time) *Server {
	now := time.Now()
	sp.mux.RLock()
	defer sp.mux.RUnlock()
	for _, s := range sp.servers {
		if s.fitFor(a, articleDate, now) {
			return s
		}
	}
	return nil
}

// AnyFit reports whether any server could still try the article,
// ignoring momentary connection-slot pressure.
func (sp *ServerPool) AnyFit(a *models.Article, articleDate time.Time) bool {
	now := time.Now()
	sp.mux.RLock()
	defer sp.mux.RUnlock()
	for _, s := range sp.servers {
		s.mux.RLock()
		ok := s.Config.Enabled && !s.disabled && !s.quotaParked && !a.Tried[s.Config.Name]
		if ok && s.Config.RetentionDays > 0 && !articleDate.IsZero() {
			ok = now.Sub(articleDate) <= time.Duration(s.Config.RetentionDays)*24*time.Hour
		}
		if ok && a.FetcherPrio > 0 && s.Config.Priority < a.FetcherPrio {
			ok = false
		}
		s.mux.RUnlock()
		if ok {
			return true
		}
	}
	return false
}

// ByName returns a server by display name.
func (sp *ServerPool) ByName(name string) *Server {
	sp.mux.RLock()
	defer sp.mux.RUnlock()
	for _, s := range sp.servers {
		if s.Config.Name == name {
			return s
		}
	}
	return nil
}

// Servers returns the servers in priority order.
func (sp *ServerPool) Servers() []*Server {
	sp.mux.RLock()
	defer sp.mux.RUnlock()
	out := make([]*Server, len(sp.servers))
	copy(out, sp.servers)
	return out
}

// TotalConnLimit is the sum of connection limits across enabled servers;
// it bounds download parallelism.
func (sp *ServerPool) TotalConnLimit() int {
	sp.mux.RLock()
	defer sp.mux.RUnlock()
	total := 0
	for _, s := range sp.servers {
		if s.Config.Enabled && !s.Disabled() {
			total += s.Config.MaxConns
		}
	}
	if total < 1 {
		total = 1
	}
	return total
}

// CheckQuotas runs the periodic quota reset on every server.
func (sp *ServerPool) CheckQuotas(now time.Time) {
	for _, s := range sp.Servers() {
		s.ResetQuotaIfDue(now)
	}
}

// CheckExpiry runs the daily expiry check on every server.
func (sp *ServerPool) CheckExpiry(now time.Time) {
	for _, s := range sp.Servers() {
		s.CheckExpiry(now)
	}
}

// Shutdown closes every connection pool.
func (sp *ServerPool) Shutdown() {
	for _, s := range sp.Servers() {
		s.Pool.ClosePool()
	}
}
