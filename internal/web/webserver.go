// Package web exposes the HTTP+JSON control surface: queue and history
// views, job control (add, pause, resume, delete, reorder, priority,
// category), speed limit changes and shutdown. Authentication is a
// bcrypt-hashed API key supplied as the "apikey" query parameter or the
// X-Api-Key header.
package web

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/history"
	"github.com/go-while/go-nzbgrab/internal/models"
	"github.com/go-while/go-nzbgrab/internal/supervisor"
)

// WebServer serves the control API.
type WebServer struct {
	Router *gin.Engine
	Config *config.WebConfig
	Sup    *supervisor.Supervisor

	// OnShutdown is invoked after the shutdown endpoint responds.
	OnShutdown func()

	srv *http.Server
}

// NewServer creates the API server over a running supervisor.
func NewServer(sup *supervisor.Supervisor) *WebServer {
	if !sup.Cfg.Web.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.SetTrustedProxies([]string{"127.0.0.1", "::1", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"})

	secureConfig := secure.Config{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}
	if sup.Cfg.Web.SSL {
		secureConfig.SSLRedirect = true
		secureConfig.STSSeconds = 31536000
		secureConfig.STSIncludeSubdomains = true
	}
	router.Use(secure.New(secureConfig))

	s := &WebServer{
		Router: router,
		Config: &sup.Cfg.Web,
		Sup:    sup,
	}
	s.setupRoutes()
	return s
}

// Listen binds and serves until Close. A bind failure is returned so the
// launcher can exit with the right code.
func (s *WebServer) Listen() error {
	addr := fmt.Sprintf(":%d", s.Config.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind %s: %w", addr, err)
	}
	s.srv = &http.Server{
		Handler:      s.Router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	log.Printf("[WEB] API listening on %s (ssl=%v)", addr, s.Config.SSL)
	if s.Config.SSL {
		err = s.srv.ServeTLS(ln, s.Config.CertFile, s.Config.KeyFile)
	} else {
		err = s.srv.Serve(ln)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close stops the listener.
func (s *WebServer) Close() {
	if s.srv != nil {
		s.srv.Close()
	}
}

// authMiddleware verifies the API key against the stored bcrypt hash.
func (s *WebServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Query("apikey")
		if key == "" {
			key = c.GetHeader("X-Api-Key")
		}
		hash := s.Config.APIKeyHash
		if hash == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no api key configured, run nzbgrabmgr"})
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad api key"})
			return
		}
		c.Next()
	}
}

func (s *WebServer) setupRoutes() {
	api := s.Router.Group("/api", s.authMiddleware())

	api.GET("/queue", s.handleGetQueue)
	api.POST("/queue/add", s.handleAddJob)
	api.POST("/queue/:id/pause", s.handlePauseJob)
	api.POST("/queue/:id/resume", s.handleResumeJob)
	api.POST("/queue/:id/delete", s.handleDeleteJob)
	api.POST("/queue/:id/top", s.handleMoveTop)
	api.POST("/queue/:id/priority", s.handleSetPriority)
	api.POST("/queue/:id/category", s.handleSetCategory)
	api.POST("/queue/:id/password", s.handleSetPassword)

	api.GET("/history", s.handleGetHistory)
	api.POST("/history/:id/delete", s.handleDeleteHistory)
	api.POST("/history/purge", s.handlePurgeHistory)

	api.POST("/pause", s.handlePauseAll)
	api.POST("/resume", s.handleResumeAll)
	api.POST("/speedlimit", s.handleSpeedLimit)
	api.GET("/status", s.handleStatus)
	api.GET("/warnings", s.handleWarnings)
	api.POST("/shutdown", s.handleShutdown)
}

// queueEntry is the wire shape of one queued job.
type queueEntry struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	State      string  `json:"state"`
	Priority   string  `json:"priority"`
	Category   string  `json:"category"`
	Bytes      int64   `json:"bytes"`
	Downloaded int64   `json:"downloaded"`
	Percent    float64 `json:"percent"`
}

func (s *WebServer) handleGetQueue(c *gin.Context) {
	var out []queueEntry
	for _, j := range s.Sup.Queue.Jobs() {
		j.Mux.RLock()
		e := queueEntry{
			ID:         j.ID,
			Name:       j.Name,
			State:      j.State.String(),
			Priority:   j.Priority.String(),
			Category:   j.Category,
			Bytes:      j.TotalBytes,
			Downloaded: j.BytesDownloaded,
		}
		if j.TotalBytes > 0 {
			e.Percent = float64(j.BytesDownloaded) * 100 / float64(j.TotalBytes)
		}
		j.Mux.RUnlock()
		out = append(out, e)
	}
	c.JSON(http.StatusOK, gin.H{
		"paused": s.Sup.Paused(),
		"jobs":   out,
	})
}

// addJobRequest describes a job submitted over the API. Segments are
// already parsed; NZB XML handling lives with the caller.
type addJobRequest struct {
	Name     string `json:"name" binding:"required"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
	PPLevel  int    `json:"pp"`
	Script   string `json:"script"`
	Password string `json:"password"`
	URL      string `json:"url"`
	Files    []struct {
		Filename string   `json:"filename"`
		Subject  string   `json:"subject"`
		Groups   []string `json:"groups"`
		Date     int64    `json:"date"` // unix
		Segments []struct {
			MessageID string `json:"message_id"`
			Bytes     int64  `json:"bytes"`
			Ordinal   int    `json:"ordinal"`
		} `json:"segments"`
	} `json:"files" binding:"required"`
}

func (s *WebServer) handleAddJob(c *gin.Context) {
	var req addJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	nzo := buildJob(&req)
	if err := s.Sup.AddJob(nzo, nil); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": nzo.ID})
}

// buildJob turns a request into a job. Par2 volume files are withheld
// from the active file list; the repair stage promotes them only when
// blocks are actually missing.
func buildJob(req *addJobRequest) *models.NzbObject {
	nzo := &models.NzbObject{
		Name:     req.Name,
		Category: req.Category,
		Priority: models.Priority(req.Priority),
		PPLevel:  req.PPLevel,
		Script:   req.Script,
		Password: req.Password,
		URL:      req.URL,
	}
	var active, volumes []*models.NzbFile
	for _, f := range req.Files {
		nzf := &models.NzbFile{
			ID:       models.NewNzfID(),
			Filename: f.Filename,
			Subject:  f.Subject,
			Groups:   f.Groups,
			Date:     time.Unix(f.Date, 0),
			IsPar2:   models.Par2VolBlocks(f.Filename) > 0 || hasPar2Ext(f.Filename),
		}
		for _, seg := range f.Segments {
			nzf.Size += seg.Bytes
			nzf.Articles = append(nzf.Articles, &models.Article{
				MessageID: seg.MessageID,
				Bytes:     seg.Bytes,
				Ordinal:   seg.Ordinal,
			})
		}
		nzf.BytesLeft = nzf.Size
		if models.Par2VolBlocks(nzf.Filename) > 0 {
			volumes = append(volumes, nzf)
		} else {
			active = append(active, nzf)
		}
	}

	// smallest volumes first, so promotion fetches the cheapest blocks
	sort.SliceStable(volumes, func(i, j int) bool {
		return models.Par2VolBlocks(volumes[i].Filename) < models.Par2VolBlocks(volumes[j].Filename)
	})
	// a set without a base .par2 keeps its smallest volume downloadable,
	// otherwise verification would have nothing to run against
	if len(volumes) > 0 && !anyBasePar2(active) {
		active = append(active, volumes[0])
		volumes = volumes[1:]
	}

	// article indices refer to the active list; promotion rebases extras
	for i, nzf := range active {
		for _, a := range nzf.Articles {
			a.FileIndex = i
		}
		nzo.TotalBytes += nzf.Size
	}
	nzo.Files = active
	nzo.ExtraPar2 = volumes
	return nzo
}

func anyBasePar2(files []*models.NzbFile) bool {
	for _, f := range files {
		if f.IsPar2 && models.Par2VolBlocks(f.Filename) == 0 {
			return true
		}
	}
	return false
}

func hasPar2Ext(name string) bool {
	return len(name) > 5 && name[len(name)-5:] == ".par2"
}

func (s *WebServer) handlePauseJob(c *gin.Context) {
	if nzo := s.Sup.Queue.ByID(c.Param("id")); nzo != nil {
		nzo.Pause()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no such job"})
}

func (s *WebServer) handleResumeJob(c *gin.Context) {
	if nzo := s.Sup.Queue.ByID(c.Param("id")); nzo != nil {
		nzo.Resume()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no such job"})
}

func (s *WebServer) handleDeleteJob(c *gin.Context) {
	if s.Sup.Queue.Delete(c.Param("id")) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no such job"})
}

func (s *WebServer) handleMoveTop(c *gin.Context) {
	if s.Sup.Queue.MoveTop(c.Param("id")) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no such job"})
}

func (s *WebServer) handleSetPriority(c *gin.Context) {
	var req struct {
		Priority int `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Priority < int(models.PriorityStop) || req.Priority > int(models.PriorityForce) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "priority out of range"})
		return
	}
	if s.Sup.Queue.SetPriority(c.Param("id"), models.Priority(req.Priority)) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no such job"})
}

func (s *WebServer) handleSetCategory(c *gin.Context) {
	var req struct {
		Category string `json:"category"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if nzo := s.Sup.Queue.ByID(c.Param("id")); nzo != nil {
		nzo.SetCategory(req.Category)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no such job"})
}

// handleSetPassword supplies a password for a job waiting Encrypted in
// post-processing, or updates a queued job's password.
func (s *WebServer) handleSetPassword(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if nzo := s.Sup.Queue.ByID(id); nzo != nil {
		nzo.Mux.Lock()
		nzo.Password = req.Password
		nzo.Mux.Unlock()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	if s.Sup.PostProc.SetPassword(id, req.Password) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no such job"})
}

func (s *WebServer) handleGetHistory(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, total, err := s.Sup.History.List(history.Filter{
		Category: c.Query("category"),
		Status:   c.Query("status"),
		Search:   c.Query("search"),
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "records": recs})
}

func (s *WebServer) handleDeleteHistory(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad id"})
		return
	}
	if err := s.Sup.History.Delete(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *WebServer) handlePurgeHistory(c *gin.Context) {
	failedOnly := c.Query("failed_only") == "1"
	n, err := s.Sup.History.Purge(failedOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *WebServer) handlePauseAll(c *gin.Context) {
	// optional resume-in-N-minutes plan
	if mins, err := strconv.Atoi(c.DefaultQuery("minutes", "0")); err == nil && mins > 0 {
		s.Sup.Scheduler.ResumeIn(time.Duration(mins) * time.Minute)
	}
	s.Sup.PauseAll()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *WebServer) handleResumeAll(c *gin.Context) {
	s.Sup.Scheduler.CancelResume()
	s.Sup.ResumeAll()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *WebServer) handleSpeedLimit(c *gin.Context) {
	pct, err := strconv.Atoi(c.Query("percent"))
	if err != nil || pct < 0 || pct > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "percent must be 0..100"})
		return
	}
	s.Sup.SetSpeedLimit(pct)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *WebServer) handleStatus(c *gin.Context) {
	day, week, month, total := s.Sup.Downloader.Meter().Snapshot()
	var servers []gin.H
	for _, srv := range s.Sup.Servers.Servers() {
		stats := srv.Pool.Stats()
		servers = append(servers, gin.H{
			"name":     srv.Name(),
			"disabled": srv.Disabled(),
			"bytes":    srv.BytesConsumed(),
			"active":   stats.ActiveConnections,
			"idle":     stats.IdleConnections,
			"max":      stats.MaxConnections,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"version":      config.AppVersion,
		"paused":       s.Sup.Paused(),
		"queue_len":    s.Sup.Queue.Len(),
		"pp_queue_len": s.Sup.PostProc.QueueLen(),
		"cache_bytes":  s.Sup.Cache.Size(),
		"speed_limit":  s.Sup.Downloader.Limiter().Rate(),
		"bytes_day":    day,
		"bytes_week":   week,
		"bytes_month":  month,
		"bytes_total":  total,
		"servers":      servers,
	})
}

func (s *WebServer) handleWarnings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"warnings": s.Sup.Warnings()})
}

func (s *WebServer) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "shutting down"})
	if s.OnShutdown != nil {
		go s.OnShutdown()
	}
}

// HashAPIKey produces the bcrypt hash stored in the config. Used by the
// nzbgrabmgr tool.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
