package downloader

import (
	"testing"
	"time"

	"github.com/go-while/go-nzbgrab/internal/config"
	"github.com/go-while/go-nzbgrab/internal/models"
	"github.com/go-while/go-nzbgrab/internal/nntp"
)

func testServer(name string, prio int) *Server {
	sc := config.ServerConfig{
		Name:     name,
		Host:     name + ".example.com",
		Port:     119,
		MaxConns: 4,
		Priority: prio,
		Enabled:  true,
	}
	return &Server{
		Config: sc,
		Pool:   nntp.NewPool(&nntp.BackendConfig{Name: name, MaxConns: 4}),
	}
}

func testPool(servers ...*Server) *ServerPool {
	return &ServerPool{servers: servers}
}

func TestFitnessPrefersBestPriority(t *testing.T) {
	main := testServer("main", 0)
	backup := testServer("backup", 1)
	sp := testPool(main, backup)

	a := &models.Article{MessageID: "<x>", Bytes: 100}
	if got := sp.Fitness(a, time.Time{}); got != main {
		t.Errorf("fitness picked %v, want main", got)
	}
}

func TestFitnessSkipsTriedServer(t *testing.T) {
	main := testServer("main", 0)
	backup := testServer("backup", 1)
	sp := testPool(main, backup)

	a := &models.Article{MessageID: "<x>"}
	a.MarkTried("main", 0)
	if got := sp.Fitness(a, time.Time{}); got != backup {
		t.Error("tried server retried")
	}
	a.MarkTried("backup", 1)
	if got := sp.Fitness(a, time.Time{}); got != nil {
		t.Errorf("all-tried article still fit for %s", got.Name())
	}
}

func TestFitnessPriorityWatermark(t *testing.T) {
	main := testServer("main", 0)
	backup := testServer("backup", 1)
	sp := testPool(main, backup)

	// backup (priority 1) already failed this article; main (priority 0,
	// a better server) must not pick up backup's leftovers
	a := &models.Article{MessageID: "<x>"}
	a.MarkTried("backup", 1)
	if got := sp.Fitness(a, time.Time{}); got != nil {
		t.Errorf("better-priority server %s retried worse server's work", got.Name())
	}
}

func TestFitnessSkipsDisabledAndParked(t *testing.T) {
	main := testServer("main", 0)
	backup := testServer("backup", 1)
	sp := testPool(main, backup)
	a := &models.Article{MessageID: "<x>"}

	main.Disable()
	if got := sp.Fitness(a, time.Time{}); got != backup {
		t.Error("disabled server still in rotation")
	}
	main.Enable()
	main.ParkQuota()
	if got := sp.Fitness(a, time.Time{}); got != backup {
		t.Error("quota-parked server still in rotation")
	}
}

func TestFitnessRetentionWindow(t *testing.T) {
	short := testServer("short", 0)
	short.Config.RetentionDays = 100
	deep := testServer("deep", 1)
	sp := testPool(short, deep)

	a := &models.Article{MessageID: "<x>"}
	oldDate := time.Now().Add(-200 * 24 * time.Hour)
	if got := sp.Fitness(a, oldDate); got != deep {
		t.Error("article older than retention dispatched to short server")
	}
	freshDate := time.Now().Add(-10 * 24 * time.Hour)
	if got := sp.Fitness(a, freshDate); got != short {
		t.Error("fresh article not dispatched to preferred server")
	}
}

func TestAnyFitExhaustion(t *testing.T) {
	main := testServer("main", 0)
	backup := testServer("backup", 1)
	sp := testPool(main, backup)

	a := &models.Article{MessageID: "<x>"}
	if !sp.AnyFit(a, time.Time{}) {
		t.Fatal("untried article reported unfit")
	}
	a.MarkTried("main", 0)
	if !sp.AnyFit(a, time.Time{}) {
		t.Fatal("backup still untried but AnyFit false")
	}
	a.MarkTried("backup", 1)
	if sp.AnyFit(a, time.Time{}) {
		t.Error("exhausted article reported fit")
	}
}

func TestQuotaParkAndReset(t *testing.T) {
	s := testServer("metered", 0)
	s.Config.QuotaBytes = 1000
	s.Config.QuotaPeriod = config.QuotaPeriodDay

	s.AddBytes(600)
	a := &models.Article{MessageID: "<x>"}
	if !s.fitFor(a, time.Time{}, time.Now()) {
		t.Fatal("under-quota server unfit")
	}
	s.AddBytes(600)
	if s.fitFor(a, time.Time{}, time.Now()) {
		t.Error("over-quota server still fit")
	}

	// first check establishes the period start, second resets after expiry
	now := time.Now()
	s.ResetQuotaIfDue(now)
	s.ResetQuotaIfDue(now.Add(25 * time.Hour))
	if s.BytesConsumed() != 0 {
		t.Errorf("counter = %d after period reset, want 0", s.BytesConsumed())
	}
	if !s.fitFor(a, time.Time{}, time.Now()) {
		t.Error("server still parked after period reset")
	}
}

func TestCheckExpiryDisables(t *testing.T) {
	s := testServer("expiring", 0)
	s.Config.ExpireDate = "2024-01-31"
	s.CheckExpiry(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	if !s.Disabled() {
		t.Error("expired server not disabled")
	}

	s2 := testServer("current", 0)
	s2.Config.ExpireDate = "2099-12-31"
	s2.CheckExpiry(time.Now())
	if s2.Disabled() {
		t.Error("unexpired server disabled")
	}
}

func TestTotalConnLimit(t *testing.T) {
	a := testServer("a", 0)
	b := testServer("b", 1)
	sp := testPool(a, b)
	if got := sp.TotalConnLimit(); got != 8 {
		t.Errorf("limit = %d, want 8", got)
	}
	b.Disable()
	if got := sp.TotalConnLimit(); got != 4 {
		t.Errorf("limit with one disabled = %d, want 4", got)
	}
	a.Disable()
	if got := sp.TotalConnLimit(); got != 1 {
		t.Errorf("limit floor = %d, want 1", got)
	}
}
