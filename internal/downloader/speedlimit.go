package downloader

// Global bandwidth limiter. A token bucket refilled at the configured
// rate; connections report completed article bytes and sleep off any
// overdraft. The limit is advisory, not exact.

import (
	"sync"
	"time"
)

// SpeedLimiter is a token bucket over downloaded bytes.
type SpeedLimiter struct {
	mux      sync.Mutex
	rate     int64 // bytes per second, 0 = unlimited
	tokens   int64
	lastFill time.Time

	// burst bounds the bucket so a long pause does not bank minutes of
	// unthrottled throughput.
	burst int64
}

// NewSpeedLimiter creates a limiter for the given line speed and percent.
func NewSpeedLimiter(lineSpeed int64, percent int) *SpeedLimiter {
	l := &SpeedLimiter{lastFill: time.Now()}
	l.SetLimit(lineSpeed, percent)
	return l
}

// SetLimit reconfigures the limiter; 0 line speed or 0/100 percent means
// unlimited.
func (l *SpeedLimiter) SetLimit(lineSpeed int64, percent int) {
	l.mux.Lock()
	defer l.mux.Unlock()
	switch {
	case lineSpeed <= 0:
		l.rate = 0
	case percent > 0 && percent < 100:
		l.rate = lineSpeed * int64(percent) / 100
	default:
		l.rate = lineSpeed
	}
	l.burst = l.rate * 2
	l.tokens = l.burst
	l.lastFill = time.Now()
}

// Rate returns the effective limit in bytes per second (0 = unlimited).
func (l *SpeedLimiter) Rate() int64 {
	l.mux.Lock()
	defer l.mux.Unlock()
	return l.rate
}

// Delay returns how long the caller should sleep after consuming n bytes.
func (l *SpeedLimiter) Delay(n int64) time.Duration {
	l.mux.Lock()
	defer l.mux.Unlock()
	if l.rate <= 0 {
		return 0
	}
	now := time.Now()
	elapsed := now.Sub(l.lastFill)
	l.lastFill = now
	l.tokens += int64(float64(l.rate) * elapsed.Seconds())
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.tokens -= n
	if l.tokens >= 0 {
		return 0
	}
	deficit := -l.tokens
	return time.Duration(float64(deficit) / float64(l.rate) * float64(time.Second))
}

// Wait consumes n bytes and sleeps off any overdraft.
func (l *SpeedLimiter) Wait(n int64) {
	if d := l.Delay(n); d > 0 {
		time.Sleep(d)
	}
}
