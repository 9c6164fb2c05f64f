package downloader

import (
	"testing"
	"time"
)

func TestSpeedLimiterUnlimited(t *testing.T) {
	l := NewSpeedLimiter(0, 50)
	if l.Rate() != 0 {
		t.Errorf("rate = %d, want 0 (unlimited)", l.Rate())
	}
	if d := l.Delay(1 << 30); d != 0 {
		t.Errorf("unlimited limiter delayed %v", d)
	}
}

func TestSpeedLimiterPercent(t *testing.T) {
	cases := []struct {
		line    int64
		percent int
		want    int64
	}{
		{1000, 50, 500},
		{1000, 0, 1000},   // 0 percent = full speed
		{1000, 100, 1000}, // 100 percent = full speed
		{1000, 25, 250},
		{0, 50, 0}, // no line speed = unlimited
	}
	for _, c := range cases {
		l := NewSpeedLimiter(c.line, c.percent)
		if got := l.Rate(); got != c.want {
			t.Errorf("rate(%d, %d%%) = %d, want %d", c.line, c.percent, got, c.want)
		}
	}
}

func TestSpeedLimiterOverdraft(t *testing.T) {
	l := NewSpeedLimiter(1000, 100)
	// the bucket starts full at 2x rate; drain it plus one second's worth
	if d := l.Delay(2000); d != 0 {
		t.Errorf("burst bytes delayed %v", d)
	}
	d := l.Delay(1000)
	// ~1s of deficit at 1000 B/s; allow slack for token refill during the test
	if d < 500*time.Millisecond || d > 1500*time.Millisecond {
		t.Errorf("overdraft delay = %v, want about 1s", d)
	}
}

func TestSpeedLimiterRefill(t *testing.T) {
	l := NewSpeedLimiter(1_000_000, 100)
	l.Delay(2_000_000) // empty the bucket
	time.Sleep(100 * time.Millisecond)
	// ~100k tokens refilled; a small consume must not delay
	if d := l.Delay(50_000); d != 0 {
		t.Errorf("refilled limiter delayed %v", d)
	}
}

func TestSpeedLimiterSetLimitResets(t *testing.T) {
	l := NewSpeedLimiter(100, 100)
	l.Delay(10_000) // deep overdraft
	l.SetLimit(1_000_000, 100)
	if d := l.Delay(1000); d != 0 {
		t.Errorf("reconfigured limiter kept old overdraft: %v", d)
	}
}
