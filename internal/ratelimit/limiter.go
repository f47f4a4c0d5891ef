package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMinInterval = 2 * time.Second
	DefaultMaxCalls    = 30
	DefaultWindow      = time.Minute
)

type Config struct {
	MinInterval time.Duration
	MaxCalls    int
	Window      time.Duration
}

// Permit records one granted outbound call.
type Permit struct {
	GrantedAt time.Time
	Waited    time.Duration
}

type Stats struct {
	Grants    int64
	Waits     int64
	TotalWait time.Duration
	InWindow  int
}

// Limiter gates every outbound LLM call in the process through one shared budget:
// a minimum spacing between grants and a cap on grants per rolling window.
type Limiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	maxCalls    int
	window      time.Duration

	last   time.Time
	issued []time.Time
	stats  Stats

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Limiter {
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.MaxCalls < 0 {
		cfg.MaxCalls = 0
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Limiter{
		minInterval: cfg.MinInterval,
		maxCalls:    cfg.MaxCalls,
		window:      cfg.Window,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Acquire blocks until a call may start and records it. The decision and the
// record happen under one lock; a caller that had to wait re-evaluates after
// waking, so two callers can never both pass on the same free slot. The only
// error is cancellation of ctx while waiting.
func (l *Limiter) Acquire(ctx context.Context) (Permit, error) {
	var waited time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return Permit{}, err
		}

		l.mu.Lock()
		now := l.now()
		l.prune(now)
		delay := l.delayLocked(now)
		if delay <= 0 {
			l.last = now
			l.issued = append(l.issued, now)
			l.stats.Grants++
			if waited > 0 {
				l.stats.Waits++
				l.stats.TotalWait += waited
			}
			l.mu.Unlock()
			return Permit{GrantedAt: now, Waited: waited}, nil
		}
		l.mu.Unlock()

		if err := l.sleep(ctx, delay); err != nil {
			return Permit{}, err
		}
		waited += delay
	}
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	stats := l.stats
	stats.InWindow = len(l.issued)
	return stats
}

func (l *Limiter) delayLocked(now time.Time) time.Duration {
	var delay time.Duration
	if !l.last.IsZero() && l.minInterval > 0 {
		if elapsed := now.Sub(l.last); elapsed < l.minInterval {
			delay = l.minInterval - elapsed
		}
	}
	if l.maxCalls > 0 && len(l.issued) >= l.maxCalls {
		if untilFree := l.issued[0].Add(l.window).Sub(now); untilFree > delay {
			delay = untilFree
		}
	}
	return delay
}

// prune drops grants that have left the rolling window. Must be called with l.mu held.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	drop := 0
	for drop < len(l.issued) && !l.issued[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		l.issued = append(l.issued[:0], l.issued[drop:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
