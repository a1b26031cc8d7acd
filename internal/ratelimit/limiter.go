package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sendsAllowed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "ratelimit",
		Name:      "sends_allowed",
		Help:      "Total number of sends accepted by the rate limiter",
	})
	sendsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "ratelimit",
		Name:      "sends_rejected",
		Help:      "Total number of sends rejected by the rate limiter",
	})
)

func init() {
	prometheus.MustRegister(sendsAllowed, sendsRejected)
}

// Config holds the sliding-window parameters.
type Config struct {
	Window        time.Duration `json:"window"`
	MaxMessages   int           `json:"max_messages"`
	MuteDuration  time.Duration `json:"mute_duration"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DefaultConfig allows 5 messages per 10 seconds per (user, room), with
// a 30 second mute on overflow.
func DefaultConfig() Config {
	return Config{
		Window:        10 * time.Second,
		MaxMessages:   5,
		MuteDuration:  30 * time.Second,
		SweepInterval: 60 * time.Second,
	}
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	MutedUntil time.Time
}

type windowKey struct {
	userID string
	roomID string
}

// rateWindow tracks recent send timestamps for one (user, room) pair.
// When mutedUntil is set and in the future no sends are recorded; once
// it expires both the mute and the history reset.
type rateWindow struct {
	sends      []time.Time
	mutedUntil time.Time
}

// Limiter is a per-(user, room) sliding-window send throttle with a
// mute penalty. This is a soft cost control, not a correctness
// mechanism; sustained abuse beyond the window is the caller's concern.
type Limiter struct {
	mu      sync.Mutex
	windows map[windowKey]*rateWindow
	config  Config
	done    chan struct{}
	once    sync.Once
}

// NewLimiter creates a limiter and starts its eviction sweep.
func NewLimiter(config Config) *Limiter {
	l := &Limiter{
		windows: make(map[windowKey]*rateWindow),
		config:  config,
		done:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// CheckAndRecord decides whether a send at now is allowed and records
// it if so. Rejection mutes the pair for the configured duration; the
// penalty is hard, further over-limit attempts do not extend it.
func (l *Limiter) CheckAndRecord(userID, roomID string, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := windowKey{userID: userID, roomID: roomID}
	w, exists := l.windows[key]
	if !exists {
		w = &rateWindow{}
		l.windows[key] = w
	}

	if !w.mutedUntil.IsZero() {
		if now.Before(w.mutedUntil) {
			sendsRejected.Inc()
			return Result{Allowed: false, MutedUntil: w.mutedUntil}
		}
		// Mute expired: start over with an empty window.
		w.mutedUntil = time.Time{}
		w.sends = w.sends[:0]
	}

	cutoff := now.Add(-l.config.Window)
	kept := w.sends[:0]
	for _, ts := range w.sends {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.sends = kept

	if len(w.sends) >= l.config.MaxMessages {
		w.mutedUntil = now.Add(l.config.MuteDuration)
		sendsRejected.Inc()
		return Result{Allowed: false, MutedUntil: w.mutedUntil}
	}

	w.sends = append(w.sends, now)
	sendsAllowed.Inc()
	return Result{Allowed: true}
}

// sweepLoop periodically evicts idle windows so memory stays bounded by
// active talkers.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now())
		case <-l.done:
			return
		}
	}
}

// sweep removes windows with no timestamps inside the trailing window
// and no active mute.
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.config.Window)
	for key, w := range l.windows {
		if !w.mutedUntil.IsZero() && now.Before(w.mutedUntil) {
			continue
		}
		active := false
		for _, ts := range w.sends {
			if ts.After(cutoff) {
				active = true
				break
			}
		}
		if !active {
			delete(l.windows, key)
		}
	}
}

// Stop halts the eviction sweep.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.done) })
}

// size reports the tracked window count, for tests and stats.
func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
