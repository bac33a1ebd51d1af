package admission

import (
	"context"
	"sync"
	"time"

	"github.com/weiawesome/wes-collab/internal/config"
	"github.com/weiawesome/wes-collab/pkg/log"
)

// Guard bounds connection attempts per source address with a sliding window.
type Guard struct {
	maxAttempts   int
	window        time.Duration
	sweepInterval time.Duration
	retention     time.Duration
	now           func() time.Time

	mu      sync.RWMutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	mu       sync.Mutex
	attempts []time.Time
	swept    bool
}

func NewGuard(cfg config.AdmissionConfig) *Guard {
	g := &Guard{
		maxAttempts:   cfg.MaxAttempts,
		window:        cfg.Window,
		sweepInterval: cfg.SweepInterval,
		retention:     cfg.Retention,
		now:           time.Now,
		windows:       make(map[string]*rateWindow),
	}
	if g.maxAttempts <= 0 {
		g.maxAttempts = config.DefaultMaxAttempts
	}
	if g.window <= 0 {
		g.window = config.DefaultWindow
	}
	if g.sweepInterval <= 0 {
		g.sweepInterval = config.DefaultSweepInterval
	}
	if g.retention < g.window {
		g.retention = config.DefaultRetention
		if g.retention < g.window {
			g.retention = g.window
		}
	}
	return g
}

// Allow records an attempt from addr and reports whether it may proceed.
// Rejected attempts are recorded too, so a client that keeps retrying stays
// rejected until it backs off for a full window.
func (g *Guard) Allow(addr string) bool {
	now := g.now()
	for {
		w := g.lookup(addr)

		w.mu.Lock()
		if w.swept {
			// removed by a concurrent sweep after lookup
			w.mu.Unlock()
			continue
		}
		w.attempts = append(w.attempts, now)
		w.trim(now.Add(-g.window))
		allowed := len(w.attempts) <= g.maxAttempts
		w.mu.Unlock()
		return allowed
	}
}

func (g *Guard) lookup(addr string) *rateWindow {
	g.mu.RLock()
	w, ok := g.windows[addr]
	g.mu.RUnlock()
	if ok {
		return w
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok = g.windows[addr]; ok {
		return w
	}
	w = &rateWindow{}
	g.windows[addr] = w
	return w
}

// trim drops attempts at or before cutoff. Caller holds w.mu.
func (w *rateWindow) trim(cutoff time.Time) {
	i := 0
	for i < len(w.attempts) && !w.attempts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.attempts = append(w.attempts[:0], w.attempts[i:]...)
	}
}

// Sweep removes addresses with no attempt within the retention period and
// returns how many were removed.
func (g *Guard) Sweep() int {
	cutoff := g.now().Add(-g.retention)

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for addr, w := range g.windows {
		w.mu.Lock()
		idle := len(w.attempts) == 0 || !w.attempts[len(w.attempts)-1].After(cutoff)
		if idle {
			w.swept = true
		}
		w.mu.Unlock()
		if idle {
			delete(g.windows, addr)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of addresses currently held.
func (g *Guard) Tracked() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.windows)
}

// Run sweeps periodically until ctx is done.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				l := log.Ctx(ctx)
				l.Debug().Int("removed", n).Msg("admission windows swept")
			}
		}
	}
}
