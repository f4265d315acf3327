package supervisor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RestartPolicy decides whether and when a dead worker is replaced.
type RestartPolicy interface {
	// Next returns the delay before forking a replacement for ev, or
	// false if no replacement should be forked.
	Next(ev ExitEvent) (time.Duration, bool)
}

// AlwaysRestart replaces every dead worker immediately, forever.
// There is no backoff and no crash-loop protection.
type AlwaysRestart struct{}

// Next always allows an immediate restart
func (AlwaysRestart) Next(ExitEvent) (time.Duration, bool) {
	return 0, true
}

// ThrottledRestart spaces replacements with a token bucket and optionally
// gives up after a fixed number of restarts.
type ThrottledRestart struct {
	limiter  *rate.Limiter
	max      int
	restarts int
	mu       sync.Mutex
}

// NewThrottledRestart allows r restarts per second with the given burst.
// max <= 0 means restarts are never refused.
func NewThrottledRestart(r rate.Limit, burst, max int) *ThrottledRestart {
	if burst < 1 {
		burst = 1
	}
	return &ThrottledRestart{
		limiter: rate.NewLimiter(r, burst),
		max:     max,
	}
}

// Next reserves a restart token and returns how long to wait for it
func (p *ThrottledRestart) Next(ExitEvent) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.max > 0 && p.restarts >= p.max {
		return 0, false
	}
	res := p.limiter.Reserve()
	if !res.OK() {
		return 0, false
	}
	p.restarts++
	return res.Delay(), true
}

// Restarts returns how many restarts were granted
func (p *ThrottledRestart) Restarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}
