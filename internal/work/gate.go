package work

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Gate runs at most one operation per key at a time and drives a loading
// signal that, once raised, stays up for at least minLoading.
type Gate struct {
	group      singleflight.Group
	minLoading time.Duration

	mu       sync.Mutex
	inFlight map[string]int
	holds    int
	onChange func(loading bool)
}

// NewGate creates a gate whose loading signal lasts at least minLoading.
func NewGate(minLoading time.Duration) *Gate {
	if minLoading < 0 {
		minLoading = 0
	}
	return &Gate{
		minLoading: minLoading,
		inFlight:   make(map[string]int),
	}
}

// OnLoadingChange registers fn to be called on every loading edge.
// fn runs with the gate lock held and must not call back into the gate.
func (g *Gate) OnLoadingChange(fn func(loading bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = fn
}

// Run executes op unless an operation under key is already in flight, in
// which case the caller joins that operation and gets its error. ran reports
// whether this caller's op was the one executed.
func (g *Gate) Run(key string, op func() error) (ran bool, err error) {
	_, err, _ = g.group.Do(key, func() (any, error) {
		ran = true
		g.track(key, 1)
		defer g.track(key, -1)
		return nil, op()
	})
	return ran, err
}

// Controlled is Run with the loading signal asserted while op runs and for
// the remainder of the minimum duration after it returns.
func (g *Gate) Controlled(key string, op func() error) (bool, error) {
	return g.Run(key, func() error {
		release := g.hold()
		defer release()
		return op()
	})
}

// InFlight reports whether an operation under key is running.
func (g *Gate) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[key] > 0
}

// Loading reports whether the loading signal is currently asserted.
func (g *Gate) Loading() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holds > 0
}

func (g *Gate) track(key string, delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight[key] += delta
	if g.inFlight[key] <= 0 {
		delete(g.inFlight, key)
	}
}

// hold raises the loading signal and returns the function that lowers it
// once both op and the minimum timer are done.
func (g *Gate) hold() func() {
	g.mu.Lock()
	g.holds++
	if g.holds == 1 && g.onChange != nil {
		g.onChange(true)
	}
	g.mu.Unlock()

	start := time.Now()
	return func() {
		remaining := g.minLoading - time.Since(start)
		if remaining <= 0 {
			g.unhold()
			return
		}
		time.AfterFunc(remaining, g.unhold)
	}
}

func (g *Gate) unhold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holds--
	if g.holds == 0 && g.onChange != nil {
		g.onChange(false)
	}
}
