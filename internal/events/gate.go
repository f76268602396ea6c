package events

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate passes at most one event per interval per key to the wrapped
// handler and drops the rest. Consumers that render at UI rate put a Gate in
// front of their handler; producers always publish at full rate.
type Gate struct {
	interval time.Duration
	next     Handler
	key      func(Event) string

	mu    sync.Mutex
	gates map[string]*rate.Sometimes
}

// NewGate wraps next. A nil key gates all events together.
func NewGate(interval time.Duration, next Handler, key func(Event) string) *Gate {
	if key == nil {
		key = func(Event) string { return "" }
	}
	return &Gate{
		interval: interval,
		next:     next,
		key:      key,
		gates:    make(map[string]*rate.Sometimes),
	}
}

// Handle is a Handler that forwards e only if its key's interval has elapsed.
func (g *Gate) Handle(e Event) {
	k := g.key(e)
	g.mu.Lock()
	s, ok := g.gates[k]
	if !ok {
		s = &rate.Sometimes{Interval: g.interval}
		g.gates[k] = s
	}
	g.mu.Unlock()
	s.Do(func() { g.next(e) })
}
