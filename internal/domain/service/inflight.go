package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FlightResult is the terminal value fanned out to everyone waiting on a
// shared computation.
type FlightResult struct {
	Answer string
	Model  string
	Err    error
}

// Flight is one shared computation keyed by fingerprint. The first caller
// owns the computation and runs it under Context(); later callers subscribe
// and receive the owner's result.
//
// The computation context is detached from any single caller: it stays live
// while at least one interested party (owner or subscriber) remains, so an
// owner disconnecting hands the computation to its subscribers instead of
// killing it. A hard lifetime bounds the whole flight so a wedged
// computation cannot pin the key.
type Flight struct {
	key       string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	parties atomic.Int32

	mu     sync.Mutex
	subs   []chan FlightResult
	done   chan struct{}
	result FlightResult

	owner *InFlightMap
	once  sync.Once
}

// Context governs the computation. It is cancelled when every party has
// gone away or the hard lifetime expires.
func (f *Flight) Context() context.Context {
	return f.ctx
}

// Done is closed when the flight has a result.
func (f *Flight) Done() <-chan struct{} {
	return f.done
}

// Subscribe registers interest in the flight's result. The returned channel
// receives exactly one FlightResult. The subscriber's context keeps the
// computation alive; cancelling it abandons only this subscriber.
func (f *Flight) Subscribe(ctx context.Context) <-chan FlightResult {
	ch := make(chan FlightResult, 1)

	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		ch <- f.result
		return ch
	default:
	}
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	f.addParty(ctx)
	return ch
}

// Complete stores the result, fans it out to all subscribers, and removes
// the flight from its map. Called once, by the owner. Errors propagate to
// subscribers but are never cached here: the next Begin recomputes.
func (f *Flight) Complete(result FlightResult) {
	f.once.Do(func() {
		f.mu.Lock()
		f.result = result
		subs := f.subs
		f.subs = nil
		close(f.done)
		f.mu.Unlock()

		for _, ch := range subs {
			ch <- result // buffered, never blocks
		}

		f.cancel()
		f.owner.remove(f.key, f)
	})
}

// addParty counts ctx as an interested party. When the last party's context
// ends before the flight completes, the computation is cancelled.
func (f *Flight) addParty(ctx context.Context) {
	f.parties.Add(1)
	go func() {
		select {
		case <-ctx.Done():
			if f.parties.Add(-1) == 0 {
				f.cancel()
			}
		case <-f.done:
		}
	}()
}

// InFlightMap deduplicates concurrent identical turns: fingerprint → shared
// Flight. The join window bounds how long later identical requests may
// attach to an existing flight; the lifetime is the hard deadline every
// computation runs under.
type InFlightMap struct {
	mu      sync.Mutex
	flights map[string]*Flight
	join    time.Duration
	life    time.Duration

	started atomic.Int64
	joined  atomic.Int64
}

// NewInFlightMap builds the dedup map. A lifetime shorter than the join
// window would cancel computations that callers can still join, so it is
// raised to the window.
func NewInFlightMap(join, lifetime time.Duration) *InFlightMap {
	if lifetime < join {
		lifetime = join
	}
	return &InFlightMap{
		flights: make(map[string]*Flight),
		join:    join,
		life:    lifetime,
	}
}

// Begin either starts a new flight (owned=true: the caller must compute
// under flight.Context() and call Complete) or joins an existing one
// (owned=false: the caller should Subscribe). A flight past the join window
// no longer deduplicates: it keeps running for its own subscribers until its
// deadline reaps it, and this caller starts fresh.
func (m *InFlightMap) Begin(ctx context.Context, key string) (flight *Flight, owned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.flights[key]; ok {
		if time.Since(f.startedAt) < m.join {
			m.joined.Add(1)
			return f, false
		}
		delete(m.flights, key)
	}

	fctx, cancel := context.WithTimeout(context.Background(), m.life)
	f := &Flight{
		key:       key,
		startedAt: time.Now(),
		ctx:       fctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		owner:     m,
	}
	f.addParty(ctx)
	m.flights[key] = f
	m.started.Add(1)
	return f, true
}

// Len returns the number of live flights.
func (m *InFlightMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flights)
}

// Stats returns how many flights were started versus joined.
func (m *InFlightMap) Stats() (started, joined int64) {
	return m.started.Load(), m.joined.Load()
}

func (m *InFlightMap) remove(key string, f *Flight) {
	m.mu.Lock()
	if cur, ok := m.flights[key]; ok && cur == f {
		delete(m.flights, key)
	}
	m.mu.Unlock()
}
