package monitoring

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/service"
)

// Latency phases tracked with percentile rings. The orchestrator feeds model
// and total; the search pipeline feeds search, rank, and synthesis.
const (
	PhaseSearch    = "search"
	PhaseRank      = "rank"
	PhaseSynthesis = "synthesis"
	PhaseModel     = "model"
	PhaseTotal     = "total"
)

// ringSize bounds the per-phase sample window the percentiles are computed
// over. Averages cover the process lifetime.
const ringSize = 512

// Monitor is the process-wide metrics recorder: atomic counters on the hot
// path, bounded rings for latency percentiles, and an optional Prometheus
// mirror of the same events. It implements service.TurnMetrics.
type Monitor struct {
	startedAt time.Time
	logger    *zap.Logger

	turnsStarted atomic.Int64
	turnsOK      atomic.Int64
	turnsError   atomic.Int64
	turnsCached  atomic.Int64
	turnsJoined  atomic.Int64

	responseHits   atomic.Int64
	responseMisses atomic.Int64
	simpleHits     atomic.Int64
	simpleMisses   atomic.Int64
	flightJoins    atomic.Int64

	selectionsML        atomic.Int64
	selectionsHeuristic atomic.Int64

	toolMu sync.RWMutex
	tools  map[string]*toolStat

	breakerMu sync.RWMutex
	breakers  map[string]*breakerStat

	rings map[string]*latencyRing

	prom *promMirror
}

type toolStat struct {
	completed atomic.Int64
	failed    atomic.Int64
}

type breakerStat struct {
	transitions int64
	lastState   string
}

// NewMonitor builds the recorder. A nil registerer disables the Prometheus
// mirror; the in-process view keeps working either way.
func NewMonitor(reg prometheus.Registerer, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		startedAt: time.Now(),
		logger:    logger,
		tools:     make(map[string]*toolStat),
		breakers:  make(map[string]*breakerStat),
		rings: map[string]*latencyRing{
			PhaseSearch:    newLatencyRing(ringSize),
			PhaseRank:      newLatencyRing(ringSize),
			PhaseSynthesis: newLatencyRing(ringSize),
			PhaseModel:     newLatencyRing(ringSize),
			PhaseTotal:     newLatencyRing(ringSize),
		},
	}
	if reg != nil {
		m.prom = newPromMirror(reg)
	}
	return m
}

var _ service.TurnMetrics = (*Monitor)(nil)

func (m *Monitor) TurnStarted() {
	m.turnsStarted.Add(1)
	if m.prom != nil {
		m.prom.turnsStarted.Inc()
	}
}

func (m *Monitor) TurnFinished(outcome string, elapsed time.Duration) {
	switch outcome {
	case "ok":
		m.turnsOK.Add(1)
	case "cached":
		m.turnsCached.Add(1)
	case "joined":
		m.turnsJoined.Add(1)
	default:
		m.turnsError.Add(1)
	}
	m.ObservePhase(PhaseTotal, elapsed)
	if m.prom != nil {
		m.prom.turnsFinished.WithLabelValues(outcome).Inc()
	}
}

func (m *Monitor) CacheHit(simple bool) {
	cache := "response"
	if simple {
		cache = "simple"
		m.simpleHits.Add(1)
	} else {
		m.responseHits.Add(1)
	}
	if m.prom != nil {
		m.prom.cacheLookups.WithLabelValues(cache, "hit").Inc()
	}
}

func (m *Monitor) CacheMiss(simple bool) {
	cache := "response"
	if simple {
		cache = "simple"
		m.simpleMisses.Add(1)
	} else {
		m.responseMisses.Add(1)
	}
	if m.prom != nil {
		m.prom.cacheLookups.WithLabelValues(cache, "miss").Inc()
	}
}

func (m *Monitor) FlightJoined() {
	m.flightJoins.Add(1)
	if m.prom != nil {
		m.prom.flightJoins.Inc()
	}
}

func (m *Monitor) Selection(method string, tools int) {
	switch method {
	case "ml":
		m.selectionsML.Add(1)
	default:
		m.selectionsHeuristic.Add(1)
	}
	if m.prom != nil {
		m.prom.selections.WithLabelValues(method).Inc()
	}
}

func (m *Monitor) ToolCall(name, outcome string, elapsed time.Duration) {
	st := m.toolStat(name)
	if outcome == "ok" {
		st.completed.Add(1)
	} else {
		st.failed.Add(1)
	}
	if m.prom != nil {
		m.prom.toolCalls.WithLabelValues(name, outcome).Inc()
		m.prom.toolLatency.WithLabelValues(name).Observe(elapsed.Seconds())
	}
}

func (m *Monitor) ModelCall(elapsed time.Duration) {
	m.ObservePhase(PhaseModel, elapsed)
}

// ObservePhase records one latency sample for a known phase. Unknown phases
// are dropped.
func (m *Monitor) ObservePhase(phase string, elapsed time.Duration) {
	ring, ok := m.rings[phase]
	if !ok {
		return
	}
	ring.observe(elapsed)
	if m.prom != nil {
		m.prom.phaseLatency.WithLabelValues(phase).Observe(elapsed.Seconds())
	}
}

// BreakerTransition counts a circuit-breaker state change. The upstream
// registry already logs the transition; this only keeps score.
func (m *Monitor) BreakerTransition(name, from, to string) {
	m.breakerMu.Lock()
	st := m.breakers[name]
	if st == nil {
		st = &breakerStat{}
		m.breakers[name] = st
	}
	st.transitions++
	st.lastState = to
	m.breakerMu.Unlock()

	if m.prom != nil {
		m.prom.breakerTransitions.WithLabelValues(name, to).Inc()
	}
}

func (m *Monitor) toolStat(name string) *toolStat {
	m.toolMu.RLock()
	st := m.tools[name]
	m.toolMu.RUnlock()
	if st != nil {
		return st
	}

	m.toolMu.Lock()
	defer m.toolMu.Unlock()
	if st = m.tools[name]; st == nil {
		st = &toolStat{}
		m.tools[name] = st
	}
	return st
}

// TurnCounts breaks finished turns down by how they ended.
type TurnCounts struct {
	Started int64 `json:"started"`
	OK      int64 `json:"ok"`
	Errors  int64 `json:"errors"`
	Cached  int64 `json:"cached"`
	Joined  int64 `json:"joined"`
}

// CacheCounts reports hit/miss per logical cache.
type CacheCounts struct {
	ResponseHits   int64 `json:"response_hits"`
	ResponseMisses int64 `json:"response_misses"`
	SimpleHits     int64 `json:"simple_hits"`
	SimpleMisses   int64 `json:"simple_misses"`
}

// SelectorCounts reports selections per method.
type SelectorCounts struct {
	ML        int64 `json:"ml"`
	Heuristic int64 `json:"heuristic"`
}

// ToolUsage is one tool's dispatch tally.
type ToolUsage struct {
	Name      string `json:"name"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// BreakerActivity summarizes one upstream's breaker churn.
type BreakerActivity struct {
	Upstream    string `json:"upstream"`
	Transitions int64  `json:"transitions"`
	LastState   string `json:"last_state"`
}

// LatencySummary is the percentile view of one phase. Percentiles cover the
// trailing sample window; count and average cover the process lifetime.
type LatencySummary struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// StatsView is the admin metrics payload.
type StatsView struct {
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Goroutines    int                       `json:"goroutines"`
	MemoryMB      float64                   `json:"memory_mb"`
	Turns         TurnCounts                `json:"turns"`
	Cache         CacheCounts               `json:"cache"`
	FlightJoins   int64                     `json:"flight_joins"`
	Selector      SelectorCounts            `json:"selector"`
	Tools         []ToolUsage               `json:"tools"`
	Latency       map[string]LatencySummary `json:"latency"`
	Breakers      []BreakerActivity         `json:"breakers"`
}

// Stats snapshots everything for the admin endpoint.
func (m *Monitor) Stats() StatsView {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	view := StatsView{
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		MemoryMB:      float64(mem.Alloc) / 1024 / 1024,
		Turns: TurnCounts{
			Started: m.turnsStarted.Load(),
			OK:      m.turnsOK.Load(),
			Errors:  m.turnsError.Load(),
			Cached:  m.turnsCached.Load(),
			Joined:  m.turnsJoined.Load(),
		},
		Cache: CacheCounts{
			ResponseHits:   m.responseHits.Load(),
			ResponseMisses: m.responseMisses.Load(),
			SimpleHits:     m.simpleHits.Load(),
			SimpleMisses:   m.simpleMisses.Load(),
		},
		FlightJoins: m.flightJoins.Load(),
		Selector: SelectorCounts{
			ML:        m.selectionsML.Load(),
			Heuristic: m.selectionsHeuristic.Load(),
		},
		Latency: make(map[string]LatencySummary, len(m.rings)),
	}

	m.toolMu.RLock()
	view.Tools = make([]ToolUsage, 0, len(m.tools))
	for name, st := range m.tools {
		view.Tools = append(view.Tools, ToolUsage{
			Name:      name,
			Completed: st.completed.Load(),
			Failed:    st.failed.Load(),
		})
	}
	m.toolMu.RUnlock()
	sort.Slice(view.Tools, func(i, j int) bool { return view.Tools[i].Name < view.Tools[j].Name })

	m.breakerMu.RLock()
	view.Breakers = make([]BreakerActivity, 0, len(m.breakers))
	for name, st := range m.breakers {
		view.Breakers = append(view.Breakers, BreakerActivity{
			Upstream:    name,
			Transitions: st.transitions,
			LastState:   st.lastState,
		})
	}
	m.breakerMu.RUnlock()
	sort.Slice(view.Breakers, func(i, j int) bool { return view.Breakers[i].Upstream < view.Breakers[j].Upstream })

	for phase, ring := range m.rings {
		view.Latency[phase] = ring.summary()
	}
	return view
}

// latencyRing keeps the trailing samples of one phase in milliseconds.
type latencyRing struct {
	mu    sync.Mutex
	buf   []float64
	next  int
	size  int
	count int64
	sumMs float64
}

func newLatencyRing(capacity int) *latencyRing {
	return &latencyRing{buf: make([]float64, capacity)}
}

func (r *latencyRing) observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	r.mu.Lock()
	r.buf[r.next] = ms
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.count++
	r.sumMs += ms
	r.mu.Unlock()
}

func (r *latencyRing) summary() LatencySummary {
	r.mu.Lock()
	if r.size == 0 {
		r.mu.Unlock()
		return LatencySummary{}
	}
	samples := make([]float64, r.size)
	copy(samples, r.buf[:r.size])
	count := r.count
	avg := r.sumMs / float64(count)
	r.mu.Unlock()

	sort.Float64s(samples)
	return LatencySummary{
		Count: count,
		AvgMs: avg,
		P50Ms: percentile(samples, 0.50),
		P95Ms: percentile(samples, 0.95),
		P99Ms: percentile(samples, 0.99),
	}
}

// percentile is nearest-rank over an ascending sample slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
