package violations

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/zeketx/limitguard/internal/blocklist"
	"github.com/zeketx/limitguard/internal/clock"
	"github.com/zeketx/limitguard/internal/metrics"
	"github.com/zeketx/limitguard/internal/store"
)

const cooldownKeyPrefix = "cooldown:"

// Config tunes pattern detection.
type Config struct {
	// RingCapacity bounds the per-identifier violation history.
	RingCapacity int
	// Retention is how far back violations count toward a pattern.
	Retention time.Duration
	// Cooldown suppresses duplicate alerts for the same identifier+type.
	Cooldown time.Duration
	// BlockTTL is how long a high-severity offender stays quarantined.
	BlockTTL time.Duration
	// QueueSize bounds the async violation queue; overflow is dropped.
	QueueSize int
	// SweepInterval is how often stale identifiers are purged from the
	// in-process history and state maps.
	SweepInterval time.Duration

	BruteForceThreshold int
	BruteForceSeverity  Severity
	APIAbuseThreshold   int
	APIAbuseSeverity    Severity

	// AuthEndpointPrefixes classify which endpoints count as login
	// attempts for brute force detection.
	AuthEndpointPrefixes []string
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		RingCapacity:         50,
		Retention:            time.Hour,
		Cooldown:             15 * time.Minute,
		BlockTTL:             24 * time.Hour,
		QueueSize:            1024,
		SweepInterval:        5 * time.Minute,
		BruteForceThreshold:  3,
		BruteForceSeverity:   SeverityHigh,
		APIAbuseThreshold:    10,
		APIAbuseSeverity:     SeverityMedium,
		AuthEndpointPrefixes: []string{"auth.", "login"},
	}
}

// Monitor consumes violations off a bounded queue with a single drain
// goroutine, so one identifier's stream is always processed in arrival
// order. Alert cooldowns live in the shared store; history and states are
// in-process because each instance only alerts on what it saw itself,
// while the resulting blocks are global.
type Monitor struct {
	cfg    Config
	store  store.Store
	blocks *blocklist.List
	clock  clock.Clock
	logger hclog.Logger
	rec    *metrics.Metrics

	queue   chan Violation
	quit    chan struct{}
	drained chan struct{}
	closed  atomic.Bool
	once    sync.Once
	pending atomic.Int64

	mu      sync.Mutex
	history map[string][]Violation
	states  map[string]State

	subMu   sync.Mutex
	subs    map[int]func(SecurityAlert)
	nextSub int
}

// NewMonitor creates and starts a monitor. Call Close to stop it.
func NewMonitor(cfg Config, st store.Store, blocks *blocklist.List, clk clock.Clock, logger hclog.Logger, rec *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if rec == nil {
		rec = metrics.New(nil)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = DefaultConfig().RingCapacity
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	m := &Monitor{
		cfg:     cfg,
		store:   st,
		blocks:  blocks,
		clock:   clk,
		logger:  logger,
		rec:     rec,
		queue:   make(chan Violation, cfg.QueueSize),
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
		history: make(map[string][]Violation),
		states:  make(map[string]State),
		subs:    make(map[int]func(SecurityAlert)),
	}
	go m.drain()
	return m
}

// RecordViolation enqueues a violation without blocking the caller. When
// the queue is full the violation is dropped with a warning; enforcement
// must never add unbounded latency to the request path.
func (m *Monitor) RecordViolation(v Violation) {
	if m.closed.Load() {
		return
	}
	select {
	case m.queue <- v:
		m.pending.Add(1)
		m.rec.ViolationsRecorded.Inc()
	default:
		m.rec.ViolationsDropped.Inc()
		m.logger.Warn("violation queue full, dropping",
			"identifier", v.Identifier, "endpoint", v.Endpoint)
	}
}

// Subscribe registers a handler for security alerts and returns an
// unsubscribe func. Handlers are isolated: a panicking handler is logged
// and cannot affect other subscribers or the drain loop.
func (m *Monitor) Subscribe(handler func(SecurityAlert)) func() {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = handler
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// IsBlocked delegates to the block list.
func (m *Monitor) IsBlocked(ctx context.Context, identifier string) (bool, error) {
	blocked, _, err := m.blocks.IsBlocked(ctx, identifier)
	return blocked, err
}

// Unblock lifts a block and resets the identifier to Clean, discarding its
// violation history so stale evidence cannot immediately re-trigger.
func (m *Monitor) Unblock(ctx context.Context, identifier string) error {
	if err := m.blocks.Unblock(ctx, identifier); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.history, identifier)
	delete(m.states, identifier)
	m.mu.Unlock()
	return nil
}

// State returns the identifier's lifecycle state. A Blocked state whose
// block entry has expired reads as Clean again.
func (m *Monitor) State(ctx context.Context, identifier string) State {
	m.mu.Lock()
	s := m.states[identifier]
	m.mu.Unlock()

	if s != StateBlocked {
		return s
	}
	blocked, _, err := m.blocks.IsBlocked(ctx, identifier)
	if err != nil {
		return StateBlocked
	}
	if !blocked {
		m.mu.Lock()
		m.states[identifier] = StateClean
		delete(m.history, identifier)
		m.mu.Unlock()
		return StateClean
	}
	return StateBlocked
}

// Recent returns the identifier's violations still inside the retention
// window, oldest first.
func (m *Monitor) Recent(identifier string) []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.evict(identifier)
	out := make([]Violation, len(live))
	copy(out, live)
	return out
}

// QueueDepth reports violations enqueued but not yet processed.
func (m *Monitor) QueueDepth() int {
	return int(m.pending.Load())
}

// Close stops the monitor after the queued violations are processed.
func (m *Monitor) Close() {
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.quit)
		<-m.drained
	})
}

func (m *Monitor) drain() {
	defer close(m.drained)
	sweep := m.clock.After(m.cfg.SweepInterval)
	for {
		select {
		case v := <-m.queue:
			m.process(v)
			m.pending.Add(-1)
		case <-sweep:
			m.sweep()
			sweep = m.clock.After(m.cfg.SweepInterval)
		case <-m.quit:
			for {
				select {
				case v := <-m.queue:
					m.process(v)
					m.pending.Add(-1)
				default:
					return
				}
			}
		}
	}
}

func (m *Monitor) process(v Violation) {
	if v.Identifier == "" {
		return
	}
	if v.At.IsZero() {
		v.At = m.clock.Now()
	}

	m.mu.Lock()
	live := append(m.evict(v.Identifier), v)
	if len(live) > m.cfg.RingCapacity {
		live = live[len(live)-m.cfg.RingCapacity:]
	}
	m.history[v.Identifier] = live
	if m.states[v.Identifier] == StateClean {
		m.states[v.Identifier] = StateWatching
	}

	authHits := 0
	for _, rec := range live {
		if m.isAuthEndpoint(rec.Endpoint) {
			authHits++
		}
	}
	total := len(live)
	evidence := make([]Violation, len(live))
	copy(evidence, live)
	m.mu.Unlock()

	if m.cfg.BruteForceThreshold > 0 && authHits >= m.cfg.BruteForceThreshold && m.isAuthEndpoint(v.Endpoint) {
		authEvidence := evidence[:0:0]
		for _, rec := range evidence {
			if m.isAuthEndpoint(rec.Endpoint) {
				authEvidence = append(authEvidence, rec)
			}
		}
		m.fire(AlertBruteForce, m.cfg.BruteForceSeverity, v.Identifier, authEvidence)
	}
	if m.cfg.APIAbuseThreshold > 0 && total >= m.cfg.APIAbuseThreshold {
		m.fire(AlertAPIAbuse, m.cfg.APIAbuseSeverity, v.Identifier, evidence)
	}
}

// fire handles one pattern trip: dedup through the store cooldown, emit to
// subscribers, and quarantine on high severity. Blocking is never
// suppressed by alert dedup.
func (m *Monitor) fire(alertType AlertType, severity Severity, identifier string, evidence []Violation) {
	ctx := context.Background()

	m.mu.Lock()
	if m.states[identifier] == StateWatching {
		m.states[identifier] = StateFlagged
	}
	m.mu.Unlock()

	cooldownKey := cooldownKeyPrefix + string(alertType) + ":" + identifier
	emit, err := m.store.SetIfAbsent(ctx, cooldownKey, "1", m.cfg.Cooldown)
	if err != nil {
		// Can't tell whether we already alerted; alert anyway rather than
		// stay silent while the store is down.
		m.logger.Warn("cooldown check failed", "identifier", identifier, "error", err)
		emit = true
	}

	if emit {
		alert := SecurityAlert{
			ID:         uuid.NewString(),
			Type:       alertType,
			Severity:   severity,
			Identifier: identifier,
			At:         m.clock.Now(),
			Evidence:   evidence,
		}
		m.rec.Alerts.WithLabelValues(string(alertType), string(severity)).Inc()
		m.logger.Info("security alert",
			"type", alertType, "severity", severity,
			"identifier", identifier, "evidence", len(evidence))
		m.publish(alert)
	} else {
		m.rec.AlertsSuppressed.Inc()
	}

	if severity == SeverityHigh {
		if err := m.blocks.Block(ctx, identifier, string(alertType), m.cfg.BlockTTL); err != nil {
			m.logger.Error("auto-block failed", "identifier", identifier, "error", err)
			return
		}
		m.rec.Blocks.Inc()
		m.mu.Lock()
		m.states[identifier] = StateBlocked
		m.mu.Unlock()
	}
}

func (m *Monitor) publish(alert SecurityAlert) {
	m.subMu.Lock()
	handlers := make([]func(SecurityAlert), 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.subMu.Unlock()

	for _, h := range handlers {
		m.invoke(h, alert)
	}
}

func (m *Monitor) invoke(h func(SecurityAlert), alert SecurityAlert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert subscriber panicked", "panic", r)
		}
	}()
	h(alert)
}

// evict drops history entries outside the retention window. Must be called
// with m.mu held.
func (m *Monitor) evict(identifier string) []Violation {
	live := m.history[identifier]
	if len(live) == 0 {
		delete(m.history, identifier)
		return nil
	}
	cutoff := m.clock.Now().Add(-m.cfg.Retention)
	idx := 0
	for idx < len(live) && live[idx].At.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return live
	}
	if idx == len(live) {
		delete(m.history, identifier)
		return nil
	}
	live = live[idx:]
	m.history[identifier] = live
	return live
}

// sweep purges identifiers whose newest violation fell out of the
// retention window, so rotating identifiers cannot grow the in-process
// maps without bound. Blocked identifiers are kept while their block
// entry is live and dropped once it expires.
func (m *Monitor) sweep() {
	cutoff := m.clock.Now().Add(-m.cfg.Retention)

	m.mu.Lock()
	var blocked []string
	for id, live := range m.history {
		if len(live) > 0 && !live[len(live)-1].At.Before(cutoff) {
			continue
		}
		if m.states[id] == StateBlocked {
			continue
		}
		delete(m.history, id)
		delete(m.states, id)
	}
	for id, s := range m.states {
		if s == StateBlocked {
			blocked = append(blocked, id)
			continue
		}
		if _, ok := m.history[id]; !ok {
			delete(m.states, id)
		}
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, id := range blocked {
		isBlocked, _, err := m.blocks.IsBlocked(ctx, id)
		if err != nil || isBlocked {
			continue
		}
		m.mu.Lock()
		if m.states[id] == StateBlocked {
			delete(m.states, id)
			delete(m.history, id)
		}
		m.mu.Unlock()
	}
}

func (m *Monitor) isAuthEndpoint(endpoint string) bool {
	for _, prefix := range m.cfg.AuthEndpointPrefixes {
		if strings.HasPrefix(endpoint, prefix) {
			return true
		}
	}
	return false
}
