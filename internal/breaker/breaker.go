// Package breaker keeps per-partner circuit breakers over a rolling window of call outcomes.
package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/leadwall/bidgate/internal/config"
	"github.com/leadwall/bidgate/internal/model"
	"github.com/leadwall/bidgate/internal/pkg/metrics"
)

type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
	Timeout Outcome = "timeout"
)

type Settings struct {
	WindowSize        int
	MinSamples        int
	FailureThreshold  float64
	Cooldown          time.Duration
	BackoffMultiplier float64
	MaxCooldown       time.Duration
}

func SettingsFromConfig(cfg config.BreakerConfig) Settings {
	return Settings{
		WindowSize:        cfg.WindowSize,
		MinSamples:        cfg.MinSamples,
		FailureThreshold:  cfg.FailureThreshold,
		Cooldown:          time.Duration(cfg.CooldownSeconds) * time.Second,
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxCooldown:       time.Duration(cfg.MaxCooldownSeconds) * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	if s.WindowSize <= 0 {
		s.WindowSize = 20
	}
	if s.MinSamples <= 0 {
		s.MinSamples = 5
	}
	if s.MinSamples > s.WindowSize {
		s.MinSamples = s.WindowSize
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 0.5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.BackoffMultiplier < 1 {
		s.BackoffMultiplier = 2
	}
	if s.MaxCooldown < s.Cooldown {
		s.MaxCooldown = s.Cooldown
	}
	return s
}

type Listener func(model.BreakerEvent)

// Breaker is the shared table of partner health records. The table lock only guards
// insertion; every record carries its own mutex.
type Breaker struct {
	settings Settings

	mu      sync.RWMutex
	records map[string]*record

	listenersMu sync.RWMutex
	listeners   []Listener

	now func() time.Time
}

type record struct {
	mu sync.Mutex

	window   []bool // true = failure
	next     int
	count    int
	failures int

	state          model.BreakerState
	cooldown       time.Duration
	openedUntil    time.Time
	trialOut       bool
	trialGranted   time.Time
	trialDeadline  time.Time
	lastTransition time.Time
	seq            uint64
}

func New(settings Settings) *Breaker {
	return &Breaker{
		settings: settings.withDefaults(),
		records:  make(map[string]*record),
		now:      time.Now,
	}
}

// WithClock swaps the time source. Tests only.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) OnTransition(l Listener) {
	b.listenersMu.Lock()
	b.listeners = append(b.listeners, l)
	b.listenersMu.Unlock()
}

// Register creates a closed record for a partner so it shows up in snapshots before its first call.
func (b *Breaker) Register(partnerID string) {
	b.get(partnerID)
}

func (b *Breaker) get(partnerID string) *record {
	b.mu.RLock()
	rec, ok := b.records[partnerID]
	b.mu.RUnlock()
	if ok {
		return rec
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok = b.records[partnerID]; ok {
		return rec
	}
	rec = b.newRecord()
	b.records[partnerID] = rec
	metrics.BreakerState.WithLabelValues(partnerID).Set(stateValue(model.StateClosed))
	return rec
}

func (b *Breaker) newRecord() *record {
	return &record{
		window:         make([]bool, b.settings.WindowSize),
		state:          model.StateClosed,
		cooldown:       b.settings.Cooldown,
		lastTransition: b.now(),
	}
}

// IsEligible reports whether the partner may be called now. When an open breaker's
// cool-down has elapsed the caller that observes it receives the single half-open trial.
func (b *Breaker) IsEligible(partnerID string) bool {
	rec := b.get(partnerID)
	now := b.now()

	rec.mu.Lock()
	var event *model.BreakerEvent
	eligible := false
	switch rec.state {
	case model.StateClosed:
		eligible = true
	case model.StateOpen:
		if !now.Before(rec.openedUntil) {
			event = rec.transition(partnerID, model.StateHalfOpen, now)
			rec.grantTrial(now)
			eligible = true
		}
	case model.StateHalfOpen:
		// a trial whose outcome never came back is handed out again after one cool-down
		if !rec.trialOut || !now.Before(rec.trialDeadline) {
			rec.grantTrial(now)
			eligible = true
		}
	}
	rec.mu.Unlock()

	b.publish(event)
	return eligible
}

// RecordOutcome feeds one call result into the partner's window. Outcomes that arrive
// while the breaker is open are ignored. In half-open the outcome settles the trial.
func (b *Breaker) RecordOutcome(partnerID string, outcome Outcome) {
	b.observe(partnerID, outcome, b.now(), true)
}

// RecordCall is RecordOutcome for a call that began at startedAt. In half-open only a
// call started at or after the trial grant settles the trial; older calls are dropped.
func (b *Breaker) RecordCall(partnerID string, outcome Outcome, startedAt time.Time) {
	b.observe(partnerID, outcome, startedAt, true)
}

// Penalize counts a failure that did not come from a call, such as a suspicious click.
// It only affects a closed breaker and never settles a half-open trial.
func (b *Breaker) Penalize(partnerID string) {
	b.observe(partnerID, Failure, b.now(), false)
}

func (b *Breaker) observe(partnerID string, outcome Outcome, startedAt time.Time, settlesTrial bool) {
	rec := b.get(partnerID)
	now := b.now()
	failed := outcome != Success

	rec.mu.Lock()
	var event *model.BreakerEvent
	switch rec.state {
	case model.StateClosed:
		rec.push(failed)
		if rec.count >= b.settings.MinSamples &&
			float64(rec.failures)/float64(rec.count) >= b.settings.FailureThreshold {
			event = rec.transition(partnerID, model.StateOpen, now)
			rec.openedUntil = now.Add(rec.cooldown)
		}
	case model.StateHalfOpen:
		if !settlesTrial || !rec.trialOut || startedAt.Before(rec.trialGranted) {
			break
		}
		rec.trialOut = false
		if failed {
			rec.cooldown = b.backoff(rec.cooldown)
			event = rec.transition(partnerID, model.StateOpen, now)
			rec.openedUntil = now.Add(rec.cooldown)
		} else {
			event = rec.transition(partnerID, model.StateClosed, now)
			rec.resetWindow()
			rec.cooldown = b.settings.Cooldown
		}
	}
	rec.mu.Unlock()

	b.publish(event)
}

// Reset forces a partner back to a fresh closed breaker.
func (b *Breaker) Reset(partnerID string) {
	rec := b.get(partnerID)
	now := b.now()

	rec.mu.Lock()
	var event *model.BreakerEvent
	if rec.state != model.StateClosed {
		event = rec.transition(partnerID, model.StateClosed, now)
	}
	rec.resetWindow()
	rec.cooldown = b.settings.Cooldown
	rec.trialOut = false
	rec.openedUntil = time.Time{}
	rec.mu.Unlock()

	b.publish(event)
}

func (b *Breaker) Snapshot(partnerID string) model.PartnerHealth {
	return b.get(partnerID).snapshot(partnerID)
}

func (b *Breaker) Snapshots() []model.PartnerHealth {
	b.mu.RLock()
	ids := make([]string, 0, len(b.records))
	for id := range b.records {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)

	out := make([]model.PartnerHealth, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.Snapshot(id))
	}
	return out
}

func (b *Breaker) backoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * b.settings.BackoffMultiplier)
	if next > b.settings.MaxCooldown {
		next = b.settings.MaxCooldown
	}
	return next
}

// publish hands a transition to the listeners. It runs after the record lock is
// released, so listeners order events by Seq.
func (b *Breaker) publish(event *model.BreakerEvent) {
	if event == nil {
		return
	}

	b.listenersMu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	b.listenersMu.RUnlock()
	for _, l := range listeners {
		l(*event)
	}
}

// transition must be called with r.mu held. The gauge is set here so it follows Seq order.
func (r *record) transition(partnerID string, to model.BreakerState, now time.Time) *model.BreakerEvent {
	from := r.state
	r.state = to
	r.lastTransition = now
	r.seq++
	metrics.BreakerState.WithLabelValues(partnerID).Set(stateValue(to))
	metrics.BreakerTransitions.WithLabelValues(partnerID, string(from), string(to)).Inc()
	return &model.BreakerEvent{PartnerID: partnerID, From: from, To: to, At: now, Seq: r.seq}
}

func (r *record) grantTrial(now time.Time) {
	r.trialOut = true
	r.trialGranted = now
	r.trialDeadline = now.Add(r.cooldown)
}

func (r *record) push(failed bool) {
	if r.count == len(r.window) {
		if r.window[r.next] {
			r.failures--
		}
	} else {
		r.count++
	}
	r.window[r.next] = failed
	if failed {
		r.failures++
	}
	r.next = (r.next + 1) % len(r.window)
}

func (r *record) resetWindow() {
	for i := range r.window {
		r.window[i] = false
	}
	r.next, r.count, r.failures = 0, 0, 0
}

func (r *record) snapshot(partnerID string) model.PartnerHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := model.PartnerHealth{
		PartnerID:      partnerID,
		State:          r.state,
		WindowSize:     len(r.window),
		Samples:        r.count,
		Failures:       r.failures,
		Cooldown:       r.cooldown.String(),
		TrialInFlight:  r.state == model.StateHalfOpen && r.trialOut,
		LastTransition: r.lastTransition,
		Seq:            r.seq,
	}
	if r.count > 0 {
		h.FailureRatio = float64(r.failures) / float64(r.count)
	}
	if r.state == model.StateOpen {
		until := r.openedUntil
		h.OpenedUntil = &until
	}
	return h
}

func stateValue(s model.BreakerState) float64 {
	switch s {
	case model.StateHalfOpen:
		return 1
	case model.StateOpen:
		return 2
	default:
		return 0
	}
}
