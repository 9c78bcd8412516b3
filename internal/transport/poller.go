package transport

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/collabsync/internal/clock"
)

type PollState int

const (
	PollActive PollState = iota
	PollPaused
)

func (s PollState) String() string {
	if s == PollPaused {
		return "paused"
	}
	return "active"
}

// PauseReason is one independent cause for suspending polling. Polling is
// active only while no reason is held.
type PauseReason string

const (
	PauseHidden    PauseReason = "hidden"
	PauseBlurred   PauseReason = "blurred"
	PauseComposing PauseReason = "composing"
	PauseManual    PauseReason = "manual"
)

// PollMachine is the Active/Paused state machine behind a poller.
type PollMachine struct {
	mu      sync.Mutex
	reasons map[PauseReason]struct{}
}

func NewPollMachine() *PollMachine {
	return &PollMachine{reasons: map[PauseReason]struct{}{}}
}

func (m *PollMachine) State() PollState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reasons) == 0 {
		return PollActive
	}
	return PollPaused
}

// Pause holds reason and reports whether the machine left Active.
func (m *PollMachine) Pause(reason PauseReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasActive := len(m.reasons) == 0
	m.reasons[reason] = struct{}{}
	return wasActive
}

// Resume releases reason and reports whether the machine entered Active.
func (m *PollMachine) Resume(reason PauseReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.reasons[reason]; !held {
		return false
	}
	delete(m.reasons, reason)
	return len(m.reasons) == 0
}

func (m *PollMachine) Reasons() []PauseReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PauseReason, 0, len(m.reasons))
	for r := range m.reasons {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type PollerOptions struct {
	Name        string
	Interval    time.Duration
	JitterRatio float64
	Refresh     func(ctx context.Context) error
	Clock       clock.Clock
	Logger      logrus.FieldLogger
	// Sample returns a value in [0,1] used for jitter. Defaults to a seeded
	// math/rand source.
	Sample func() float64
}

// Poller calls Refresh on a jittered interval while its machine is Active.
// Concurrent refresh requests share one in-flight call.
type Poller struct {
	name     string
	interval time.Duration
	jitter   float64
	refresh  func(ctx context.Context) error
	clock    clock.Clock
	log      logrus.FieldLogger
	sample   func() float64
	machine  *PollMachine
	group    singleflight.Group

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	timer    clock.Timer
	running  bool
	lastErr  error
	lastRun  time.Time
	runCount int
}

func NewPoller(opts PollerOptions) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	sample := opts.Sample
	if sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		var rngMu sync.Mutex
		sample = func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64()
		}
	}
	return &Poller{
		name:     opts.Name,
		interval: interval,
		jitter:   clampJitterRatio(opts.JitterRatio),
		refresh:  opts.Refresh,
		clock:    clock.OrSystem(opts.Clock),
		log:      logger.WithField("poller", opts.Name),
		sample:   sample,
		machine:  NewPollMachine(),
	}
}

func (p *Poller) Name() string { return p.name }

func (p *Poller) Machine() *PollMachine { return p.machine }

func (p *Poller) State() PollState { return p.machine.State() }

// Start arms the first tick. It does not refresh immediately.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	if p.machine.State() == PollActive {
		p.armLocked()
	}
}

// Stop cancels any in-flight refresh and disarms the timer.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.cancel()
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// RefreshNow runs Refresh, joining a call already in flight.
func (p *Poller) RefreshNow(ctx context.Context) error {
	if p.refresh == nil {
		return nil
	}
	_, err, shared := p.group.Do("refresh", func() (any, error) {
		return nil, p.refresh(ctx)
	})
	if !shared {
		p.mu.Lock()
		p.lastErr = err
		p.lastRun = p.clock.Now()
		p.runCount++
		p.mu.Unlock()
	}
	if err != nil {
		p.log.WithError(err).WithField("shared", shared).Warn("poll refresh failed")
	}
	return err
}

// Pause suspends polling for reason.
func (p *Poller) Pause(reason PauseReason) {
	if !p.machine.Pause(reason) {
		return
	}
	p.log.WithField("reason", reason).Debug("polling paused")
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
}

// Resume releases reason. Entering Active refreshes immediately and re-arms
// the interval.
func (p *Poller) Resume(reason PauseReason) {
	if !p.machine.Resume(reason) {
		return
	}
	p.log.WithField("reason", reason).Debug("polling resumed")
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.armLocked()
	p.mu.Unlock()
	go func() { _ = p.RefreshNow(ctx) }()
}

func (p *Poller) Visibility(visible bool) {
	if visible {
		p.Resume(PauseHidden)
	} else {
		p.Pause(PauseHidden)
	}
}

func (p *Poller) Focus(focused bool) {
	if focused {
		p.Resume(PauseBlurred)
	} else {
		p.Pause(PauseBlurred)
	}
}

func (p *Poller) ComposeStart() { p.Pause(PauseComposing) }

func (p *Poller) ComposeEnd() { p.Resume(PauseComposing) }

type PollStats struct {
	Runs    int
	LastRun time.Time
	LastErr error
}

func (p *Poller) Stats() PollStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PollStats{Runs: p.runCount, LastRun: p.lastRun, LastErr: p.lastErr}
}

func (p *Poller) armLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
	delay := jitteredIntervalWithSample(p.interval, p.jitter, p.sample())
	p.timer = p.clock.AfterFunc(delay, p.tick)
}

func (p *Poller) tick() {
	p.mu.Lock()
	if !p.running || p.machine.State() != PollActive {
		p.timer = nil
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.timer = nil
	p.mu.Unlock()

	_ = p.RefreshNow(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && p.timer == nil && p.machine.State() == PollActive {
		p.armLocked()
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
