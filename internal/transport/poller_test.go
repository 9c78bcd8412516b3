package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/collabsync/internal/testutil"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

func TestPollMachineHoldsIndependentReasons(t *testing.T) {
	m := NewPollMachine()
	assert.Equal(t, PollActive, m.State())

	assert.True(t, m.Pause(PauseHidden))
	assert.False(t, m.Pause(PauseComposing), "already paused")
	assert.Equal(t, []PauseReason{PauseComposing, PauseHidden}, m.Reasons())

	assert.False(t, m.Resume(PauseBlurred), "reason never held")
	assert.False(t, m.Resume(PauseHidden), "composing still held")
	assert.Equal(t, PollPaused, m.State())
	assert.True(t, m.Resume(PauseComposing))
	assert.Equal(t, PollActive, m.State())
}

type countingRefresh struct {
	calls atomic.Int32
	done  chan struct{}
}

func newCountingRefresh() *countingRefresh {
	return &countingRefresh{done: make(chan struct{}, 16)}
}

func (c *countingRefresh) refresh(context.Context) error {
	c.calls.Add(1)
	c.done <- struct{}{}
	return nil
}

func newTestPoller(clk *testutil.FakeClock, fn func(context.Context) error) *Poller {
	return NewPoller(PollerOptions{
		Name:     "tasks",
		Interval: 10 * time.Second,
		Refresh:  fn,
		Clock:    clk,
	})
}

func TestPollerTicksOnInterval(t *testing.T) {
	clk := testutil.NewFakeClock(t0)
	rec := newCountingRefresh()
	p := newTestPoller(clk, rec.refresh)
	p.Start(context.Background())
	defer p.Stop()

	assert.Equal(t, int32(0), rec.calls.Load(), "start does not refresh")
	clk.Advance(10 * time.Second)
	assert.Equal(t, int32(1), rec.calls.Load())
	clk.Advance(15 * time.Second)
	assert.Equal(t, int32(2), rec.calls.Load())
	assert.Equal(t, 1, clk.Pending())

	stats := p.Stats()
	assert.Equal(t, 2, stats.Runs)
	assert.Equal(t, t0.Add(20*time.Second), stats.LastRun)
}

func TestPollerPauseAndResume(t *testing.T) {
	clk := testutil.NewFakeClock(t0)
	rec := newCountingRefresh()
	p := newTestPoller(clk, rec.refresh)
	p.Start(context.Background())
	defer p.Stop()

	p.Visibility(false)
	assert.Equal(t, PollPaused, p.State())
	assert.Zero(t, clk.Pending())
	clk.Advance(time.Minute)
	assert.Equal(t, int32(0), rec.calls.Load())

	p.ComposeStart()
	p.Visibility(true)
	assert.Equal(t, PollPaused, p.State(), "composing keeps polling paused")
	assert.Zero(t, clk.Pending())

	p.ComposeEnd()
	assert.Equal(t, PollActive, p.State())
	select {
	case <-rec.done:
	case <-time.After(time.Second):
		t.Fatal("resume did not refresh immediately")
	}
	require.Eventually(t, func() bool { return p.Stats().Runs == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, clk.Pending())
	clk.Advance(10 * time.Second)
	assert.Equal(t, int32(2), rec.calls.Load())
}

func TestPollerStopDisarms(t *testing.T) {
	clk := testutil.NewFakeClock(t0)
	rec := newCountingRefresh()
	p := newTestPoller(clk, rec.refresh)
	p.Start(context.Background())
	require.True(t, p.Running())
	p.Stop()
	assert.False(t, p.Running())
	assert.Zero(t, clk.Pending())
	clk.Advance(time.Minute)
	assert.Equal(t, int32(0), rec.calls.Load())

	p.Focus(false)
	p.Focus(true)
	assert.Zero(t, clk.Pending(), "resume on a stopped poller does not arm")
}

func TestPollerCoalescesConcurrentRefreshes(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	p := newTestPoller(testutil.NewFakeClock(t0), func(context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.RefreshNow(context.Background())
	}()
	<-started
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.RefreshNow(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}
