package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glmwarm/zwarmd/apiclient"
	"github.com/glmwarm/zwarmd/clock"
	"github.com/glmwarm/zwarmd/slot"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a scriptable ApiClient double: each slot's quota/wake
// behavior is driven by test-supplied funcs so scenarios can be
// expressed as plain assertions against clock ticks instead of a real
// HTTP round-trip (spec §8 "deterministic" end-to-end scenarios).
type fakeAPI struct {
	mu sync.Mutex

	quotaFunc func(slotIndex int, call int) (slot.QuotaObservation, error)
	wakeFunc  func(slotIndex int, call int) error

	quotaCalls map[int]int
	wakeCalls  map[int]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		quotaCalls: make(map[int]int),
		wakeCalls:  make(map[int]int),
	}
}

func (f *fakeAPI) FetchQuota(_ context.Context, s apiclient.Slot, _ apiclient.Logger) (slot.QuotaObservation, error) {
	f.mu.Lock()
	f.quotaCalls[s.Index]++
	call := f.quotaCalls[s.Index]
	fn := f.quotaFunc
	f.mu.Unlock()
	if fn == nil {
		return slot.QuotaObservation{}, nil
	}
	return fn(s.Index, call)
}

func (f *fakeAPI) FetchModelUsage(_ context.Context, _ apiclient.Slot, _ slot.UsageWindow, _ time.Time, _ apiclient.Logger) (slot.UsageTotals, error) {
	return slot.UsageTotals{}, nil
}

func (f *fakeAPI) FetchToolUsage(_ context.Context, _ apiclient.Slot, _ slot.UsageWindow, _ time.Time, _ apiclient.Logger) (slot.ToolUsageTotals, error) {
	return slot.ToolUsageTotals{}, nil
}

func (f *fakeAPI) SendWake(_ context.Context, s apiclient.Slot, _ apiclient.Logger) error {
	f.mu.Lock()
	f.wakeCalls[s.Index]++
	call := f.wakeCalls[s.Index]
	fn := f.wakeFunc
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(s.Index, call)
}

func (f *fakeAPI) wakeCallCount(idx int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wakeCalls[idx]
}

func (f *fakeAPI) quotaCallCount(idx int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quotaCalls[idx]
}

func baseConfig(index int) slot.Config {
	return slot.Config{
		Index:               index,
		Enabled:             true,
		PollIntervalMinutes: 1,
	}
}

// waitFor polls until cond is true or the deadline passes; the
// goroutines under test run on the real scheduler goroutine but are
// driven entirely by clk.Advance, so this only waits out Go's own
// scheduling latency, never wall-clock sleeps tied to the spec's timing.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition did not become true")
}

func epoch(t time.Time) int64 { return t.UnixMilli() }

// TestScenario1_ColdStartWake covers spec §8 scenario 1.
func TestScenario1_ColdStartWake(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	api := newFakeAPI()

	var resetAt int64
	api.quotaFunc = func(idx, call int) (slot.QuotaObservation, error) {
		if call == 1 {
			return slot.QuotaObservation{Cold: true}, nil
		}
		v := resetAt
		return slot.QuotaObservation{Percentage: int64p(10), NextResetEpochMS: &v}, nil
	}

	cfg := baseConfig(1)
	cfg.AfterResetEnabled = true
	cfg.AfterResetMinutes = 1

	m := New(clk, api, apiclient.NopLogger{}, NopEmitter{}, slot.DefaultGlobalConfig())
	m.Start([]slot.Config{cfg})
	defer m.Stop()

	waitFor(t, func() bool { return api.wakeCallCount(1) == 1 })

	resetAt = epoch(clk.Now().Add(5 * time.Hour))
	clk.Advance(wakeTickInterval)

	waitFor(t, func() bool {
		snap := m.Snapshot()
		for _, s := range snap.Slots {
			if s.Index == 1 {
				return !s.State.WakePending
			}
		}
		return false
	})

	snap := m.Snapshot()
	require.Len(t, snap.Slots, 1)
	require.False(t, snap.Slots[0].State.WakePending)
	require.Equal(t, 0, snap.Slots[0].State.WakeConsecutiveErrors)
}

// TestScenario3_ForcedRetryThenWakeError covers spec §8 scenario 3.
func TestScenario3_ForcedRetryThenWakeError(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	api := newFakeAPI()

	preReset := epoch(start.Add(-time.Hour))
	api.quotaFunc = func(idx, call int) (slot.QuotaObservation, error) {
		v := preReset
		return slot.QuotaObservation{Percentage: int64p(50), NextResetEpochMS: &v}, nil
	}

	cfg := baseConfig(1)

	global := slot.DefaultGlobalConfig()
	global.WakeQuotaRetryWindowMinutes = 2
	global.MaxConsecutiveErrors = 5

	m := New(clk, api, apiclient.NopLogger{}, NopEmitter{}, global)
	m.Start([]slot.Config{cfg})
	defer m.Stop()

	require.NoError(t, m.WarmupSlot(1)) // t=0s: wake #1 sent
	waitFor(t, func() bool { return api.wakeCallCount(1) == 1 })

	clk.Advance(wakeTickInterval) // t=60s: still unconfirmed, window not reached
	waitFor(t, func() bool { return api.quotaCallCount(1) >= 2 })
	require.Equal(t, 1, api.wakeCallCount(1))

	clk.Advance(wakeTickInterval) // t=120s: forced retry window reached
	waitFor(t, func() bool { return api.wakeCallCount(1) == 2 })

	clk.Advance(wakeTickInterval) // t=180s: still unchanged -> wake error counted
	waitFor(t, func() bool {
		snap := m.Snapshot()
		return snap.Slots[0].State.WakeConsecutiveErrors == 1
	})

	snap := m.Snapshot()
	require.False(t, snap.Slots[0].State.WakePending)
	require.Equal(t, 1, snap.Slots[0].State.WakeConsecutiveErrors)
	require.False(t, snap.Slots[0].State.WakeAutoDisabled)
}

// TestScenario4_WakeAutoDisable covers spec §8 scenario 4.
func TestScenario4_WakeAutoDisable(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	api := newFakeAPI()
	api.wakeFunc = func(idx, call int) error {
		return &apiclient.Error{Kind: apiclient.ErrHTTPStatus, StatusCode: 500}
	}
	api.quotaFunc = func(idx, call int) (slot.QuotaObservation, error) {
		return slot.QuotaObservation{Percentage: int64p(20)}, nil
	}

	cfg := baseConfig(1)
	cfg.IntervalEnabled = true
	cfg.IntervalMinutes = 1

	global := slot.DefaultGlobalConfig()
	global.MaxConsecutiveErrors = 5
	global.WakeQuotaRetryWindowMinutes = 1

	m := New(clk, api, apiclient.NopLogger{}, NopEmitter{}, global)
	m.Start([]slot.Config{cfg})
	defer m.Stop()

	for i := 0; i < 5; i++ {
		clk.Advance(wakeTickInterval)
		waitFor(t, func() bool { return api.wakeCallCount(1) == i+1 })
	}

	waitFor(t, func() bool {
		snap := m.Snapshot()
		return snap.Slots[0].State.WakeAutoDisabled
	})

	snap := m.Snapshot()
	require.True(t, snap.Slots[0].State.WakeAutoDisabled)
	require.Equal(t, 5, snap.Slots[0].State.WakeConsecutiveErrors)
	require.Greater(t, api.quotaCallCount(1), 0)
}

// TestScenario6_LiveReconfig covers spec §8 scenario 6: enabling a
// previously-disabled slot via reload starts its pair without touching
// the already-running slot's task identity.
func TestScenario6_LiveReconfig(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	api := newFakeAPI()
	api.quotaFunc = func(idx, call int) (slot.QuotaObservation, error) {
		return slot.QuotaObservation{Percentage: int64p(5)}, nil
	}

	cfg1 := baseConfig(1)
	cfg2 := baseConfig(2)
	cfg2.Enabled = false

	m := New(clk, api, apiclient.NopLogger{}, NopEmitter{}, slot.DefaultGlobalConfig())
	m.Start([]slot.Config{cfg1, cfg2})

	snapBefore := m.Snapshot()
	var gen1Before int
	for _, s := range snapBefore.Slots {
		if s.Index == 1 {
			gen1Before = s.Generation
		}
	}
	require.Len(t, snapBefore.Slots, 1)

	cfg2.Enabled = true
	cfg2.PollIntervalMinutes = 2
	m.ReloadIfRunning([]slot.Config{cfg1, cfg2}, slot.DefaultGlobalConfig())

	waitFor(t, func() bool { return len(m.Snapshot().Slots) == 2 })

	snapAfter := m.Snapshot()
	var gen1After int
	for _, s := range snapAfter.Slots {
		if s.Index == 1 {
			gen1After = s.Generation
		}
	}
	require.Equal(t, gen1Before, gen1After, "slot 1's control record must not be restarted")
	m.Stop()
}

// TestScenario2_AfterResetRewake covers spec §8 scenario 2.
func TestScenario2_AfterResetRewake(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	api := newFakeAPI()

	resetT := epoch(start.Add(5 * time.Hour))
	api.quotaFunc = func(idx, call int) (slot.QuotaObservation, error) {
		v := resetT
		return slot.QuotaObservation{Percentage: int64p(30), NextResetEpochMS: &v}, nil
	}

	cfg := baseConfig(1)
	cfg.AfterResetEnabled = true
	cfg.AfterResetMinutes = 1

	m := New(clk, api, apiclient.NopLogger{}, NopEmitter{}, slot.DefaultGlobalConfig())
	m.Start([]slot.Config{cfg})
	defer m.Stop()

	waitFor(t, func() bool { return api.quotaCallCount(1) >= 1 })

	// Advance wall clock to T + 1 minute: AfterReset becomes due.
	target := time.UnixMilli(resetT).Add(time.Minute).Sub(clk.Now())
	clk.Advance(target)

	waitFor(t, func() bool { return api.wakeCallCount(1) == 1 })

	snap := m.Snapshot()
	require.NotNil(t, snap.Slots[0].State.LastResetMarker)
	require.Equal(t, resetT, *snap.Slots[0].State.LastResetMarker)

	callsBefore := api.wakeCallCount(1)
	clk.Advance(30 * time.Second) // still within the same minute
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, callsBefore, api.wakeCallCount(1))
}

// TestScenario5_TimesDedupAcrossSlowTick covers spec §8 scenario 5: a
// wake time fires once on the 60s tick that lands in its minute and does
// not fire again on the following tick, one minute later.
func TestScenario5_TimesDedupAcrossSlowTick(t *testing.T) {
	start := time.Date(2026, 1, 1, 11, 59, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	api := newFakeAPI()
	api.quotaFunc = func(idx, call int) (slot.QuotaObservation, error) {
		return slot.QuotaObservation{Percentage: int64p(1)}, nil
	}

	cfg := baseConfig(1)
	cfg.TimesEnabled = true
	cfg.WakeTimes = []string{"12:00"}

	m := New(clk, api, apiclient.NopLogger{}, NopEmitter{}, slot.DefaultGlobalConfig())
	m.Start([]slot.Config{cfg})
	defer m.Stop()

	clk.Advance(wakeTickInterval) // now 12:00:00, fires once
	waitFor(t, func() bool { return api.wakeCallCount(1) == 1 })

	clk.Advance(wakeTickInterval) // now 12:01:00, no longer matches
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, api.wakeCallCount(1))
}

func int64p(v int64) *int64 { return &v }
