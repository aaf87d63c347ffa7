package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/glmwarm/zwarmd/apiclient"
	"github.com/glmwarm/zwarmd/clock"
	"github.com/glmwarm/zwarmd/decider"
	"github.com/glmwarm/zwarmd/observability"
	"github.com/glmwarm/zwarmd/slot"
)

const wakeTickInterval = 60 * time.Second

// wakeTask is the per-slot WakeScheduler (spec §4.3). It owns its own
// copy of the slot/global config, refreshed from configCh, and shares
// *slot.State with the sibling quotaTask under State's own mutex.
type wakeTask struct {
	clk     clock.Clock
	api     ApiClient
	logger  apiclient.Logger
	emitter EventEmitter

	state *slot.State
	cfg   slot.Config
	glob  slot.GlobalConfig

	stopCh    chan struct{}
	configCh  chan configUpdate
	pollNowCh chan struct{}
	wakeNowCh chan struct{}
	done      chan struct{}
}

type configUpdate struct {
	slot   slot.Config
	global slot.GlobalConfig
}

// run is the WakeScheduler loop body (spec §4.3 steps 1-7, plus the
// forced-retry path and the external "wake now" trigger). It recovers
// from panics so one slot's bug cannot take down the process, mirroring
// the teacher's worker-goroutine recover guard.
func (t *wakeTask) run() {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.logEvent("panic", map[string]interface{}{"recovered": r})
		}
	}()

	timer := t.clk.NewTimer(wakeTickInterval)
	defer clock.StopAndDrain(timer)

	for {
		select {
		case <-t.stopCh:
			return
		case upd := <-t.configCh:
			t.cfg = upd.slot
			t.glob = upd.global
			if t.exitIfDisabled() {
				return
			}
			t.tick()
		case <-t.wakeNowCh:
			t.fireExternal()
		case <-timer.C():
			clock.StopAndDrain(timer)
			timer.Reset(wakeTickInterval)
			if t.exitIfDisabled() {
				return
			}
			t.tick()
		}
	}
}

func (t *wakeTask) exitIfDisabled() bool {
	snap := t.state.Snapshot(t.clk.Now())
	return !t.cfg.Enabled || snap.WakeAutoDisabled
}

// tick runs the forced-retry check, then (only if no wake is now
// pending) consults the decider for a new wake.
func (t *wakeTask) tick() {
	now := t.clk.Now()
	snap := t.state.Snapshot(now)

	if snap.WakePending && !now.Before(snap.WakeRetryWindowDeadline) && !snap.WakeForcedRetryFired {
		t.state.MarkForcedRetryFired()
		observability.WakesTotal.WithLabelValues(t.slotLabel(), "forced_retry").Inc()
		t.send(context.Background())
		t.signalPollNow()
		return
	}
	if snap.WakePending {
		return
	}

	d := decider.Decide(t.cfg, snap, now)
	if !d.Due() {
		return
	}

	t.beginAndSend(context.Background(), d)
}

// fireExternal implements the manager's "wake now" override: it
// bypasses WakeDecider but otherwise follows steps 5-7 (spec §4.3
// "External trigger").
func (t *wakeTask) fireExternal() {
	if !t.cfg.Enabled {
		return
	}
	snap := t.state.Snapshot(t.clk.Now())
	if snap.WakePending {
		return
	}
	t.beginAndSend(context.Background(), slot.Decision{Reason: slot.NoWake})
}

func (t *wakeTask) beginAndSend(ctx context.Context, d slot.Decision) {
	now := t.clk.Now()
	retryWindow := time.Duration(t.glob.WakeQuotaRetryWindowMinutes) * time.Minute
	t.state.BeginWake(now, retryWindow)

	ok := t.send(ctx)
	if !ok {
		return
	}

	switch d.Reason {
	case slot.ReasonInterval:
		t.state.MarkIntervalFired(now)
	case slot.ReasonTimes:
		t.state.MarkTimesFired(d.TimesHHMM)
	case slot.ReasonAfterReset:
		t.state.MarkResetFired(d.AfterResetEpochMS)
	}
	t.signalPollNow()
}

// send issues one sendWake call, updating the wake-side error counter
// on failure. It returns whether the send succeeded.
func (t *wakeTask) send(ctx context.Context) bool {
	err := t.api.SendWake(ctx, toAPISlot(t.cfg), t.logger)
	if err != nil {
		disabled := t.state.MarkWakeSendError(t.glob.MaxConsecutiveErrors)
		observability.WakesTotal.WithLabelValues(t.slotLabel(), "failed").Inc()
		t.updateErrorMetrics(disabled)
		t.logEvent("send_wake_error", map[string]interface{}{"error": err.Error()})
		return false
	}
	observability.WakesTotal.WithLabelValues(t.slotLabel(), "sent").Inc()
	return true
}

func (t *wakeTask) slotLabel() string {
	return strconv.Itoa(t.cfg.Index)
}

// updateErrorMetrics republishes the wake-side error gauges after a state
// change so /metrics always reflects the counters the decider itself saw.
func (t *wakeTask) updateErrorMetrics(wakeAutoDisabled bool) {
	snap := t.state.Snapshot(t.clk.Now())
	observability.ConsecutiveErrors.WithLabelValues(t.slotLabel(), "wake").Set(float64(snap.WakeConsecutiveErrors))
	if wakeAutoDisabled {
		observability.AutoDisabled.WithLabelValues(t.slotLabel(), "wake").Set(1)
	} else {
		observability.AutoDisabled.WithLabelValues(t.slotLabel(), "wake").Set(0)
	}
}

func (t *wakeTask) signalPollNow() {
	select {
	case t.pollNowCh <- struct{}{}:
	default:
	}
}

func (t *wakeTask) logEvent(action string, details map[string]interface{}) {
	if t.logger == nil {
		return
	}
	t.logger.Log(apiclient.LogEntry{
		Timestamp: t.clk.Now(),
		SlotIndex: t.cfg.Index,
		Action:    action,
		Phase:     "event",
		Details:   details,
	})
}
