package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/glmwarm/zwarmd/apiclient"
	"github.com/glmwarm/zwarmd/clock"
	"github.com/glmwarm/zwarmd/observability"
	"github.com/glmwarm/zwarmd/slot"
)

const confirmationCadence = 60 * time.Second

// maxBackoffExponent bounds the 2^k growth before the cap clamp takes
// over, purely to keep the shift from overflowing on a pathological k.
const maxBackoffExponent = 30

// quotaTask is the per-slot QuotaPoller (spec §4.4).
type quotaTask struct {
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
	done      chan struct{}
}

func (t *quotaTask) run() {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.logEvent("panic", map[string]interface{}{"recovered": r})
		}
	}()

	t.coldStart()

	delay := t.nextDelay()
	observability.BackoffSeconds.WithLabelValues(t.slotLabel()).Set(delay.Seconds())
	timer := t.clk.NewTimer(delay)
	defer clock.StopAndDrain(timer)

	for {
		select {
		case <-t.stopCh:
			return
		case upd := <-t.configCh:
			t.cfg = upd.slot
			t.glob = upd.global
		case <-t.pollNowCh:
		case <-timer.C():
		}

		if !t.cfg.Enabled {
			return
		}
		t.iterate()

		clock.StopAndDrain(timer)
		delay = t.nextDelay()
		observability.BackoffSeconds.WithLabelValues(t.slotLabel()).Set(delay.Seconds())
		timer.Reset(delay)
	}
}

func (t *quotaTask) slotLabel() string {
	return strconv.Itoa(t.cfg.Index)
}

// coldStart performs the special-cased first fetchQuota: if the key is
// cold, it sends an initial wake immediately, bypassing the decider, and
// does not count a failed pre-check fetch as an error (spec §4.4 "fail-open").
func (t *quotaTask) coldStart() {
	if !t.cfg.Enabled {
		return
	}
	ctx := context.Background()
	obs, err := t.api.FetchQuota(ctx, toAPISlot(t.cfg), t.logger)
	t.state.MarkPolled()
	if err != nil {
		// Fail-open: does not increment quota_consecutive_errors.
		t.logEvent("fetch_quota_error", map[string]interface{}{"error": err.Error(), "phase": "cold_start"})
		return
	}
	t.state.ApplyQuotaSuccess(obs)
	t.emitQuotaUpdated()

	if obs.Cold {
		retryWindow := time.Duration(t.glob.WakeQuotaRetryWindowMinutes) * time.Minute
		now := t.clk.Now()
		t.state.BeginWake(now, retryWindow)
		if err := t.api.SendWake(ctx, toAPISlot(t.cfg), t.logger); err != nil {
			t.state.MarkWakeSendError(t.glob.MaxConsecutiveErrors)
			t.logEvent("send_wake_error", map[string]interface{}{"error": err.Error(), "phase": "cold_start"})
		}
	}
}

// nextDelay computes the sleep duration for the next iteration (spec
// §4.4 step 1): confirmation cadence while a wake is pending, otherwise
// bounded exponential backoff keyed by quota_consecutive_errors.
func (t *quotaTask) nextDelay() time.Duration {
	snap := t.state.Snapshot(t.clk.Now())
	if snap.WakePending {
		return confirmationCadence
	}

	base := time.Duration(t.cfg.PollIntervalMinutes) * time.Minute
	backoffCap := time.Duration(t.glob.QuotaPollBackoffCapMinutes) * time.Minute
	k := snap.QuotaConsecutiveErrors
	if k > maxBackoffExponent {
		k = maxBackoffExponent
	}
	delay := base
	for i := 0; i < k; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

func (t *quotaTask) iterate() {
	ctx := context.Background()
	now := t.clk.Now()

	snap := t.state.Snapshot(now)
	if !snap.AutoDisabled {
		t.fetchQuota(ctx)
		t.fetchUsage(ctx, now)
	}

	// auto_disabled and wake_auto_disabled are independent latches (spec
	// §3 invariant 4): a quota-side disable must not stop confirmWake
	// from clearing wake_pending and bookkeeping wake-side errors.
	t.confirmWake(now)
	t.emitQuotaUpdated()
}

func (t *quotaTask) fetchQuota(ctx context.Context) {
	obs, err := t.api.FetchQuota(ctx, toAPISlot(t.cfg), t.logger)
	if err != nil {
		disabled := t.state.RecordQuotaError(t.glob.MaxConsecutiveErrors)
		observability.QuotaPollsTotal.WithLabelValues(t.slotLabel(), "error").Inc()
		snap := t.state.Snapshot(t.clk.Now())
		observability.ConsecutiveErrors.WithLabelValues(t.slotLabel(), "quota").Set(float64(snap.QuotaConsecutiveErrors))
		if disabled {
			observability.AutoDisabled.WithLabelValues(t.slotLabel(), "quota").Set(1)
		}
		t.logEvent("fetch_quota_error", map[string]interface{}{"error": err.Error()})
		return
	}
	t.state.ApplyQuotaSuccess(obs)
	observability.QuotaPollsTotal.WithLabelValues(t.slotLabel(), "success").Inc()
	observability.ConsecutiveErrors.WithLabelValues(t.slotLabel(), "quota").Set(0)
	observability.AutoDisabled.WithLabelValues(t.slotLabel(), "quota").Set(0)
	if obs.Percentage != nil {
		observability.QuotaPercentage.WithLabelValues(t.slotLabel()).Set(float64(*obs.Percentage))
	}
}

func (t *quotaTask) fetchUsage(ctx context.Context, now time.Time) {
	totals, err := t.api.FetchModelUsage(ctx, toAPISlot(t.cfg), slot.Window5h, now, t.logger)
	if err != nil {
		t.logEvent("fetch_model_usage_error", map[string]interface{}{"error": err.Error()})
		return
	}
	t.state.ApplyUsage5h(totals, now)
}

// confirmWake implements spec §4.4 step 6.
func (t *quotaTask) confirmWake(now time.Time) {
	snap := t.state.Snapshot(now)
	if !snap.WakePending {
		return
	}

	advanced := snap.NextResetEpochMS != nil &&
		(snap.WakeSnapshotNextReset == nil || *snap.NextResetEpochMS > *snap.WakeSnapshotNextReset)
	if advanced {
		t.state.ConfirmWake()
		observability.WakesTotal.WithLabelValues(t.slotLabel(), "confirmed").Inc()
		observability.ConsecutiveErrors.WithLabelValues(t.slotLabel(), "wake").Set(0)
		observability.AutoDisabled.WithLabelValues(t.slotLabel(), "wake").Set(0)
		retryWindow := time.Duration(t.glob.WakeQuotaRetryWindowMinutes) * time.Minute
		sentAt := snap.WakeRetryWindowDeadline.Add(-retryWindow)
		observability.WakeConfirmationSeconds.Observe(now.Sub(sentAt).Seconds())
		t.emitter.Emit(Event{
			Name:      EventWakeConfirmed,
			SlotIndex: t.cfg.Index,
			At:        now,
		})
		return
	}

	if now.After(snap.WakeRetryWindowDeadline) && snap.WakeForcedRetryFired {
		disabled := t.state.FailWakeConfirmation(t.glob.MaxConsecutiveErrors)
		observability.WakesTotal.WithLabelValues(t.slotLabel(), "failed").Inc()
		if disabled {
			observability.AutoDisabled.WithLabelValues(t.slotLabel(), "wake").Set(1)
		}
	}
	// Else: still within the window, or the forced retry has not run
	// yet — WakeScheduler's forced-retry path will run at its window.
}

func (t *quotaTask) emitQuotaUpdated() {
	now := t.clk.Now()
	snap := t.state.Snapshot(now)

	var nextResetHMS *string
	if snap.NextResetEpochMS != nil {
		v := time.UnixMilli(*snap.NextResetEpochMS).Format("15:04")
		nextResetHMS = &v
	}

	t.emitter.Emit(Event{
		Name:      EventQuotaUpdated,
		SlotIndex: t.cfg.Index,
		At:        now,
		Payload: map[string]interface{}{
			"percentage":          snap.Percentage,
			"timer_active":        snap.TimerActive,
			"next_reset_epoch_ms": snap.NextResetEpochMS,
			"next_reset_hms":      nextResetHMS,
			"model_calls_5h":      snap.ModelCalls5h,
			"tokens_5h":           snap.Tokens5h,
			"quota_last_updated":  snap.QuotaLastUpdated,
		},
	})
}

func (t *quotaTask) logEvent(action string, details map[string]interface{}) {
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
