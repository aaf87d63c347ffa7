package slot

import (
	"sync"
	"time"
)

// State is the mutable per-credential record shared by a slot's
// WakeScheduler and QuotaPoller goroutines, guarded by mu. Critical
// sections are kept to field reads/writes only — no I/O is ever done
// while mu is held (spec §5 "Critical sections are short").
type State struct {
	mu sync.RWMutex

	// Observed quota.
	percentage       *int64
	nextResetEpochMS *int64
	level            string
	limits           []QuotaLimitEntry

	// 5h usage snapshot.
	modelCalls5h     int64
	tokens5h         int64
	quotaLastUpdated time.Time

	// Wake dedup markers.
	lastIntervalFire time.Time
	lastTimesMarker  string
	lastResetMarker  *int64

	// Wake confirmation.
	wakePending             bool
	wakeSnapshotNextReset   *int64
	wakeRetryWindowDeadline time.Time
	wakeForcedRetryFired    bool

	// Error counters.
	quotaConsecutiveErrors int
	wakeConsecutiveErrors  int
	consecutiveErrors      int // legacy combined, display-only
	autoDisabled           bool
	wakeAutoDisabled       bool

	// Set once QuotaPoller has attempted its first quota fetch.
	everPolled bool
}

// New creates a fresh, unarmed SlotState, as produced when SchedulerManager
// starts monitoring a slot (spec §3 "Lifecycles").
func New() *State {
	return &State{}
}

// Snapshot is an immutable copy of State for read-only callers (the
// WakeDecider, the runtime snapshot, and tests).
type Snapshot struct {
	Percentage       *int64
	NextResetEpochMS *int64
	TimerActive      bool
	Level            string
	Limits           []QuotaLimitEntry

	ModelCalls5h     int64
	Tokens5h         int64
	QuotaLastUpdated time.Time

	LastIntervalFire time.Time
	LastTimesMarker  string
	LastResetMarker  *int64

	WakePending             bool
	WakeSnapshotNextReset   *int64
	WakeRetryWindowDeadline time.Time
	WakeForcedRetryFired    bool

	QuotaConsecutiveErrors int
	WakeConsecutiveErrors  int
	ConsecutiveErrors      int
	AutoDisabled           bool
	WakeAutoDisabled       bool

	EverPolled bool
}

// Snapshot takes a short-held read lock and copies out every field.
func (s *State) Snapshot(now time.Time) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Percentage:              s.percentage,
		NextResetEpochMS:        s.nextResetEpochMS,
		TimerActive:             timerActive(s.nextResetEpochMS, now),
		Level:                   s.level,
		Limits:                  s.limits,
		ModelCalls5h:            s.modelCalls5h,
		Tokens5h:                s.tokens5h,
		QuotaLastUpdated:        s.quotaLastUpdated,
		LastIntervalFire:        s.lastIntervalFire,
		LastTimesMarker:         s.lastTimesMarker,
		LastResetMarker:         s.lastResetMarker,
		WakePending:             s.wakePending,
		WakeSnapshotNextReset:   s.wakeSnapshotNextReset,
		WakeRetryWindowDeadline: s.wakeRetryWindowDeadline,
		WakeForcedRetryFired:    s.wakeForcedRetryFired,
		QuotaConsecutiveErrors:  s.quotaConsecutiveErrors,
		WakeConsecutiveErrors:   s.wakeConsecutiveErrors,
		ConsecutiveErrors:       s.consecutiveErrors,
		AutoDisabled:            s.autoDisabled,
		WakeAutoDisabled:        s.wakeAutoDisabled,
		EverPolled:              s.everPolled,
	}
}

func timerActive(nextReset *int64, now time.Time) bool {
	return nextReset != nil && *nextReset > now.UnixMilli()
}

// --- Mutations below. Each takes the write lock for the minimum
// necessary field set; none perform I/O. ---

// MarkPolled records that at least one quota fetch attempt has happened.
// The flag is reported through Snapshot.EverPolled and EverPolled; the
// cold-start special case does not consult it (QuotaPoller runs it once,
// at the start of its task).
func (s *State) MarkPolled() {
	s.mu.Lock()
	s.everPolled = true
	s.mu.Unlock()
}

func (s *State) EverPolled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.everPolled
}

// ApplyQuotaSuccess writes a successful quota observation and clears the
// quota-side error counter. It does not touch wake-confirmation fields;
// confirmation is evaluated separately by the caller, which needs the
// pre-update snapshot to compare against.
func (s *State) ApplyQuotaSuccess(obs QuotaObservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.percentage = obs.Percentage
	s.nextResetEpochMS = obs.NextResetEpochMS
	s.level = obs.Level
	s.limits = obs.Limits
	s.quotaConsecutiveErrors = 0
	if s.autoDisabled {
		s.autoDisabled = false
	}
}

// RecordQuotaError increments the quota-side error counter and returns
// whether the slot should now be auto-disabled.
func (s *State) RecordQuotaError(maxConsecutiveErrors int) (shouldDisable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaConsecutiveErrors++
	s.consecutiveErrors++
	if s.quotaConsecutiveErrors >= maxConsecutiveErrors {
		s.autoDisabled = true
	}
	return s.autoDisabled
}

// ApplyUsage5h writes a fresh 5h usage snapshot.
func (s *State) ApplyUsage5h(totals UsageTotals, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelCalls5h = totals.TotalCalls
	s.tokens5h = totals.TotalTokens
	s.quotaLastUpdated = at
}

// BeginWake records the pre-send snapshot and arms wake-pending state
// (spec §4.3 step 5). retryWindow is added to now to compute the deadline.
func (s *State) BeginWake(now time.Time, retryWindow time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeSnapshotNextReset = s.nextResetEpochMS
	s.wakePending = true
	s.wakeRetryWindowDeadline = now.Add(retryWindow)
	s.wakeForcedRetryFired = false
}

// MarkWakeSendError increments the wake-side error counter after a
// failed sendWake call and returns whether the slot should now be
// wake-auto-disabled. The send itself never reached the provider, so
// there is nothing to confirm: wake_pending is cleared too, letting the
// next trigger instance attempt a fresh wake rather than sitting
// permanently in the confirmation cadence.
func (s *State) MarkWakeSendError(maxConsecutiveErrors int) (shouldDisable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakePending = false
	s.wakeConsecutiveErrors++
	s.consecutiveErrors++
	if s.wakeConsecutiveErrors >= maxConsecutiveErrors {
		s.wakeAutoDisabled = true
	}
	return s.wakeAutoDisabled
}

// MarkIntervalFired sets the Interval dedup marker.
func (s *State) MarkIntervalFired(now time.Time) {
	s.mu.Lock()
	s.lastIntervalFire = now
	s.mu.Unlock()
}

// MarkTimesFired sets the Times dedup marker.
func (s *State) MarkTimesFired(marker string) {
	s.mu.Lock()
	s.lastTimesMarker = marker
	s.mu.Unlock()
}

// MarkResetFired sets the AfterReset dedup marker.
func (s *State) MarkResetFired(resetEpochMS int64) {
	s.mu.Lock()
	v := resetEpochMS
	s.lastResetMarker = &v
	s.mu.Unlock()
}

// MarkForcedRetryFired flips the one-shot forced-retry flag.
func (s *State) MarkForcedRetryFired() {
	s.mu.Lock()
	s.wakeForcedRetryFired = true
	s.mu.Unlock()
}

// ConfirmWake clears wake-pending state after the QuotaPoller observes
// the quota timer has advanced (spec §4.4 step 6, outcome (a)).
func (s *State) ConfirmWake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakePending = false
	s.wakeConsecutiveErrors = 0
	s.wakeAutoDisabled = false
}

// FailWakeConfirmation clears wake-pending state after the retry window
// has elapsed with no observed advance (spec §4.4 step 6, outcome (b)'s
// terminal branch) and counts it as one wake error.
func (s *State) FailWakeConfirmation(maxConsecutiveErrors int) (shouldDisable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakePending = false
	s.wakeConsecutiveErrors++
	s.consecutiveErrors++
	if s.wakeConsecutiveErrors >= maxConsecutiveErrors {
		s.wakeAutoDisabled = true
	}
	return s.wakeAutoDisabled
}

