// Package decider implements WakeDecider, the pure decision function
// that tells the scheduler whether a wake is due on a given tick and
// which policy triggered it (spec §4.2).
package decider

import (
	"time"

	"github.com/glmwarm/zwarmd/slot"
)

// Decide evaluates all three wake policies against one snapshot of slot
// state at one instant and returns at most one reason, with precedence
// AfterReset > Times > Interval (spec §4.2: "evaluation order matters
// only for log labelling"). It never mutates state — callers apply the
// corresponding dedup marker themselves once the wake actually sends.
func Decide(cfg slot.Config, st slot.Snapshot, now time.Time) slot.Decision {
	if d, ok := decideAfterReset(cfg, st, now); ok {
		return d
	}
	if d, ok := decideTimes(cfg, st, now); ok {
		return d
	}
	if d, ok := decideInterval(cfg, st, now); ok {
		return d
	}
	return slot.Decision{Reason: slot.NoWake}
}

func decideAfterReset(cfg slot.Config, st slot.Snapshot, now time.Time) (slot.Decision, bool) {
	if !cfg.AfterResetEnabled {
		return slot.Decision{}, false
	}
	if st.NextResetEpochMS == nil {
		// Cold key: AfterReset is inert until a reset has been observed.
		return slot.Decision{}, false
	}
	reset := *st.NextResetEpochMS
	due := reset + int64(cfg.AfterResetMinutes)*60000
	if now.UnixMilli() < due {
		return slot.Decision{}, false
	}
	if st.LastResetMarker != nil && *st.LastResetMarker == reset {
		return slot.Decision{}, false
	}
	return slot.Decision{Reason: slot.ReasonAfterReset, AfterResetEpochMS: reset}, true
}

func decideTimes(cfg slot.Config, st slot.Snapshot, now time.Time) (slot.Decision, bool) {
	if !cfg.TimesEnabled {
		return slot.Decision{}, false
	}
	hhmm := now.Format("15:04")
	matched := false
	for _, t := range cfg.WakeTimes {
		if t == hhmm {
			matched = true
			break
		}
	}
	if !matched {
		return slot.Decision{}, false
	}
	marker := now.Format("2006-01-02") + " " + hhmm
	if st.LastTimesMarker == marker {
		return slot.Decision{}, false
	}
	return slot.Decision{Reason: slot.ReasonTimes, TimesHHMM: marker}, true
}

func decideInterval(cfg slot.Config, st slot.Snapshot, now time.Time) (slot.Decision, bool) {
	if !cfg.IntervalEnabled {
		return slot.Decision{}, false
	}
	if st.LastIntervalFire.IsZero() {
		return slot.Decision{Reason: slot.ReasonInterval}, true
	}
	elapsed := now.Sub(st.LastIntervalFire)
	if elapsed < time.Duration(cfg.IntervalMinutes)*time.Minute {
		return slot.Decision{}, false
	}
	return slot.Decision{Reason: slot.ReasonInterval}, true
}
