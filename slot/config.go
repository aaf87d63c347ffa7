// Package slot holds the per-credential configuration and runtime state
// the scheduler reads and mutates. See SPEC_FULL.md §3.
package slot

import "time"

// MaxSlots is the hard cap on configured credentials (spec §4.5).
const MaxSlots = 4

// MaxTimesPerDay bounds the Times wake policy's wall-clock entries.
const MaxTimesPerDay = 5

// Config is one credential's configuration, owned by the configuration
// store and handed to the scheduler by value on every reload.
type Config struct {
	Index        int    `json:"index"`
	DisplayName  string `json:"display_name"`
	Token        string `json:"token"`
	QuotaURL     string `json:"quota_url"`
	WakeURL      string `json:"wake_url"`
	ModelUsageURL string `json:"model_usage_url"`
	ToolUsageURL string `json:"tool_usage_url"`

	Enabled            bool `json:"enabled"`
	PollIntervalMinutes int  `json:"poll_interval_minutes"`

	IntervalEnabled bool `json:"interval_enabled"`
	IntervalMinutes int  `json:"interval_minutes"`

	TimesEnabled bool     `json:"times_enabled"`
	WakeTimes    []string `json:"wake_times"` // up to MaxTimesPerDay, "HH:MM"

	AfterResetEnabled bool `json:"after_reset_enabled"`
	AfterResetMinutes int  `json:"after_reset_minutes"`

	Logging bool `json:"logging"`
}

// GlobalConfig is the process-wide configuration shared by every slot.
type GlobalConfig struct {
	WakeQuotaRetryWindowMinutes int    `json:"wake_quota_retry_window_minutes"`
	MaxConsecutiveErrors        int    `json:"max_consecutive_errors"`
	QuotaPollBackoffCapMinutes  int    `json:"quota_poll_backoff_cap_minutes"`
	MaxLogDays                  int    `json:"max_log_days"`
	LogDirectory                string `json:"log_directory,omitempty"`

	DebugMode    bool   `json:"debug_mode"`
	MockBaseURL  string `json:"mock_base_url,omitempty"`
}

// DefaultGlobalConfig returns the spec's documented defaults.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		WakeQuotaRetryWindowMinutes: 15,
		MaxConsecutiveErrors:        10,
		QuotaPollBackoffCapMinutes:  480,
		MaxLogDays:                  7,
	}
}

// Document is the full persisted configuration (spec §6 "Persisted state").
type Document struct {
	ConfigVersion int          `json:"config_version"`
	Global        GlobalConfig `json:"global"`
	Slots         []Config     `json:"slots"`
}

const currentConfigVersion = 1

// clampInt forces v into [lo, hi].
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Normalize clamps out-of-range values and truncates slot count to
// MaxSlots, so that save -> load always yields an identical, valid
// document (spec §8 "Config save -> load yields a value that
// normalizes to itself").
func (d *Document) Normalize() {
	if d.ConfigVersion == 0 {
		d.ConfigVersion = currentConfigVersion
	}

	d.Global.WakeQuotaRetryWindowMinutes = clampInt(d.Global.WakeQuotaRetryWindowMinutes, 1, 1440)
	d.Global.MaxConsecutiveErrors = clampInt(d.Global.MaxConsecutiveErrors, 1, 1000)
	d.Global.QuotaPollBackoffCapMinutes = clampInt(d.Global.QuotaPollBackoffCapMinutes, 1, 1440)
	if d.Global.MaxLogDays < 1 {
		d.Global.MaxLogDays = 1
	}

	if len(d.Slots) > MaxSlots {
		d.Slots = d.Slots[:MaxSlots]
	}
	for i := range d.Slots {
		s := &d.Slots[i]
		if s.PollIntervalMinutes < 1 {
			s.PollIntervalMinutes = 1
		}
		if s.IntervalMinutes < 1 {
			s.IntervalMinutes = 1
		}
		if s.AfterResetMinutes < 1 {
			s.AfterResetMinutes = 1
		}
		if len(s.WakeTimes) > MaxTimesPerDay {
			s.WakeTimes = s.WakeTimes[:MaxTimesPerDay]
		}
	}
}

// WakeReason identifies which policy fired a wake (spec §4.2).
type WakeReason int

const (
	NoWake WakeReason = iota
	ReasonAfterReset
	ReasonTimes
	ReasonInterval
)

func (r WakeReason) String() string {
	switch r {
	case ReasonAfterReset:
		return "after_reset"
	case ReasonTimes:
		return "times"
	case ReasonInterval:
		return "interval"
	default:
		return "none"
	}
}

// Decision is WakeDecider's verdict for one tick.
type Decision struct {
	Reason WakeReason

	// TimesHHMM is set when Reason == ReasonTimes.
	TimesHHMM string

	// AfterResetEpochMS is set when Reason == ReasonAfterReset.
	AfterResetEpochMS int64
}

func (d Decision) Due() bool { return d.Reason != NoWake }

// QuotaLimitEntry mirrors one entry of the provider's limits[] array
// (spec SPEC_FULL.md §3 supplemental data).
type QuotaLimitEntry struct {
	Type             string                 `json:"type"`
	Unit             string                 `json:"unit"`
	Number           float64                `json:"number"`
	Percentage       float64                `json:"percentage"`
	NextResetEpochMS *int64                 `json:"nextResetTime,omitempty"`
	Usage            *float64               `json:"usage,omitempty"`
	CurrentValue     *float64               `json:"currentValue,omitempty"`
	Remaining        *float64               `json:"remaining,omitempty"`
	UsageDetails     map[string]interface{} `json:"usageDetails,omitempty"`
}

// QuotaObservation is what ApiClient.FetchQuota returns on success.
type QuotaObservation struct {
	Percentage       *int64
	NextResetEpochMS *int64
	Level            string
	Limits           []QuotaLimitEntry
	Cold             bool // TOKENS_LIMIT present but NextResetEpochMS absent
}

// UsageTotals is what ApiClient.FetchModelUsage returns.
type UsageTotals struct {
	TotalCalls  int64
	TotalTokens int64
}

// ToolUsageTotals is the 24h tool-usage breakdown (fetch_slot_stats only).
type ToolUsageTotals struct {
	NetworkSearchCount int64
	WebReadMCPCount    int64
	ZreadMCPCount      int64
	SearchMCPCount     int64
}

// UsageWindow selects which provider time window to query.
type UsageWindow int

const (
	Window5h UsageWindow = iota
	Window24h
)

func (w UsageWindow) Duration() time.Duration {
	if w == Window24h {
		return 24 * time.Hour
	}
	return 5 * time.Hour
}
