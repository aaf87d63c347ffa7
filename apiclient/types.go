package apiclient

import (
	"fmt"
	"time"
)

// Errors the ApiClient distinguishes (spec §7).
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrNetwork
	ErrHTTPStatus
	ErrParse
)

// Error wraps the three failure kinds ApiClient operations can produce.
type Error struct {
	Kind       ErrKind
	StatusCode int // set when Kind == ErrHTTPStatus
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrHTTPStatus:
		return fmt.Sprintf("apiclient: http status %d", e.StatusCode)
	case ErrParse:
		return fmt.Sprintf("apiclient: parse error: %v", e.Err)
	default:
		return fmt.Sprintf("apiclient: network error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func networkErr(err error) *Error { return &Error{Kind: ErrNetwork, Err: err} }
func statusErr(code int) *Error   { return &Error{Kind: ErrHTTPStatus, StatusCode: code} }
func parseErr(err error) *Error   { return &Error{Kind: ErrParse, Err: err} }

// quotaEnvelope mirrors GET .../usage/quota/limit's response shape
// (spec §4.1 / §6): {code, data:{limits:[...], level}}.
type quotaEnvelope struct {
	Code int `json:"code"`
	Data struct {
		Level  string `json:"level"`
		Limits []struct {
			Type             string                 `json:"type"`
			Unit             string                 `json:"unit"`
			Number           float64                `json:"number"`
			Percentage       float64                `json:"percentage"`
			NextResetTime    *int64                 `json:"nextResetTime,omitempty"`
			Usage            *float64               `json:"usage,omitempty"`
			CurrentValue     *float64               `json:"currentValue,omitempty"`
			Remaining        *float64               `json:"remaining,omitempty"`
			UsageDetails     map[string]interface{} `json:"usageDetails,omitempty"`
		} `json:"limits"`
	} `json:"data"`
}

// modelUsageEnvelope mirrors GET .../usage/model-usage's response shape.
// Per SPEC_FULL.md's resolution of the totalUsage/total_usage ambiguity,
// only the "totalUsage" field name is accepted.
type modelUsageEnvelope struct {
	Data struct {
		TotalUsage struct {
			TotalModelCallCount int64 `json:"totalModelCallCount"`
			TotalTokensUsage    int64 `json:"totalTokensUsage"`
		} `json:"totalUsage"`
	} `json:"data"`
}

// toolUsageEnvelope mirrors GET .../usage/tool-usage's response shape.
type toolUsageEnvelope struct {
	Data struct {
		TotalUsage struct {
			TotalNetworkSearchCount int64 `json:"totalNetworkSearchCount"`
			TotalWebReadMcpCount    int64 `json:"totalWebReadMcpCount"`
			TotalZreadMcpCount      int64 `json:"totalZreadMcpCount"`
			TotalSearchMcpCount     int64 `json:"totalSearchMcpCount"`
		} `json:"totalUsage"`
	} `json:"data"`
}

// wakeRequestBody is the minimal chat-completion POST body (spec §4.1/§6).
type wakeRequestBody struct {
	Model     string        `json:"model"`
	Messages  []wakeMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type wakeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func newWakeBody() wakeRequestBody {
	return wakeRequestBody{
		Model:     "glm-4-flash",
		Messages:  []wakeMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 1,
	}
}

// LogEntry is one structured log line (spec §6 "Structured log").
type LogEntry struct {
	Timestamp  time.Time
	SlotIndex  int
	Action     string // e.g. "fetch_quota", "fetch_model_usage", "send_wake"
	Phase      string // "request" | "response" | "error" | "event"
	FlowID     string
	DurationMS *int64
	Details    map[string]interface{}
}

// Logger is the structured log sink ApiClient writes request/response
// lines to. logsink.Sink implements this.
type Logger interface {
	Log(entry LogEntry)
}

// NopLogger discards everything; used when a slot has logging disabled
// or no sink was wired (e.g. in unit tests).
type NopLogger struct{}

func (NopLogger) Log(LogEntry) {}
