// Package apiclient implements the three provider operations the
// scheduler needs: fetchQuota, fetchModelUsage, sendWake (spec §4.1).
package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/glmwarm/zwarmd/slot"
	"github.com/google/uuid"
)

// knownProviderHosts is rewritten to the mock base URL when debug mode
// is active (spec §4.1/§6).
var knownProviderHosts = map[string]bool{
	"api.z.ai":          true,
	"open.bigmodel.cn":  true,
}

// Client is the ApiClient. One Client instance is shared process-wide;
// per-slot pacing is keyed internally by slot index.
type Client struct {
	httpClient *http.Client
	limiter    *slotLimiter

	debugMode   bool
	mockBaseURL string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTimeout overrides the default 30s per-request timeout (spec §5).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithDebugMode enables provider-host rewriting to mockBaseURL and
// disables TLS verification for loopback hosts (spec §4.1 "Debug mode").
func WithDebugMode(mockBaseURL string) Option {
	return func(c *Client) {
		c.debugMode = true
		c.mockBaseURL = mockBaseURL
		if tr, ok := c.httpClient.Transport.(*http.Transport); ok {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: isLoopbackURL(mockBaseURL)}
		}
	}
}

// New builds a Client with production defaults: 30s timeout, a
// token-bucket pace of 1 req/s burst 2 per slot.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{},
		},
		limiter: newSlotLimiter(1, 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// rewriteForDebug rewrites a provider URL's scheme+host to the mock base
// URL when debug mode is on and the host matches a known provider host,
// preserving the path and query (spec §4.1).
func (c *Client) rewriteForDebug(raw string) (string, error) {
	if !c.debugMode {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw, err
	}
	if !knownProviderHosts[u.Host] {
		return raw, nil
	}
	mock, err := url.Parse(c.mockBaseURL)
	if err != nil {
		return raw, err
	}
	u.Scheme = mock.Scheme
	u.Host = mock.Host
	return u.String(), nil
}

func (c *Client) newFlowID() string { return uuid.NewString() }

// doRequest executes req, pacing it by slotIndex, logging request and
// response/error lines to logger when logging is enabled, and returns
// the raw body bytes on a 2xx response.
func (c *Client) doRequest(ctx context.Context, slotIndex int, action string, req *http.Request, logging bool, logger Logger) ([]byte, error) {
	if logger == nil {
		logger = NopLogger{}
	}
	flowID := c.newFlowID()
	start := time.Now()

	if logging {
		logger.Log(LogEntry{
			Timestamp: start,
			SlotIndex: slotIndex,
			Action:    action,
			Phase:     "request",
			FlowID:    flowID,
			Details:   map[string]interface{}{"method": req.Method, "url": req.URL.String()},
		})
	}

	if err := c.limiter.forSlot(slotIndex).Wait(ctx); err != nil {
		return nil, networkErr(err)
	}

	resp, err := c.httpClient.Do(req)
	durMS := time.Since(start).Milliseconds()
	if err != nil {
		if logging {
			logger.Log(LogEntry{
				Timestamp:  time.Now(),
				SlotIndex:  slotIndex,
				Action:     action,
				Phase:      "error",
				FlowID:     flowID,
				DurationMS: &durMS,
				Details:    map[string]interface{}{"error": err.Error()},
			})
		}
		return nil, networkErr(err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)

	if logging {
		details := map[string]interface{}{"status_code": resp.StatusCode}
		if len(body) > 0 && len(body) < 4096 {
			details["body"] = string(body)
		}
		logger.Log(LogEntry{
			Timestamp:  time.Now(),
			SlotIndex:  slotIndex,
			Action:     action,
			Phase:      "response",
			FlowID:     flowID,
			DurationMS: &durMS,
			Details:    details,
		})
	}

	if resp.StatusCode >= 400 {
		return body, statusErr(resp.StatusCode)
	}
	if readErr != nil {
		return nil, networkErr(readErr)
	}
	return body, nil
}

func (c *Client) newGetRequest(ctx context.Context, rawURL, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	setCommonHeaders(req, token)
	return req, nil
}

func setCommonHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("Content-Type", "application/json")
}

// Slot is the narrow per-credential view ApiClient needs; apiclient
// never imports the scheduler/manager packages to keep the dependency
// direction leaf-ward.
type Slot struct {
	Index         int
	Token         string
	QuotaURL      string
	WakeURL       string
	ModelUsageURL string
	ToolUsageURL  string
	Logging       bool
}

// FetchQuota issues the quota GET and selects the TOKENS_LIMIT entry
// (falling back to the first entry) per spec §4.1.
func (c *Client) FetchQuota(ctx context.Context, s Slot, logger Logger) (slot.QuotaObservation, error) {
	rawURL, err := c.rewriteForDebug(s.QuotaURL)
	if err != nil {
		return slot.QuotaObservation{}, parseErr(err)
	}
	req, err := c.newGetRequest(ctx, rawURL, s.Token)
	if err != nil {
		return slot.QuotaObservation{}, networkErr(err)
	}

	body, err := c.doRequest(ctx, s.Index, "fetch_quota", req, s.Logging, logger)
	if err != nil {
		return slot.QuotaObservation{}, err
	}

	var env quotaEnvelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil {
		return slot.QuotaObservation{}, parseErr(jsonErr)
	}

	obs := slot.QuotaObservation{Level: env.Data.Level}

	limits := make([]slot.QuotaLimitEntry, 0, len(env.Data.Limits))
	tokensIdx := -1
	for i, l := range env.Data.Limits {
		limits = append(limits, slot.QuotaLimitEntry{
			Type:             l.Type,
			Unit:             l.Unit,
			Number:           l.Number,
			Percentage:       l.Percentage,
			NextResetEpochMS: l.NextResetTime,
			Usage:            l.Usage,
			CurrentValue:     l.CurrentValue,
			Remaining:        l.Remaining,
			UsageDetails:     l.UsageDetails,
		})
		if l.Type == "TOKENS_LIMIT" {
			tokensIdx = i
		}
	}
	obs.Limits = limits

	var pickIdx int
	switch {
	case tokensIdx >= 0:
		pickIdx = tokensIdx
	case len(env.Data.Limits) > 0:
		pickIdx = 0
	default:
		return slot.QuotaObservation{}, parseErr(fmt.Errorf("quota envelope has no limits"))
	}

	picked := env.Data.Limits[pickIdx]
	pct := int64(picked.Percentage)
	obs.Percentage = &pct
	obs.NextResetEpochMS = picked.NextResetTime
	obs.Cold = tokensIdx >= 0 && pickIdx == tokensIdx && picked.NextResetTime == nil

	return obs, nil
}

// FetchModelUsage issues the model-usage GET for the given window,
// anchored at "now" (spec §4.1).
func (c *Client) FetchModelUsage(ctx context.Context, s Slot, window slot.UsageWindow, now time.Time, logger Logger) (slot.UsageTotals, error) {
	start := now.Add(-window.Duration())
	rawURL, err := c.rewriteForDebug(s.ModelUsageURL)
	if err != nil {
		return slot.UsageTotals{}, parseErr(err)
	}
	rawURL = appendTimeRange(rawURL, start, now)

	req, err := c.newGetRequest(ctx, rawURL, s.Token)
	if err != nil {
		return slot.UsageTotals{}, networkErr(err)
	}

	body, err := c.doRequest(ctx, s.Index, "fetch_model_usage", req, s.Logging, logger)
	if err != nil {
		return slot.UsageTotals{}, err
	}

	var env modelUsageEnvelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil {
		return slot.UsageTotals{}, parseErr(jsonErr)
	}
	return slot.UsageTotals{
		TotalCalls:  env.Data.TotalUsage.TotalModelCallCount,
		TotalTokens: env.Data.TotalUsage.TotalTokensUsage,
	}, nil
}

// FetchToolUsage issues the tool-usage GET (used only by fetch_slot_stats).
func (c *Client) FetchToolUsage(ctx context.Context, s Slot, window slot.UsageWindow, now time.Time, logger Logger) (slot.ToolUsageTotals, error) {
	start := now.Add(-window.Duration())
	rawURL, err := c.rewriteForDebug(s.ToolUsageURL)
	if err != nil {
		return slot.ToolUsageTotals{}, parseErr(err)
	}
	rawURL = appendTimeRange(rawURL, start, now)

	req, err := c.newGetRequest(ctx, rawURL, s.Token)
	if err != nil {
		return slot.ToolUsageTotals{}, networkErr(err)
	}

	body, err := c.doRequest(ctx, s.Index, "fetch_tool_usage", req, s.Logging, logger)
	if err != nil {
		return slot.ToolUsageTotals{}, err
	}

	var env toolUsageEnvelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil {
		return slot.ToolUsageTotals{}, parseErr(jsonErr)
	}
	return slot.ToolUsageTotals{
		NetworkSearchCount: env.Data.TotalUsage.TotalNetworkSearchCount,
		WebReadMCPCount:    env.Data.TotalUsage.TotalWebReadMcpCount,
		ZreadMCPCount:      env.Data.TotalUsage.TotalZreadMcpCount,
		SearchMCPCount:     env.Data.TotalUsage.TotalSearchMcpCount,
	}, nil
}

// SendWake POSTs the minimal chat-completion body. A 2xx response means
// the gateway accepted it; it does not by itself confirm the quota timer
// advanced (spec §4.1).
func (c *Client) SendWake(ctx context.Context, s Slot, logger Logger) error {
	rawURL, err := c.rewriteForDebug(s.WakeURL)
	if err != nil {
		return parseErr(err)
	}

	payload, err := json.Marshal(newWakeBody())
	if err != nil {
		return parseErr(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return networkErr(err)
	}
	setCommonHeaders(req, s.Token)

	_, err = c.doRequest(ctx, s.Index, "send_wake", req, s.Logging, logger)
	return err
}

func appendTimeRange(rawURL string, start, end time.Time) string {
	const layout = "2006-01-02 15:04:05"
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sstartTime=%s&endTime=%s", rawURL, sep,
		url.QueryEscape(start.Format(layout)), url.QueryEscape(end.Format(layout)))
}
