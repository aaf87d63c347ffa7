package apiclient_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/glmwarm/zwarmd/apiclient"
	"github.com/glmwarm/zwarmd/mockprovider"
	"github.com/glmwarm/zwarmd/slot"
	"github.com/stretchr/testify/require"
)

func newSlot(mock *mockprovider.Server, index int) apiclient.Slot {
	base := mock.BaseURL()
	return apiclient.Slot{
		Index:         index,
		Token:         "tok-" + string(rune('0'+index)),
		QuotaURL:      base + "/api/monitor/usage/quota/limit",
		WakeURL:       base + "/api/coding/paas/v4/chat/completions",
		ModelUsageURL: base + "/api/monitor/usage/model-usage",
		ToolUsageURL:  base + "/api/monitor/usage/tool-usage",
		Logging:       false,
	}
}

func TestFetchQuota_PicksTokensLimitEntry(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()
	mock.Level = "lite"
	mock.Limits = []mockprovider.Limit{
		{Type: "CALLS_LIMIT", Unit: "CALLS", Percentage: 10},
	}
	reset := time.Now().Add(3 * time.Hour).UnixMilli()
	mock.SetNextReset(reset)
	// Overwrite the appended TOKENS_LIMIT's percentage via direct mutation.
	for i := range mock.Limits {
		if mock.Limits[i].Type == "TOKENS_LIMIT" {
			mock.Limits[i].Percentage = 42
		}
	}

	c := apiclient.New(apiclient.WithDebugMode(mock.BaseURL()))
	obs, err := c.FetchQuota(context.Background(), newSlot(mock, 0), apiclient.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, obs.Percentage)
	require.Equal(t, int64(42), *obs.Percentage)
	require.NotNil(t, obs.NextResetEpochMS)
	require.Equal(t, reset, *obs.NextResetEpochMS)
	require.Equal(t, "lite", obs.Level)
	require.False(t, obs.Cold)
	require.Equal(t, 1, mock.QuotaCalls)
}

func TestFetchQuota_ColdWhenNoResetTime(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()
	mock.Limits = []mockprovider.Limit{{Type: "TOKENS_LIMIT", Unit: "TOKENS", Percentage: 0}}

	c := apiclient.New(apiclient.WithDebugMode(mock.BaseURL()))
	obs, err := c.FetchQuota(context.Background(), newSlot(mock, 0), apiclient.NopLogger{})
	require.NoError(t, err)
	require.True(t, obs.Cold)
	require.Nil(t, obs.NextResetEpochMS)
}

func TestFetchQuota_FallsBackToFirstEntryWhenNoTokensLimit(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()
	mock.Limits = []mockprovider.Limit{{Type: "CALLS_LIMIT", Unit: "CALLS", Percentage: 77}}

	c := apiclient.New(apiclient.WithDebugMode(mock.BaseURL()))
	obs, err := c.FetchQuota(context.Background(), newSlot(mock, 0), apiclient.NopLogger{})
	require.NoError(t, err)
	require.Equal(t, int64(77), *obs.Percentage)
}

func TestFetchQuota_HTTPErrorStatus(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()
	mock.QuotaStatus = http.StatusTooManyRequests

	c := apiclient.New(apiclient.WithDebugMode(mock.BaseURL()))
	_, err := c.FetchQuota(context.Background(), newSlot(mock, 0), apiclient.NopLogger{})
	require.Error(t, err)
	var apiErr *apiclient.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apiclient.ErrHTTPStatus, apiErr.Kind)
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
}

func TestFetchModelUsage(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()
	mock.ModelCalls = 12
	mock.ModelTokens = 3400

	c := apiclient.New(apiclient.WithDebugMode(mock.BaseURL()))
	totals, err := c.FetchModelUsage(context.Background(), newSlot(mock, 1), slot.Window5h, time.Now(), apiclient.NopLogger{})
	require.NoError(t, err)
	require.Equal(t, int64(12), totals.TotalCalls)
	require.Equal(t, int64(3400), totals.TotalTokens)
}

func TestFetchToolUsage(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()
	mock.ToolNetworkSearch = 1
	mock.ToolWebReadMCP = 2
	mock.ToolZreadMCP = 3
	mock.ToolSearchMCP = 4

	c := apiclient.New(apiclient.WithDebugMode(mock.BaseURL()))
	totals, err := c.FetchToolUsage(context.Background(), newSlot(mock, 0), slot.Window24h, time.Now(), apiclient.NopLogger{})
	require.NoError(t, err)
	require.Equal(t, int64(1), totals.NetworkSearchCount)
	require.Equal(t, int64(2), totals.WebReadMCPCount)
	require.Equal(t, int64(3), totals.ZreadMCPCount)
	require.Equal(t, int64(4), totals.SearchMCPCount)
}

func TestSendWake(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()

	c := apiclient.New(apiclient.WithDebugMode(mock.BaseURL()))
	err := c.SendWake(context.Background(), newSlot(mock, 0), apiclient.NopLogger{})
	require.NoError(t, err)
	require.Equal(t, 1, mock.WakeCalls)
}

func TestSendWake_HTTPError(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()
	mock.WakeStatus = http.StatusInternalServerError

	c := apiclient.New(apiclient.WithDebugMode(mock.BaseURL()))
	err := c.SendWake(context.Background(), newSlot(mock, 0), apiclient.NopLogger{})
	require.Error(t, err)
}

func TestFetchQuota_RewritesKnownProviderHostInDebugMode(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()
	mock.Level = "pro"
	mock.Limits = []mockprovider.Limit{{Type: "TOKENS_LIMIT", Unit: "TOKENS", Percentage: 33}}

	c := apiclient.New(apiclient.WithDebugMode(mock.BaseURL()))
	s := apiclient.Slot{
		Index:         0,
		Token:         "tok-0",
		QuotaURL:      "https://api.z.ai/api/monitor/usage/quota/limit",
		WakeURL:       "https://api.z.ai/api/coding/paas/v4/chat/completions",
		ModelUsageURL: "https://api.z.ai/api/monitor/usage/model-usage",
		ToolUsageURL:  "https://api.z.ai/api/monitor/usage/tool-usage",
	}

	obs, err := c.FetchQuota(context.Background(), s, apiclient.NopLogger{})
	require.NoError(t, err)
	require.Equal(t, 1, mock.QuotaCalls)
	require.Equal(t, "pro", obs.Level)
	require.NotNil(t, obs.Percentage)
	require.Equal(t, int64(33), *obs.Percentage)
}

type recordingLogger struct {
	entries []apiclient.LogEntry
}

func (r *recordingLogger) Log(e apiclient.LogEntry) { r.entries = append(r.entries, e) }

func TestDoRequest_LogsRequestAndResponseWhenEnabled(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()
	mock.Limits = []mockprovider.Limit{{Type: "TOKENS_LIMIT", Percentage: 5}}

	c := apiclient.New(apiclient.WithDebugMode(mock.BaseURL()))
	s := newSlot(mock, 0)
	s.Logging = true
	logger := &recordingLogger{}

	_, err := c.FetchQuota(context.Background(), s, logger)
	require.NoError(t, err)
	require.Len(t, logger.entries, 2)
	require.Equal(t, "request", logger.entries[0].Phase)
	require.Equal(t, "response", logger.entries[1].Phase)
	require.Equal(t, logger.entries[0].FlowID, logger.entries[1].FlowID)
}
