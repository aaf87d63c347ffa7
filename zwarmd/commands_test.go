package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glmwarm/zwarmd/apiclient"
	"github.com/glmwarm/zwarmd/clock"
	"github.com/glmwarm/zwarmd/config"
	"github.com/glmwarm/zwarmd/mockprovider"
	"github.com/glmwarm/zwarmd/scheduler"
	"github.com/glmwarm/zwarmd/slot"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func newTestSlot(mock *mockprovider.Server, index int) slot.Config {
	base := mock.BaseURL()
	return slot.Config{
		Index:               index,
		Enabled:             true,
		PollIntervalMinutes: 5,
		QuotaURL:            base + "/api/monitor/usage/quota/limit",
		WakeURL:             base + "/api/coding/paas/v4/chat/completions",
		ModelUsageURL:       base + "/api/monitor/usage/model-usage",
		ToolUsageURL:        base + "/api/monitor/usage/tool-usage",
		Token:               "tok",
	}
}

func newTestCommands(t *testing.T, doc slot.Document) (*Commands, *mockprovider.Server) {
	t.Helper()
	mock := mockprovider.New()
	t.Cleanup(mock.Close)

	for i := range doc.Slots {
		if doc.Slots[i].QuotaURL != "" {
			// The caller already pointed this slot at its own mock.
			continue
		}
		base := mock.BaseURL()
		doc.Slots[i].QuotaURL = base + "/api/monitor/usage/quota/limit"
		doc.Slots[i].WakeURL = base + "/api/coding/paas/v4/chat/completions"
		doc.Slots[i].ModelUsageURL = base + "/api/monitor/usage/model-usage"
		doc.Slots[i].ToolUsageURL = base + "/api/monitor/usage/tool-usage"
	}

	store := config.New(filepath.Join(t.TempDir(), "config.json"))
	saved, err := store.Save(doc)
	require.NoError(t, err)

	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	api := apiclient.New()
	mgr := scheduler.New(clk, api, apiclient.NopLogger{}, scheduler.NopEmitter{}, saved.Global)
	cmds := NewCommands(store, mgr, api, clk, apiclient.NopLogger{})
	t.Cleanup(cmds.StopMonitoring)
	return cmds, mock
}

func TestLoadSettings_ReturnsNormalizedDocument(t *testing.T) {
	cmds, _ := newTestCommands(t, slot.Document{
		Global: slot.DefaultGlobalConfig(),
		Slots:  []slot.Config{{Index: 0, Enabled: true, PollIntervalMinutes: 5, Token: "tok"}},
	})
	doc, err := cmds.LoadSettings()
	require.NoError(t, err)
	require.Equal(t, 1, doc.ConfigVersion)
}

func TestSaveSettings_AppliesToRunningManagerWithoutRestart(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()
	reset := time.Now().Add(3 * time.Hour).UnixMilli()
	mock.SetNextReset(reset)

	doc := slot.Document{
		Global: slot.DefaultGlobalConfig(),
		Slots:  []slot.Config{newTestSlot(mock, 0)},
	}
	cmds, _ := newTestCommands(t, doc)

	loaded, err := cmds.LoadSettings()
	require.NoError(t, err)
	require.NoError(t, cmds.StartMonitoring())

	waitFor(t, func() bool {
		return cmds.GetRuntimeStatus().Monitoring && len(cmds.GetRuntimeStatus().Slots) == 1
	})

	before := cmds.GetRuntimeStatus().Slots[0].Generation

	loaded.Slots[0].PollIntervalMinutes = 10
	saved, err := cmds.SaveSettings(loaded)
	require.NoError(t, err)
	require.Equal(t, 10, saved.Slots[0].PollIntervalMinutes)

	after := cmds.GetRuntimeStatus().Slots[0].Generation
	require.Equal(t, before, after, "unchanged slot's tasks must not be restarted by a reload")
}

func TestWarmupSlot_TriggersWakeAgainstMockProvider(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()
	reset := time.Now().Add(3 * time.Hour).UnixMilli()
	mock.SetNextReset(reset)

	doc := slot.Document{
		Global: slot.DefaultGlobalConfig(),
		Slots:  []slot.Config{newTestSlot(mock, 0)},
	}
	cmds, _ := newTestCommands(t, doc)
	require.NoError(t, cmds.StartMonitoring())

	waitFor(t, func() bool { return len(cmds.GetRuntimeStatus().Slots) == 1 })

	require.NoError(t, cmds.WarmupSlot(0))
	waitFor(t, func() bool { return mock.WakeCalls >= 1 })
}

func TestWarmupSlot_UnknownSlotReturnsError(t *testing.T) {
	cmds, _ := newTestCommands(t, slot.Document{Global: slot.DefaultGlobalConfig()})
	require.Error(t, cmds.WarmupSlot(99))
}

func TestFetchSlotStats_ReadsDirectlyFromProvider(t *testing.T) {
	mock := mockprovider.New()
	defer mock.Close()
	mock.Level = "pro"
	reset := time.Now().Add(1 * time.Hour).UnixMilli()
	mock.SetNextReset(reset)
	mock.ModelCalls, mock.ModelTokens = 12, 3400
	mock.ToolNetworkSearch = 5

	doc := slot.Document{
		Global: slot.DefaultGlobalConfig(),
		Slots:  []slot.Config{newTestSlot(mock, 0)},
	}
	cmds, _ := newTestCommands(t, doc)
	_, err := cmds.LoadSettings()
	require.NoError(t, err)

	stats, err := cmds.FetchSlotStats(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "pro", stats.Level)
	require.Equal(t, int64(12), stats.ModelUsage24h.TotalCalls)
	require.Equal(t, int64(3400), stats.ModelUsage24h.TotalTokens)
	require.Equal(t, int64(5), stats.ToolUsage24h.NetworkSearchCount)
}
