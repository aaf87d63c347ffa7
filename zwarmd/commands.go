// The command surface is implemented once, here, as a plain Go API
// (zwarmd.Commands) and consumed directly by both the cobra CLI
// (cli.go) and tests — no network transport, per SPEC_FULL.md §6's
// "thin front-end" framing.
package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/glmwarm/zwarmd/apiclient"
	"github.com/glmwarm/zwarmd/clock"
	"github.com/glmwarm/zwarmd/config"
	"github.com/glmwarm/zwarmd/scheduler"
	"github.com/glmwarm/zwarmd/slot"
)

// Commands implements the spec's front-end command table (§6): load/save
// settings, start/stop monitoring, runtime status, warmup, and on-demand
// stats.
type Commands struct {
	store *config.Store
	mgr   *scheduler.Manager
	api   scheduler.ApiClient
	clk   clock.Clock
	log   apiclient.Logger

	mu  sync.Mutex
	doc slot.Document
}

// NewCommands wires a Commands instance. api/clk/log are the same
// collaborators handed to scheduler.New so manual fetch_slot_stats
// calls observe the same debug-mode rewriting and rate limiting as the
// scheduler's own requests.
func NewCommands(store *config.Store, mgr *scheduler.Manager, api scheduler.ApiClient, clk clock.Clock, log apiclient.Logger) *Commands {
	return &Commands{store: store, mgr: mgr, api: api, clk: clk, log: log}
}

// LoadSettings returns the full persisted configuration value.
func (c *Commands) LoadSettings() (slot.Document, error) {
	doc, err := c.store.Load()
	if err != nil {
		return slot.Document{}, err
	}
	c.mu.Lock()
	c.doc = doc
	c.mu.Unlock()
	return doc, nil
}

// SaveSettings normalizes and persists doc, then applies it to the
// running scheduler (if monitoring) via ReloadIfRunning, returning the
// normalized value actually written (spec §6 "save_settings").
func (c *Commands) SaveSettings(doc slot.Document) (slot.Document, error) {
	saved, err := c.store.Save(doc)
	if err != nil {
		return slot.Document{}, err
	}
	c.mu.Lock()
	c.doc = saved
	c.mu.Unlock()

	if c.mgr.Monitoring() {
		c.mgr.ReloadIfRunning(saved.Slots, saved.Global)
	}
	return saved, nil
}

// StartMonitoring loads the current settings (if not already cached)
// and starts the scheduler manager (spec §6 "start_monitoring").
func (c *Commands) StartMonitoring() error {
	c.mu.Lock()
	doc := c.doc
	c.mu.Unlock()

	if doc.ConfigVersion == 0 {
		loaded, err := c.LoadSettings()
		if err != nil {
			return err
		}
		doc = loaded
	}

	c.mgr.Start(doc.Slots)
	return nil
}

// StopMonitoring stops the scheduler manager (spec §6 "stop_monitoring").
func (c *Commands) StopMonitoring() {
	c.mgr.Stop()
}

// Reload re-reads the persisted document from disk and, if monitoring
// is active, applies it via ReloadIfRunning. It is the `zwarmd reload`
// CLI command's implementation: an explicit re-read distinct from the
// fsnotify-driven reload config.Store.Watch performs automatically.
func (c *Commands) Reload() (slot.Document, error) {
	doc, err := c.LoadSettings()
	if err != nil {
		return slot.Document{}, err
	}
	if c.mgr.Monitoring() {
		c.mgr.ReloadIfRunning(doc.Slots, doc.Global)
	}
	return doc, nil
}

// GetRuntimeStatus returns the current runtime snapshot (spec §6
// "get_runtime_status").
func (c *Commands) GetRuntimeStatus() scheduler.ManagerSnapshot {
	return c.mgr.Snapshot()
}

// WarmupSlot triggers an immediate external wake for one slot (spec §6
// "warmup_slot").
func (c *Commands) WarmupSlot(index int) error {
	return c.mgr.WarmupSlot(index)
}

// WarmupAll triggers an immediate external wake for every running slot
// (spec §6 "warmup_all").
func (c *Commands) WarmupAll() {
	c.mgr.WarmupAll()
}

// SlotStats is fetch_slot_stats's output: a manual, on-demand snapshot
// of 24h usage independent of the scheduler's own 5h polling cadence
// (spec §6 "fetch_slot_stats").
type SlotStats struct {
	Level         string
	Limits        []slot.QuotaLimitEntry
	ModelUsage24h slot.UsageTotals
	ToolUsage24h  slot.ToolUsageTotals
}

// FetchSlotStats issues quota/model-usage/tool-usage fetches directly
// against the provider for one slot, bypassing the scheduler entirely
// (spec §6 "fetch_slot_stats": "manual on-demand fetch").
func (c *Commands) FetchSlotStats(ctx context.Context, index int) (SlotStats, error) {
	cfg, err := c.slotConfig(index)
	if err != nil {
		return SlotStats{}, err
	}
	s := toAPISlot(cfg)
	now := c.clk.Now()

	obs, err := c.api.FetchQuota(ctx, s, c.log)
	if err != nil {
		return SlotStats{}, fmt.Errorf("fetch_slot_stats: quota: %w", err)
	}
	modelUsage, err := c.api.FetchModelUsage(ctx, s, slot.Window24h, now, c.log)
	if err != nil {
		return SlotStats{}, fmt.Errorf("fetch_slot_stats: model usage: %w", err)
	}
	toolUsage, err := c.api.FetchToolUsage(ctx, s, slot.Window24h, now, c.log)
	if err != nil {
		return SlotStats{}, fmt.Errorf("fetch_slot_stats: tool usage: %w", err)
	}

	return SlotStats{
		Level:         obs.Level,
		Limits:        obs.Limits,
		ModelUsage24h: modelUsage,
		ToolUsage24h:  toolUsage,
	}, nil
}

// applyExternalReload is config.Store.Watch's callback: it adopts a
// document that changed on disk outside this process and, if
// monitoring is active, pushes it into the running scheduler the same
// way an explicit `zwarmd reload` would.
func (c *Commands) applyExternalReload(doc slot.Document) {
	c.mu.Lock()
	c.doc = doc
	c.mu.Unlock()

	if c.mgr.Monitoring() {
		c.mgr.ReloadIfRunning(doc.Slots, doc.Global)
	}
}

func (c *Commands) slotConfig(index int) (slot.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.doc.Slots {
		if s.Index == index {
			return s, nil
		}
	}
	return slot.Config{}, fmt.Errorf("fetch_slot_stats: slot %d is not configured", index)
}

func toAPISlot(cfg slot.Config) apiclient.Slot {
	return apiclient.Slot{
		Index:         cfg.Index,
		Token:         cfg.Token,
		QuotaURL:      cfg.QuotaURL,
		WakeURL:       cfg.WakeURL,
		ModelUsageURL: cfg.ModelUsageURL,
		ToolUsageURL:  cfg.ToolUsageURL,
		Logging:       cfg.Logging,
	}
}
