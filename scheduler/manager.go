// Package scheduler implements the per-slot dual-loop scheduler
// (WakeScheduler, QuotaPoller) and the process-wide SchedulerManager
// that supervises them. Grounded on the teacher's control_plane/scheduler/scheduler.go
// worker/poller dual-loop and coordination/leader.go's supervisory
// backoff-loop shape.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/glmwarm/zwarmd/apiclient"
	"github.com/glmwarm/zwarmd/clock"
	"github.com/glmwarm/zwarmd/observability"
	"github.com/glmwarm/zwarmd/slot"
)

// slotControl is the per-slot bundle of channels and handles
// SchedulerManager uses to start, signal, and stop one slot's
// WakeScheduler/QuotaPoller pair (spec §2 "control record";
// SPEC_FULL.md glossary).
type slotControl struct {
	cfg   slot.Config
	state *slot.State

	stopCh       chan struct{}
	wakeConfigCh chan configUpdate
	pollConfigCh chan configUpdate
	pollNowCh    chan struct{}
	wakeNowCh    chan struct{}

	wakeDone chan struct{}
	pollDone chan struct{}

	// generation is stamped when the pair is spawned and never touched
	// again; tests use it to assert a slot's tasks were never restarted
	// across a live reload (spec §8 scenario 6).
	generation int
}

// Manager is the process-wide SchedulerManager (spec §4.5).
type Manager struct {
	mu sync.RWMutex

	clk     clock.Clock
	api     ApiClient
	logger  apiclient.Logger
	emitter EventEmitter

	global     slot.GlobalConfig
	controls   map[int]*slotControl
	monitoring bool
	generation int
}

// New builds a Manager with the given collaborators. None of Clock,
// ApiClient, Logger, or EventEmitter are process-wide singletons; the
// caller wires production or fake implementations explicitly (spec §9
// "Ambient global state -> injected collaborators").
func New(clk clock.Clock, api ApiClient, logger apiclient.Logger, emitter EventEmitter, global slot.GlobalConfig) *Manager {
	if logger == nil {
		logger = apiclient.NopLogger{}
	}
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Manager{
		clk:      clk,
		api:      api,
		logger:   logger,
		emitter:  emitter,
		global:   global,
		controls: make(map[int]*slotControl),
	}
}

// Start spawns a WakeScheduler+QuotaPoller pair for every enabled slot
// in cfgs (spec §4.5 "start()"). Slots beyond slot.MaxSlots are ignored;
// the configuration store is responsible for truncation before this is
// ever called.
func (m *Manager) Start(cfgs []slot.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if len(m.controls) >= slot.MaxSlots {
			break
		}
		m.spawnLocked(cfg)
	}
	m.monitoring = true
	observability.MonitoringActive.Set(1)
	m.emitter.Emit(Event{Name: EventMonitoringChange, At: m.clk.Now(), Payload: map[string]interface{}{"monitoring": true}})
}

func (m *Manager) spawnLocked(cfg slot.Config) {
	st := slot.New()
	m.generation++
	ctl := &slotControl{
		cfg:          cfg,
		state:        st,
		stopCh:       make(chan struct{}),
		wakeConfigCh: make(chan configUpdate, 1),
		pollConfigCh: make(chan configUpdate, 1),
		pollNowCh:    make(chan struct{}, 1),
		wakeNowCh:    make(chan struct{}, 1),
		wakeDone:     make(chan struct{}),
		pollDone:     make(chan struct{}),
		generation:   m.generation,
	}
	m.controls[cfg.Index] = ctl

	wt := &wakeTask{
		clk: m.clk, api: m.api, logger: m.logger, emitter: m.emitter,
		state: st, cfg: cfg, glob: m.global,
		stopCh:    ctl.stopCh,
		configCh:  ctl.wakeConfigCh,
		pollNowCh: ctl.pollNowCh,
		wakeNowCh: ctl.wakeNowCh,
		done:      ctl.wakeDone,
	}
	qt := &quotaTask{
		clk: m.clk, api: m.api, logger: m.logger, emitter: m.emitter,
		state: st, cfg: cfg, glob: m.global,
		stopCh:    ctl.stopCh,
		configCh:  ctl.pollConfigCh,
		pollNowCh: ctl.pollNowCh,
		done:      ctl.pollDone,
	}
	go wt.run()
	go qt.run()
}

// Stop signals every control record's stop channel, awaits both task
// handles, and drops every SlotState (spec §4.5 "stop()"). Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	controls := m.controls
	m.controls = make(map[int]*slotControl)
	wasMonitoring := m.monitoring
	m.monitoring = false
	m.mu.Unlock()

	if !wasMonitoring && len(controls) == 0 {
		return
	}

	for _, ctl := range controls {
		close(ctl.stopCh)
	}
	for _, ctl := range controls {
		<-ctl.wakeDone
		<-ctl.pollDone
	}
	observability.MonitoringActive.Set(0)
	m.emitter.Emit(Event{Name: EventMonitoringChange, At: m.clk.Now(), Payload: map[string]interface{}{"monitoring": false}})
}

// ReloadIfRunning diffs slots against the running set: newly-enabled
// slots are spawned, newly-disabled slots are stopped, and slots whose
// config changed are pushed a fresh configUpdate on both of their
// channels without restarting either task (spec §4.5 "reloadIfRunning()",
// spec §8 invariant "preserves task identity for unchanged slots").
func (m *Manager) ReloadIfRunning(cfgs []slot.Config, global slot.GlobalConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.global = global

	seen := make(map[int]bool, len(cfgs))
	for _, cfg := range cfgs {
		seen[cfg.Index] = true
		ctl, running := m.controls[cfg.Index]

		switch {
		case cfg.Enabled && !running:
			m.spawnLocked(cfg)
		case !cfg.Enabled && running:
			m.stopSlotLocked(ctl)
			delete(m.controls, cfg.Index)
		case cfg.Enabled && running:
			ctl.cfg = cfg
			upd := configUpdate{slot: cfg, global: global}
			sendNonBlocking(ctl.wakeConfigCh, upd)
			sendNonBlocking(ctl.pollConfigCh, upd)
		}
	}

	for idx, ctl := range m.controls {
		if !seen[idx] {
			m.stopSlotLocked(ctl)
			delete(m.controls, idx)
		}
	}
}

func (m *Manager) stopSlotLocked(ctl *slotControl) {
	close(ctl.stopCh)
	<-ctl.wakeDone
	<-ctl.pollDone
}

func sendNonBlocking(ch chan configUpdate, upd configUpdate) {
	select {
	case ch <- upd:
	default:
		// A previous update hasn't been consumed yet; drain and replace
		// so the task always sees the latest config, never a stale one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- upd:
		default:
		}
	}
}

// WarmupSlot pushes a one-shot "wake now" request for one slot,
// coalescing with any already-pending external wake (spec §4.5
// "warmupSlot()").
func (m *Manager) WarmupSlot(index int) error {
	m.mu.RLock()
	ctl, ok := m.controls[index]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("scheduler: slot %d is not running", index)
	}
	select {
	case ctl.wakeNowCh <- struct{}{}:
	default:
	}
	return nil
}

// WarmupAll triggers WarmupSlot for every currently running slot.
func (m *Manager) WarmupAll() {
	m.mu.RLock()
	indices := make([]int, 0, len(m.controls))
	for idx := range m.controls {
		indices = append(indices, idx)
	}
	m.mu.RUnlock()

	for _, idx := range indices {
		_ = m.WarmupSlot(idx)
	}
}

// SlotSnapshot is one slot's runtime record (spec §4.5 "snapshot()").
type SlotSnapshot struct {
	Index      int
	Generation int
	State      slot.Snapshot
}

// ManagerSnapshot is the full runtime status (spec §6 "get_runtime_status").
type ManagerSnapshot struct {
	Monitoring bool
	Slots      []SlotSnapshot
}

// Snapshot reads every running slot's state under its own mutex; cheap,
// no I/O (spec §4.5 "snapshot()").
func (m *Manager) Snapshot() ManagerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clk.Now()
	out := ManagerSnapshot{Monitoring: m.monitoring}
	for idx, ctl := range m.controls {
		out.Slots = append(out.Slots, SlotSnapshot{
			Index:      idx,
			Generation: ctl.generation,
			State:      ctl.state.Snapshot(now),
		})
	}
	return out
}

// Monitoring reports whether Start has been called without a matching Stop.
func (m *Manager) Monitoring() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.monitoring
}
