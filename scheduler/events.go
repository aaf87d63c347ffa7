package scheduler

import "time"

// Event is one fire-and-forget notification the core pushes upward
// (spec §6 "Events emitted to the front-end").
type Event struct {
	Name      string
	SlotIndex int
	At        time.Time
	Payload   map[string]interface{}
}

const (
	EventQuotaUpdated     = "quota-updated"
	EventMonitoringChange = "monitoring-changed"
	EventWakeConfirmed    = "wake-confirmed"
)

// EventEmitter is the injected collaborator SchedulerManager and its
// tasks push events through; no process-wide singleton (spec §9 "Ambient
// global state -> injected collaborators").
type EventEmitter interface {
	Emit(Event)
}

// ChannelEmitter fans events out over a buffered Go channel — the
// always-on sink every Manager is constructed with. zwarmd's websocket
// hub (eventbus.Hub) subscribes to this channel; it is never required
// for the core to function (spec §9 "Websocket hub as optional event
// sink").
type ChannelEmitter struct {
	ch chan Event
}

// NewChannelEmitter creates an emitter with the given buffer size.
// Events are dropped, not blocked on, once the buffer is full — a slow
// or absent subscriber must never stall the scheduler loops.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	return &ChannelEmitter{ch: make(chan Event, buffer)}
}

func (e *ChannelEmitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
	}
}

// Events returns the read side of the channel.
func (e *ChannelEmitter) Events() <-chan Event { return e.ch }

// NopEmitter discards every event; used in tests that don't assert on
// the event stream.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}
