package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventKind int

const (
	EventSnapshotUpdate EventKind = iota
	EventSignalEmitted
	EventStateTransition
	EventTradeOpened
	EventTradeClosed
	EventRebalanced
	EventRiskTripped
	EventReversalAlert
	EventPaused
	EventResumed
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshotUpdate:
		return "SnapshotUpdate"
	case EventSignalEmitted:
		return "SignalEmitted"
	case EventStateTransition:
		return "StateTransition"
	case EventTradeOpened:
		return "TradeOpened"
	case EventTradeClosed:
		return "TradeClosed"
	case EventRebalanced:
		return "Rebalanced"
	case EventRiskTripped:
		return "RiskTripped"
	case EventReversalAlert:
		return "ReversalAlert"
	case EventPaused:
		return "Paused"
	case EventResumed:
		return "Resumed"
	default:
		return "Unknown"
	}
}

// Event is one structured occurrence. Seq is monotone per bus.
type Event struct {
	Seq    uint64
	Kind   EventKind
	At     time.Time
	Detail string
	Fields map[string]any
}

// Sink consumes events. Implementations must not block.
type Sink interface {
	Consume(Event)
}

// Bus assigns sequence numbers and fans events out to sinks and
// subscriber channels. Slow subscribers drop.
type Bus struct {
	seq atomic.Uint64

	mu    sync.Mutex
	sinks []Sink
	subs  []chan Event
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Attach(sink Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) Publish(kind EventKind, at time.Time, detail string, fields map[string]any) Event {
	ev := Event{
		Seq:    b.seq.Add(1),
		Kind:   kind,
		At:     at,
		Detail: detail,
		Fields: fields,
	}
	b.mu.Lock()
	sinks := append([]Sink(nil), b.sinks...)
	subs := append([]chan Event(nil), b.subs...)
	b.mu.Unlock()
	for _, sink := range sinks {
		sink.Consume(ev)
	}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}
