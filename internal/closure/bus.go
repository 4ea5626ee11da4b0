package closure

import (
	"sync"

	"lv-closure/internal/types"
)

type Event struct {
	Type      string            `json:"type"`
	AccountID string            `json:"account_id"`
	Phase     types.ClosureStep `json:"phase,omitempty"`
	Data      any               `json:"data,omitempty"`
}

const (
	EventPhaseChanged = "closure.phase_changed"
	EventTransfer     = "closure.transfer"
	EventCompleted    = "closure.completed"
	EventFailed       = "closure.failed"
)

// Bus fans closure progress out to websocket subscribers. Slow subscribers
// drop events rather than stall the runner.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 100)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}
