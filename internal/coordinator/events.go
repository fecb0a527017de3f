package coordinator

import (
	"time"

	"github.com/YassineXScenery/lampsync/internal/shared"
)

type EventType string

const (
	EventModeChanged        EventType = "mode_changed"
	EventChannelChanged     EventType = "channel_changed"
	EventTransitionRejected EventType = "transition_rejected"
	EventButtonRejected     EventType = "button_rejected"
	EventRemoteApplied      EventType = "remote_applied"
	EventPeerDiscovered     EventType = "peer_discovered"
)

// Event is emitted for every observable change. Fields not relevant to the
// type are left empty.
type Event struct {
	Type         EventType          `json:"type"`
	Mode         shared.Mode        `json:"mode,omitempty"`
	PreviousMode shared.Mode        `json:"previous_mode,omitempty"`
	Protocol     shared.Protocol    `json:"protocol,omitempty"`
	Lamp         shared.LampState   `json:"lamp,omitempty"`
	Button       shared.ButtonState `json:"button,omitempty"`
	Source       string             `json:"source,omitempty"`
	Remote       bool               `json:"remote"`
	Peer         string             `json:"peer,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Subscribe returns a channel of events and a cancel func that closes it.
// Delivery never blocks the coordinator: when the buffer is full the event
// is dropped for that subscriber.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var cancelled bool
	cancel := func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if cancelled {
			return
		}
		cancelled = true
		delete(c.subs, id)
		close(ch)
	}
	return ch, cancel
}

func (c *Coordinator) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.metrics.RecordEventDropped()
		}
	}
}
