package storage

import (
	"time"

	"github.com/YassineXScenery/lampsync/internal/shared"
)

// ChannelRecord is the latest persisted lamp/button pair for one protocol.
// ChangedAt is zero when no rows exist.
type ChannelRecord struct {
	Lamp      shared.LampState
	Button    shared.ButtonState
	ChangedAt time.Time
}

// ModeChange is a mode switch plus the channel values it rewrites (forced
// resets, re-derived lamps), written in one transaction.
type ModeChange struct {
	Mode     shared.Mode
	Version  uint64
	Source   string
	Channels []ChannelWrite
}

type ChannelWrite struct {
	Protocol shared.Protocol
	Lamp     shared.LampState
	Button   shared.ButtonState
}

// SignalRecord is one row of the signal log.
type SignalRecord struct {
	ID        int64     `json:"id"`
	Name      string    `json:"signal_name"`
	Value     string    `json:"value"`
	Source    string    `json:"source"`
	Protocol  string    `json:"protocol"`
	Timestamp time.Time `json:"timestamp"`
}
