// Package coordinator owns the node's lamp state. Local actuation is
// validated, persisted and then broadcast; remote updates are applied under
// the same lock.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YassineXScenery/lampsync/internal/metrics"
	"github.com/YassineXScenery/lampsync/internal/pwf"
	"github.com/YassineXScenery/lampsync/internal/shared"
	"github.com/YassineXScenery/lampsync/internal/storage"
)

// SignalStore is the persisted signal history the coordinator reads at
// startup and writes on every accepted change.
type SignalStore interface {
	CurrentStates(ctx context.Context, p shared.Protocol) (storage.ChannelRecord, error)
	UpdateStates(ctx context.Context, p shared.Protocol, lamp shared.LampState, button shared.ButtonState, source string) error
	ActiveMode(ctx context.Context) (shared.Mode, uint64, error)
	SetActiveMode(ctx context.Context, mode shared.Mode, version uint64, source string) error
	AppendSignalLog(ctx context.Context, name, value, source string, p shared.Protocol) error
}

// ModeChangeApplier is implemented by stores that can write a mode change
// and its channel rewrites in one transaction.
type ModeChangeApplier interface {
	ApplyModeChange(ctx context.Context, change storage.ModeChange) error
}

// Broadcaster sends a state update to every peer.
type Broadcaster interface {
	Broadcast(msg *shared.Message) bool
}

type Channel struct {
	Lamp   shared.LampState   `json:"lamp"`
	Button shared.ButtonState `json:"button"`
}

var idleChannel = Channel{Lamp: shared.LampOff, Button: shared.ButtonNotPressed}

// State is a point-in-time copy of the coordinator state.
type State struct {
	Mode        shared.Mode                 `json:"mode"`
	ModeVersion uint64                      `json:"mode_version"`
	Channels    map[shared.Protocol]Channel `json:"channels"`
	Focus       shared.Protocol             `json:"focus"`
	Seq         uint64                      `json:"seq"`
	Offline     bool                        `json:"offline"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

type state struct {
	mode        shared.Mode
	modeVersion uint64
	channels    map[shared.Protocol]Channel
	focus       shared.Protocol
	seq         uint64
	updatedAt   time.Time
}

type Config struct {
	SelfID string
	// PersistRemote writes adopted remote changes back to the store.
	PersistRemote bool
}

type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type Coordinator struct {
	cfg     Config
	store   SignalStore
	applier ModeChangeApplier
	bc      Broadcaster
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	state state

	// Held from snapshot to send so peers see broadcasts in commit order.
	sendMu sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New builds a coordinator. A nil store runs the node offline: changes apply
// in memory only. A nil broadcaster disables outbound sync.
func New(cfg Config, store SignalStore, bc Broadcaster, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		store:  store,
		bc:     bc,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		subs:   make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	if applier, ok := store.(ModeChangeApplier); ok {
		c.applier = applier
	}

	c.state = state{
		mode:     shared.ModePark,
		channels: make(map[shared.Protocol]Channel, len(shared.Protocols)),
		focus:    shared.ProtocolCAN,
		// Seeded from the clock so a restarted node does not reuse sequence
		// numbers still held in peers' duplicate filters.
		seq: uint64(c.now().UnixNano()),
	}
	for _, p := range shared.Protocols {
		c.state.channels[p] = idleChannel
	}
	return c
}

func (c *Coordinator) SelfID() string {
	return c.cfg.SelfID
}

// Offline reports whether the coordinator runs without a store.
func (c *Coordinator) Offline() bool {
	return c.store == nil
}

// LoadInitialState reads the active mode and every channel from the store.
// Lamps are re-derived from the loaded mode and button. Without a store the
// defaults {Park, off, not pressed} stand.
func (c *Coordinator) LoadInitialState(ctx context.Context) error {
	if c.store == nil {
		c.logger.Info("no signal store, starting from defaults")
		c.publishGauges()
		return nil
	}

	mode, version, err := c.store.ActiveMode(ctx)
	if err != nil {
		return &PersistenceError{Op: "load_mode", Err: err}
	}

	channels := make(map[shared.Protocol]Channel, len(shared.Protocols))
	var latest time.Time
	for _, p := range shared.Protocols {
		rec, err := c.store.CurrentStates(ctx, p)
		if err != nil {
			return &PersistenceError{Op: "load_channel", Err: err}
		}
		pressed := rec.Button == shared.ButtonPressed
		channels[p] = Channel{
			Lamp:   pwf.DeriveLampState(mode, pressed, rec.Lamp),
			Button: rec.Button,
		}
		if rec.ChangedAt.After(latest) {
			latest = rec.ChangedAt
		}
	}

	c.mu.Lock()
	c.state.mode = mode
	c.state.modeVersion = version
	c.state.channels = channels
	c.state.updatedAt = latest
	c.mu.Unlock()

	c.logger.Info("loaded initial state",
		zap.String("mode", string(mode)),
		zap.Uint64("mode_version", version))
	c.publishGauges()
	return nil
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() State {
	channels := make(map[shared.Protocol]Channel, len(c.state.channels))
	for p, ch := range c.state.channels {
		channels[p] = ch
	}
	return State{
		Mode:        c.state.mode,
		ModeVersion: c.state.modeVersion,
		Channels:    channels,
		Focus:       c.state.focus,
		Seq:         c.state.seq,
		Offline:     c.store == nil,
		UpdatedAt:   c.state.updatedAt,
	}
}

// ToggleButton flips the button of protocol p. Outside Warning and Flash the
// button is disabled and ErrButtonDisabled is returned.
func (c *Coordinator) ToggleButton(ctx context.Context, p shared.Protocol) (Channel, error) {
	if !p.Valid() {
		return Channel{}, fmt.Errorf("%w: %q", shared.ErrUnknownProtocol, p)
	}

	c.mu.Lock()
	mode := c.state.mode
	if pwf.ForcesLampOff(mode) {
		c.mu.Unlock()
		c.logger.Warn("button press ignored, button disabled",
			zap.String("protocol", string(p)),
			zap.String("mode", mode.Name()))
		c.emit(Event{Type: EventButtonRejected, Mode: mode, Protocol: p, Source: c.cfg.SelfID, Reason: ErrButtonDisabled.Error()})
		return Channel{}, ErrButtonDisabled
	}

	prev := c.state.channels[p]
	button := prev.Button.Toggle()
	next := Channel{
		Lamp:   pwf.DeriveLampState(mode, button == shared.ButtonPressed, prev.Lamp),
		Button: button,
	}

	if c.store != nil {
		if err := c.store.UpdateStates(ctx, p, next.Lamp, next.Button, c.cfg.SelfID); err != nil {
			c.mu.Unlock()
			c.metrics.RecordPersistenceError("update_states")
			c.logger.Error("button change not persisted, state unchanged",
				zap.String("protocol", string(p)),
				zap.Error(err))
			return prev, &PersistenceError{Op: "update_states", Err: err}
		}
	}

	c.state.channels[p] = next
	c.state.focus = p
	c.state.updatedAt = c.now()
	c.metrics.SetLamp(string(p), next.Lamp == shared.LampOn)
	c.emit(Event{Type: EventChannelChanged, Mode: mode, Protocol: p, Lamp: next.Lamp, Button: next.Button, Source: c.cfg.SelfID})

	c.logger.Info("button toggled",
		zap.String("protocol", string(p)),
		zap.String("button", string(next.Button)),
		zap.String("lamp", string(next.Lamp)))

	c.broadcastAndUnlock()
	return next, nil
}

// ChangeMode requests a mode transition. Rejected transitions return a
// *pwf.TransitionError and change nothing. Entering Park or StandBy resets
// every channel to {off, not pressed}; entering Warning or Flash re-derives
// each lamp from its button.
func (c *Coordinator) ChangeMode(ctx context.Context, to shared.Mode) (State, error) {
	c.mu.Lock()
	from := c.state.mode

	next, err := pwf.AttemptTransition(from, to)
	if err != nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.metrics.RecordTransition(string(from), string(to), "rejected")
		c.logger.Warn("mode transition rejected",
			zap.String("from", from.Name()),
			zap.String("to", to.Name()))
		c.emit(Event{Type: EventTransitionRejected, Mode: to, PreviousMode: from, Source: c.cfg.SelfID, Reason: err.Error()})
		return snap, err
	}

	version := c.state.modeVersion + 1
	writes := c.rederiveLocked(next)

	if c.store != nil {
		if err := c.persistModeChange(ctx, storage.ModeChange{
			Mode:     next,
			Version:  version,
			Source:   c.cfg.SelfID,
			Channels: writes,
		}); err != nil {
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.metrics.RecordPersistenceError("mode_change")
			c.logger.Error("mode change not persisted, state unchanged",
				zap.String("from", from.Name()),
				zap.String("to", next.Name()),
				zap.Error(err))
			return snap, &PersistenceError{Op: "mode_change", Err: err}
		}
	}

	c.state.mode = next
	c.state.modeVersion = version
	c.state.updatedAt = c.now()
	c.metrics.RecordTransition(string(from), string(next), "accepted")
	c.emit(Event{Type: EventModeChanged, Mode: next, PreviousMode: from, Source: c.cfg.SelfID})
	c.applyWritesLocked(writes, c.cfg.SelfID, false)
	c.publishGaugesLocked()

	c.logger.Info("mode changed",
		zap.String("from", from.Name()),
		zap.String("to", next.Name()),
		zap.Uint64("mode_version", version),
		zap.Int("channels_rewritten", len(writes)))

	snap := c.snapshotLocked()
	c.broadcastAndUnlock()
	return snap, nil
}

// rederiveLocked lists the channel values that change when mode becomes m.
func (c *Coordinator) rederiveLocked(m shared.Mode) []storage.ChannelWrite {
	var writes []storage.ChannelWrite
	for _, p := range shared.Protocols {
		ch := c.state.channels[p]
		next := idleChannel
		if !pwf.ForcesLampOff(m) {
			next = Channel{
				Lamp:   pwf.DeriveLampState(m, ch.Button == shared.ButtonPressed, ch.Lamp),
				Button: ch.Button,
			}
		}
		if next != ch {
			writes = append(writes, storage.ChannelWrite{Protocol: p, Lamp: next.Lamp, Button: next.Button})
		}
	}
	return writes
}

func (c *Coordinator) applyWritesLocked(writes []storage.ChannelWrite, source string, remote bool) {
	for _, w := range writes {
		c.state.channels[w.Protocol] = Channel{Lamp: w.Lamp, Button: w.Button}
		c.emit(Event{
			Type:     EventChannelChanged,
			Mode:     c.state.mode,
			Protocol: w.Protocol,
			Lamp:     w.Lamp,
			Button:   w.Button,
			Source:   source,
			Remote:   remote,
		})
	}
}

func (c *Coordinator) persistModeChange(ctx context.Context, change storage.ModeChange) error {
	if c.applier != nil {
		return c.applier.ApplyModeChange(ctx, change)
	}
	if err := c.store.SetActiveMode(ctx, change.Mode, change.Version, change.Source); err != nil {
		return err
	}
	// The mode row is committed; channel rewrites are best effort from here.
	for _, w := range change.Channels {
		if err := c.store.UpdateStates(ctx, w.Protocol, w.Lamp, w.Button, change.Source); err != nil {
			c.metrics.RecordPersistenceError("mode_change_channels")
			c.logger.Warn("channel rewrite after mode change not persisted",
				zap.String("protocol", string(w.Protocol)),
				zap.Error(err))
		}
	}
	return nil
}

// HandleRemote applies a state update from a peer and reports whether local
// state changed. Messages from this node are ignored. The remote mode is
// adopted when its mode_version is newer (ties go to the larger source id);
// unversioned messages are always adopted. Fields are applied after the mode:
// buttons always, lamps only in Warning or Flash.
func (c *Coordinator) HandleRemote(msg *shared.Message) bool {
	if msg == nil || msg.Type != shared.MessageTypeStateUpdate {
		return false
	}
	if msg.Source == "" || msg.Source == c.cfg.SelfID {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	var persist []func(context.Context) error

	if msg.PwfState != "" && msg.PwfState != c.state.mode {
		if c.adoptRemoteMode(msg) {
			prev := c.state.mode
			c.state.mode = msg.PwfState
			if msg.ModeVersion > 0 {
				c.state.modeVersion = msg.ModeVersion
			}
			changed = true
			c.emit(Event{Type: EventModeChanged, Mode: msg.PwfState, PreviousMode: prev, Source: msg.Source, Remote: true})
			c.logger.Info("adopted remote mode",
				zap.String("from", prev.Name()),
				zap.String("to", msg.PwfState.Name()),
				zap.String("source", msg.Source),
				zap.Uint64("mode_version", msg.ModeVersion))

			mode, version, source := c.state.mode, c.state.modeVersion, msg.Source
			persist = append(persist, func(ctx context.Context) error {
				return c.store.SetActiveMode(ctx, mode, version, source)
			})
		} else {
			c.logger.Debug("ignoring stale remote mode",
				zap.String("remote_mode", string(msg.PwfState)),
				zap.Uint64("remote_version", msg.ModeVersion),
				zap.Uint64("local_version", c.state.modeVersion),
				zap.String("source", msg.Source))
		}
	} else if msg.PwfState == c.state.mode && msg.ModeVersion > c.state.modeVersion {
		c.state.modeVersion = msg.ModeVersion
	}

	mode := c.state.mode
	for _, p := range shared.Protocols {
		prev := c.state.channels[p]
		next := prev
		if b, ok := msg.Button(p); ok {
			next.Button = b
		}
		if pwf.PermitsLamp(mode) {
			if l, ok := msg.Lamp(p); ok {
				next.Lamp = l
			}
		} else {
			next.Lamp = shared.LampOff
		}
		if next == prev {
			continue
		}

		c.applyWritesLocked([]storage.ChannelWrite{{Protocol: p, Lamp: next.Lamp, Button: next.Button}}, msg.Source, true)
		changed = true

		source := msg.Source
		if next.Lamp != prev.Lamp {
			lamp := next.Lamp
			persist = append(persist, func(ctx context.Context) error {
				return c.store.AppendSignalLog(ctx, shared.LampSignal(p), string(lamp), source, p)
			})
		}
		if next.Button != prev.Button {
			button := next.Button
			persist = append(persist, func(ctx context.Context) error {
				return c.store.AppendSignalLog(ctx, shared.ButtonSignal(p), string(button), source, p)
			})
		}
	}

	if msg.Protocol.Valid() {
		c.state.focus = msg.Protocol
	}
	if !changed {
		return false
	}

	c.state.updatedAt = c.now()
	c.metrics.RecordRemoteApplied()
	c.publishGaugesLocked()
	c.emit(Event{Type: EventRemoteApplied, Mode: c.state.mode, Protocol: msg.Protocol, Source: msg.Source, Remote: true})

	if c.store != nil && c.cfg.PersistRemote {
		ctx := context.Background()
		for _, write := range persist {
			if err := write(ctx); err != nil {
				c.metrics.RecordPersistenceError("remote_write_back")
				c.logger.Warn("remote change write-back failed", zap.String("source", msg.Source), zap.Error(err))
			}
		}
	}
	return true
}

func (c *Coordinator) adoptRemoteMode(msg *shared.Message) bool {
	switch {
	case msg.ModeVersion == 0:
		return true
	case msg.ModeVersion > c.state.modeVersion:
		return true
	case msg.ModeVersion == c.state.modeVersion:
		return msg.Source > c.cfg.SelfID
	}
	return false
}

// NotifyPeerDiscovered publishes a peer_discovered event.
func (c *Coordinator) NotifyPeerDiscovered(addr netip.AddrPort, source string) {
	c.emit(Event{Type: EventPeerDiscovered, Peer: addr.String(), Source: source, Remote: true})
}

// broadcastAndUnlock builds the outgoing snapshot under c.mu, releases it,
// and sends while holding sendMu so broadcasts leave in commit order.
func (c *Coordinator) broadcastAndUnlock() bool {
	if c.bc == nil {
		c.mu.Unlock()
		return false
	}
	msg := c.messageLocked()
	c.sendMu.Lock()
	c.mu.Unlock()
	defer c.sendMu.Unlock()

	if !c.bc.Broadcast(msg) {
		c.logger.Warn("state update not broadcast, peers may be stale", zap.Uint64("seq", msg.Seq))
		return false
	}
	return true
}

func (c *Coordinator) messageLocked() *shared.Message {
	c.state.seq++
	msg := &shared.Message{
		Type:        shared.MessageTypeStateUpdate,
		PwfState:    c.state.mode,
		Protocol:    c.state.focus,
		Source:      c.cfg.SelfID,
		Timestamp:   c.now().Format(time.RFC3339Nano),
		Seq:         c.state.seq,
		ModeVersion: c.state.modeVersion,
		Version:     shared.ProtocolVersion,
	}
	for _, p := range shared.Protocols {
		ch := c.state.channels[p]
		msg.SetChannel(p, ch.Lamp, ch.Button)
	}
	return msg
}

func (c *Coordinator) publishGauges() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishGaugesLocked()
}

func (c *Coordinator) publishGaugesLocked() {
	if c.metrics == nil {
		return
	}
	modes := make([]string, len(shared.Modes))
	for i, m := range shared.Modes {
		modes[i] = string(m)
	}
	c.metrics.SetMode(string(c.state.mode), modes)
	for p, ch := range c.state.channels {
		c.metrics.SetLamp(string(p), ch.Lamp == shared.LampOn)
	}
}

// IsPersistenceError reports whether err came from a failed store write.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
