// Package transport moves sync datagrams between peers over UDP. It owns the
// data socket (state updates, unicast) and the discovery listener socket
// (discovery probes, answered in place).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/YassineXScenery/lampsync/internal/metrics"
	"github.com/YassineXScenery/lampsync/internal/shared"
)

// ErrSocketInit is wrapped by Start when the sockets cannot be opened.
var ErrSocketInit = errors.New("socket init failed")

// SendError reports a failed send to one peer. The peer is evicted.
type SendError struct {
	Peer netip.AddrPort
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Peer, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// PeerSet is the membership the transport fans out to and evicts from.
type PeerSet interface {
	List() []netip.AddrPort
	Remove(addr netip.AddrPort) bool
}

// Handler receives a decoded datagram and the address it came from.
type Handler func(msg *shared.Message, from netip.AddrPort)

type Config struct {
	SelfID string
	// BindAddr is the local interface both sockets bind to.
	BindAddr      netip.Addr
	Port          int
	DiscoveryPort int
	// AdvertiseAddr is the host announced in discovery responses. When
	// unset, the address routing back to the prober is used.
	AdvertiseAddr  netip.Addr
	SendTimeout    time.Duration
	ReceiveBackoff time.Duration
	StartRetries   int
	// StartBackoffMin and StartBackoffMax bound the wait between socket
	// open attempts.
	StartBackoffMin  time.Duration
	StartBackoffMax  time.Duration
	MaxDatagramBytes int
	DedupCacheSize   int
}

func (c *Config) applyDefaults() {
	if !c.BindAddr.IsValid() {
		c.BindAddr = netip.IPv4Unspecified()
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 500 * time.Millisecond
	}
	if c.ReceiveBackoff <= 0 {
		c.ReceiveBackoff = time.Second
	}
	if c.StartRetries <= 0 {
		c.StartRetries = 3
	}
	if c.StartBackoffMin <= 0 {
		c.StartBackoffMin = 200 * time.Millisecond
	}
	if c.StartBackoffMax < c.StartBackoffMin {
		c.StartBackoffMax = max(5*time.Second, c.StartBackoffMin)
	}
	if c.MaxDatagramBytes <= 0 {
		c.MaxDatagramBytes = shared.MaxDatagramSize
	}
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = 1024
	}
}

type Option func(*Transport)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithListenFunc replaces the socket constructor, mainly for tests.
func WithListenFunc(fn ListenFunc) Option {
	return func(t *Transport) { t.listen = fn }
}

// OnStateUpdate sets the handler for state updates that pass the echo and
// duplicate filters.
func OnStateUpdate(h Handler) Option {
	return func(t *Transport) { t.onState = h }
}

// OnDiscoveryResponse sets the handler for discovery responses that arrive on
// either socket.
func OnDiscoveryResponse(h Handler) Option {
	return func(t *Transport) { t.onDiscoveryResponse = h }
}

// OnEvict is called after a peer is dropped for a failed send.
func OnEvict(fn func(netip.AddrPort)) Option {
	return func(t *Transport) { t.onEvict = fn }
}

// Transport is the UDP update transport. Start is lazy and idempotent;
// Stop closes both sockets and waits for the receive loops.
type Transport struct {
	cfg     Config
	peers   PeerSet
	logger  *zap.Logger
	metrics *metrics.Metrics
	listen  ListenFunc
	retry   retrySchedule
	dedup   *lru.Cache[string, struct{}]

	onState             Handler
	onDiscoveryResponse Handler
	onEvict             func(netip.AddrPort)

	mu      sync.Mutex
	running bool
	stopped bool
	data    PacketConn
	disc    PacketConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sendMu sync.Mutex
}

func New(cfg Config, peers PeerSet, opts ...Option) (*Transport, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("transport: self id is required")
	}
	if peers == nil {
		return nil, errors.New("transport: peer set is required")
	}
	cfg.applyDefaults()

	t := &Transport{
		cfg:     cfg,
		peers:   peers,
		logger:  zap.NewNop(),
		listen:  ListenUDP,
		retry:   retrySchedule{Min: cfg.StartBackoffMin, Max: cfg.StartBackoffMax},
	}
	for _, opt := range opts {
		opt(t)
	}

	cache, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("transport: dedup cache: %w", err)
	}
	t.dedup = cache
	return t, nil
}

// Start opens both sockets and launches their receive loops. It makes up to
// StartRetries attempts before giving up with ErrSocketInit.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}
	t.stopped = false

	var lastErr error
	for attempt := 1; attempt <= t.cfg.StartRetries; attempt++ {
		data, disc, err := t.open()
		if err == nil {
			t.data, t.disc = data, disc
			lastErr = nil
			break
		}
		lastErr = err
		if attempt < t.cfg.StartRetries {
			wait := t.retry.delay(attempt)
			t.logger.Warn("transport socket open failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err))
			time.Sleep(wait)
		}
	}
	if lastErr != nil {
		t.logger.Error("transport disabled until next start", zap.Error(lastErr))
		return fmt.Errorf("%w: %v", ErrSocketInit, lastErr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.running = true

	t.wg.Add(2)
	go t.receiveLoop(ctx, t.data, "data")
	go t.receiveLoop(ctx, t.disc, "discovery")

	t.logger.Info("transport started",
		zap.String("data_addr", BoundAddr(t.data).String()),
		zap.String("discovery_addr", BoundAddr(t.disc).String()))
	return nil
}

func (t *Transport) open() (PacketConn, PacketConn, error) {
	ctx := context.Background()
	data, err := t.listen(ctx, netip.AddrPortFrom(t.cfg.BindAddr, uint16(t.cfg.Port)), false)
	if err != nil {
		return nil, nil, fmt.Errorf("bind data port %d: %w", t.cfg.Port, err)
	}
	disc, err := t.listen(ctx, netip.AddrPortFrom(t.cfg.BindAddr, uint16(t.cfg.DiscoveryPort)), true)
	if err != nil {
		data.Close()
		return nil, nil, fmt.Errorf("bind discovery port %d: %w", t.cfg.DiscoveryPort, err)
	}
	return data, disc, nil
}

// Stop closes the sockets and waits for both receive loops to exit. No send
// or receive is in flight once it returns.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.stopped = true
	if !t.running {
		t.mu.Unlock()
		t.wg.Wait()
		return
	}
	t.running = false
	t.cancel()
	t.data.Close()
	t.disc.Close()
	t.mu.Unlock()

	t.wg.Wait()

	// Wait out any Broadcast that grabbed the data socket before Stop.
	t.sendMu.Lock()
	t.sendMu.Unlock()

	t.logger.Info("transport stopped")
}

func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// DataAddr is the bound data socket address, valid while running.
func (t *Transport) DataAddr() netip.AddrPort {
	t.mu.Lock()
	defer t.mu.Unlock()
	return BoundAddr(t.data)
}

// DiscoveryAddr is the bound discovery listener address, valid while running.
func (t *Transport) DiscoveryAddr() netip.AddrPort {
	t.mu.Lock()
	defer t.mu.Unlock()
	return BoundAddr(t.disc)
}

// Broadcast sends msg to every known peer, one datagram each. It starts the
// transport if needed and reports false only when the transport could not
// start, was stopped, or msg could not be encoded. A failed send evicts that
// peer and the fan-out continues.
func (t *Transport) Broadcast(msg *shared.Message) bool {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return false
	}
	if err := t.Start(); err != nil {
		t.logger.Warn("broadcast skipped, transport unavailable", zap.Error(err))
		return false
	}

	payload, err := shared.Encode(msg)
	if err != nil {
		t.logger.Error("failed to encode state update", zap.Error(err))
		return false
	}
	if len(payload) > t.cfg.MaxDatagramBytes {
		t.logger.Error("state update exceeds datagram limit",
			zap.Int("size", len(payload)),
			zap.Int("limit", t.cfg.MaxDatagramBytes))
		return false
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	conn := t.data
	running := t.running
	t.mu.Unlock()
	if !running {
		return false
	}

	start := time.Now()
	for _, peer := range t.peers.List() {
		if err := t.sendTo(conn, payload, peer); err != nil {
			t.evict(err)
			continue
		}
		t.metrics.RecordSend(true)
	}
	t.metrics.ObserveBroadcast(time.Since(start).Seconds())
	return true
}

func (t *Transport) sendTo(conn PacketConn, payload []byte, peer netip.AddrPort) error {
	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.SendTimeout)); err != nil {
		return &SendError{Peer: peer, Err: err}
	}
	if _, err := conn.WriteToUDPAddrPort(payload, peer); err != nil {
		return &SendError{Peer: peer, Err: err}
	}
	return nil
}

func (t *Transport) evict(err error) {
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		return
	}
	t.metrics.RecordSend(false)
	if errors.Is(sendErr.Err, net.ErrClosed) {
		// Local socket shut down mid fan-out; the peer is not at fault.
		return
	}
	if t.peers.Remove(sendErr.Peer) {
		t.metrics.RecordEviction()
		t.logger.Warn("evicted unreachable peer",
			zap.String("peer", sendErr.Peer.String()),
			zap.Error(sendErr.Err))
		if t.onEvict != nil {
			t.onEvict(sendErr.Peer)
		}
	}
}

func (t *Transport) receiveLoop(ctx context.Context, conn PacketConn, socket string) {
	defer t.wg.Done()

	buf := make([]byte, t.cfg.MaxDatagramBytes)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				t.logger.Warn("socket closed outside stop, reopening on next broadcast", zap.String("socket", socket))
				t.teardown(conn)
				return
			}
			t.logger.Warn("receive error, backing off",
				zap.String("socket", socket),
				zap.Duration("backoff", t.cfg.ReceiveBackoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.cfg.ReceiveBackoff):
			}
			continue
		}
		t.dispatch(conn, socket, buf[:n], from)
	}
}

// teardown drops both sockets after one of them closed underneath the
// transport, so the next Broadcast opens a fresh pair.
func (t *Transport) teardown(closed PacketConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || (closed != t.data && closed != t.disc) {
		return
	}
	t.running = false
	t.cancel()
	t.data.Close()
	t.disc.Close()
}

func (t *Transport) dispatch(conn PacketConn, socket string, data []byte, from netip.AddrPort) {
	msg, err := shared.Decode(data)
	if err != nil {
		t.metrics.RecordDrop("malformed")
		t.logger.Debug("dropping malformed datagram",
			zap.String("from", from.String()),
			zap.Int("size", len(data)),
			zap.Error(err))
		return
	}
	t.metrics.RecordDatagram(socket, string(msg.Type))

	switch msg.Type {
	case shared.MessageTypeDiscovery:
		t.respond(conn, msg, from)
	case shared.MessageTypeDiscoveryResponse:
		if t.onDiscoveryResponse != nil {
			t.onDiscoveryResponse(msg, from)
		}
	case shared.MessageTypeStateUpdate:
		if msg.Source == t.cfg.SelfID {
			t.metrics.RecordDrop("self_echo")
			return
		}
		if t.seen(msg) {
			t.metrics.RecordDrop("duplicate")
			return
		}
		if t.onState != nil {
			t.onState(msg, from)
		}
	}
}

// seen reports whether msg was already delivered. Messages without a
// sequence number are never treated as duplicates.
func (t *Transport) seen(msg *shared.Message) bool {
	if msg.Seq == 0 {
		return false
	}
	key := fmt.Sprintf("%s:%d", msg.Source, msg.Seq)
	found, _ := t.dedup.ContainsOrAdd(key, struct{}{})
	return found
}

func (t *Transport) respond(conn PacketConn, probe *shared.Message, from netip.AddrPort) {
	if probe.Source == t.cfg.SelfID {
		return
	}
	host := t.cfg.AdvertiseAddr
	if !host.IsValid() {
		host = OutboundAddr(from)
	}
	if probe.Source == "" && host == from.Addr().Unmap() {
		// Legacy probe from this host without a source id.
		return
	}

	port := t.cfg.Port
	t.mu.Lock()
	if bound := BoundAddr(t.data); bound.IsValid() {
		port = int(bound.Port())
	}
	t.mu.Unlock()

	reply := shared.NewDiscoveryResponse(host.String(), port, t.cfg.SelfID)
	reply.Version = shared.ProtocolVersion
	payload, err := shared.Encode(reply)
	if err != nil {
		t.logger.Error("failed to encode discovery response", zap.Error(err))
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.SendTimeout)); err != nil {
		t.logger.Debug("set write deadline failed", zap.Error(err))
	}
	if _, err := conn.WriteToUDPAddrPort(payload, from); err != nil {
		t.logger.Debug("discovery response failed",
			zap.String("to", from.String()),
			zap.Error(err))
	}
}
