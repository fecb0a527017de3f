package peer

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YassineXScenery/lampsync/internal/shared"
	"github.com/YassineXScenery/lampsync/internal/transport"
)

type DiscoveryConfig struct {
	SelfID string
	// BindAddr is the local interface the probe socket binds to.
	BindAddr netip.Addr
	// DataPort is assumed for responders that do not announce one.
	DataPort int
	// Target is where probes are sent, normally broadcast:discovery_port.
	Target   netip.AddrPort
	Interval time.Duration
	Window   time.Duration
	// LocalAddr is this node's address; responses from it are ignored when
	// they carry no source id. Detected from Target when unset.
	LocalAddr        netip.Addr
	MaxDatagramBytes int
}

// Discoverer runs the broadcast probe cycle and feeds responses into a Set.
type Discoverer struct {
	cfg    DiscoveryConfig
	peers  *Set
	logger *zap.Logger
	listen transport.ListenFunc

	mu           sync.Mutex
	onDiscovered []func(Info)
}

type DiscovererOption func(*Discoverer)

func WithDiscoveryLogger(logger *zap.Logger) DiscovererOption {
	return func(d *Discoverer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithProbeListener replaces the probe socket constructor, mainly for tests.
func WithProbeListener(fn transport.ListenFunc) DiscovererOption {
	return func(d *Discoverer) { d.listen = fn }
}

func NewDiscoverer(cfg DiscoveryConfig, peers *Set, opts ...DiscovererOption) *Discoverer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Window <= 0 || cfg.Window > cfg.Interval {
		cfg.Window = time.Second
	}
	if cfg.MaxDatagramBytes <= 0 {
		cfg.MaxDatagramBytes = shared.MaxDatagramSize
	}
	if !cfg.BindAddr.IsValid() {
		cfg.BindAddr = netip.IPv4Unspecified()
	}
	if !cfg.LocalAddr.IsValid() && cfg.Target.IsValid() {
		cfg.LocalAddr = transport.OutboundAddr(cfg.Target)
	}

	d := &Discoverer{
		cfg:    cfg,
		peers:  peers,
		logger: zap.NewNop(),
		listen: transport.ListenUDP,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnDiscovered registers fn to be called once for every newly seen peer.
func (d *Discoverer) OnDiscovered(fn func(Info)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDiscovered = append(d.onDiscovered, fn)
}

// Run probes immediately and then every Interval until ctx is done.
func (d *Discoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		d.Cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Cycle sends one probe and collects responses for the configured window.
// Failures are logged and end the cycle early; the next cycle retries.
func (d *Discoverer) Cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	conn, err := d.listen(ctx, netip.AddrPortFrom(d.cfg.BindAddr, 0), true)
	if err != nil {
		d.logger.Warn("discovery socket unavailable, skipping cycle", zap.Error(err))
		return
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	probe := shared.NewDiscovery(d.cfg.SelfID)
	probe.Version = shared.ProtocolVersion
	payload, err := shared.Encode(probe)
	if err != nil {
		d.logger.Error("failed to encode discovery probe", zap.Error(err))
		return
	}
	if _, err := conn.WriteToUDPAddrPort(payload, d.cfg.Target); err != nil {
		d.logger.Warn("discovery broadcast failed",
			zap.String("target", d.cfg.Target.String()),
			zap.Error(err))
		return
	}

	if err := conn.SetReadDeadline(time.Now().Add(d.cfg.Window)); err != nil {
		d.logger.Warn("discovery read deadline failed", zap.Error(err))
		return
	}

	buf := make([]byte, d.cfg.MaxDatagramBytes)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, net.ErrClosed) {
				d.logger.Debug("discovery receive error", zap.Error(err))
			}
			return
		}
		msg, err := shared.Decode(buf[:n])
		if err != nil || msg.Type != shared.MessageTypeDiscoveryResponse {
			continue
		}
		d.HandleResponse(msg, from)
	}
}

// HandleResponse adds the responder to the peer set. It returns the peer
// address and true when the peer was not known before.
func (d *Discoverer) HandleResponse(msg *shared.Message, from netip.AddrPort) (netip.AddrPort, bool) {
	if msg.Type != shared.MessageTypeDiscoveryResponse {
		return netip.AddrPort{}, false
	}
	if msg.Source != "" && msg.Source == d.cfg.SelfID {
		return netip.AddrPort{}, false
	}

	addr, err := msg.ResponderAddr(d.cfg.DataPort)
	if err != nil {
		d.logger.Debug("ignoring discovery response", zap.String("from", from.String()), zap.Error(err))
		return netip.AddrPort{}, false
	}
	if msg.Source == "" && d.cfg.LocalAddr.IsValid() && addr.Addr() == d.cfg.LocalAddr {
		return netip.AddrPort{}, false
	}

	if !d.peers.Add(addr, msg.Source) {
		return addr, false
	}

	d.logger.Info("peer discovered",
		zap.String("peer", addr.String()),
		zap.String("source", msg.Source))

	d.mu.Lock()
	callbacks := append([]func(Info){}, d.onDiscovered...)
	d.mu.Unlock()

	info := Info{Addr: addr, Source: msg.Source}
	for _, p := range d.peers.Snapshot() {
		if p.Addr == addr {
			info = p
			break
		}
	}
	for _, fn := range callbacks {
		fn(info)
	}
	return addr, true
}
