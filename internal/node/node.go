// Package node wires the peer set, UDP transport, discovery loop and
// coordinator of one lampsync node and manages their lifecycle.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/YassineXScenery/lampsync/internal/config"
	"github.com/YassineXScenery/lampsync/internal/coordinator"
	"github.com/YassineXScenery/lampsync/internal/metrics"
	"github.com/YassineXScenery/lampsync/internal/peer"
	"github.com/YassineXScenery/lampsync/internal/shared"
	"github.com/YassineXScenery/lampsync/internal/transport"
)

type Option func(*Node)

func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithDiscoveryTarget sends probes to target instead of
// broadcast_address:discovery_port.
func WithDiscoveryTarget(target netip.AddrPort) Option {
	return func(n *Node) { n.discoveryTarget = target }
}

// WithListenFunc replaces the UDP socket constructor for the transport and
// the discovery probe socket.
func WithListenFunc(fn transport.ListenFunc) Option {
	return func(n *Node) { n.listen = fn }
}

// Node is one running participant in the lamp sync group.
type Node struct {
	cfg     *config.NodeConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	listen  transport.ListenFunc

	discoveryTarget netip.AddrPort
	staticPeers     []netip.AddrPort

	peers      *peer.Set
	transport  *transport.Transport
	discoverer *peer.Discoverer
	coord      *coordinator.Coordinator

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
}

// New builds a node from cfg. store may be nil, in which case the node runs
// offline and keeps state in memory only.
func New(cfg *config.NodeConfig, store coordinator.SignalStore, opts ...Option) (*Node, error) {
	n := &Node{
		cfg:    cfg,
		logger: zap.NewNop(),
		peers:  peer.NewSet(),
	}
	for _, opt := range opts {
		opt(n)
	}

	bindAddr, err := netip.ParseAddr(cfg.Network.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("bind address: %w", err)
	}
	var advertise netip.Addr
	if cfg.Node.AdvertiseAddress != "" {
		if advertise, err = netip.ParseAddr(cfg.Node.AdvertiseAddress); err != nil {
			return nil, fmt.Errorf("advertise address: %w", err)
		}
	}
	if !n.discoveryTarget.IsValid() {
		bcast, err := netip.ParseAddr(cfg.Network.BroadcastAddress)
		if err != nil {
			return nil, fmt.Errorf("broadcast address: %w", err)
		}
		n.discoveryTarget = netip.AddrPortFrom(bcast, uint16(cfg.Network.DiscoveryPort))
	}
	for _, raw := range cfg.Network.StaticPeers {
		addr, err := netip.ParseAddrPort(raw)
		if err != nil {
			return nil, fmt.Errorf("static peer %q: %w", raw, err)
		}
		n.staticPeers = append(n.staticPeers, addr)
	}

	discOpts := []peer.DiscovererOption{peer.WithDiscoveryLogger(n.logger.Named("discovery"))}
	if n.listen != nil {
		discOpts = append(discOpts, peer.WithProbeListener(n.listen))
	}
	n.discoverer = peer.NewDiscoverer(peer.DiscoveryConfig{
		SelfID:           cfg.Node.ID,
		BindAddr:         bindAddr,
		DataPort:         cfg.Network.Port,
		Target:           n.discoveryTarget,
		Interval:         cfg.Network.DiscoveryInterval(),
		Window:           cfg.Network.DiscoveryWindow(),
		LocalAddr:        advertise,
		MaxDatagramBytes: cfg.Network.MaxDatagramBytes,
	}, n.peers, discOpts...)

	tOpts := []transport.Option{
		transport.WithLogger(n.logger.Named("transport")),
		transport.WithMetrics(n.metrics),
		transport.OnStateUpdate(n.handleStateUpdate),
		transport.OnDiscoveryResponse(n.handleDiscoveryResponse),
		transport.OnEvict(n.handleEvict),
	}
	if n.listen != nil {
		tOpts = append(tOpts, transport.WithListenFunc(n.listen))
	}
	n.transport, err = transport.New(transport.Config{
		SelfID:           cfg.Node.ID,
		BindAddr:         bindAddr,
		Port:             cfg.Network.Port,
		DiscoveryPort:    cfg.Network.DiscoveryPort,
		AdvertiseAddr:    advertise,
		SendTimeout:      cfg.Network.SendTimeout(),
		ReceiveBackoff:   cfg.Network.ReceiveBackoff(),
		StartRetries:     cfg.Network.StartRetries,
		StartBackoffMin:  cfg.Network.StartBackoffMin(),
		StartBackoffMax:  cfg.Network.StartBackoffMax(),
		MaxDatagramBytes: cfg.Network.MaxDatagramBytes,
		DedupCacheSize:   cfg.Network.DedupCacheSize,
	}, n.peers, tOpts...)
	if err != nil {
		return nil, err
	}

	n.coord = coordinator.New(coordinator.Config{
		SelfID:        cfg.Node.ID,
		PersistRemote: cfg.Sync.PersistRemoteEnabled(),
	}, store, n.transport,
		coordinator.WithLogger(n.logger.Named("coordinator")),
		coordinator.WithMetrics(n.metrics))

	n.discoverer.OnDiscovered(func(info peer.Info) {
		n.metrics.RecordPeerDiscovered()
		n.metrics.SetPeersKnown(n.peers.Len())
		n.coord.NotifyPeerDiscovered(info.Addr, info.Source)
	})

	return n, nil
}

// Start loads the persisted state, opens the sockets and starts the
// discovery loop. A store that cannot be read leaves the defaults in place,
// and sockets that cannot be opened leave the node running local-only: the
// next broadcast retries them and discovery skips cycles until they open.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("node is already running")
	}

	if err := n.coord.LoadInitialState(ctx); err != nil {
		n.logger.Error("failed to load persisted state, starting from defaults", zap.Error(err))
	}
	if err := n.transport.Start(); err != nil {
		if !errors.Is(err, transport.ErrSocketInit) {
			return err
		}
		n.logger.Error("sync sockets unavailable, running local-only", zap.Error(err))
	}

	for _, addr := range n.staticPeers {
		if n.peers.Add(addr, "") {
			n.logger.Info("static peer added", zap.String("peer", addr.String()))
		}
	}
	n.metrics.SetPeersKnown(n.peers.Len())

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})
	n.running = true

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.discoverer.Run(runCtx)
	}()

	n.logger.Info("node started",
		zap.String("node_id", n.cfg.Node.ID),
		zap.String("data_addr", n.transport.DataAddr().String()),
		zap.String("discovery_addr", n.transport.DiscoveryAddr().String()),
		zap.String("discovery_target", n.discoveryTarget.String()),
		zap.Bool("transport_running", n.transport.Running()),
		zap.Bool("offline", n.coord.Offline()))
	return nil
}

// Stop ends discovery, closes the sockets and waits for every goroutine.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.cancel()
	n.mu.Unlock()

	n.wg.Wait()
	n.transport.Stop()
	close(n.done)

	n.logger.Info("node stopped", zap.String("node_id", n.cfg.Node.ID))
}

// Done is closed once Stop has finished. It is nil before Start.
func (n *Node) Done() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

func (n *Node) ID() string {
	return n.cfg.Node.ID
}

func (n *Node) Coordinator() *coordinator.Coordinator {
	return n.coord
}

func (n *Node) Peers() *peer.Set {
	return n.peers
}

// DataAddr is the bound data socket, valid while running.
func (n *Node) DataAddr() netip.AddrPort {
	return n.transport.DataAddr()
}

// DiscoveryAddr is the bound discovery listener, valid while running.
func (n *Node) DiscoveryAddr() netip.AddrPort {
	return n.transport.DiscoveryAddr()
}

// DiscoverNow runs one discovery cycle outside the regular interval.
func (n *Node) DiscoverNow(ctx context.Context) {
	n.discoverer.Cycle(ctx)
}

func (n *Node) handleStateUpdate(msg *shared.Message, from netip.AddrPort) {
	if n.coord.HandleRemote(msg) {
		n.logger.Debug("applied remote update",
			zap.String("from", from.String()),
			zap.String("source", msg.Source),
			zap.Uint64("seq", msg.Seq))
	}
}

func (n *Node) handleDiscoveryResponse(msg *shared.Message, from netip.AddrPort) {
	n.discoverer.HandleResponse(msg, from)
}

func (n *Node) handleEvict(addr netip.AddrPort) {
	n.metrics.SetPeersKnown(n.peers.Len())
	n.logger.Info("peer evicted after failed send", zap.String("peer", addr.String()))
}
