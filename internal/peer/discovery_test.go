package peer

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/YassineXScenery/lampsync/internal/shared"
	"github.com/YassineXScenery/lampsync/internal/transport"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func startResponder(t *testing.T, id string) *transport.Transport {
	t.Helper()
	tr, err := transport.New(transport.Config{
		SelfID:        id,
		BindAddr:      loopback,
		AdvertiseAddr: loopback,
	}, NewSet(), transport.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("transport.New failed: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("transport.Start failed: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func TestCycleDiscoversResponder(t *testing.T) {
	responder := startResponder(t, "node-b")

	peers := NewSet()
	d := NewDiscoverer(DiscoveryConfig{
		SelfID:   "node-a",
		DataPort: 65432,
		Target:   responder.DiscoveryAddr(),
		Window:   300 * time.Millisecond,
	}, peers, WithDiscoveryLogger(zap.NewNop()))

	var mu sync.Mutex
	var discovered []Info
	d.OnDiscovered(func(info Info) {
		mu.Lock()
		defer mu.Unlock()
		discovered = append(discovered, info)
	})

	d.Cycle(context.Background())

	want := responder.DataAddr()
	if !peers.Contains(want) {
		t.Fatalf("expected %s in peer set, got %v", want, peers.List())
	}

	// A second cycle must not re-announce a known peer.
	d.Cycle(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(discovered) != 1 {
		t.Fatalf("expected exactly one discovery notification, got %d", len(discovered))
	}
	if discovered[0].Source != "node-b" || discovered[0].Addr != want {
		t.Errorf("unexpected notification: %+v", discovered[0])
	}
}

func TestCycleIgnoresOwnResponder(t *testing.T) {
	responder := startResponder(t, "node-a")

	peers := NewSet()
	d := NewDiscoverer(DiscoveryConfig{
		SelfID: "node-a",
		Target: responder.DiscoveryAddr(),
		Window: 200 * time.Millisecond,
	}, peers)

	d.Cycle(context.Background())

	if peers.Len() != 0 {
		t.Errorf("a node must not discover itself, got %v", peers.List())
	}
}

func TestHandleResponseFilters(t *testing.T) {
	peers := NewSet()
	d := NewDiscoverer(DiscoveryConfig{
		SelfID:    "self",
		DataPort:  65432,
		LocalAddr: netip.MustParseAddr("192.168.1.10"),
		Target:    netip.MustParseAddrPort("192.168.1.255:65433"),
	}, peers)
	from := netip.MustParseAddrPort("192.168.1.20:50000")

	if _, ok := d.HandleResponse(shared.NewDiscoveryResponse("192.168.1.20", 0, "self"), from); ok {
		t.Error("response carrying our own id must be ignored")
	}
	if _, ok := d.HandleResponse(shared.NewDiscoveryResponse("192.168.1.10", 0, ""), from); ok {
		t.Error("legacy response from the local address must be ignored")
	}
	if _, ok := d.HandleResponse(&shared.Message{Type: shared.MessageTypeDiscovery}, from); ok {
		t.Error("non-response messages must be ignored")
	}

	addr, ok := d.HandleResponse(shared.NewDiscoveryResponse("192.168.1.20", 0, ""), from)
	if !ok {
		t.Fatal("legacy response from another host should add a peer")
	}
	if addr != netip.MustParseAddrPort("192.168.1.20:65432") {
		t.Errorf("expected default data port, got %s", addr)
	}
	if _, ok := d.HandleResponse(shared.NewDiscoveryResponse("192.168.1.20", 0, "peer"), from); ok {
		t.Error("known peer must not be reported as new")
	}
}

func TestCycleSocketFailureIsNoop(t *testing.T) {
	peers := NewSet()
	peers.Add(netip.MustParseAddrPort("10.0.0.5:65432"), "")

	d := NewDiscoverer(DiscoveryConfig{
		SelfID: "a",
		Target: netip.MustParseAddrPort("127.0.0.1:9"),
	}, peers, WithProbeListener(func(context.Context, netip.AddrPort, bool) (transport.PacketConn, error) {
		return nil, errors.New("no sockets today")
	}))

	d.Cycle(context.Background())

	if peers.Len() != 1 {
		t.Errorf("peer set should be unchanged, got %v", peers.List())
	}
}

func TestCycleBindsProbeToConfiguredAddress(t *testing.T) {
	bind := netip.MustParseAddr("127.0.0.1")
	var got []netip.AddrPort
	d := NewDiscoverer(DiscoveryConfig{
		SelfID:   "a",
		BindAddr: bind,
		Target:   netip.MustParseAddrPort("127.0.0.1:9"),
	}, NewSet(), WithProbeListener(func(_ context.Context, addr netip.AddrPort, broadcast bool) (transport.PacketConn, error) {
		got = append(got, addr)
		if !broadcast {
			t.Error("probe socket must enable broadcast")
		}
		return nil, errors.New("not today")
	}))

	d.Cycle(context.Background())

	if len(got) != 1 || got[0] != netip.AddrPortFrom(bind, 0) {
		t.Errorf("probe bound to %v, want %s:0", got, bind)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	d := NewDiscoverer(DiscoveryConfig{
		SelfID:   "a",
		Target:   netip.MustParseAddrPort("127.0.0.1:9"),
		Interval: 50 * time.Millisecond,
		Window:   10 * time.Millisecond,
	}, NewSet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
