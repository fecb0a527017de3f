package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/YassineXScenery/lampsync/internal/shared"
)

var loopback = netip.MustParseAddr("127.0.0.1")

type testPeers struct {
	mu    sync.Mutex
	addrs map[netip.AddrPort]bool
}

func newTestPeers(addrs ...netip.AddrPort) *testPeers {
	p := &testPeers{addrs: make(map[netip.AddrPort]bool)}
	for _, a := range addrs {
		p.addrs[a] = true
	}
	return p
}

func (p *testPeers) List() []netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(p.addrs))
	for a := range p.addrs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func (p *testPeers) Remove(addr netip.AddrPort) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.addrs[addr] {
		return false
	}
	delete(p.addrs, addr)
	return true
}

type fakeConn struct {
	mu       sync.Mutex
	local    netip.AddrPort
	failTo   map[netip.AddrPort]bool
	writes   []netip.AddrPort
	readErrs []error
	reads    int

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(local netip.AddrPort) *fakeConn {
	return &fakeConn{local: local, failTo: make(map[netip.AddrPort]bool), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	c.mu.Lock()
	c.reads++
	if len(c.readErrs) > 0 {
		err := c.readErrs[0]
		c.readErrs = c.readErrs[1:]
		c.mu.Unlock()
		return 0, netip.AddrPort{}, err
	}
	c.mu.Unlock()

	<-c.closed
	return 0, netip.AddrPort{}, net.ErrClosed
}

func (c *fakeConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failTo[addr] {
		return 0, errors.New("sendto: no route to host")
	}
	c.writes = append(c.writes, addr)
	return len(b), nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) LocalAddr() net.Addr              { return net.UDPAddrFromAddrPort(c.local) }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() []netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]netip.AddrPort(nil), c.writes...)
}

func (c *fakeConn) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// fakeListener hands out the data conn first and the discovery conn second.
func fakeListener(data, disc *fakeConn) ListenFunc {
	return func(_ context.Context, _ netip.AddrPort, broadcast bool) (PacketConn, error) {
		if broadcast {
			return disc, nil
		}
		return data, nil
	}
}

func stateUpdate(source string, seq uint64) *shared.Message {
	msg := &shared.Message{
		Type:      shared.MessageTypeStateUpdate,
		PwfState:  shared.ModeWarning,
		Protocol:  shared.ProtocolCAN,
		Source:    source,
		Seq:       seq,
		Version:   shared.ProtocolVersion,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	msg.SetChannel(shared.ProtocolCAN, shared.LampOn, shared.ButtonPressed)
	msg.SetChannel(shared.ProtocolLIN, shared.LampOff, shared.ButtonNotPressed)
	return msg
}

func newLoopbackTransport(t *testing.T, id string, peers PeerSet, opts ...Option) *Transport {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	tr, err := New(Config{
		SelfID:         id,
		BindAddr:       loopback,
		AdvertiseAddr:  loopback,
		SendTimeout:    200 * time.Millisecond,
		ReceiveBackoff: 10 * time.Millisecond,
	}, peers, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func collect(ch chan *shared.Message) Option {
	return OnStateUpdate(func(msg *shared.Message, _ netip.AddrPort) { ch <- msg })
}

func expectMessage(t *testing.T, ch chan *shared.Message) *shared.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state update")
		return nil
	}
}

func expectNoMessage(t *testing.T, ch chan *shared.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected state update delivered: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewRequiresIdentityAndPeers(t *testing.T) {
	if _, err := New(Config{}, newTestPeers()); err == nil {
		t.Error("expected error without self id")
	}
	if _, err := New(Config{SelfID: "a"}, nil); err == nil {
		t.Error("expected error without peer set")
	}
}

func TestStartIsIdempotentAndStopJoins(t *testing.T) {
	tr, err := New(Config{SelfID: "a", BindAddr: loopback}, newTestPeers())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := tr.DataAddr()
	if err := tr.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if tr.DataAddr() != first {
		t.Error("second Start must not reopen sockets")
	}
	if !tr.Running() {
		t.Error("expected transport to be running")
	}

	done := make(chan struct{})
	go func() {
		tr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if tr.Running() {
		t.Error("expected transport to be stopped")
	}
	tr.Stop()

	if tr.Broadcast(stateUpdate("a", 1)) {
		t.Error("Broadcast after Stop should report failure")
	}
}

func TestStartFailureWrapsErrSocketInit(t *testing.T) {
	calls := 0
	tr, err := New(Config{SelfID: "a", StartRetries: 3, StartBackoffMin: time.Millisecond, StartBackoffMax: time.Millisecond}, newTestPeers(),
		WithListenFunc(func(context.Context, netip.AddrPort, bool) (PacketConn, error) {
			calls++
			return nil, errors.New("address already in use")
		}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = tr.Start()
	if !errors.Is(err, ErrSocketInit) {
		t.Fatalf("expected ErrSocketInit, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 bounded attempts, got %d", calls)
	}
	if tr.Broadcast(stateUpdate("a", 1)) {
		t.Error("Broadcast must report failure when the transport cannot start")
	}
}

func TestBroadcastLazilyStarts(t *testing.T) {
	data := newFakeConn(netip.MustParseAddrPort("127.0.0.1:40000"))
	disc := newFakeConn(netip.MustParseAddrPort("127.0.0.1:40001"))
	peer := netip.MustParseAddrPort("10.0.0.2:65432")

	tr, err := New(Config{SelfID: "a"}, newTestPeers(peer), WithListenFunc(fakeListener(data, disc)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tr.Stop()

	if tr.Running() {
		t.Fatal("transport should not start before first use")
	}
	if !tr.Broadcast(stateUpdate("a", 1)) {
		t.Fatal("Broadcast failed")
	}
	if !tr.Running() {
		t.Error("Broadcast should have started the transport")
	}
	if got := data.written(); len(got) != 1 || got[0] != peer {
		t.Errorf("expected one send to %s, got %v", peer, got)
	}
}

func TestSocketClosedOutsideStopReopens(t *testing.T) {
	peer := netip.MustParseAddrPort("10.0.0.2:65432")
	var (
		mu    sync.Mutex
		conns []*fakeConn
	)
	listen := func(_ context.Context, _ netip.AddrPort, _ bool) (PacketConn, error) {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeConn(netip.AddrPortFrom(loopback, uint16(40000+len(conns))))
		conns = append(conns, c)
		return c, nil
	}

	tr, err := New(Config{SelfID: "a"}, newTestPeers(peer), WithListenFunc(listen))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tr.Stop()

	if err := tr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	mu.Lock()
	firstData := conns[0]
	mu.Unlock()

	firstData.Close()
	deadline := time.Now().Add(2 * time.Second)
	for tr.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.Running() {
		t.Fatal("transport should stop running once its socket closes")
	}

	if !tr.Broadcast(stateUpdate("a", 1)) {
		t.Fatal("Broadcast should reopen the sockets")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(conns) != 4 {
		t.Fatalf("expected a second socket pair, got %d sockets", len(conns))
	}
	if got := conns[2].written(); len(got) != 1 || got[0] != peer {
		t.Errorf("new data socket writes = %v, want one to %s", got, peer)
	}
}

func TestBroadcastEvictsFailedPeer(t *testing.T) {
	data := newFakeConn(netip.MustParseAddrPort("127.0.0.1:40000"))
	disc := newFakeConn(netip.MustParseAddrPort("127.0.0.1:40001"))
	dead := netip.MustParseAddrPort("10.0.0.2:65432")
	alive := netip.MustParseAddrPort("10.0.0.3:65432")
	data.failTo[dead] = true

	peers := newTestPeers(dead, alive)
	var evicted []netip.AddrPort
	tr, err := New(Config{SelfID: "a"}, peers,
		WithListenFunc(fakeListener(data, disc)),
		OnEvict(func(addr netip.AddrPort) { evicted = append(evicted, addr) }))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tr.Stop()

	if !tr.Broadcast(stateUpdate("a", 1)) {
		t.Fatal("Broadcast should succeed despite a failed peer")
	}
	if len(evicted) != 1 || evicted[0] != dead {
		t.Fatalf("expected %s evicted, got %v", dead, evicted)
	}
	for _, p := range peers.List() {
		if p == dead {
			t.Fatal("dead peer still in the peer set")
		}
	}

	if !tr.Broadcast(stateUpdate("a", 2)) {
		t.Fatal("second Broadcast failed")
	}
	for _, addr := range data.written() {
		if addr == dead {
			t.Error("evicted peer must not be targeted")
		}
	}
	if got := data.written(); len(got) != 2 {
		t.Errorf("expected two sends to the live peer, got %v", got)
	}
}

func TestDeliveryEchoAndDuplicateFiltering(t *testing.T) {
	received := make(chan *shared.Message, 8)
	b := newLoopbackTransport(t, "node-b", newTestPeers(), collect(received))
	a := newLoopbackTransport(t, "node-a", newTestPeers(b.DataAddr()))

	if !a.Broadcast(stateUpdate("node-a", 1)) {
		t.Fatal("Broadcast failed")
	}
	msg := expectMessage(t, received)
	if msg.Source != "node-a" || msg.PwfState != shared.ModeWarning {
		t.Errorf("unexpected message: %+v", msg)
	}

	// Same source and seq again: duplicate.
	a.Broadcast(stateUpdate("node-a", 1))
	expectNoMessage(t, received)

	// Message claiming b's own identity: self-echo.
	a.Broadcast(stateUpdate("node-b", 2))
	expectNoMessage(t, received)

	// Legacy messages without seq are never deduplicated.
	a.Broadcast(stateUpdate("node-a", 0))
	a.Broadcast(stateUpdate("node-a", 0))
	expectMessage(t, received)
	expectMessage(t, received)
}

func TestMalformedDatagramDoesNotStopLoop(t *testing.T) {
	received := make(chan *shared.Message, 4)
	b := newLoopbackTransport(t, "node-b", newTestPeers(), collect(received))

	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(b.DataAddr()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	for _, junk := range []string{"not json", `{"type":"state_update"}`, `{"type":"state_update","source":"x","pwf_state":"Z"}`} {
		if _, err := conn.Write([]byte(junk)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	payload, err := shared.Encode(stateUpdate("node-c", 9))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg := expectMessage(t, received)
	if msg.Source != "node-c" {
		t.Errorf("expected the valid message, got %+v", msg)
	}
}

func TestDiscoveryProbeIsAnswered(t *testing.T) {
	b := newLoopbackTransport(t, "node-b", newTestPeers())

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer conn.Close()

	probe, _ := shared.Encode(shared.NewDiscovery("node-a"))
	if _, err := conn.WriteToUDPAddrPort(probe, b.DiscoveryAddr()); err != nil {
		t.Fatalf("probe failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("no discovery response: %v", err)
	}
	resp, err := shared.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Type != shared.MessageTypeDiscoveryResponse || resp.Source != "node-b" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	addr, err := resp.ResponderAddr(0)
	if err != nil {
		t.Fatalf("ResponderAddr failed: %v", err)
	}
	if addr != b.DataAddr() {
		t.Errorf("response announced %s, want data addr %s", addr, b.DataAddr())
	}
}

func TestDiscoveryResponseRoutedToHandler(t *testing.T) {
	got := make(chan *shared.Message, 1)
	b := newLoopbackTransport(t, "node-b", newTestPeers(),
		OnDiscoveryResponse(func(msg *shared.Message, _ netip.AddrPort) { got <- msg }))

	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(b.DataAddr()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	payload, _ := shared.Encode(shared.NewDiscoveryResponse("127.0.0.1", 4000, "node-c"))
	conn.Write(payload)

	select {
	case msg := <-got:
		if msg.Source != "node-c" {
			t.Errorf("unexpected response: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("discovery response not routed")
	}
}

func TestReceiveLoopBacksOffAndContinues(t *testing.T) {
	data := newFakeConn(netip.MustParseAddrPort("127.0.0.1:40000"))
	disc := newFakeConn(netip.MustParseAddrPort("127.0.0.1:40001"))
	data.readErrs = []error{errors.New("transient"), errors.New("transient")}

	tr, err := New(Config{SelfID: "a", ReceiveBackoff: 10 * time.Millisecond}, newTestPeers(),
		WithListenFunc(fakeListener(data, disc)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for data.readCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if data.readCount() < 3 {
		t.Fatalf("receive loop did not retry after errors, reads=%d", data.readCount())
	}

	tr.Stop()
}

func TestSendErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := error(&SendError{Peer: netip.MustParseAddrPort("10.0.0.1:1"), Err: base})
	if !errors.Is(err, base) {
		t.Error("SendError should unwrap to the cause")
	}
	if err.Error() != "send to 10.0.0.1:1: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestRetryScheduleBounds(t *testing.T) {
	s := retrySchedule{Min: 10 * time.Millisecond, Max: 80 * time.Millisecond}
	for attempt := 1; attempt <= 10; attempt++ {
		d := s.delay(attempt)
		if d < s.Min || d > s.Max {
			t.Fatalf("attempt %d: %v outside [%v, %v]", attempt, d, s.Min, s.Max)
		}
	}
	// Past the doubling range every delay sits in the jitter band below Max.
	if d := s.delay(10); d < 60*time.Millisecond {
		t.Errorf("late attempt delay %v, want at least 60ms", d)
	}
}

func TestStartBackoffDefaults(t *testing.T) {
	cfg := Config{StartBackoffMin: 8 * time.Second}
	cfg.applyDefaults()
	if cfg.StartBackoffMax != 8*time.Second {
		t.Errorf("max below min should be raised to min, got %v", cfg.StartBackoffMax)
	}

	cfg = Config{}
	cfg.applyDefaults()
	if cfg.StartBackoffMin != 200*time.Millisecond || cfg.StartBackoffMax != 5*time.Second {
		t.Errorf("defaults = %v..%v", cfg.StartBackoffMin, cfg.StartBackoffMax)
	}
}
