package actuator

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/YassineXScenery/lampsync/internal/shared"
)

// UDPSink writes "<signal>:<1|0>" datagrams to the signal bus endpoint.
type UDPSink struct {
	addr    string
	signals map[shared.Protocol]string

	mu   sync.Mutex
	conn net.Conn
}

// NewUDPSink maps each protocol to the signal name sent on the bus. Protocols
// without a signal are not driven.
func NewUDPSink(addr string, signals map[string]string) (*UDPSink, error) {
	mapped := make(map[shared.Protocol]string, len(signals))
	for key, name := range signals {
		p, err := shared.ParseProtocol(key)
		if err != nil {
			return nil, fmt.Errorf("udp sink signal %q: %w", key, err)
		}
		mapped[p] = name
	}

	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial signal bus %s: %w", addr, err)
	}
	return &UDPSink{addr: addr, signals: mapped, conn: conn}, nil
}

func (s *UDPSink) Name() string { return "udp" }

func (s *UDPSink) Set(ctx context.Context, p shared.Protocol, on bool) error {
	signal, ok := s.signals[p]
	if !ok {
		return nil
	}
	payload := FormatSignal(signal, on)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("udp sink closed")
	}
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
	}
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("send %s to %s: %w", signal, s.addr, err)
	}
	return nil
}

func (s *UDPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// FormatSignal renders the bus datagram for one signal.
func FormatSignal(signal string, on bool) []byte {
	v := "0"
	if on {
		v = "1"
	}
	return []byte(signal + ":" + v)
}
