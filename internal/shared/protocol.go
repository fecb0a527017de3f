package shared

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	semver "github.com/Masterminds/semver/v3"
)

// MessageType identifies a datagram on the sync port.
type MessageType string

const (
	MessageTypeDiscovery         MessageType = "discovery"
	MessageTypeDiscoveryResponse MessageType = "discovery_response"
	MessageTypeStateUpdate       MessageType = "state_update"
)

// MaxDatagramSize is the default receive buffer size for a single datagram.
const MaxDatagramSize = 1024

// Message is the JSON datagram exchanged between peers. Channel fields left
// empty are absent on the wire and are not applied by receivers.
type Message struct {
	Type MessageType `json:"type"`

	// discovery / discovery_response
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// state_update
	LedState     LampState   `json:"led_state,omitempty"`
	ButtonState  ButtonState `json:"button_state,omitempty"`
	LedLState    LampState   `json:"ledL_state,omitempty"`
	ButtonLState ButtonState `json:"buttonL_state,omitempty"`
	PwfState     Mode        `json:"pwf_state,omitempty"`
	Protocol     Protocol    `json:"protocol,omitempty"`
	Timestamp    string      `json:"timestamp,omitempty"`
	Seq          uint64      `json:"seq,omitempty"`
	ModeVersion  uint64      `json:"mode_version,omitempty"`
	Version      string      `json:"v,omitempty"`

	Source string `json:"source,omitempty"`
}

var protocolConstraint = mustConstraint(ProtocolConstraint)

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(fmt.Sprintf("invalid protocol constraint %q: %v", c, err))
	}
	return constraint
}

// NewDiscovery builds the broadcast probe sent by the discovery loop.
func NewDiscovery(source string) *Message {
	return &Message{Type: MessageTypeDiscovery, Source: source}
}

// NewDiscoveryResponse builds the unicast reply to a discovery probe.
func NewDiscoveryResponse(host string, port int, source string) *Message {
	return &Message{
		Type:   MessageTypeDiscoveryResponse,
		Host:   host,
		Port:   port,
		Source: source,
	}
}

// Lamp returns the lamp field for p and whether it was present.
func (m *Message) Lamp(p Protocol) (LampState, bool) {
	v := m.LedState
	if p == ProtocolLIN {
		v = m.LedLState
	}
	return v, v != ""
}

// Button returns the button field for p and whether it was present.
func (m *Message) Button(p Protocol) (ButtonState, bool) {
	v := m.ButtonState
	if p == ProtocolLIN {
		v = m.ButtonLState
	}
	return v, v != ""
}

// SetChannel fills the lamp and button fields for p.
func (m *Message) SetChannel(p Protocol, lamp LampState, button ButtonState) {
	if p == ProtocolLIN {
		m.LedLState = lamp
		m.ButtonLState = button
		return
	}
	m.LedState = lamp
	m.ButtonState = button
}

// SentAt parses the timestamp field. The zero time is returned when absent or unparseable.
func (m *Message) SentAt() time.Time {
	if m.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ResponderAddr resolves the data endpoint announced by a discovery response.
// defaultPort is used when the responder did not include one.
func (m *Message) ResponderAddr(defaultPort int) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(m.Host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: bad host %q", ErrMalformed, m.Host)
	}
	port := m.Port
	if port == 0 {
		port = defaultPort
	}
	if port <= 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("%w: bad port %d", ErrMalformed, port)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}

// Encode validates and marshals a message.
func Encode(m *Message) ([]byte, error) {
	if err := validateMessage(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode unmarshals and validates a datagram.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validateMessage(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func validateMessage(m *Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if m.Type == "" {
		return ErrMissingType
	}
	if m.Version != "" {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrUnsupportedVersion, m.Version)
		}
		if !protocolConstraint.Check(v) {
			return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, m.Version, ProtocolConstraint)
		}
	}

	switch m.Type {
	case MessageTypeDiscovery:
		return nil
	case MessageTypeDiscoveryResponse:
		if _, err := netip.ParseAddr(m.Host); err != nil {
			return fmt.Errorf("%w: discovery_response host %q", ErrMalformed, m.Host)
		}
		return nil
	case MessageTypeStateUpdate:
		return validateStateUpdate(m)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
}

func validateStateUpdate(m *Message) error {
	if m.Source == "" {
		return fmt.Errorf("%w: state_update without source", ErrMalformed)
	}
	if m.PwfState != "" && !m.PwfState.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMode, m.PwfState)
	}
	if m.Protocol != "" && !m.Protocol.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownProtocol, m.Protocol)
	}
	for _, p := range Protocols {
		if lamp, ok := m.Lamp(p); ok && !lamp.Valid() {
			return fmt.Errorf("%w: %s lamp state %q", ErrMalformed, p, lamp)
		}
		if button, ok := m.Button(p); ok && !button.Valid() {
			return fmt.Errorf("%w: %s button state %q", ErrMalformed, p, button)
		}
	}
	return nil
}
