package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/YassineXScenery/lampsync/internal/shared"
)

// Publisher publishes raw payloads to an MQTT broker.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close() error
}

// LampPayload is the retained message published per channel.
type LampPayload struct {
	Node      string           `json:"node"`
	Protocol  shared.Protocol  `json:"protocol"`
	Lamp      shared.LampState `json:"lamp"`
	Timestamp string           `json:"timestamp"`
}

// MQTTSink publishes lamp levels to <prefix>/<node>/lamp/<protocol>.
type MQTTSink struct {
	pub    Publisher
	prefix string
	node   string
	now    func() time.Time
}

func NewMQTTSink(pub Publisher, prefix, node string) *MQTTSink {
	return &MQTTSink{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "/"),
		node:   node,
		now:    time.Now,
	}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Topic(p shared.Protocol) string {
	return fmt.Sprintf("%s/%s/lamp/%s", s.prefix, s.node, strings.ToLower(string(p)))
}

func (s *MQTTSink) Set(ctx context.Context, p shared.Protocol, on bool) error {
	payload, err := json.Marshal(LampPayload{
		Node:      s.node,
		Protocol:  p,
		Lamp:      shared.LampFromBool(on),
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("format lamp payload: %w", err)
	}
	// Retained so a subscriber that connects late sees the current level.
	return s.pub.Publish(s.Topic(p), 1, true, payload)
}

func (s *MQTTSink) Close() error {
	return s.pub.Close()
}

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
}

// NewRealPublisher connects to broker, retrying in the background if the
// first attempt fails.
func NewRealPublisher(broker, clientID string) (*RealPublisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return &RealPublisher{client: client}, nil
}

func (p *RealPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
