package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type NodeConfig struct {
	Node struct {
		ID               string `json:"id"`
		AdvertiseAddress string `json:"advertise_address"`
	} `json:"node"`
	Network   NetworkConfig  `json:"network"`
	Database  DatabaseConfig `json:"database"`
	Sync      SyncConfig     `json:"sync"`
	HTTP      HTTPConfig     `json:"http"`
	Actuators ActuatorConfig `json:"actuators"`
	Discord   DiscordConfig  `json:"discord"`
	Logging   LoggingConfig  `json:"logging"`
}

type NetworkConfig struct {
	BindAddress         string `json:"bind_address"`
	Port                int    `json:"port"`
	DiscoveryPort       int    `json:"discovery_port"`
	BroadcastAddress    string `json:"broadcast_address"`
	DiscoveryIntervalMS int    `json:"discovery_interval_ms"`
	DiscoveryWindowMS   int    `json:"discovery_window_ms"`
	SendTimeoutMS       int    `json:"send_timeout_ms"`
	ReceiveBackoffMS    int    `json:"receive_backoff_ms"`
	StartRetries        int    `json:"start_retries"`
	StartBackoffMinMS   int    `json:"start_backoff_min_ms"`
	StartBackoffMaxMS   int    `json:"start_backoff_max_ms"`
	MaxDatagramBytes    int    `json:"max_datagram_bytes"`
	DedupCacheSize      int    `json:"dedup_cache_size"`
	// StaticPeers are data endpoints (host:port) added to the peer set at
	// startup, for segments where broadcast does not reach.
	StaticPeers []string `json:"static_peers,omitempty"`
}

type DatabaseConfig struct {
	Path           string `json:"path"`
	TimeoutMS      int    `json:"timeout_ms"`
	ConnectRetries int    `json:"connect_retries"`
	RetryBackoffMS int    `json:"retry_backoff_ms"`
}

type SyncConfig struct {
	// PersistRemote writes adopted remote changes back to the local store.
	// Defaults to true when omitted.
	PersistRemote *bool `json:"persist_remote,omitempty"`
}

func (s SyncConfig) PersistRemoteEnabled() bool {
	if s.PersistRemote != nil {
		return *s.PersistRemote
	}
	return true
}

type HTTPConfig struct {
	Port      int    `json:"port"`
	AuthToken string `json:"auth_token"`
}

type ActuatorConfig struct {
	UDP  UDPActuatorConfig  `json:"udp"`
	MQTT MQTTActuatorConfig `json:"mqtt"`
	GPIO GPIOActuatorConfig `json:"gpio"`
}

type UDPActuatorConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	// Signals maps a protocol (CAN, LIN) to the signal name sent on the bus.
	Signals map[string]string `json:"signals"`
}

type MQTTActuatorConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

type GPIOActuatorConfig struct {
	Enabled bool   `json:"enabled"`
	Chip    string `json:"chip"`
	// Pins maps a protocol (CAN, LIN) to a BCM line offset.
	Pins map[string]int `json:"pins"`
}

type DiscordConfig struct {
	BotToken        string `json:"bot_token"`
	GuildID         string `json:"guild_id"`
	AlertsChannelID string `json:"alerts_channel_id"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

const (
	DefaultPort                = 65432
	DefaultDiscoveryPort       = 65433
	DefaultBroadcastAddress    = "255.255.255.255"
	defaultBindAddress         = "0.0.0.0"
	defaultDiscoveryIntervalMS = 5000
	defaultDiscoveryWindowMS   = 1000
	defaultSendTimeoutMS       = 500
	defaultReceiveBackoffMS    = 1000
	defaultStartRetries        = 3
	defaultStartBackoffMinMS   = 200
	defaultStartBackoffMaxMS   = 5000
	defaultMaxDatagramBytes    = 1024
	defaultDedupCacheSize      = 1024

	defaultDatabasePath     = "./lampd.db"
	defaultDBTimeoutMS      = 2000
	defaultDBConnectRetries = 3
	defaultDBRetryBackoffMS = 500

	defaultUDPActuatorAddress = "10.20.0.33:40000"
	defaultMQTTClientID       = "lampd"
	defaultMQTTTopicPrefix    = "lampsync"
	defaultGPIOChip           = "gpiochip0"
	defaultLogLevel           = "info"
)

// LoadNodeConfig reads a JSON config file, fills defaults and validates it.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := validateNodeConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultNodeConfig returns a config with every default applied and a fresh node id.
func DefaultNodeConfig() *NodeConfig {
	cfg := &NodeConfig{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *NodeConfig) applyDefaults() {
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.New().String()
	}

	n := &cfg.Network
	if n.BindAddress == "" {
		n.BindAddress = defaultBindAddress
	}
	if n.Port == 0 {
		n.Port = DefaultPort
	}
	if n.DiscoveryPort == 0 {
		n.DiscoveryPort = DefaultDiscoveryPort
	}
	if n.BroadcastAddress == "" {
		n.BroadcastAddress = DefaultBroadcastAddress
	}
	if n.DiscoveryIntervalMS == 0 {
		n.DiscoveryIntervalMS = defaultDiscoveryIntervalMS
	}
	if n.DiscoveryWindowMS == 0 {
		n.DiscoveryWindowMS = defaultDiscoveryWindowMS
	}
	if n.SendTimeoutMS == 0 {
		n.SendTimeoutMS = defaultSendTimeoutMS
	}
	if n.ReceiveBackoffMS == 0 {
		n.ReceiveBackoffMS = defaultReceiveBackoffMS
	}
	if n.StartRetries == 0 {
		n.StartRetries = defaultStartRetries
	}
	if n.StartBackoffMinMS == 0 {
		n.StartBackoffMinMS = defaultStartBackoffMinMS
	}
	if n.StartBackoffMaxMS == 0 {
		n.StartBackoffMaxMS = defaultStartBackoffMaxMS
	}
	if n.MaxDatagramBytes == 0 {
		n.MaxDatagramBytes = defaultMaxDatagramBytes
	}
	if n.DedupCacheSize == 0 {
		n.DedupCacheSize = defaultDedupCacheSize
	}

	d := &cfg.Database
	if d.Path == "" {
		d.Path = defaultDatabasePath
	}
	if d.TimeoutMS == 0 {
		d.TimeoutMS = defaultDBTimeoutMS
	}
	if d.ConnectRetries == 0 {
		d.ConnectRetries = defaultDBConnectRetries
	}
	if d.RetryBackoffMS == 0 {
		d.RetryBackoffMS = defaultDBRetryBackoffMS
	}

	a := &cfg.Actuators
	if a.UDP.Address == "" {
		a.UDP.Address = defaultUDPActuatorAddress
	}
	if len(a.UDP.Signals) == 0 {
		a.UDP.Signals = map[string]string{"CAN": "led1_toggle", "LIN": "led2_toggle"}
	}
	if a.MQTT.ClientID == "" {
		a.MQTT.ClientID = defaultMQTTClientID
	}
	if a.MQTT.TopicPrefix == "" {
		a.MQTT.TopicPrefix = defaultMQTTTopicPrefix
	}
	if a.GPIO.Chip == "" {
		a.GPIO.Chip = defaultGPIOChip
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
}

func validateNodeConfig(cfg *NodeConfig) error {
	n := cfg.Network
	if n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("validation error: network.port must be between 1 and 65535, got %d", n.Port)
	}
	if n.DiscoveryPort <= 0 || n.DiscoveryPort > 65535 {
		return fmt.Errorf("validation error: network.discovery_port must be between 1 and 65535, got %d", n.DiscoveryPort)
	}
	if n.Port == n.DiscoveryPort {
		return fmt.Errorf("validation error: network.port and network.discovery_port must differ, both are %d", n.Port)
	}
	if _, err := netip.ParseAddr(n.BindAddress); err != nil {
		return fmt.Errorf("validation error: network.bind_address must be an IP address, got %q", n.BindAddress)
	}
	if _, err := netip.ParseAddr(n.BroadcastAddress); err != nil {
		return fmt.Errorf("validation error: network.broadcast_address must be an IP address, got %q", n.BroadcastAddress)
	}
	if cfg.Node.AdvertiseAddress != "" {
		if _, err := netip.ParseAddr(cfg.Node.AdvertiseAddress); err != nil {
			return fmt.Errorf("validation error: node.advertise_address must be an IP address, got %q", cfg.Node.AdvertiseAddress)
		}
	}
	if n.DiscoveryIntervalMS <= 0 {
		return fmt.Errorf("validation error: network.discovery_interval_ms must be positive, got %d", n.DiscoveryIntervalMS)
	}
	if n.DiscoveryWindowMS <= 0 || n.DiscoveryWindowMS > n.DiscoveryIntervalMS {
		return fmt.Errorf("validation error: network.discovery_window_ms must be between 1 and discovery_interval_ms, got %d", n.DiscoveryWindowMS)
	}
	if n.SendTimeoutMS <= 0 {
		return fmt.Errorf("validation error: network.send_timeout_ms must be positive, got %d", n.SendTimeoutMS)
	}
	if n.ReceiveBackoffMS <= 0 {
		return fmt.Errorf("validation error: network.receive_backoff_ms must be positive, got %d", n.ReceiveBackoffMS)
	}
	if n.StartRetries <= 0 {
		return fmt.Errorf("validation error: network.start_retries must be positive, got %d", n.StartRetries)
	}
	if n.StartBackoffMinMS <= 0 {
		return fmt.Errorf("validation error: network.start_backoff_min_ms must be positive, got %d", n.StartBackoffMinMS)
	}
	if n.StartBackoffMaxMS < n.StartBackoffMinMS {
		return fmt.Errorf("validation error: network.start_backoff_max_ms must be at least start_backoff_min_ms, got %d", n.StartBackoffMaxMS)
	}
	if n.MaxDatagramBytes < 256 || n.MaxDatagramBytes > 65507 {
		return fmt.Errorf("validation error: network.max_datagram_bytes must be between 256 and 65507, got %d", n.MaxDatagramBytes)
	}
	if n.DedupCacheSize <= 0 {
		return fmt.Errorf("validation error: network.dedup_cache_size must be positive, got %d", n.DedupCacheSize)
	}
	for _, peer := range n.StaticPeers {
		if _, err := netip.ParseAddrPort(peer); err != nil {
			return fmt.Errorf("validation error: network.static_peers entry must be host:port, got %q", peer)
		}
	}

	d := cfg.Database
	if d.TimeoutMS <= 0 {
		return fmt.Errorf("validation error: database.timeout_ms must be positive, got %d", d.TimeoutMS)
	}
	if d.ConnectRetries <= 0 {
		return fmt.Errorf("validation error: database.connect_retries must be positive, got %d", d.ConnectRetries)
	}
	if d.RetryBackoffMS <= 0 {
		return fmt.Errorf("validation error: database.retry_backoff_ms must be positive, got %d", d.RetryBackoffMS)
	}

	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("validation error: http.port must be between 0 and 65535, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.Port > 0 && cfg.HTTP.AuthToken == "" {
		return fmt.Errorf("validation error: http.auth_token is required when http.port is set")
	}

	if err := validateActuators(cfg.Actuators); err != nil {
		return err
	}

	if cfg.Discord.BotToken != "" && cfg.Discord.GuildID == "" {
		return fmt.Errorf("validation error: discord.guild_id is required when discord.bot_token is set")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("validation error: logging.level must be one of debug, info, warn, error, got %q", cfg.Logging.Level)
	}

	return nil
}

func validateActuators(a ActuatorConfig) error {
	if a.UDP.Enabled {
		if _, err := netip.ParseAddrPort(a.UDP.Address); err != nil {
			return fmt.Errorf("validation error: actuators.udp.address must be host:port, got %q", a.UDP.Address)
		}
		for proto := range a.UDP.Signals {
			if !validProtocolKey(proto) {
				return fmt.Errorf("validation error: actuators.udp.signals has unknown protocol %q", proto)
			}
		}
	}
	if a.MQTT.Enabled && a.MQTT.Broker == "" {
		return fmt.Errorf("validation error: actuators.mqtt.broker is required when mqtt is enabled")
	}
	if a.GPIO.Enabled {
		if len(a.GPIO.Pins) == 0 {
			return fmt.Errorf("validation error: actuators.gpio.pins is required when gpio is enabled")
		}
		for proto, pin := range a.GPIO.Pins {
			if !validProtocolKey(proto) {
				return fmt.Errorf("validation error: actuators.gpio.pins has unknown protocol %q", proto)
			}
			if pin < 0 {
				return fmt.Errorf("validation error: actuators.gpio.pins.%s must be non-negative, got %d", proto, pin)
			}
		}
	}
	return nil
}

func validProtocolKey(s string) bool {
	return s == "CAN" || s == "LIN"
}

func (n NetworkConfig) DiscoveryInterval() time.Duration {
	return time.Duration(n.DiscoveryIntervalMS) * time.Millisecond
}

func (n NetworkConfig) DiscoveryWindow() time.Duration {
	return time.Duration(n.DiscoveryWindowMS) * time.Millisecond
}

func (n NetworkConfig) SendTimeout() time.Duration {
	return time.Duration(n.SendTimeoutMS) * time.Millisecond
}

func (n NetworkConfig) ReceiveBackoff() time.Duration {
	return time.Duration(n.ReceiveBackoffMS) * time.Millisecond
}

func (n NetworkConfig) StartBackoffMin() time.Duration {
	return time.Duration(n.StartBackoffMinMS) * time.Millisecond
}

func (n NetworkConfig) StartBackoffMax() time.Duration {
	return time.Duration(n.StartBackoffMaxMS) * time.Millisecond
}

func (d DatabaseConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

func (d DatabaseConfig) RetryBackoff() time.Duration {
	return time.Duration(d.RetryBackoffMS) * time.Millisecond
}
