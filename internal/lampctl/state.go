package lampctl

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

type ChannelJSON struct {
	Lamp   string `json:"lamp"`
	Button string `json:"button"`
}

type StateJSON struct {
	Mode        string                 `json:"mode"`
	ModeName    string                 `json:"mode_name"`
	ModeVersion uint64                 `json:"mode_version"`
	NextModes   []string               `json:"next_modes"`
	Focus       string                 `json:"focus"`
	Channels    map[string]ChannelJSON `json:"channels"`
	Offline     bool                   `json:"offline"`
	UpdatedAt   *time.Time             `json:"updated_at,omitempty"`
}

type PeerJSON struct {
	Addr      string    `json:"addr"`
	Source    string    `json:"source,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type SignalJSON struct {
	ID         int64     `json:"id"`
	SignalName string    `json:"signal_name"`
	Value      string    `json:"value"`
	Source     string    `json:"source"`
	Protocol   string    `json:"protocol"`
	Timestamp  time.Time `json:"timestamp"`
}

func GetState(client *HTTPClient) (*StateJSON, error) {
	body, err := client.Get("/api/v1/state")
	if err != nil {
		return nil, err
	}

	var state StateJSON
	if err := ParseResponse(body, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// ChangeMode requests a transition to mode (P, S, W, F or a long name).
func ChangeMode(client *HTTPClient, mode string) (*StateJSON, error) {
	if mode == "" {
		return nil, fmt.Errorf("mode is required")
	}

	body, err := client.Post("/api/v1/mode", map[string]string{"mode": mode})
	if err != nil {
		return nil, err
	}

	var state StateJSON
	if err := ParseResponse(body, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func ToggleButton(client *HTTPClient, protocol string) (*StateJSON, error) {
	if protocol == "" {
		return nil, fmt.Errorf("protocol is required")
	}

	body, err := client.Post("/api/v1/channels/"+url.PathEscape(protocol)+"/toggle", nil)
	if err != nil {
		return nil, err
	}

	var state StateJSON
	if err := ParseResponse(body, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func ListPeers(client *HTTPClient) ([]PeerJSON, error) {
	body, err := client.Get("/api/v1/peers")
	if err != nil {
		return nil, err
	}

	var peers []PeerJSON
	if err := ParseResponse(body, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func ListSignals(client *HTTPClient, protocol string, limit int) ([]SignalJSON, error) {
	q := url.Values{}
	if protocol != "" {
		q.Set("protocol", protocol)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/signals"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var signals []SignalJSON
	if err := ParseResponse(body, &signals); err != nil {
		return nil, err
	}
	return signals, nil
}
