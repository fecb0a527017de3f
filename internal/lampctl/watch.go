package lampctl

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// EventJSON is one frame of the lampd event stream.
type EventJSON struct {
	Type         string    `json:"type"`
	Mode         string    `json:"mode,omitempty"`
	PreviousMode string    `json:"previous_mode,omitempty"`
	Protocol     string    `json:"protocol,omitempty"`
	Lamp         string    `json:"lamp,omitempty"`
	Button       string    `json:"button,omitempty"`
	Source       string    `json:"source,omitempty"`
	Remote       bool      `json:"remote"`
	Peer         string    `json:"peer,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Watch streams events from the node until ctx is cancelled or the server
// closes the connection. handle is called for every event in order.
func (c *HTTPClient) Watch(ctx context.Context, handle func(EventJSON)) error {
	wsURL, err := c.eventsURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("authentication failed. Check your auth token")
		}
		return fmt.Errorf("failed to connect to event stream at %s: %w", wsURL, err)
	}
	defer conn.Close()

	// Unblock ReadJSON when the caller gives up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev EventJSON
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		handle(ev)
	}
}

func (c *HTTPClient) eventsURL() (string, error) {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/ws/events", nil
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/ws/events", nil
	}
	return "", fmt.Errorf("unsupported lampd url %q", c.baseURL)
}
