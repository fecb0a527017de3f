// Package lampctl is the client side of the lampd HTTP API.
package lampctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient wraps HTTP operations against one lampd node.
type HTTPClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

func NewHTTPClient(baseURL, authToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIResponse wraps the standard API response format.
type APIResponse struct {
	Data interface{} `json:"data"`
	Meta *APIMeta    `json:"meta,omitempty"`
}

type APIMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

// APIError is the error body returned by lampd.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// RequestError carries the status and machine-readable code of a failed call.
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

func (c *HTTPClient) Get(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

func (c *HTTPClient) Post(path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	c.setAuthHeader(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lampd at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp.StatusCode, body)
	}
	return body, nil
}

func (c *HTTPClient) setAuthHeader(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func parseError(statusCode int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error == "" {
		apiErr = APIError{}
	}

	re := &RequestError{Status: statusCode, Code: apiErr.Code}
	switch statusCode {
	case http.StatusUnauthorized:
		re.Message = "authentication failed. Check your auth token"
	case http.StatusBadRequest:
		re.Message = "invalid request: " + valueOr(apiErr.Error, "bad request")
	case http.StatusConflict:
		re.Message = "rejected: " + valueOr(apiErr.Error, "conflict")
	case http.StatusNotFound:
		re.Message = "resource not found"
		if apiErr.Error != "" {
			re.Message += ": " + apiErr.Error
		}
	case http.StatusServiceUnavailable:
		re.Message = "lampd unavailable"
		if apiErr.Error != "" {
			re.Message += ": " + apiErr.Error
		}
	default:
		if apiErr.Error != "" {
			re.Message = "server error: " + apiErr.Error
		} else {
			re.Message = fmt.Sprintf("server error (status %d)", statusCode)
		}
	}
	return re
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ParseResponse decodes the data field of an API response into target.
func ParseResponse(body []byte, target interface{}) error {
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if err := json.Unmarshal(resp.Data, target); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}
