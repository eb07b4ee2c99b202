// Package api is the client side of the meeting server's REST API. One Client
// serves as the MeetingService, the ChatService and the registration half of
// the signaling backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// StatusError is a non-2xx answer of the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client whose cookie jar carries the server-issued
// identity across requests. Ending a meeting needs the creator's identity.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
	}
}

// Jar exposes the cookie jar so the signaling websocket shares the identity.
func (c *Client) Jar() http.CookieJar {
	return c.HTTPClient.Jar
}

func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e core.ErrorResponse
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// classify turns a status error into the matching sentinel. Transport errors
// and unmapped codes are returned as they are.
func classify(err error, byCode map[int]error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	if sentinel, ok := byCode[se.Code]; ok {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

func meetingPath(id domain.MeetingID, rest string) string {
	return fmt.Sprintf("/api/meetings/%d%s", id, rest)
}
