package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"viva/log"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, body)
}

// Retryable reports whether an upload or recovery call that failed with err
// may succeed when repeated.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusRequestTimeout, apiErr.Status == http.StatusTooManyRequests:
			return true
		case apiErr.Status >= 500:
			return true
		default:
			return false
		}
	}
	// Timeouts and transport failures are worth repeating; a caller
	// cancellation is not.
	return !errors.Is(err, context.Canceled)
}

type Client struct {
	baseURL string
	token   string
	http    *TracedClient
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    NewTracedClient(),
	}
}

// Warm primes the connection pool so the first session call skips the
// handshake.
func (c *Client) Warm() {
	d, err := c.http.WarmConnection(c.baseURL + "/")
	if err != nil {
		log.Warnf("warm connection: %v", err)
		return
	}
	log.Infof("connection warmed (tls %s)", d)
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body any) (*http.Request, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = b
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	req, err := c.newRequest(ctx, method, c.baseURL+path, in)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	log.Request(method, path, resp.StatusCode, resp.Metrics)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(resp.Body)}
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

func sessionPath(voiceSessionID, suffix string) string {
	return "/voice/sessions/" + url.PathEscape(voiceSessionID) + suffix
}

func (c *Client) OpenSession(ctx context.Context, req OpenRequest) (OpenResponse, error) {
	var resp OpenResponse
	if err := c.do(ctx, http.MethodPost, "/voice/sessions", req, &resp); err != nil {
		return OpenResponse{}, err
	}
	if resp.VoiceSessionID == "" {
		return OpenResponse{}, errors.New("open session: empty voiceSessionId")
	}
	return resp, nil
}

func (c *Client) SendAudioChunk(ctx context.Context, voiceSessionID string, chunk AudioChunk) (ChunkAck, error) {
	ack := ChunkAck{Accepted: true, Sequence: chunk.Sequence}
	err := c.do(ctx, http.MethodPost, sessionPath(voiceSessionID, "/audio"), chunk, &ack)
	return ack, err
}

func (c *Client) StopSession(ctx context.Context, voiceSessionID string, req StopRequest) error {
	return c.do(ctx, http.MethodPost, sessionPath(voiceSessionID, "/stop"), req, nil)
}

func (c *Client) RecoverSession(ctx context.Context, voiceSessionID string, lastSeenEventID int64) (RecoverySnapshot, error) {
	var snap RecoverySnapshot
	in := map[string]int64{"lastSeenEventId": lastSeenEventID}
	err := c.do(ctx, http.MethodPost, sessionPath(voiceSessionID, "/recover"), in, &snap)
	return snap, err
}

// EventsURL is the push channel address for a voice session.
func (c *Client) EventsURL(voiceSessionID string, replayFromEventID int64) string {
	u := c.baseURL + sessionPath(voiceSessionID, "/events")
	if replayFromEventID > 0 {
		u += "?replayFromEventId=" + strconv.FormatInt(replayFromEventID, 10)
	}
	return u
}

func (c *Client) OpenEvents(ctx context.Context, voiceSessionID string, replayFromEventID int64) (EventStream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.EventsURL(voiceSessionID, replayFromEventID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if replayFromEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(replayFromEventID, 10))
	}

	resp, m, err := c.http.Stream(req)
	if err != nil {
		return nil, fmt.Errorf("open events: %w", err)
	}
	log.Request(http.MethodGet, req.URL.Path, resp.StatusCode, m)
	if resp.StatusCode != http.StatusOK {
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		resp.Body.Close()
		return nil, &APIError{Method: http.MethodGet, Path: req.URL.Path, Status: resp.StatusCode, Body: buf.String()}
	}
	return newSSEReader(resp.Body), nil
}

// Ping checks that the backend answers at all.
func (c *Client) Ping(ctx context.Context) (log.NetworkMetrics, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return log.NetworkMetrics{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return log.NetworkMetrics{}, err
	}
	if resp.StatusCode >= 500 {
		return resp.Metrics, &APIError{Method: http.MethodHead, Path: "/", Status: resp.StatusCode}
	}
	return resp.Metrics, nil
}
