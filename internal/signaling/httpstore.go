package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/1ureka/1ureka.net.call/internal/util"
)

var _ Store = (*HTTPStore)(nil)

// HTTPStore talks to a signald server. It is the store peers use when the
// shared deployment is a signald process rather than MongoDB.
type HTTPStore struct {
	base   url.URL
	token  string
	client *http.Client
}

// NewHTTPStore points the store at a signald base URL, e.g.
//
//	https://example.devtunnels.ms?token=1234
//
// A token query parameter in the URL is kept and sent with every request.
func NewHTTPStore(rawURL string) (*HTTPStore, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signald URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid signald URL: scheme must be http or https")
	}

	token := u.Query().Get("token")
	u.RawQuery = ""
	u.Path = strings.TrimRight(u.Path, "/")

	return &HTTPStore{base: *u, token: token, client: http.DefaultClient}, nil
}

func (h *HTTPStore) httpURL(path string) string {
	u := h.base
	u.Path += path
	if h.token != "" {
		u.RawQuery = url.Values{"token": {h.token}}.Encode()
	}
	return u.String()
}

func (h *HTTPStore) wsURL(path string) string {
	u := h.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += path
	if h.token != "" {
		u.RawQuery = url.Values{"token": {h.token}}.Encode()
	}
	return u.String()
}

// do runs one request and maps signald's error statuses back onto the store
// sentinels. A JSON body and JSON out value are both optional.
func (h *HTTPStore) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.httpURL(path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("signald request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrChannelNotFound
	case http.StatusConflict:
		return ErrAlreadyAnswered
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("signald %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (h *HTTPStore) CreateChannel(ctx context.Context, offer SessionDescription, createdBy string) (string, error) {
	req := struct {
		Offer     SessionDescription `json:"offer"`
		CreatedBy string             `json:"createdBy"`
	}{offer, createdBy}

	var resp struct {
		ID string `json:"id"`
	}
	if err := h.do(ctx, http.MethodPost, "/v1/calls", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (h *HTTPStore) GetChannel(ctx context.Context, channelID string) (*CallRecord, error) {
	var rec CallRecord
	if err := h.do(ctx, http.MethodGet, "/v1/calls/"+channelID, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (h *HTTPStore) SetAnswer(ctx context.Context, channelID string, answer SessionDescription, answeredBy string) error {
	req := struct {
		Answer     SessionDescription `json:"answer"`
		AnsweredBy string             `json:"answeredBy"`
	}{answer, answeredBy}
	return h.do(ctx, http.MethodPost, "/v1/calls/"+channelID+"/answer", req, nil)
}

func (h *HTTPStore) AppendCandidate(ctx context.Context, channelID string, role Role, payload json.RawMessage) error {
	path := fmt.Sprintf("/v1/calls/%s/candidates/%s", channelID, role)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.httpURL(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("signald request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrChannelNotFound
	case http.StatusConflict:
		return ErrAlreadyAnswered
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("signald %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (h *HTTPStore) DeleteChannel(ctx context.Context, channelID string) error {
	return h.do(ctx, http.MethodDelete, "/v1/calls/"+channelID, nil, nil)
}

func (h *HTTPStore) WatchChannel(ctx context.Context, channelID string, onUpdate func(*CallRecord)) (func(), error) {
	conn, err := h.dial(ctx, "/v1/calls/"+channelID+"/watch")
	if err != nil {
		return nil, err
	}

	stop := watchConn(ctx, conn, func(data []byte) bool {
		var ev recordEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			util.LogWarning("record watch decode: %v", err)
			return true
		}
		if ev.Deleted {
			onUpdate(nil)
			return false
		}
		onUpdate(ev.Record)
		return true
	})
	return stop, nil
}

func (h *HTTPStore) WatchCandidates(ctx context.Context, channelID string, role Role, onCandidate func(json.RawMessage)) (func(), error) {
	path := fmt.Sprintf("/v1/calls/%s/candidates/%s/watch", channelID, role)
	conn, err := h.dial(ctx, path)
	if err != nil {
		return nil, err
	}

	stop := watchConn(ctx, conn, func(data []byte) bool {
		onCandidate(json.RawMessage(data))
		return true
	})
	return stop, nil
}

// dial opens a watch WebSocket. signald rejects unknown channels before the
// upgrade, so subscribers get ErrChannelNotFound synchronously here.
func (h *HTTPStore) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, h.wsURL(path), nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound:
				return nil, ErrChannelNotFound
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("signald: invalid token")
			}
		}
		return nil, fmt.Errorf("failed to connect to signald: %w", err)
	}
	return conn, nil
}

// watchConn runs the read loop for one watch socket. deliver returns false
// to end the subscription from inside. The returned stop is idempotent.
func watchConn(ctx context.Context, conn *websocket.Conn, deliver func([]byte) bool) func() {
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if !deliver(data) {
				return
			}
		}
	}()

	// Tie the socket to the caller's context as well.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	return func() { conn.Close() }
}
