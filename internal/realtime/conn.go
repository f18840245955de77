package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

var (
	errConnClosed     = errors.New("connection closed")
	errMalformedFrame = errors.New("malformed frame")
)

// conn is one live connection of a channel, whatever the transport.
type conn interface {
	Read(ctx context.Context) (Frame, error)
	Write(f Frame) error
	Close() error
	Transport() string
}

type dialFunc func(ctx context.Context, rawURL, token string, opts Options) (conn, error)

var dialers = map[string]dialFunc{
	TransportWebsocket: dialWebsocket,
	TransportPolling:   dialPolling,
}

// HandshakeError is returned when the server answered the dial with a
// non-upgrade HTTP status, typically 401 for a refused token.
type HandshakeError struct {
	Transport string
	Status    int
	Err       error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s handshake: status %d: %v", e.Transport, e.Status, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// wsConn serializes writes; gorilla connections allow one concurrent
// reader and one concurrent writer.
type wsConn struct {
	ws           *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func dialWebsocket(ctx context.Context, rawURL, token string, opts Options) (conn, error) {
	u, err := websocketURL(rawURL)
	if err != nil {
		return nil, err
	}
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	ws, resp, err := d.DialContext(ctx, u, h)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{Transport: TransportWebsocket, Status: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("websocket dial %s: %w", u, err)
	}
	return &wsConn{ws: ws, writeTimeout: opts.WriteTimeout}, nil
}

func (w *wsConn) Read(context.Context) (Frame, error) {
	var f Frame
	_, b, err := w.ws.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return f, nil
}

func (w *wsConn) Write(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeTimeout > 0 {
		_ = w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.ws.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.mu.Unlock()
	return w.ws.Close()
}

func (w *wsConn) Transport() string { return TransportWebsocket }

// pollConn is the request/response fallback: GET <url>/poll drains queued
// frames (204 when the server had nothing before its hold timeout) and
// POST <url>/emit sends one frame. The session id is generated here.
type pollConn struct {
	client  *http.Client
	base    string
	token   string
	sid     string
	pending []Frame

	ctx    context.Context
	cancel context.CancelFunc
}

func dialPolling(ctx context.Context, rawURL, token string, opts Options) (conn, error) {
	base, err := httpURL(rawURL)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithCancel(context.Background())
	p := &pollConn{
		client: &http.Client{Timeout: opts.PollTimeout},
		base:   base,
		token:  token,
		sid:    uuid.NewString(),
		ctx:    pctx,
		cancel: cancel,
	}
	// the first poll doubles as the handshake
	stop := context.AfterFunc(ctx, cancel)
	frames, err := p.poll()
	stop()
	if err != nil {
		cancel()
		return nil, err
	}
	p.pending = frames
	return p, nil
}

func (p *pollConn) Read(context.Context) (Frame, error) {
	for len(p.pending) == 0 {
		if p.ctx.Err() != nil {
			return Frame{}, errConnClosed
		}
		frames, err := p.poll()
		if err != nil {
			return Frame{}, err
		}
		p.pending = frames
	}
	f := p.pending[0]
	p.pending = p.pending[1:]
	return f, nil
}

func (p *pollConn) poll() ([]Frame, error) {
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, p.endpoint("poll"), http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &HandshakeError{Transport: TransportPolling, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	var frames []Frame
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return nil, fmt.Errorf("decode poll body: %w", err)
	}
	return frames, nil
}

func (p *pollConn) Write(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(p.ctx, http.MethodPost, p.endpoint("emit"), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("emit: status %d", resp.StatusCode)
	}
	return nil
}

func (p *pollConn) Close() error {
	p.cancel()
	return nil
}

func (p *pollConn) Transport() string { return TransportPolling }

func (p *pollConn) endpoint(op string) string {
	return p.base + "/" + op + "?sid=" + url.QueryEscape(p.sid)
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func httpURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
