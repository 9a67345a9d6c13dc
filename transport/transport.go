// Package transport owns the duplex websocket connection to the
// realtime endpoint: dialing (direct or enterprise mode), outbound event
// stamping, and an inbound pump that fans received events out to
// registered handlers in registration order, recovering any handler
// panic so the pump keeps running. Grounded on
// the teacher's task monitor's dial-and-read-loop shape.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"realtime/domain"
)

// ErrAlreadyConnected is returned by Connect when the transport already
// holds a live connection (spec.md §4.1 "fails if already connected").
var ErrAlreadyConnected = errors.New("transport already connected")

// ErrNotConnected is returned by Send when no connection has been
// established yet.
var ErrNotConnected = errors.New("transport not connected")

// Mode selects how the connection URL and headers are built.
type Mode string

const (
	ModeDirect     Mode = "direct"
	ModeEnterprise Mode = "enterprise"
)

// DialConfig carries everything Connect needs to reach the endpoint.
type DialConfig struct {
	Mode          Mode
	BaseURL       string
	Model         string // direct mode
	Deployment    string // enterprise mode
	APIVersion    string // enterprise mode
	APIKey        string
	EventIDPrefix string // defaults to "evt_"
}

// buildURL returns the fully qualified websocket URL for the given mode.
func buildURL(cfg DialConfig) (string, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}

	q := u.Query()
	switch cfg.Mode {
	case ModeEnterprise:
		q.Set("api-version", cfg.APIVersion)
		q.Set("deployment", cfg.Deployment)
	default:
		q.Set("model", cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildHeaders returns the auth headers for the given mode: a bearer
// token directly, or the enterprise api-key header plus a generated
// client-request-id for tracing.
func buildHeaders(cfg DialConfig) http.Header {
	h := http.Header{}
	switch cfg.Mode {
	case ModeEnterprise:
		h.Set("api-key", cfg.APIKey)
		h.Set("x-ms-client-request-id", uuid.NewString())
	default:
		h.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return h
}

// HandlerFunc receives one decoded server event. It must not block:
// the inbound pump invokes handlers synchronously for ordering, so a
// slow handler should hand off to its own goroutine internally.
type HandlerFunc func(domain.ServerEvent)

// wildcard is the subscription key that matches every event type.
const wildcard = "*"

// Transport is a single duplex connection. It is not safe to call
// Connect concurrently with itself, but Send/On/Close may be called
// from any goroutine once connected.
type Transport struct {
	cfg DialConfig
	log zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[domain.ServerEventType][]HandlerFunc

	nextCh chan domain.ServerEvent

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Transport that will dial per cfg when Connect is
// called.
func New(cfg DialConfig, log zerolog.Logger) *Transport {
	if cfg.EventIDPrefix == "" {
		cfg.EventIDPrefix = "evt_"
	}
	return &Transport{
		cfg:      cfg,
		log:      log,
		handlers: make(map[domain.ServerEventType][]HandlerFunc),
		nextCh:   make(chan domain.ServerEvent, 64),
	}
}

// Connect dials the endpoint and starts the inbound pump. The provided
// context governs only the dial; call Close to tear down the connection.
// Fails with ErrAlreadyConnected if a connection is already live.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.mu.Unlock()

	wsURL, err := buildURL(t.cfg)
	if err != nil {
		return err
	}
	headers := buildHeaders(t.cfg)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("dialing realtime endpoint: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		cancel()
		conn.Close()
		return ErrAlreadyConnected
	}
	t.conn = conn
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.pump(pumpCtx)
	return nil
}

// Close cancels the inbound pump, closes the underlying connection, and
// clears connection state so a subsequent Connect may dial again.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	done := t.done
	t.conn = nil
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

// On registers a handler for a specific event type, or for every event
// type when typ is the empty string.
func (t *Transport) On(typ domain.ServerEventType, h HandlerFunc) {
	key := domain.ServerEventType(wildcard)
	if typ != "" {
		key = typ
	}
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[key] = append(t.handlers[key], h)
}

// ClearHandlers drops every registered subscription. Used by the
// engine's reset() discipline, which re-installs its own subscriptions
// immediately afterward.
func (t *Transport) ClearHandlers() {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers = make(map[domain.ServerEventType][]HandlerFunc)
}

// WaitForNext returns the oldest server event not yet taken from the
// transport's 64-entry backlog, blocking until one arrives or ctx is
// done.
func (t *Transport) WaitForNext(ctx context.Context) (domain.ServerEvent, error) {
	select {
	case ev := <-t.nextCh:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send stamps an outbound client event with a fresh event_id and writes
// it as a single websocket text frame.
func (t *Transport) Send(_ context.Context, eventType string, payload map[string]interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["type"] = eventType
	payload["event_id"] = t.newEventID()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling client event %s: %w", eventType, err)
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// newEventID stamps <prefix><utc-ms>, matching the wire convention of
// the class of realtime APIs this protocol is modeled on.
func (t *Transport) newEventID() string {
	ms := time.Now().UTC().UnixMilli()
	return t.cfg.EventIDPrefix + strconv.FormatInt(ms, 10)
}

// pump reads frames until the connection closes or ctx is canceled,
// decoding each into its concrete event type and fanning it out to
// subscribers synchronously: a slow handler delays the next read, and a
// panicking one is recovered by invoke.
func (t *Transport) pump(ctx context.Context) {
	t.mu.Lock()
	conn := t.conn
	done := t.done
	t.mu.Unlock()

	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			t.log.Debug().Err(err).Msg("transport read loop exiting")
			return
		}

		event, err := domain.UnmarshalServerEvent(data)
		if err != nil {
			t.log.Warn().Err(err).Msg("dropping malformed inbound frame")
			continue
		}

		t.dispatch(event)

		select {
		case t.nextCh <- event:
		default:
			t.log.Warn().Msg("WaitForNext backlog full, dropping this event's consumer notification")
		}
	}
}

func (t *Transport) dispatch(event domain.ServerEvent) {
	t.handlersMu.RLock()
	specific := append([]HandlerFunc(nil), t.handlers[event.EventType()]...)
	wild := append([]HandlerFunc(nil), t.handlers[domain.ServerEventType(wildcard)]...)
	t.handlersMu.RUnlock()

	for _, h := range specific {
		t.invoke(h, event)
	}
	for _, h := range wild {
		t.invoke(h, event)
	}
}

// invoke calls a handler synchronously (registration-order fan-out and
// the conversation store's reducer both depend on this), recovering any
// panic so one broken subscriber can never take down the inbound pump
// (spec.md §4.1 "Handler exceptions are isolated to their task and must
// not stop the pump").
func (t *Transport) invoke(h HandlerFunc, event domain.ServerEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Interface("panic", r).Str("event_type", string(event.EventType())).Msg("event handler panicked")
		}
	}()
	h(event)
}
