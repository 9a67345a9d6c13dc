// Package engine composes the transport and the conversation store into
// the public conversation client: session configuration, the tool
// registry, and the tool-call loop that turns a completed function_call
// item into a function_call_output sent back over the wire. Grounded on
// the teacher's controller, which wires a transport-like dependency and
// a store-like dependency behind one facade.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"realtime/audio"
	"realtime/common"
	"realtime/convstore"
	"realtime/diagnostics"
	"realtime/domain"
	"realtime/transport"
)

// ToolHandler executes one registered tool call and returns its result
// serialized as the function_call_output's opaque "output" string.
type ToolHandler func(ctx context.Context, arguments string) (string, error)

// RealtimeEvent mirrors one wire event, inbound or outbound, for
// application diagnostics (spec.md §4.3 "realtime.event").
type RealtimeEvent struct {
	Time   time.Time
	Source string // "client" or "server"
	Event  interface{}
}

// ConversationUpdated carries the (item, delta) pair the conversation
// store produced for one processed event.
type ConversationUpdated struct {
	Item  *domain.Item
	Delta *convstore.Delta
}

// ConversationItemAppended fires once, the first time an item becomes
// visible to the application.
type ConversationItemAppended struct {
	Item *domain.Item
}

// ConversationItemCompleted fires on an item's transition to
// domain.StatusCompleted.
type ConversationItemCompleted struct {
	Item *domain.Item
}

// ConversationInterrupted carries the raw speech_started event; the
// application must stop playback immediately on receiving it.
type ConversationInterrupted struct {
	Event domain.SpeechStartedEvent
}

const (
	busRealtimeEvent         = "realtime.event"
	busConversationUpdated   = "conversation.updated"
	busItemAppended          = "conversation.item.appended"
	busItemCompleted         = "conversation.item.completed"
	busConversationInterrupt = "conversation.interrupted"
)

// Client is the top-level conversation engine: one Transport, one
// Store, the current SessionConfig, and the tool registry.
type Client struct {
	log zerolog.Logger

	tr    *transport.Transport
	store *convstore.Store

	mu      sync.Mutex
	session common.SessionConfig
	tools   map[string]ToolHandler

	inputBuf audio.Buffer

	// appendedCh/completedCh back WaitForNextItem/WaitForNextCompletedItem,
	// fed only by conversation.item.appended/conversation.item.completed
	// (spec.md §4.3), not by every incremental delta.
	appendedCh  chan *domain.Item
	completedCh chan *domain.Item

	busMu sync.Mutex
	bus   map[string][]func(interface{})

	diag *diagnostics.NatsPublisher
}

// SetDiagnostics wires an optional NATS mirror of every inbound server
// event (spec.md §4.3's realtime.event, republished externally for
// tooling to tail). A nil publisher disables diagnostics; Publish is
// itself a no-op on a nil *NatsPublisher so this never needs a guard at
// the call site.
func (c *Client) SetDiagnostics(p *diagnostics.NatsPublisher) {
	c.busMu.Lock()
	c.diag = p
	c.busMu.Unlock()
}

// New constructs a Client around an already-configured Transport and a
// Store sized for the same sample rate the transport's endpoint uses.
func New(tr *transport.Transport, store *convstore.Store, session common.SessionConfig, log zerolog.Logger) *Client {
	c := &Client{
		log:         log,
		tr:          tr,
		store:       store,
		session:     session,
		tools:       make(map[string]ToolHandler),
		appendedCh:  make(chan *domain.Item, 64),
		completedCh: make(chan *domain.Item, 64),
		bus:         make(map[string][]func(interface{})),
	}
	c.wireTransport()
	return c
}

// On subscribes handler to an application-facing event name (one of the
// busXxx constants above). Handlers are dispatched as detached
// goroutines with panics recovered (the transport recovers panics the
// same way but runs its own handlers synchronously) (spec.md §5): a
// slow or panicking application handler must never stall the receive
// loop.
func (c *Client) On(name string, handler func(interface{})) {
	c.busMu.Lock()
	defer c.busMu.Unlock()
	c.bus[name] = append(c.bus[name], handler)
}

func (c *Client) emit(name string, payload interface{}) {
	c.busMu.Lock()
	handlers := append([]func(interface{})(nil), c.bus[name]...)
	c.busMu.Unlock()

	for _, h := range handlers {
		h := h
		go func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Interface("panic", r).Str("event", name).Msg("application handler panicked")
				}
			}()
			h(payload)
		}()
	}
}

// wireTransport subscribes to every server event the client acts on:
// the conversation store's own reduction (dispatched generically), plus
// the handful of events that need special client-side treatment beyond
// the pure reducer — errors, speech_started (interruption), speech_stopped
// (needs the locally captured audio buffer), item-created (first-sight
// appended/completed), and output_item.done (completion + tool loop).
func (c *Client) wireTransport() {
	c.tr.On("", func(e domain.ServerEvent) {
		c.emit(busRealtimeEvent, RealtimeEvent{Time: time.Now(), Source: "server", Event: e})
		c.busMu.Lock()
		diag := c.diag
		c.busMu.Unlock()
		if err := diag.Publish(e); err != nil {
			c.log.Debug().Err(err).Msg("diagnostics publish failed")
		}
	})

	c.tr.On(domain.EventError, func(e domain.ServerEvent) {
		errEvent := e.(domain.ErrorEvent)
		c.log.Error().Str("code", errEvent.Error.Code).Msg(errEvent.Error.Message)
	})

	c.tr.On(domain.EventSpeechStarted, func(e domain.ServerEvent) {
		started := e.(domain.SpeechStartedEvent)
		// Dispatched before any store state for this id exists, per
		// spec.md §4.3/scenario 3: the UI must stop playback immediately.
		c.emit(busConversationInterrupt, ConversationInterrupted{Event: started})
		if _, _, err := c.store.ProcessEvent(started); err != nil {
			c.log.Warn().Err(err).Msg("speech_started reduction failed")
		}
	})

	c.tr.On(domain.EventSpeechStopped, func(e domain.ServerEvent) {
		stopped := e.(domain.SpeechStoppedEvent)
		if _, _, err := c.store.ProcessEvent(stopped, c.inputBuf.Bytes()); err != nil {
			c.log.Warn().Err(err).Msg("speech_stopped reduction failed")
		}
	})

	c.tr.On(domain.EventItemCreated, func(e domain.ServerEvent) {
		created := e.(domain.ItemCreatedEvent)
		_, existedBefore := c.store.Item(created.Item.ID)

		item, delta, err := c.store.ProcessEvent(created)
		if err != nil {
			c.log.Warn().Err(err).Str("item_id", created.Item.ID).Msg("item.created reduction failed")
			return
		}
		c.emit(busConversationUpdated, ConversationUpdated{Item: item, Delta: delta})
		if !existedBefore {
			c.publishAppended(item)
			c.emit(busItemAppended, ConversationItemAppended{Item: item})
			if item.Status == domain.StatusCompleted {
				c.publishCompleted(item)
				c.emit(busItemCompleted, ConversationItemCompleted{Item: item})
			}
		}
	})

	c.tr.On(domain.EventOutputItemDone, func(e domain.ServerEvent) {
		done := e.(domain.OutputItemDoneEvent)

		prevStatus := domain.ItemStatus("")
		if prev, ok := c.store.Item(done.Item.ID); ok {
			prevStatus = prev.Status
		}

		item, delta, err := c.store.ProcessEvent(done)
		if err != nil {
			c.log.Warn().Err(err).Str("item_id", done.Item.ID).Msg("output_item.done reduction failed")
			return
		}
		c.emit(busConversationUpdated, ConversationUpdated{Item: item, Delta: delta})
		newlyCompleted := item.Status == domain.StatusCompleted && prevStatus != domain.StatusCompleted
		if newlyCompleted {
			c.publishCompleted(item)
			c.emit(busItemCompleted, ConversationItemCompleted{Item: item})
		}
		c.maybeRunTool(done.Item.ID)
	})

	c.tr.On("", func(e domain.ServerEvent) {
		switch e.(type) {
		case domain.ErrorEvent, domain.SessionCreatedEvent,
			domain.SpeechStartedEvent, domain.SpeechStoppedEvent,
			domain.ItemCreatedEvent, domain.OutputItemDoneEvent:
			return // handled by a dedicated subscription above
		}
		item, delta, err := c.store.ProcessEvent(e)
		if err != nil {
			c.log.Warn().Err(err).Str("event_type", string(e.EventType())).Msg("event reduction failed")
			return
		}
		if item != nil {
			c.emit(busConversationUpdated, ConversationUpdated{Item: item, Delta: delta})
		}
	})
}

func (c *Client) publishAppended(item *domain.Item) {
	select {
	case c.appendedCh <- item:
	default:
		c.log.Warn().Str("item_id", item.ID).Msg("appended backlog full, dropping notification")
	}
}

func (c *Client) publishCompleted(item *domain.Item) {
	select {
	case c.completedCh <- item:
	default:
		c.log.Warn().Str("item_id", item.ID).Msg("completed backlog full, dropping notification")
	}
}

// Connect dials the transport, then pushes the current session config
// (spec.md §4.3 "connect() | open transport; then session.update").
func (c *Client) Connect(ctx context.Context) error {
	if err := c.tr.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	return c.UpdateSession(ctx, session)
}

// Disconnect closes the transport and clears all conversation state.
func (c *Client) Disconnect() error {
	err := c.tr.Close()
	c.store.Reset()
	return err
}

// Reset implements the full reset discipline (spec.md §5): disconnect,
// drop every transport subscription, re-initialize the session config to
// its zero-value defaults, empty the store, and re-install the engine's
// own subscriptions. Application subscriptions registered via On are
// untouched — they survive reconnects.
func (c *Client) Reset() error {
	err := c.tr.Close()
	c.tr.ClearHandlers()

	c.mu.Lock()
	c.session = common.SessionConfig{}
	c.tools = make(map[string]ToolHandler)
	c.inputBuf.Clear()
	c.mu.Unlock()

	c.store.Reset()
	c.wireTransport()
	return err
}

// AddTool registers a tool definition and its handler, then pushes an
// updated session so the model sees it on the next turn. Requires a
// non-empty name and a non-nil handler, and rejects a name already
// registered (spec.md §4.3).
func (c *Client) AddTool(ctx context.Context, tool common.Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return fmt.Errorf("add_tool: name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("add_tool: handler must not be nil")
	}

	c.mu.Lock()
	if _, exists := c.tools[tool.Name]; exists {
		c.mu.Unlock()
		return fmt.Errorf("add_tool: %q is already registered", tool.Name)
	}
	c.tools[tool.Name] = handler
	c.session.Tools = append(c.session.Tools, tool)
	c.mu.Unlock()
	return c.UpdateSession(ctx, c.session)
}

// RemoveTool unregisters a tool by name and pushes an updated session.
// Requires that name was previously registered (spec.md §4.3).
func (c *Client) RemoveTool(ctx context.Context, name string) error {
	c.mu.Lock()
	if _, exists := c.tools[name]; !exists {
		c.mu.Unlock()
		return fmt.Errorf("remove_tool: %q is not registered", name)
	}
	delete(c.tools, name)
	filtered := c.session.Tools[:0]
	for _, t := range c.session.Tools {
		if t.Name != name {
			filtered = append(filtered, t)
		}
	}
	c.session.Tools = filtered
	c.mu.Unlock()
	return c.UpdateSession(ctx, c.session)
}

// send writes an outbound frame via the transport and mirrors it as a
// realtime.event for application diagnostics (spec.md §4.3).
func (c *Client) send(ctx context.Context, eventType string, payload map[string]interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	err := c.tr.Send(ctx, eventType, payload)
	c.emit(busRealtimeEvent, RealtimeEvent{Time: time.Now(), Source: "client", Event: payload})
	return err
}

// UpdateSession replaces the current session config and sends
// session.update over the wire.
func (c *Client) UpdateSession(ctx context.Context, session common.SessionConfig) error {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session config: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("re-decoding session config: %w", err)
	}
	return c.send(ctx, "session.update", map[string]interface{}{"session": payload})
}

// SendUserMessageContent appends a user message item built from the
// given content parts, then requests a response (spec.md §4.3). Input-
// audio parts carry raw PCM bytes in Audio and are base64-encoded here;
// empty content skips the item-create and only calls CreateResponse.
func (c *Client) SendUserMessageContent(ctx context.Context, content []domain.ContentPart) error {
	if len(content) > 0 {
		wireContent := make([]map[string]interface{}, 0, len(content))
		for _, part := range content {
			entry := map[string]interface{}{"type": string(part.Type)}
			switch part.Type {
			case domain.ContentText, domain.ContentInputText:
				entry["text"] = part.Text
			case domain.ContentInputAudio, domain.ContentAudio:
				entry["audio"] = audio.EncodeBase64([]byte(part.Audio))
			}
			wireContent = append(wireContent, entry)
		}
		item := map[string]interface{}{
			"type":    string(domain.ItemTypeMessage),
			"role":    string(domain.RoleUser),
			"content": wireContent,
		}
		if err := c.send(ctx, "conversation.item.create", map[string]interface{}{"item": item}); err != nil {
			return err
		}
	}
	return c.CreateResponse(ctx)
}

// AppendInputAudio appends a PCM16 chunk to the server's input audio
// buffer and mirrors it into the local buffer that speech_stopped slices
// and CreateResponse commits.
func (c *Client) AppendInputAudio(ctx context.Context, pcm []byte) error {
	c.inputBuf.Append(pcm)
	return c.send(ctx, "input_audio_buffer.append", map[string]interface{}{
		"audio": audio.EncodeBase64(pcm),
	})
}

// CreateResponse requests a new response. When turn_detection is unset
// and the local input buffer is non-empty, it commits the server-side
// buffer first and stashes the local bytes via queue_input_audio so the
// conversation store can attach them to the next user message item
// (spec.md §4.3, boundary behaviors B1/B2, round-trip law R2). With
// turn_detection set, or an empty buffer, only response.create is sent.
func (c *Client) CreateResponse(ctx context.Context) error {
	c.mu.Lock()
	hasTurnDetection := c.session.TurnDetection != nil
	c.mu.Unlock()

	if !hasTurnDetection && c.inputBuf.Len() > 0 {
		if err := c.send(ctx, "input_audio_buffer.commit", nil); err != nil {
			return err
		}
		c.store.QueueInputAudio(c.inputBuf.Bytes())
		c.inputBuf.Clear()
	}
	return c.send(ctx, "response.create", nil)
}

// CancelResponse cancels the in-progress response with no target item.
func (c *Client) CancelResponse(ctx context.Context) (*domain.Item, error) {
	if err := c.send(ctx, "response.cancel", nil); err != nil {
		return nil, err
	}
	return nil, nil
}

// CancelResponseItem cancels the in-progress response and truncates the
// given assistant message item to sampleCount samples of audio
// (spec.md §4.3 "cancel_response(id, sample_count)", P5). itemID must
// name an existing assistant message item with an audio content part.
func (c *Client) CancelResponseItem(ctx context.Context, itemID string, sampleCount int) (*domain.Item, error) {
	item, ok := c.store.Item(itemID)
	if !ok {
		return nil, fmt.Errorf("cancel_response: unknown item %q", itemID)
	}
	if item.Type != domain.ItemTypeMessage || item.Role != domain.RoleAssistant {
		return nil, fmt.Errorf("cancel_response: item %q is not an assistant message", itemID)
	}
	contentIndex := -1
	for i, part := range item.Content {
		if part.Type == domain.ContentAudio {
			contentIndex = i
			break
		}
	}
	if contentIndex < 0 {
		return nil, fmt.Errorf("cancel_response: item %q has no audio content part", itemID)
	}

	if err := c.send(ctx, "response.cancel", nil); err != nil {
		return item, err
	}

	audioEndMs := audio.SampleIndexToMs(sampleCount, c.store.SampleRate())
	err := c.send(ctx, "conversation.item.truncate", map[string]interface{}{
		"item_id":       itemID,
		"content_index": contentIndex,
		"audio_end_ms":  audioEndMs,
	})
	return item, err
}

// DeleteItem requests deletion of a conversation item.
func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	return c.send(ctx, "conversation.item.delete", map[string]interface{}{"item_id": itemID})
}

// CreateConversationItem appends an arbitrary item (e.g. a
// function_call_output) directly, bypassing the user-message helper.
func (c *Client) CreateConversationItem(ctx context.Context, item map[string]interface{}) error {
	return c.send(ctx, "conversation.item.create", map[string]interface{}{"item": item})
}

// WaitForNextItem blocks until the next conversation.item.appended.
func (c *Client) WaitForNextItem(ctx context.Context) (*domain.Item, error) {
	select {
	case item := <-c.appendedCh:
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForNextCompletedItem blocks until the next conversation.item.completed.
func (c *Client) WaitForNextCompletedItem(ctx context.Context) (*domain.Item, error) {
	select {
	case item := <-c.completedCh:
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// maybeRunTool checks whether a just-completed item is a function_call
// and, if so, resolves it. A registered handler's result or error is
// wrapped into the function_call_output so the model can react to it;
// an unregistered tool name is resolved the same way rather than
// silently dropped, since the model always needs to see a resolution
// for every call it emitted (spec.md §4.3, §7).
func (c *Client) maybeRunTool(itemID string) {
	item, ok := c.store.Item(itemID)
	if !ok || item.Type != domain.ItemTypeFunctionCall || item.Status != domain.StatusCompleted {
		return
	}

	c.mu.Lock()
	handler, ok := c.tools[item.Name]
	c.mu.Unlock()

	go func() {
		ctx := context.Background()

		var output string
		if !ok {
			output = fmt.Sprintf(`{"error":%q}`, fmt.Sprintf("unregistered tool %q", item.Name))
		} else if result, err := handler(ctx, item.Arguments); err != nil {
			output = fmt.Sprintf(`{"error":%q}`, err.Error())
		} else {
			output = result
		}

		outItem := map[string]interface{}{
			"type":    string(domain.ItemTypeFunctionCallOutput),
			"call_id": item.CallID,
			"output":  output,
		}
		if sendErr := c.CreateConversationItem(ctx, outItem); sendErr != nil {
			c.log.Error().Err(sendErr).Str("tool", item.Name).Msg("failed to send function_call_output")
			return
		}
		if sendErr := c.CreateResponse(ctx); sendErr != nil {
			c.log.Error().Err(sendErr).Msg("failed to trigger response after tool call")
		}
	}()
}
