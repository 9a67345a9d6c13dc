// Package convstore implements the conversation store: a pure,
// synchronous reducer over the closed set of server events defined in
// domain. It owns the ordered items/responses and the side-tables that
// absorb events arriving ahead of the item they mutate.
package convstore

import (
	"errors"
	"fmt"
	"sync"

	"realtime/audio"
	"realtime/domain"
)

// ErrUnknownItem is returned when an event references an item id the
// store has not seen a conversation.item.created for.
var ErrUnknownItem = errors.New("unknown item")

// ErrUnknownResponse is returned when an event references a response id
// the store has not seen a response.created for.
var ErrUnknownResponse = errors.New("unknown response")

// ErrUnsupportedEvent is returned by ProcessEvent for any event type
// outside the closed set the store reduces (session.created and error
// are handled by the transport/client layer, never the store).
var ErrUnsupportedEvent = errors.New("event type not handled by conversation store")

// Delta summarizes what changed about an item as a result of processing
// one event, for incremental UI consumption.
type Delta struct {
	Text       string
	Transcript string
	Audio      []byte
	Arguments  string
}

type queuedSpeechEntry struct {
	audioStartMs int
	audioEndMs   *int
	audio        []byte
}

// Store is the conversation store described by spec.md §4.2. It is not
// safe to share across goroutines without the caller serializing access
// itself (the engine's executor model does this); the internal mutex
// exists only to make concurrent misuse fail safely rather than race.
type Store struct {
	mu sync.Mutex

	sampleRate int

	itemsByID map[string]*domain.Item
	items     []*domain.Item

	responsesByID map[string]*domain.Response
	responses     []*domain.Response

	queuedSpeech        map[string]*queuedSpeechEntry
	queuedTranscripts   map[string]string
	queuedInputAudio    []byte
	hasQueuedInputAudio bool
}

// New constructs a store for a given PCM sample rate. The sample rate is
// a construction-time constant (spec.md §9): if the host's audio stack
// changes rate, construct a new store.
func New(sampleRate int) *Store {
	return &Store{
		sampleRate:        sampleRate,
		itemsByID:         make(map[string]*domain.Item),
		responsesByID:     make(map[string]*domain.Response),
		queuedSpeech:      make(map[string]*queuedSpeechEntry),
		queuedTranscripts: make(map[string]string),
	}
}

// Reset clears all items, responses, and side-tables, as required by
// the Client's reset discipline (spec.md §5).
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.itemsByID = make(map[string]*domain.Item)
	s.items = nil
	s.responsesByID = make(map[string]*domain.Response)
	s.responses = nil
	s.queuedSpeech = make(map[string]*queuedSpeechEntry)
	s.queuedTranscripts = make(map[string]string)
	s.queuedInputAudio = nil
	s.hasQueuedInputAudio = false
}

// QueueInputAudio stashes a captured PCM buffer to be attached to the
// next user message item created (spec.md §4.3's create_response path).
func (s *Store) QueueInputAudio(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedInputAudio = pcm
	s.hasQueuedInputAudio = true
}

// Item returns the item with the given id, if known.
func (s *Store) Item(id string) (*domain.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.itemsByID[id]
	return it, ok
}

// Items returns the ordered sequence of items (I2: same order as
// insertion, items_by_id[id] is items[ordinal]).
func (s *Store) Items() []*domain.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Item, len(s.items))
	copy(out, s.items)
	return out
}

// SampleRate returns the construction-time PCM sample rate this store
// converts millisecond offsets against.
func (s *Store) SampleRate() int {
	return s.sampleRate
}

// Response returns the response with the given id, if known.
func (s *Store) Response(id string) (*domain.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responsesByID[id]
	return r, ok
}

// ProcessEvent applies one server event to the store, returning the
// affected item (if any) and a delta describing the incremental change.
// Extra arguments are used only by speech_stopped, which needs the
// currently captured local audio buffer to slice the speech segment out
// of it.
func (s *Store) ProcessEvent(event domain.ServerEvent, extras ...interface{}) (*domain.Item, *Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := event.(type) {
	case domain.ItemCreatedEvent:
		return s.handleItemCreated(e)
	case domain.ItemTruncatedEvent:
		return s.handleItemTruncated(e)
	case domain.ItemDeletedEvent:
		return s.handleItemDeleted(e)
	case domain.InputAudioTranscriptionCompletedEvent:
		return s.handleTranscriptionCompleted(e)
	case domain.SpeechStartedEvent:
		return s.handleSpeechStarted(e)
	case domain.SpeechStoppedEvent:
		var buf []byte
		if len(extras) > 0 {
			buf, _ = extras[0].([]byte)
		}
		return s.handleSpeechStopped(e, buf)
	case domain.ResponseCreatedEvent:
		return s.handleResponseCreated(e)
	case domain.OutputItemAddedEvent:
		return s.handleOutputItemAdded(e)
	case domain.OutputItemDoneEvent:
		return s.handleOutputItemDone(e)
	case domain.ContentPartAddedEvent:
		return s.handleContentPartAdded(e)
	case domain.AudioTranscriptDeltaEvent:
		return s.handleAudioTranscriptDelta(e)
	case domain.AudioDeltaEvent:
		return s.handleAudioDelta(e)
	case domain.TextDeltaEvent:
		return s.handleTextDelta(e)
	case domain.FunctionCallArgumentsDeltaEvent:
		return s.handleFunctionCallArgumentsDelta(e)
	default:
		return nil, nil, fmt.Errorf("%w: %T", ErrUnsupportedEvent, event)
	}
}

func (s *Store) handleItemCreated(e domain.ItemCreatedEvent) (*domain.Item, *Delta, error) {
	if existing, ok := s.itemsByID[e.Item.ID]; ok {
		return existing, nil, nil
	}

	item := e.Item
	item.Formatted = domain.Formatted{Audio: [][]byte{}}

	if qs, ok := s.queuedSpeech[item.ID]; ok {
		if qs.audio != nil {
			item.Formatted.Audio = append(item.Formatted.Audio, qs.audio)
		}
		delete(s.queuedSpeech, item.ID)
	}

	for _, c := range item.Content {
		if c.Type == domain.ContentText || c.Type == domain.ContentInputText {
			item.Formatted.Text += c.Text
		}
	}

	if transcript, ok := s.queuedTranscripts[item.ID]; ok {
		item.Formatted.Transcript = transcript
		delete(s.queuedTranscripts, item.ID)
	}

	switch item.Type {
	case domain.ItemTypeMessage:
		if item.Role == domain.RoleUser {
			item.Status = domain.StatusCompleted
			if s.hasQueuedInputAudio {
				item.Formatted.Audio = append(item.Formatted.Audio, s.queuedInputAudio)
				s.queuedInputAudio = nil
				s.hasQueuedInputAudio = false
			}
		} else {
			item.Status = domain.StatusInProgress
		}
	case domain.ItemTypeFunctionCall:
		item.Status = domain.StatusInProgress
		item.Formatted.Tool = &domain.Tool{
			Type:   "function",
			Name:   item.Name,
			CallID: item.CallID,
		}
	case domain.ItemTypeFunctionCallOutput:
		item.Status = domain.StatusCompleted
		item.Formatted.Output = item.Output
	}

	ptr := &item
	s.itemsByID[item.ID] = ptr
	s.items = append(s.items, ptr)
	return ptr, nil, nil
}

func (s *Store) handleItemTruncated(e domain.ItemTruncatedEvent) (*domain.Item, *Delta, error) {
	item, ok := s.itemsByID[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownItem, e.ItemID)
	}

	endIndex := audio.MsToByteIndex(e.AudioEndMs, s.sampleRate)
	full := item.Formatted.AudioBytes()
	if endIndex > len(full) {
		endIndex = len(full)
	}
	item.Formatted.Audio = [][]byte{full[:endIndex]}
	item.Formatted.Transcript = ""

	return item, nil, nil
}

func (s *Store) handleItemDeleted(e domain.ItemDeletedEvent) (*domain.Item, *Delta, error) {
	item, ok := s.itemsByID[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownItem, e.ItemID)
	}

	delete(s.itemsByID, e.ItemID)
	for i, it := range s.items {
		if it.ID == e.ItemID {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}

	return item, nil, nil
}

func (s *Store) handleTranscriptionCompleted(e domain.InputAudioTranscriptionCompletedEvent) (*domain.Item, *Delta, error) {
	item, ok := s.itemsByID[e.ItemID]
	if !ok {
		transcript := e.Transcript
		if transcript == "" {
			transcript = " "
		}
		s.queuedTranscripts[e.ItemID] = transcript
		return nil, nil, nil
	}

	if e.ContentIndex >= 0 && e.ContentIndex < len(item.Content) {
		item.Content[e.ContentIndex].Transcript = e.Transcript
	}

	formatted := e.Transcript
	if formatted == "" {
		formatted = " "
	}
	item.Formatted.Transcript = formatted

	return item, &Delta{Transcript: formatted}, nil
}

func (s *Store) handleSpeechStarted(e domain.SpeechStartedEvent) (*domain.Item, *Delta, error) {
	s.queuedSpeech[e.ItemID] = &queuedSpeechEntry{audioStartMs: e.AudioStartMs}
	return nil, nil, nil
}

func (s *Store) handleSpeechStopped(e domain.SpeechStoppedEvent, buffer []byte) (*domain.Item, *Delta, error) {
	qs, ok := s.queuedSpeech[e.ItemID]
	if !ok {
		qs = &queuedSpeechEntry{}
		s.queuedSpeech[e.ItemID] = qs
	}

	endMs := e.AudioEndMs
	qs.audioEndMs = &endMs

	if buffer != nil {
		qs.audio = audio.Slice(buffer, qs.audioStartMs, endMs, s.sampleRate)
	}

	return nil, nil, nil
}

func (s *Store) handleResponseCreated(e domain.ResponseCreatedEvent) (*domain.Item, *Delta, error) {
	if _, ok := s.responsesByID[e.Response.ID]; ok {
		return nil, nil, nil
	}

	r := e.Response
	if r.Output == nil {
		r.Output = []string{}
	}
	ptr := &r
	s.responsesByID[r.ID] = ptr
	s.responses = append(s.responses, ptr)

	return nil, nil, nil
}

func (s *Store) handleOutputItemAdded(e domain.OutputItemAddedEvent) (*domain.Item, *Delta, error) {
	resp, ok := s.responsesByID[e.ResponseID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownResponse, e.ResponseID)
	}

	resp.Output = append(resp.Output, e.Item.ID)
	return nil, nil, nil
}

func (s *Store) handleOutputItemDone(e domain.OutputItemDoneEvent) (*domain.Item, *Delta, error) {
	item, ok := s.itemsByID[e.Item.ID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownItem, e.Item.ID)
	}

	item.Status = e.Item.Status
	return item, nil, nil
}

func (s *Store) handleContentPartAdded(e domain.ContentPartAddedEvent) (*domain.Item, *Delta, error) {
	item, ok := s.itemsByID[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownItem, e.ItemID)
	}

	item.Content = append(item.Content, e.Part)
	return item, nil, nil
}

func (s *Store) handleAudioTranscriptDelta(e domain.AudioTranscriptDeltaEvent) (*domain.Item, *Delta, error) {
	item, ok := s.itemsByID[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownItem, e.ItemID)
	}

	if e.ContentIndex >= 0 && e.ContentIndex < len(item.Content) {
		item.Content[e.ContentIndex].Transcript += e.Delta
	}
	item.Formatted.Transcript += e.Delta

	return item, &Delta{Transcript: e.Delta}, nil
}

func (s *Store) handleAudioDelta(e domain.AudioDeltaEvent) (*domain.Item, *Delta, error) {
	item, ok := s.itemsByID[e.ItemID]
	if !ok {
		// log-and-drop: a known race with rapid cancellation (spec.md §4.2, §7)
		return nil, nil, nil
	}

	raw, err := audio.DecodeBase64(e.Delta)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid audio delta for item %s: %w", e.ItemID, err)
	}

	item.Formatted.Audio = append(item.Formatted.Audio, raw)
	return item, &Delta{Audio: raw}, nil
}

func (s *Store) handleTextDelta(e domain.TextDeltaEvent) (*domain.Item, *Delta, error) {
	item, ok := s.itemsByID[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownItem, e.ItemID)
	}

	if e.ContentIndex >= 0 && e.ContentIndex < len(item.Content) {
		item.Content[e.ContentIndex].Text += e.Delta
	}
	item.Formatted.Text += e.Delta

	return item, &Delta{Text: e.Delta}, nil
}

func (s *Store) handleFunctionCallArgumentsDelta(e domain.FunctionCallArgumentsDeltaEvent) (*domain.Item, *Delta, error) {
	item, ok := s.itemsByID[e.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownItem, e.ItemID)
	}

	item.Arguments += e.Delta
	if item.Formatted.Tool != nil {
		item.Formatted.Tool.Arguments += e.Delta
	}

	return item, &Delta{Arguments: e.Delta}, nil
}
