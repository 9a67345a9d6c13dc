package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"realtime/common"
	"realtime/convstore"
	"realtime/domain"
	"realtime/transport"
)

// fakeServer upgrades one connection, records every inbound client
// frame, and lets the test script outbound server frames on demand.
type fakeServer struct {
	mu      sync.Mutex
	sent    []map[string]interface{}
	conn    *websocket.Conn
	connCh  chan *websocket.Conn
	srv     *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{connCh: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		fs.connCh <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &m))
			fs.mu.Lock()
			fs.sent = append(fs.sent, m)
			fs.mu.Unlock()
		}
	}))
	return fs
}

func (fs *fakeServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.connCh:
		fs.conn = c
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a connection")
		return nil
	}
}

func (fs *fakeServer) sendFrame(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, fs.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

// drainConnectFrame waits for the session.update Connect always sends
// (spec.md §4.3 "connect() | open transport; then session.update") and
// discards it, so callers can assert on frames sent after connect
// without hard-coding its position.
func (fs *fakeServer) drainConnectFrame(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		for _, f := range fs.sent {
			if f["type"] == "session.update" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	fs.mu.Lock()
	fs.sent = nil
	fs.mu.Unlock()
}

func newTestClient(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	tr := transport.New(transport.DialConfig{Mode: transport.ModeDirect, BaseURL: fs.wsURL(), Model: "m"}, zerolog.Nop())
	store := convstore.New(24000)
	c := New(tr, store, common.SessionConfig{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	fs.waitConn(t)
	fs.drainConnectFrame(t)
	return c
}

func TestSendUserMessageContentSendsItemCreateThenResponseCreate(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	ctx := context.Background()
	require.NoError(t, c.SendUserMessageContent(ctx, []domain.ContentPart{{Type: domain.ContentInputText, Text: "hi"}}))

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.sent) == 2
	}, time.Second, 10*time.Millisecond)

	fs.mu.Lock()
	itemFrame, responseFrame := fs.sent[0], fs.sent[1]
	fs.mu.Unlock()
	require.Equal(t, "conversation.item.create", itemFrame["type"])
	require.NotEmpty(t, itemFrame["event_id"])
	require.Equal(t, "response.create", responseFrame["type"])
}

func TestSendUserMessageContentEmptySkipsItemCreate(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	ctx := context.Background()
	require.NoError(t, c.SendUserMessageContent(ctx, nil))

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.sent) == 1
	}, time.Second, 10*time.Millisecond)

	fs.mu.Lock()
	frame := fs.sent[0]
	fs.mu.Unlock()
	require.Equal(t, "response.create", frame["type"])
}

func TestItemCreatedEventPublishesToItemChannel(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	fs.sendFrame(t, `{"type":"conversation.item.created","item":{"id":"item_1","type":"message","role":"assistant"}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	item, err := c.WaitForNextItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "item_1", item.ID)
}

func TestToolCallLoopSendsOutputAndTriggersResponse(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	called := make(chan string, 1)
	require.NoError(t, c.AddTool(context.Background(), common.Tool{Name: "lookup"}, func(_ context.Context, args string) (string, error) {
		called <- args
		return `{"result":"ok"}`, nil
	}))

	fs.sendFrame(t, `{"type":"conversation.item.created","item":{"id":"call_1","type":"function_call","name":"lookup","call_id":"c1"}}`)
	fs.sendFrame(t, `{"type":"response.function_call_arguments.delta","item_id":"call_1","delta":"{\"q\":1}"}`)
	fs.sendFrame(t, `{"type":"response.output_item.done","item":{"id":"call_1","status":"completed"}}`)

	select {
	case args := <-called:
		require.Equal(t, `{"q":1}`, args)
	case <-time.After(2 * time.Second):
		t.Fatal("tool handler never invoked")
	}

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		for _, f := range fs.sent {
			if f["type"] == "conversation.item.create" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		for _, f := range fs.sent {
			if f["type"] == "response.create" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestToolFailureSendsErrorOutputNotException(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	require.NoError(t, c.AddTool(context.Background(), common.Tool{Name: "boom"}, func(_ context.Context, _ string) (string, error) {
		return "", errors.New("boom")
	}))

	fs.sendFrame(t, `{"type":"conversation.item.created","item":{"id":"call_2","type":"function_call","name":"boom","call_id":"c2"}}`)
	fs.sendFrame(t, `{"type":"response.output_item.done","item":{"id":"call_2","status":"completed"}}`)

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		for _, f := range fs.sent {
			if f["type"] != "conversation.item.create" {
				continue
			}
			item, _ := f["item"].(map[string]interface{})
			output, _ := item["output"].(string)
			if output == `{"error":"boom"}` {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateResponseCommitsBufferWithoutTurnDetection(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	ctx := context.Background()
	require.NoError(t, c.AppendInputAudio(ctx, []byte{1, 2, 3, 4}))
	require.NoError(t, c.AppendInputAudio(ctx, []byte{5, 6}))
	require.NoError(t, c.CreateResponse(ctx))

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.sent) == 4 // 2 appends + commit + response.create
	}, time.Second, 10*time.Millisecond)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, "input_audio_buffer.append", fs.sent[0]["type"])
	require.Equal(t, "input_audio_buffer.append", fs.sent[1]["type"])
	require.Equal(t, "input_audio_buffer.commit", fs.sent[2]["type"])
	require.Equal(t, "response.create", fs.sent[3]["type"])
	require.Zero(t, c.inputBuf.Len())
}

func TestCreateResponseEmptyBufferSendsOnlyResponseCreate(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	require.NoError(t, c.CreateResponse(context.Background()))

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.sent) == 1
	}, time.Second, 10*time.Millisecond)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, "response.create", fs.sent[0]["type"])
}

func TestCreateResponseWithTurnDetectionIgnoresLocalBuffer(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	tr := transport.New(transport.DialConfig{Mode: transport.ModeDirect, BaseURL: fs.wsURL(), Model: "m"}, zerolog.Nop())
	store := convstore.New(24000)
	c := New(tr, store, common.SessionConfig{TurnDetection: &common.TurnDetection{Type: "server_vad"}}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	fs.waitConn(t)
	fs.drainConnectFrame(t)
	defer c.Disconnect()

	require.NoError(t, c.AppendInputAudio(context.Background(), []byte{1, 2}))
	require.NoError(t, c.CreateResponse(context.Background()))

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.sent) == 2 // append + response.create, no commit
	}, time.Second, 10*time.Millisecond)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, "input_audio_buffer.append", fs.sent[0]["type"])
	require.Equal(t, "response.create", fs.sent[1]["type"])
}

func TestSpeechStartedFiresInterruptedBeforeItemExists(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	interrupted := make(chan ConversationInterrupted, 1)
	c.On(busConversationInterrupt, func(payload interface{}) {
		interrupted <- payload.(ConversationInterrupted)
	})

	fs.sendFrame(t, `{"type":"input_audio_buffer.speech_started","item_id":"item_x","audio_start_ms":1200}`)

	select {
	case ev := <-interrupted:
		require.Equal(t, "item_x", ev.Event.ItemID)
		require.Equal(t, 1200, ev.Event.AudioStartMs)
	case <-time.After(2 * time.Second):
		t.Fatal("conversation.interrupted never fired")
	}

	_, ok := c.store.Item("item_x")
	require.False(t, ok)
}

func TestCancelResponseItemSendsCancelThenTruncate(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	fs.sendFrame(t, `{"type":"conversation.item.created","item":{"id":"asst_1","type":"message","role":"assistant","content":[{"type":"audio"}]}}`)
	_, err := c.WaitForNextItem(context.Background())
	require.NoError(t, err)

	item, err := c.CancelResponseItem(context.Background(), "asst_1", 12000)
	require.NoError(t, err)
	require.Equal(t, "asst_1", item.ID)

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.sent) == 2
	}, time.Second, 10*time.Millisecond)

	fs.mu.Lock()
	cancelFrame, truncateFrame := fs.sent[0], fs.sent[1]
	fs.mu.Unlock()
	require.Equal(t, "response.cancel", cancelFrame["type"])
	require.Equal(t, "conversation.item.truncate", truncateFrame["type"])
	require.Equal(t, "asst_1", truncateFrame["item_id"])
	require.Equal(t, float64(0), truncateFrame["content_index"])
	require.Equal(t, float64(500), truncateFrame["audio_end_ms"]) // 12000 samples @ 24kHz = 500ms
}

func TestResetClearsStateAndReinstallsSubscriptions(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	var appendedCount int
	var mu sync.Mutex
	c.On(busItemAppended, func(interface{}) {
		mu.Lock()
		appendedCount++
		mu.Unlock()
	})

	require.NoError(t, c.AddTool(context.Background(), common.Tool{Name: "lookup"}, func(ctx context.Context, args string) (string, error) {
		return "{}", nil
	}))

	fs.sendFrame(t, `{"type":"conversation.item.created","item":{"id":"item_1","type":"message","role":"user","content":[]}}`)
	_, err := c.WaitForNextItem(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Reset())

	c.mu.Lock()
	require.Empty(t, c.session.Tools)
	require.Empty(t, c.tools)
	c.mu.Unlock()

	_, ok := c.store.Item("item_1")
	require.False(t, ok, "store must be empty after reset")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	fs.waitConn(t)

	fs.sendFrame(t, `{"type":"conversation.item.created","item":{"id":"item_2","type":"message","role":"user","content":[]}}`)
	item, err := c.WaitForNextItem(context.Background())
	require.NoError(t, err)
	require.Equal(t, "item_2", item.ID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return appendedCount == 2
	}, time.Second, 10*time.Millisecond, "application subscription registered before reset must survive it")
}

func TestConnectSendsSessionUpdate(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()

	tr := transport.New(transport.DialConfig{Mode: transport.ModeDirect, BaseURL: fs.wsURL(), Model: "m"}, zerolog.Nop())
	store := convstore.New(24000)
	c := New(tr, store, common.SessionConfig{Voice: "alloy"}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	fs.waitConn(t)
	defer c.Disconnect()

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.sent) == 1
	}, time.Second, 10*time.Millisecond)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, "session.update", fs.sent[0]["type"])
	session, ok := fs.sent[0]["session"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "alloy", session["voice"])
}

func TestConnectTwiceFails(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, transport.ErrAlreadyConnected)
}

func TestAddToolRejectsEmptyNameNilHandlerAndDuplicate(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	ctx := context.Background()
	noop := func(context.Context, string) (string, error) { return "{}", nil }

	require.Error(t, c.AddTool(ctx, common.Tool{Name: ""}, noop))
	require.Error(t, c.AddTool(ctx, common.Tool{Name: "lookup"}, nil))

	require.NoError(t, c.AddTool(ctx, common.Tool{Name: "lookup"}, noop))
	require.Error(t, c.AddTool(ctx, common.Tool{Name: "lookup"}, noop))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.session.Tools, 1)
}

func TestRemoveToolRejectsUnregisteredName(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	require.Error(t, c.RemoveTool(context.Background(), "never-added"))
}

func TestUnregisteredToolCallResolvesWithErrorOutput(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	defer c.Disconnect()

	fs.sendFrame(t, `{"type":"conversation.item.created","item":{"id":"call_3","type":"function_call","name":"missing","call_id":"c3"}}`)
	fs.sendFrame(t, `{"type":"response.output_item.done","item":{"id":"call_3","status":"completed"}}`)

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		for _, f := range fs.sent {
			if f["type"] != "conversation.item.create" {
				continue
			}
			item, _ := f["item"].(map[string]interface{})
			output, _ := item["output"].(string)
			if output == `{"error":"unregistered tool \"missing\""}` {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		for _, f := range fs.sent {
			if f["type"] == "response.create" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
