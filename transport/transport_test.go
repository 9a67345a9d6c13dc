package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"realtime/domain"
)

func TestBuildURLDirectMode(t *testing.T) {
	t.Parallel()

	u, err := buildURL(DialConfig{Mode: ModeDirect, BaseURL: "wss://example.test/v1/realtime", Model: "gpt-realtime"})
	require.NoError(t, err)
	require.Contains(t, u, "model=gpt-realtime")
}

func TestBuildURLEnterpriseMode(t *testing.T) {
	t.Parallel()

	u, err := buildURL(DialConfig{
		Mode: ModeEnterprise, BaseURL: "wss://example.test/openai/realtime",
		Deployment: "my-deploy", APIVersion: "2025-01-01-preview",
	})
	require.NoError(t, err)
	require.Contains(t, u, "deployment=my-deploy")
	require.Contains(t, u, "api-version=2025-01-01-preview")
}

func TestBuildHeadersDirectModeUsesBearer(t *testing.T) {
	t.Parallel()

	h := buildHeaders(DialConfig{Mode: ModeDirect, APIKey: "sk-test"})
	require.Equal(t, "Bearer sk-test", h.Get("Authorization"))
}

func TestBuildHeadersEnterpriseModeUsesAPIKeyHeader(t *testing.T) {
	t.Parallel()

	h := buildHeaders(DialConfig{Mode: ModeEnterprise, APIKey: "sk-test"})
	require.Equal(t, "sk-test", h.Get("api-key"))
	require.NotEmpty(t, h.Get("x-ms-client-request-id"))
}

func TestNewEventIDHasPrefixAndIsMonotonicallyNonDecreasing(t *testing.T) {
	t.Parallel()

	tr := New(DialConfig{EventIDPrefix: "evt_"}, zerolog.Nop())
	a := tr.newEventID()
	b := tr.newEventID()
	require.True(t, strings.HasPrefix(a, "evt_"))
	require.True(t, strings.HasPrefix(b, "evt_"))
	require.LessOrEqual(t, a, b)
}

// upgradeEcho starts a websocket test server that upgrades the
// connection, sends one session.created frame, then echoes nothing
// further until the client closes.
func upgradeEcho(t *testing.T, frame string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv
}

func TestConnectDispatchesToWildcardAndSpecificHandlers(t *testing.T) {
	t.Parallel()

	srv := upgradeEcho(t, `{"type":"session.created","session":{}}`)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := New(DialConfig{Mode: ModeDirect, BaseURL: wsURL, Model: "m"}, zerolog.Nop())

	gotSpecific := make(chan domain.ServerEvent, 1)
	gotWild := make(chan domain.ServerEvent, 1)
	tr.On(domain.EventSessionCreated, func(e domain.ServerEvent) { gotSpecific <- e })
	tr.On("", func(e domain.ServerEvent) { gotWild <- e })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	select {
	case e := <-gotSpecific:
		require.Equal(t, domain.EventSessionCreated, e.EventType())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for specific handler")
	}

	select {
	case e := <-gotWild:
		require.Equal(t, domain.EventSessionCreated, e.EventType())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wildcard handler")
	}
}

func TestConnectTwiceFailsWithAlreadyConnected(t *testing.T) {
	t.Parallel()

	srv := upgradeEcho(t, `{"type":"session.created","session":{}}`)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := New(DialConfig{Mode: ModeDirect, BaseURL: wsURL, Model: "m"}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	require.ErrorIs(t, tr.Connect(ctx), ErrAlreadyConnected)
}

func TestSendBeforeConnectFailsWithNotConnected(t *testing.T) {
	t.Parallel()

	tr := New(DialConfig{Mode: ModeDirect, BaseURL: "wss://example.test", Model: "m"}, zerolog.Nop())
	require.ErrorIs(t, tr.Send(context.Background(), "response.create", nil), ErrNotConnected)
}

func TestConnectAfterCloseSucceeds(t *testing.T) {
	t.Parallel()

	srv := upgradeEcho(t, `{"type":"session.created","session":{}}`)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := New(DialConfig{Mode: ModeDirect, BaseURL: wsURL, Model: "m"}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()
}

func TestWaitForNextReturnsEvent(t *testing.T) {
	t.Parallel()

	srv := upgradeEcho(t, `{"type":"session.created","session":{}}`)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := New(DialConfig{Mode: ModeDirect, BaseURL: wsURL, Model: "m"}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()

	ev, err := tr.WaitForNext(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.EventSessionCreated, ev.EventType())
}
