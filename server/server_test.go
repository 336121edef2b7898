package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/testutil/fakeapi"
	"github.com/xhad/docchat/pkg/client"
	"github.com/xhad/docchat/pkg/session"
	"github.com/xhad/docchat/pkg/workspace"
)

func newBridge(t *testing.T) (*httptest.Server, *fakeapi.Server) {
	t.Helper()
	api := fakeapi.New()
	t.Cleanup(api.Close)
	api.AddUser("alice", "secret1")

	c, err := client.NewWithConfig(client.ClientConfig{BaseURL: api.URL})
	require.NoError(t, err)
	mgr, err := session.NewWithConfig(session.ManagerConfig{
		API:   c,
		Store: session.NewFileStore(filepath.Join(t.TempDir(), "token")),
	})
	require.NoError(t, err)
	c.UseCredentials(mgr)
	ws, err := workspace.New(c, mgr)
	require.NoError(t, err)
	t.Cleanup(ws.Close)
	require.NoError(t, mgr.Login(context.Background(), "alice", "secret1"))

	s, err := NewWSServer(Config{PollInterval: 20 * time.Millisecond}, ws)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, api
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads messages until one satisfies match.
func next(t *testing.T, conn *websocket.Conn, match func(Message) bool) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func ofType(typ string) func(Message) bool {
	return func(m Message) bool { return m.Type == typ }
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newBridge(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestChatOverWebSocket(t *testing.T) {
	srv, api := newBridge(t)
	docID := api.AddDocument("report.pdf", "numbers")
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeOpen, DocumentID: docID}))
	next(t, conn, func(m Message) bool { return m.Type == TypeStatus && m.Content == "active" })

	require.NoError(t, conn.WriteJSON(Message{Type: TypeSend, Content: "what changed?"}))
	msg := next(t, conn, func(m Message) bool {
		if m.Type != TypeTranscript {
			return false
		}
		raw, _ := json.Marshal(m.Data)
		var msgs []models.Message
		return json.Unmarshal(raw, &msgs) == nil && len(msgs) == 2
	})
	raw, _ := json.Marshal(msg.Data)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(raw, &msgs))
	assert.Equal(t, "what changed?", msgs[0].Content)
	assert.Equal(t, "Answer to: what changed?", msgs[1].Content)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeClose}))
	next(t, conn, func(m Message) bool { return m.Type == TypeStatus && m.Content == "torn-down" })
}

func TestProtocolErrors(t *testing.T) {
	srv, _ := newBridge(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeSend, Content: "hello"}))
	msg := next(t, conn, ofType(TypeError))
	assert.Equal(t, "no active conversation", msg.Content)

	require.NoError(t, conn.WriteJSON(Message{Type: "dance"}))
	msg = next(t, conn, ofType(TypeError))
	assert.Contains(t, msg.Content, "unknown message type")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg = next(t, conn, ofType(TypeError))
	assert.Equal(t, "malformed message", msg.Content)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeOpen, DocumentID: 999}))
	msg = next(t, conn, ofType(TypeError))
	assert.Contains(t, msg.Content, "not found")
}
