// Package server bridges conversation pollers to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xhad/docchat/pkg/poller"
)

// Client message types.
const (
	TypeOpen  = "open"
	TypeSend  = "send"
	TypeClose = "close"
)

// Server message types.
const (
	TypeStatus     = "status"
	TypeTranscript = "transcript"
	TypeComposing  = "composing"
	TypeError      = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the bridge binds to loopback by default
	},
}

type Message struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	DocumentID int    `json:"document_id,omitempty"`
	Data       any    `json:"data,omitempty"`
}

type Config struct {
	Addr         string
	PollInterval time.Duration
}

type WSServer struct {
	config    Config
	workspace poller.Workspace
}

func NewWSServer(config Config, ws poller.Workspace) (*WSServer, error) {
	if ws == nil {
		return nil, fmt.Errorf("websocket server requires a workspace")
	}
	if config.Addr == "" {
		config.Addr = "127.0.0.1:8080"
	}
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	return &WSServer{config: config, workspace: ws}, nil
}

func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *WSServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.config.Addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting WebSocket server", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// connection owns one websocket and at most one poller.
type connection struct {
	id     string
	server *WSServer
	conn   *websocket.Conn
	ctx    context.Context

	writeMu sync.Mutex
	mu      sync.Mutex
	poller  *poller.Poller
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("WebSocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &connection{id: uuid.NewString(), server: s, conn: conn, ctx: ctx}
	defer c.closePoller()
	log.Debug("WebSocket connected", "conn", c.id, "remote", r.RemoteAddr)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("Error reading message", "conn", c.id, "err", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.send(Message{Type: TypeError, Content: "malformed message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *connection) handle(msg Message) {
	switch msg.Type {
	case TypeOpen:
		c.open(msg.DocumentID)
	case TypeSend:
		p := c.current()
		if p == nil {
			c.send(Message{Type: TypeError, Content: poller.ErrNoConversation.Error()})
			return
		}
		go func() {
			if err := p.Send(c.ctx, msg.Content); err != nil {
				c.send(Message{Type: TypeError, Content: err.Error()})
			}
		}()
	case TypeClose:
		c.closePoller()
		c.send(Message{Type: TypeStatus, Content: poller.StateTornDown.String()})
	default:
		c.send(Message{Type: TypeError, Content: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (c *connection) open(documentID int) {
	c.mu.Lock()
	if c.poller != nil {
		c.mu.Unlock()
		c.send(Message{Type: TypeError, Content: "a conversation is already open"})
		return
	}
	p, err := poller.NewWithConfig(poller.PollerConfig{
		Workspace: c.server.workspace,
		Interval:  c.server.config.PollInterval,
	})
	if err != nil {
		c.mu.Unlock()
		c.send(Message{Type: TypeError, Content: err.Error()})
		return
	}
	c.poller = p
	c.mu.Unlock()

	go c.forward(p)
	if err := p.Start(c.ctx, documentID); err != nil {
		c.send(Message{Type: TypeError, Content: err.Error()})
		c.mu.Lock()
		if c.poller == p {
			c.poller = nil
		}
		c.mu.Unlock()
		p.Stop()
	}
}

func (c *connection) current() *poller.Poller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poller
}

func (c *connection) closePoller() {
	c.mu.Lock()
	p := c.poller
	c.poller = nil
	c.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// forward pushes poller snapshots to the socket, sending only what changed.
func (c *connection) forward(p *poller.Poller) {
	var (
		state     = poller.StateNoConversation
		composing bool
		count     int
		lastErr   error
	)
	for snap := range p.Updates() {
		if snap.State != state {
			state = snap.State
			c.send(Message{Type: TypeStatus, Content: state.String(), Data: map[string]int{"conversation_id": snap.ConversationID}})
		}
		if len(snap.Messages) != count {
			count = len(snap.Messages)
			c.send(Message{Type: TypeTranscript, Data: snap.Messages})
		}
		if snap.Composing != composing {
			composing = snap.Composing
			c.send(Message{Type: TypeComposing, Data: composing})
		}
		if snap.Err != nil && snap.Err != lastErr {
			c.send(Message{Type: TypeError, Content: snap.Err.Error()})
		}
		lastErr = snap.Err
	}
}

func (c *connection) send(msg Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Debug("Error sending message", "conn", c.id, "err", err)
	}
}
