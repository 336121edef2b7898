// Package poller keeps a live chat transcript for one document by creating a
// conversation and refetching it on an interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/pkg/cache"
	"github.com/xhad/docchat/pkg/client"
)

var (
	ErrNoConversation = errors.New("no active conversation")
	ErrAlreadyStarted = errors.New("poller already started")
)

type State int

const (
	StateNoConversation State = iota
	StateCreating
	StateActive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateNoConversation:
		return "no-conversation"
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot is what a chat view renders.
type Snapshot struct {
	State          State
	ConversationID int
	Messages       []models.Message
	Composing      bool
	Err            error
}

// Workspace is the slice of the authenticated workspace the poller drives.
type Workspace interface {
	StartConversation(ctx context.Context, documentID int) (models.Conversation, error)
	WatchConversation(id int, interval time.Duration) (*cache.Subscription, error)
	Send(ctx context.Context, conversationID int, content string) (models.Message, error)
}

type PollerConfig struct {
	Workspace Workspace
	Interval  time.Duration
}

type Poller struct {
	ws       Workspace
	interval time.Duration

	mu             sync.Mutex
	state          State
	documentID     int
	conversationID int
	transcript     []models.Message
	composing      bool
	lastErr        error
	sub            *cache.Subscription
	updates        chan Snapshot
}

func NewWithConfig(config PollerConfig) (*Poller, error) {
	if config.Workspace == nil {
		return nil, fmt.Errorf("poller requires a workspace")
	}
	if config.Interval == 0 {
		config.Interval = 2 * time.Second
	}
	return &Poller{
		ws:       config.Workspace,
		interval: config.Interval,
		updates:  make(chan Snapshot, 1),
	}, nil
}

func New(ws Workspace) (*Poller, error) {
	return NewWithConfig(PollerConfig{Workspace: ws})
}

// Updates delivers the latest snapshot after every change. It is closed by
// Stop.
func (p *Poller) Updates() <-chan Snapshot {
	return p.updates
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) ConversationID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conversationID
}

func (p *Poller) Composing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.composing
}

func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Start creates a fresh conversation for documentID and begins polling it.
func (p *Poller) Start(ctx context.Context, documentID int) error {
	p.mu.Lock()
	if p.state != StateNoConversation {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.state = StateCreating
	p.documentID = documentID
	p.publishLocked()
	p.mu.Unlock()

	conv, err := p.ws.StartConversation(ctx, documentID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateTornDown {
		return ErrNoConversation
	}
	if err != nil {
		p.state = StateNoConversation
		p.lastErr = err
		p.publishLocked()
		return fmt.Errorf("failed to start conversation: %w", err)
	}

	sub, err := p.ws.WatchConversation(conv.ID, p.interval)
	if err != nil {
		p.state = StateNoConversation
		p.lastErr = err
		p.publishLocked()
		return fmt.Errorf("failed to watch conversation: %w", err)
	}

	p.state = StateActive
	p.conversationID = conv.ID
	p.transcript, _ = mergeTranscript(nil, conv.Messages)
	p.lastErr = nil
	p.sub = sub
	p.publishLocked()
	log.Info("Conversation started", "document", documentID, "conversation", conv.ID)

	go p.pump(sub)
	return nil
}

// Send posts a user message. Composing is reported while the request is in
// flight; the reply arrives through the next refetch.
func (p *Poller) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return &client.ValidationError{Field: "content", Message: "message cannot be empty"}
	}

	p.mu.Lock()
	if p.state != StateActive {
		p.mu.Unlock()
		return ErrNoConversation
	}
	id := p.conversationID
	p.composing = true
	p.publishLocked()
	p.mu.Unlock()

	_, err := p.ws.Send(ctx, id, content)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.composing = false
	if err != nil {
		p.lastErr = err
	}
	p.publishLocked()
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Stop tears the poller down. The refetch timer stops with the subscription;
// results of polls still in flight are not delivered.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
}

func (p *Poller) teardownLocked() {
	if p.state == StateTornDown {
		return
	}
	p.state = StateTornDown
	if p.sub != nil {
		p.sub.Release()
		p.sub = nil
	}
	close(p.updates)
	log.Debug("Conversation poller stopped", "conversation", p.conversationID)
}

func (p *Poller) pump(sub *cache.Subscription) {
	for entry := range sub.Updates() {
		p.apply(entry)
	}

	// The subscription was closed under us, e.g. the cache was cleared on
	// logout.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub == sub {
		p.sub = nil
		p.lastErr = client.ErrNotAuthenticated
		p.publishLocked()
		p.teardownLocked()
	}
}

func (p *Poller) apply(entry cache.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateActive {
		return
	}

	changed := false
	if entry.Status == cache.StatusError {
		if entry.Err != p.lastErr {
			p.lastErr = entry.Err
			changed = true
		}
	} else if entry.HasValue {
		if p.lastErr != nil && entry.Status == cache.StatusReady {
			p.lastErr = nil
			changed = true
		}
		if conv, ok := entry.Value.(models.Conversation); ok {
			var grew bool
			p.transcript, grew = mergeTranscript(p.transcript, conv.Messages)
			changed = changed || grew
		}
	}
	if changed {
		p.publishLocked()
	}
}

func (p *Poller) snapshotLocked() Snapshot {
	return Snapshot{
		State:          p.state,
		ConversationID: p.conversationID,
		Messages:       append([]models.Message(nil), p.transcript...),
		Composing:      p.composing,
		Err:            p.lastErr,
	}
}

// publishLocked replaces any unread snapshot with the current one.
func (p *Poller) publishLocked() {
	if p.state == StateTornDown {
		return
	}
	snap := p.snapshotLocked()
	select {
	case p.updates <- snap:
		return
	default:
	}
	select {
	case <-p.updates:
	default:
	}
	select {
	case p.updates <- snap:
	default:
	}
}

// mergeTranscript extends seen with the messages fetched after it. Snapshots
// that are shorter than seen or disagree with it are ignored, so a transcript
// never shrinks or reorders.
func mergeTranscript(seen, fetched []models.Message) ([]models.Message, bool) {
	if len(fetched) <= len(seen) {
		return seen, false
	}
	for i := range seen {
		if seen[i].ID != fetched[i].ID {
			return seen, false
		}
	}
	merged := make([]models.Message, 0, len(fetched))
	merged = append(merged, seen...)
	merged = append(merged, fetched[len(seen):]...)
	return merged, true
}
