// Package workspace is the authenticated view of the remote service: cached
// queries keyed by entity, and the mutations that keep them consistent.
package workspace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/types"
	"github.com/xhad/docchat/pkg/cache"
	"github.com/xhad/docchat/pkg/client"
	"github.com/xhad/docchat/pkg/mutation"
)

// RemoteAPI is the document and analysis surface of the service.
type RemoteAPI interface {
	types.DocumentAPI
	types.AnalysisAPI
}

// Session reports whether requests may be made and announces changes.
type Session interface {
	Authenticated() bool
	OnChange(fn func(authenticated bool))
}

type WorkspaceConfig struct {
	API     RemoteAPI
	Session Session
	Cache   *cache.Cache
	// GCTime applies when Cache is nil.
	GCTime time.Duration
	// Retry is the number of retries of a query's initial fetch after a
	// network or server failure.
	Retry            int
	UploadResetAfter time.Duration
}

type Workspace struct {
	api     RemoteAPI
	session Session
	cache   *cache.Cache
	opts    cache.Options

	Upload             *mutation.Mutation[[]models.Upload, []models.Document]
	Delete             *mutation.Mutation[int, struct{}]
	UpdateTags         *mutation.Mutation[TagsArgs, struct{}]
	Analyze            *mutation.Mutation[int, models.Analysis]
	SendMessage        *mutation.Mutation[MessageArgs, models.Message]
	CreateConversation *mutation.Mutation[int, models.Conversation]
	AskMulti           *mutation.Mutation[QuestionArgs, models.Message]
}

func NewWithConfig(config WorkspaceConfig) (*Workspace, error) {
	if config.API == nil {
		return nil, fmt.Errorf("workspace requires a remote API")
	}
	if config.Session == nil {
		return nil, fmt.Errorf("workspace requires a session")
	}
	if config.Cache == nil {
		config.Cache = cache.NewWithConfig(cache.CacheConfig{GCTime: config.GCTime})
	}
	if config.UploadResetAfter == 0 {
		config.UploadResetAfter = 3 * time.Second
	}

	w := &Workspace{
		api:     config.API,
		session: config.Session,
		cache:   config.Cache,
		opts: cache.Options{
			Retry:   config.Retry,
			RetryIf: client.Retryable,
		},
	}
	w.registerMutations(config.UploadResetAfter)

	// A different principal must never see the previous one's entities.
	w.session.OnChange(func(authenticated bool) {
		log.Debug("Session changed, clearing cache", "authenticated", authenticated)
		w.cache.Clear()
	})
	return w, nil
}

func New(api RemoteAPI, session Session) (*Workspace, error) {
	return NewWithConfig(WorkspaceConfig{API: api, Session: session})
}

func (w *Workspace) Cache() *cache.Cache {
	return w.cache
}

func (w *Workspace) Close() {
	w.cache.Close()
}

func (w *Workspace) guard() error {
	if !w.session.Authenticated() {
		return client.ErrNotAuthenticated
	}
	return nil
}

func (w *Workspace) Documents(ctx context.Context) ([]models.Document, error) {
	if err := w.guard(); err != nil {
		return nil, err
	}
	return cache.Load(ctx, w.cache, DocumentsKey(), w.api.ListDocuments, w.opts)
}

func (w *Workspace) Document(ctx context.Context, id int) (models.DocumentDetail, error) {
	if err := w.guard(); err != nil {
		return models.DocumentDetail{}, err
	}
	return cache.Load(ctx, w.cache, DocumentKey(id), func(ctx context.Context) (models.DocumentDetail, error) {
		return w.api.GetDocument(ctx, id)
	}, w.opts)
}

// Search returns documents whose content contains query. A blank query lists
// every document.
func (w *Workspace) Search(ctx context.Context, query string) ([]models.Document, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return w.Documents(ctx)
	}
	if err := w.guard(); err != nil {
		return nil, err
	}
	return cache.Load(ctx, w.cache, SearchKey(query), func(ctx context.Context) ([]models.Document, error) {
		return w.api.SearchDocuments(ctx, query)
	}, w.opts)
}

func (w *Workspace) Conversation(ctx context.Context, id int) (models.Conversation, error) {
	if err := w.guard(); err != nil {
		return models.Conversation{}, err
	}
	return cache.Load(ctx, w.cache, ConversationKey(id), w.conversationFetcher(id), w.opts)
}

// WatchConversation subscribes to a conversation, refetching it every
// interval while the subscription is held.
func (w *Workspace) WatchConversation(id int, interval time.Duration) (*cache.Subscription, error) {
	if err := w.guard(); err != nil {
		return nil, err
	}
	opts := w.opts
	opts.RefetchInterval = interval
	fetch := w.conversationFetcher(id)
	return w.cache.Watch(ConversationKey(id), func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, opts), nil
}

func (w *Workspace) conversationFetcher(id int) func(context.Context) (models.Conversation, error) {
	return func(ctx context.Context) (models.Conversation, error) {
		return w.api.GetConversation(ctx, id)
	}
}

func (w *Workspace) History(ctx context.Context) ([]models.HistoryItem, error) {
	if err := w.guard(); err != nil {
		return nil, err
	}
	return cache.Load(ctx, w.cache, HistoryKey(), w.api.History, w.opts)
}

// Analysis returns the most recent analysis of a document, as recorded in the
// analysis history.
func (w *Workspace) Analysis(ctx context.Context, documentID int) (models.Analysis, error) {
	if err := w.guard(); err != nil {
		return models.Analysis{}, err
	}
	return cache.Load(ctx, w.cache, AnalysisKey(documentID), func(ctx context.Context) (models.Analysis, error) {
		items, err := w.api.History(ctx)
		if err != nil {
			return models.Analysis{}, err
		}
		var latest *models.Analysis
		for i := range items {
			a := &items[i].Analysis
			if a.DocumentID != documentID {
				continue
			}
			if latest == nil || a.CreatedAt.After(latest.CreatedAt.Time) {
				latest = a
			}
		}
		if latest == nil {
			return models.Analysis{}, &client.NotFoundError{
				Resource: fmt.Sprintf("analysis of document %d", documentID),
				Detail:   "Document has not been analyzed",
			}
		}
		return *latest, nil
	}, w.opts)
}

// DownloadSummary is not cached; every call fetches the file.
func (w *Workspace) DownloadSummary(ctx context.Context, documentID int) (models.SummaryFile, error) {
	if err := w.guard(); err != nil {
		return models.SummaryFile{}, err
	}
	return w.api.DownloadSummary(ctx, documentID)
}
