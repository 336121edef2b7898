package types

import (
	"context"

	"github.com/xhad/docchat/internal/models"
)

// TokenStore is the durable home of the bearer token. Load returns an empty
// string when no token is stored.
type TokenStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

type AuthAPI interface {
	Login(ctx context.Context, username, password string) (models.Token, error)
	Signup(ctx context.Context, username, password string) (models.User, error)
	Me(ctx context.Context) (models.User, error)
}

type DocumentAPI interface {
	UploadDocument(ctx context.Context, upload models.Upload) (models.Document, error)
	ListDocuments(ctx context.Context) ([]models.Document, error)
	GetDocument(ctx context.Context, id int) (models.DocumentDetail, error)
	DeleteDocument(ctx context.Context, id int) error
	UpdateTags(ctx context.Context, id int, tags []string) error
	SearchDocuments(ctx context.Context, query string) ([]models.Document, error)
}

type AnalysisAPI interface {
	AnalyzeDocument(ctx context.Context, documentID int) (models.Analysis, error)
	DownloadSummary(ctx context.Context, documentID int) (models.SummaryFile, error)
	CreateConversation(ctx context.Context, documentID int) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int) (models.Conversation, error)
	SendMessage(ctx context.Context, conversationID int, content string) (models.Message, error)
	AskMultiDocument(ctx context.Context, question string, documentIDs []int) (models.Message, error)
	History(ctx context.Context) ([]models.HistoryItem, error)
}

// API is the full remote surface consumed by the client core.
type API interface {
	AuthAPI
	DocumentAPI
	AnalysisAPI
}

// Credentials supplies the bearer token for authenticated requests and is told
// when the service rejects the token a request carried.
type Credentials interface {
	Token() string
	Invalidate(token string)
}
