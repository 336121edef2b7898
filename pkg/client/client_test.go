package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/testutil/fakeapi"
)

type staticCreds struct {
	token       string
	invalidated atomic.Int32
	rejected    atomic.Value
}

func (c *staticCreds) Token() string { return c.token }

func (c *staticCreds) Invalidate(token string) {
	c.invalidated.Add(1)
	c.rejected.Store(token)
}

func newTestClient(t *testing.T) (*Client, *fakeapi.Server, *staticCreds) {
	t.Helper()
	api := fakeapi.New()
	t.Cleanup(api.Close)
	api.AddUser("alice", "secret1")

	c, err := NewWithConfig(ClientConfig{BaseURL: api.URL})
	require.NoError(t, err)
	creds := &staticCreds{token: api.IssueToken("alice", time.Hour)}
	c.UseCredentials(creds)
	return c, api, creds
}

func TestNewWithConfig(t *testing.T) {
	_, err := NewWithConfig(ClientConfig{BaseURL: "not a url"})
	assert.Error(t, err)

	c, err := NewWithConfig(ClientConfig{})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", c.base.String())
}

func TestLogin(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	token, err := c.Login(ctx, "alice", "secret1")
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.Equal(t, "bearer", token.TokenType)

	_, err = c.Login(ctx, "alice", "wrong")
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.Contains(t, err.Error(), "Incorrect username or password")
}

func TestAuthenticatedRequestAttachesToken(t *testing.T) {
	var gotAuth, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")
		w.Write([]byte(`{"id": 7, "username": "alice", "is_active": true, "created_at": "2024-05-01T10:00:00.123456"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.UseCredentials(&staticCreds{token: "abc"})
	user, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.NotEmpty(t, gotRequestID)
	assert.Equal(t, 7, user.ID)
	assert.Equal(t, 2024, user.CreatedAt.Year())
}

func TestMissingTokenFailsBeforeDispatch(t *testing.T) {
	c, api, _ := newTestClient(t)
	c.UseCredentials(&staticCreds{})

	_, err := c.ListDocuments(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, api.Hits("GET /api/documents/"))
}

func TestUnauthorizedInvalidatesCredentials(t *testing.T) {
	c, api, creds := newTestClient(t)
	api.Revoke(creds.token)

	_, err := c.ListDocuments(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.EqualValues(t, 1, creds.invalidated.Load())
	assert.Equal(t, creds.token, creds.rejected.Load())
}

func TestErrorTaxonomy(t *testing.T) {
	c, api, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetDocument(ctx, 999)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "Document not found")

	api.FailNext("GET /api/documents/", 1)
	_, err = c.ListDocuments(ctx)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusInternalServerError, remote.StatusCode)
	assert.True(t, Retryable(err))

	down := New("http://127.0.0.1:1")
	down.UseCredentials(&staticCreds{token: "x"})
	_, err = down.ListDocuments(ctx)
	var netErr *NetworkError
	assert.ErrorAs(t, err, &netErr)
	assert.True(t, Retryable(err))
}

func TestValidationDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":[{"loc":["body","password"],"msg":"field required","type":"value_error.missing"}]}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Signup(context.Background(), "bob", "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password", verr.Field)
	assert.Equal(t, "field required", verr.Message)
}

func TestDocumentLifecycle(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	doc, err := c.UploadDocument(ctx, models.Upload{Filename: "notes.txt", Content: strings.NewReader("hello world")})
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", doc.Filename)
	assert.Equal(t, "TXT", doc.FileType)

	docs, err := c.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	require.NoError(t, c.UpdateTags(ctx, doc.ID, []string{"b", "a", "c"}))
	detail, err := c.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", detail.Content)
	assert.Equal(t, models.TagList{"b", "a", "c"}, detail.Tags)

	found, err := c.SearchDocuments(ctx, "hello wor")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	require.NoError(t, c.DeleteDocument(ctx, doc.ID))
	_, err = c.GetDocument(ctx, doc.ID)
	assert.True(t, IsNotFound(err))
}

func TestUploadRequiresFilename(t *testing.T) {
	c, api, _ := newTestClient(t)
	_, err := c.UploadDocument(context.Background(), models.Upload{Content: strings.NewReader("x")})
	assert.True(t, IsValidation(err))
	assert.Zero(t, api.Hits("POST /api/documents/upload"))
}

func TestConversationAndAnalysis(t *testing.T) {
	c, api, _ := newTestClient(t)
	ctx := context.Background()
	id := api.AddDocument("report.pdf", "quarterly numbers")

	analysis, err := c.AnalyzeDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, analysis.DocumentID)
	assert.Equal(t, []string{"topic"}, analysis.Topics())

	file, err := c.DownloadSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "report_summary.txt", file.Filename)
	assert.Equal(t, analysis.Summary, string(file.Data))

	conv, err := c.CreateConversation(ctx, id)
	require.NoError(t, err)
	reply, err := c.SendMessage(ctx, conv.ID, "what changed?")
	require.NoError(t, err)
	assert.False(t, bool(reply.IsUser))

	conv, err = c.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.True(t, bool(conv.Messages[0].IsUser))
	assert.Equal(t, "what changed?", conv.Messages[0].Content)

	history, err := c.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "report.pdf", history[0].Document.Filename)

	answer, err := c.AskMultiDocument(ctx, "compare", []int{id, id + 100})
	require.NoError(t, err)
	assert.Contains(t, answer.Content, "compare")
}

func TestSummaryFilename(t *testing.T) {
	tests := []struct {
		disposition string
		expected    string
	}{
		{"", "document_3_summary.txt"},
		{"attachment; filename=report_summary.txt", "report_summary.txt"},
		{`attachment; filename="q1 report_summary.txt"`, "q1 report_summary.txt"},
		{"attachment; filename=q1 report_summary.txt", "q1 report_summary.txt"},
		{"inline", "document_3_summary.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.disposition, func(t *testing.T) {
			assert.Equal(t, tt.expected, summaryFilename(tt.disposition, 3))
		})
	}
}
