package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/xhad/docchat/internal/models"
)

func (c *Client) AnalyzeDocument(ctx context.Context, documentID int) (models.Analysis, error) {
	var analysis models.Analysis
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     fmt.Sprintf("/api/analysis/documents/%d/analyze", documentID),
		auth:     true,
		resource: "document",
	}, &analysis)
	return analysis, err
}

var dispositionFilename = regexp.MustCompile(`filename=(.+)`)

// DownloadSummary fetches the summary file of an analyzed document. The
// filename comes from Content-Disposition when the service sends one.
func (c *Client) DownloadSummary(ctx context.Context, documentID int) (models.SummaryFile, error) {
	resp, err := c.send(ctx, request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("/api/analysis/documents/%d/summary/download", documentID),
		auth:     true,
		resource: "analysis",
	})
	if err != nil {
		return models.SummaryFile{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.SummaryFile{}, &NetworkError{Op: "read summary", Err: err}
	}
	return models.SummaryFile{
		Filename: summaryFilename(resp.Header.Get("Content-Disposition"), documentID),
		Data:     data,
	}, nil
}

func summaryFilename(disposition string, documentID int) string {
	fallback := fmt.Sprintf("document_%d_summary.txt", documentID)
	if disposition == "" {
		return fallback
	}
	if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if m := dispositionFilename.FindStringSubmatch(disposition); len(m) > 1 {
		return strings.Trim(strings.TrimSpace(m[1]), `"`)
	}
	return fallback
}

func (c *Client) CreateConversation(ctx context.Context, documentID int) (models.Conversation, error) {
	var conv models.Conversation
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     fmt.Sprintf("/api/analysis/documents/%d/conversations", documentID),
		auth:     true,
		resource: "document",
	}, &conv)
	return conv, err
}

func (c *Client) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("/api/analysis/conversations/%d", conversationID),
		auth:     true,
		resource: "conversation",
	}, &conv)
	return conv, err
}

func (c *Client) SendMessage(ctx context.Context, conversationID int, content string) (models.Message, error) {
	r, err := jsonRequest(http.MethodPost, fmt.Sprintf("/api/analysis/conversations/%d/messages", conversationID), map[string]any{
		"conversation_id": conversationID,
		"content":         content,
		"is_user":         1,
	})
	if err != nil {
		return models.Message{}, err
	}
	r.resource = "conversation"

	var msg models.Message
	err = c.do(ctx, r, &msg)
	return msg, err
}

// AskMultiDocument sends one question about several documents; the service
// does the cross-document reasoning.
func (c *Client) AskMultiDocument(ctx context.Context, question string, documentIDs []int) (models.Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("question", question); err != nil {
		return models.Message{}, fmt.Errorf("failed to write question field: %w", err)
	}
	for _, id := range documentIDs {
		if err := w.WriteField("document_ids", strconv.Itoa(id)); err != nil {
			return models.Message{}, fmt.Errorf("failed to write document id field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return models.Message{}, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	var msg models.Message
	err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/api/analysis/multi-document-qa",
		body:        buf.Bytes(),
		contentType: w.FormDataContentType(),
		auth:        true,
		resource:    "documents",
	}, &msg)
	return msg, err
}

func (c *Client) History(ctx context.Context) ([]models.HistoryItem, error) {
	items := []models.HistoryItem{}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/analysis/history", auth: true, resource: "history"}, &items)
	return items, err
}
