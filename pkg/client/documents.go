package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"

	"github.com/xhad/docchat/internal/models"
)

func documentPath(id int) string {
	return fmt.Sprintf("/api/documents/%d", id)
}

func (c *Client) UploadDocument(ctx context.Context, upload models.Upload) (models.Document, error) {
	if upload.Filename == "" {
		return models.Document{}, &ValidationError{Field: "file", Message: "filename is required"}
	}
	if upload.Content == nil {
		return models.Document{}, &ValidationError{Field: "file", Message: "content is required"}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(upload.Filename)))
	contentType := mime.TypeByExtension(filepath.Ext(upload.Filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := io.Copy(part, upload.Content); err != nil {
		return models.Document{}, fmt.Errorf("failed to read %s: %w", upload.Filename, err)
	}
	if err := w.Close(); err != nil {
		return models.Document{}, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	var doc models.Document
	err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/api/documents/upload",
		body:        buf.Bytes(),
		contentType: w.FormDataContentType(),
		auth:        true,
		resource:    "document",
	}, &doc)
	return doc, err
}

func (c *Client) ListDocuments(ctx context.Context) ([]models.Document, error) {
	docs := []models.Document{}
	err := c.do(ctx, request{method: http.MethodGet, path: "/api/documents/", auth: true, resource: "documents"}, &docs)
	return docs, err
}

func (c *Client) GetDocument(ctx context.Context, id int) (models.DocumentDetail, error) {
	var doc models.DocumentDetail
	err := c.do(ctx, request{method: http.MethodGet, path: documentPath(id), auth: true, resource: "document"}, &doc)
	return doc, err
}

func (c *Client) DeleteDocument(ctx context.Context, id int) error {
	return c.do(ctx, request{method: http.MethodDelete, path: documentPath(id), auth: true, resource: "document"}, nil)
}

// UpdateTags replaces the whole tag set of a document.
func (c *Client) UpdateTags(ctx context.Context, id int, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	r, err := jsonRequest(http.MethodPut, documentPath(id)+"/tags", tags)
	if err != nil {
		return err
	}
	r.resource = "document"
	return c.do(ctx, r, nil)
}

func (c *Client) SearchDocuments(ctx context.Context, query string) ([]models.Document, error) {
	docs := []models.Document{}
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "/api/documents/search",
		query:    url.Values{"query": {query}},
		auth:     true,
		resource: "documents",
	}, &docs)
	return docs, err
}
