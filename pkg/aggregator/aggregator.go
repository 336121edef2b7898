// Package aggregator runs questions and summaries over several documents at
// once.
package aggregator

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/pkg/client"
	"golang.org/x/sync/errgroup"
)

type Workspace interface {
	AskAcrossDocuments(ctx context.Context, question string, documentIDs []int) (models.Message, error)
	AnalyzeDocument(ctx context.Context, documentID int) (models.Analysis, error)
}

type AggregatorConfig struct {
	Workspace Workspace
	// Concurrency bounds the analyses run at once. Zero means one per document.
	Concurrency int
}

type Aggregator struct {
	ws          Workspace
	concurrency int
}

func NewWithConfig(config AggregatorConfig) (*Aggregator, error) {
	if config.Workspace == nil {
		return nil, fmt.Errorf("aggregator requires a workspace")
	}
	return &Aggregator{ws: config.Workspace, concurrency: config.Concurrency}, nil
}

func New(ws Workspace) (*Aggregator, error) {
	return NewWithConfig(AggregatorConfig{Workspace: ws})
}

// AskAcrossDocuments asks one question against every listed document.
func (a *Aggregator) AskAcrossDocuments(ctx context.Context, question string, documentIDs []int) (models.Message, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.Message{}, &client.ValidationError{Field: "question", Message: "question cannot be empty"}
	}
	if len(documentIDs) == 0 {
		return models.Message{}, &client.ValidationError{Field: "document_ids", Message: "select at least one document"}
	}

	log.Debug("Asking across documents", "documents", len(documentIDs))
	answer, err := a.ws.AskAcrossDocuments(ctx, question, documentIDs)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to ask across documents: %w", err)
	}
	return answer, nil
}

// SummarizeAcrossDocuments analyzes every document concurrently and joins the
// summaries in the order of documentIDs, separated by a blank line. If any
// analysis fails the whole result fails.
func (a *Aggregator) SummarizeAcrossDocuments(ctx context.Context, documentIDs []int) (string, error) {
	if len(documentIDs) == 0 {
		return "", &client.ValidationError{Field: "document_ids", Message: "select at least one document"}
	}

	summaries := make([]string, len(documentIDs))
	g, ctx := errgroup.WithContext(ctx)
	if a.concurrency > 0 {
		g.SetLimit(a.concurrency)
	}
	for i, id := range documentIDs {
		g.Go(func() error {
			analysis, err := a.ws.AnalyzeDocument(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to summarize document %d: %w", id, err)
			}
			summaries[i] = analysis.Summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return strings.Join(summaries, "\n\n"), nil
}
