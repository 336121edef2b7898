package workspace

import (
	"context"
	"strings"
	"time"

	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/pkg/cache"
	"github.com/xhad/docchat/pkg/client"
	"github.com/xhad/docchat/pkg/mutation"
	"golang.org/x/sync/errgroup"
)

type TagsArgs struct {
	DocumentID int
	Tags       []string
}

type MessageArgs struct {
	ConversationID int
	Content        string
}

type QuestionArgs struct {
	Question    string
	DocumentIDs []int
}

func (w *Workspace) registerMutations(uploadReset time.Duration) {
	w.Upload = mutation.New(w.cache, mutation.Spec[[]models.Upload, []models.Document]{
		Kind: "upload",
		Do:   w.uploadAll,
		Invalidate: func([]models.Upload, []models.Document) mutation.Invalidation {
			return mutation.Invalidation{Kinds: []cache.Kind{KindDocuments, KindSearch}}
		},
		ResetAfter: uploadReset,
	})

	w.Delete = mutation.New(w.cache, mutation.Spec[int, struct{}]{
		Kind: "delete",
		Do: func(ctx context.Context, id int) (struct{}, error) {
			return struct{}{}, w.api.DeleteDocument(ctx, id)
		},
		Invalidate: func(id int, _ struct{}) mutation.Invalidation {
			return mutation.Invalidation{
				Kinds: []cache.Kind{KindDocuments, KindSearch, KindHistory},
				Keys:  []cache.Key{DocumentKey(id)},
			}
		},
	})

	w.UpdateTags = mutation.New(w.cache, mutation.Spec[TagsArgs, struct{}]{
		Kind: "update-tags",
		Do: func(ctx context.Context, args TagsArgs) (struct{}, error) {
			return struct{}{}, w.api.UpdateTags(ctx, args.DocumentID, args.Tags)
		},
		Invalidate: func(args TagsArgs, _ struct{}) mutation.Invalidation {
			// Search also matches tags.
			return mutation.Invalidation{
				Keys:  []cache.Key{DocumentKey(args.DocumentID)},
				Kinds: []cache.Kind{KindSearch},
			}
		},
	})

	w.Analyze = mutation.New(w.cache, mutation.Spec[int, models.Analysis]{
		Kind: "analyze",
		Do:   w.api.AnalyzeDocument,
		Invalidate: func(id int, _ models.Analysis) mutation.Invalidation {
			return mutation.Invalidation{
				Keys:  []cache.Key{AnalysisKey(id)},
				Kinds: []cache.Kind{KindHistory},
			}
		},
	})

	w.SendMessage = mutation.New(w.cache, mutation.Spec[MessageArgs, models.Message]{
		Kind: "send-message",
		Do: func(ctx context.Context, args MessageArgs) (models.Message, error) {
			return w.api.SendMessage(ctx, args.ConversationID, args.Content)
		},
		Invalidate: func(args MessageArgs, _ models.Message) mutation.Invalidation {
			return mutation.Invalidation{Keys: []cache.Key{ConversationKey(args.ConversationID)}}
		},
	})

	w.CreateConversation = mutation.New(w.cache, mutation.Spec[int, models.Conversation]{
		Kind: "create-conversation",
		Do:   w.api.CreateConversation,
	})

	w.AskMulti = mutation.New(w.cache, mutation.Spec[QuestionArgs, models.Message]{
		Kind: "ask-multi",
		Do: func(ctx context.Context, args QuestionArgs) (models.Message, error) {
			return w.api.AskMultiDocument(ctx, args.Question, args.DocumentIDs)
		},
	})
}

// uploadAll sends every file concurrently and succeeds only if all of them
// do. Files already accepted before a failure stay on the service.
func (w *Workspace) uploadAll(ctx context.Context, uploads []models.Upload) ([]models.Document, error) {
	docs := make([]models.Document, len(uploads))
	g, ctx := errgroup.WithContext(ctx)
	for i, upload := range uploads {
		g.Go(func() error {
			doc, err := w.api.UploadDocument(ctx, upload)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (w *Workspace) UploadDocuments(ctx context.Context, uploads ...models.Upload) ([]models.Document, error) {
	if err := w.guard(); err != nil {
		return nil, err
	}
	if len(uploads) == 0 {
		return nil, &client.ValidationError{Field: "file", Message: "select at least one file"}
	}
	return w.Upload.Run(ctx, uploads)
}

func (w *Workspace) DeleteDocument(ctx context.Context, id int) error {
	if err := w.guard(); err != nil {
		return err
	}
	_, err := w.Delete.Run(ctx, id)
	return err
}

// SetTags replaces a document's tags. Order is preserved; blank tags are
// dropped.
func (w *Workspace) SetTags(ctx context.Context, id int, tags []string) error {
	if err := w.guard(); err != nil {
		return err
	}
	_, err := w.UpdateTags.Run(ctx, TagsArgs{DocumentID: id, Tags: cleanTags(tags)})
	return err
}

func (w *Workspace) AnalyzeDocument(ctx context.Context, id int) (models.Analysis, error) {
	if err := w.guard(); err != nil {
		return models.Analysis{}, err
	}
	return w.Analyze.Run(ctx, id)
}

func (w *Workspace) StartConversation(ctx context.Context, documentID int) (models.Conversation, error) {
	if err := w.guard(); err != nil {
		return models.Conversation{}, err
	}
	return w.CreateConversation.Run(ctx, documentID)
}

func (w *Workspace) Send(ctx context.Context, conversationID int, content string) (models.Message, error) {
	if err := w.guard(); err != nil {
		return models.Message{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, &client.ValidationError{Field: "content", Message: "message cannot be empty"}
	}
	return w.SendMessage.Run(ctx, MessageArgs{ConversationID: conversationID, Content: content})
}

func (w *Workspace) AskAcrossDocuments(ctx context.Context, question string, documentIDs []int) (models.Message, error) {
	if err := w.guard(); err != nil {
		return models.Message{}, err
	}
	return w.AskMulti.Run(ctx, QuestionArgs{Question: question, DocumentIDs: documentIDs})
}

// ParseTags splits a comma-separated tag list.
func ParseTags(input string) []string {
	return cleanTags(strings.Split(input, ","))
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
