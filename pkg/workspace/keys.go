package workspace

import (
	"strings"

	"github.com/xhad/docchat/pkg/cache"
)

const (
	KindDocuments    cache.Kind = "documents"
	KindDocument     cache.Kind = "document"
	KindSearch       cache.Kind = "search"
	KindConversation cache.Kind = "conversation"
	KindAnalysis     cache.Kind = "analysis"
	KindHistory      cache.Kind = "history"
)

func DocumentsKey() cache.Key {
	return cache.NewKey(KindDocuments)
}

func DocumentKey(id int) cache.Key {
	return cache.NewKey(KindDocument, id)
}

func SearchKey(query string) cache.Key {
	return cache.NewKey(KindSearch, strings.TrimSpace(query))
}

func ConversationKey(id int) cache.Key {
	return cache.NewKey(KindConversation, id)
}

func AnalysisKey(documentID int) cache.Key {
	return cache.NewKey(KindAnalysis, documentID)
}

func HistoryKey() cache.Key {
	return cache.NewKey(KindHistory)
}
