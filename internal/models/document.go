package models

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Timestamp accepts the naive ISO-8601 datetimes the service emits as well as
// RFC 3339.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

type User struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	IsActive  bool      `json:"is_active"`
	CreatedAt Timestamp `json:"created_at"`
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type Document struct {
	ID          int       `json:"id"`
	Filename    string    `json:"filename"`
	FileType    string    `json:"file_type"`
	UploadDate  Timestamp `json:"upload_date"`
	StoragePath string    `json:"file_path"`
}

type DocumentDetail struct {
	Document
	Content string  `json:"content,omitempty"`
	Tags    TagList `json:"tags,omitempty"`
}

// TagList decodes tags sent either as a JSON array or as a JSON-encoded
// string holding an array.
type TagList []string

func (t *TagList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = list
		return nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return fmt.Errorf("invalid tags: %w", err)
	}
	if strings.TrimSpace(encoded) == "" {
		*t = nil
		return nil
	}
	if err := json.Unmarshal([]byte(encoded), &list); err != nil {
		return fmt.Errorf("invalid tags: %w", err)
	}
	*t = list
	return nil
}

type Analysis struct {
	ID         int       `json:"id"`
	DocumentID int       `json:"document_id"`
	Summary    string    `json:"summary"`
	KeyTopics  string    `json:"key_topics"`
	CreatedAt  Timestamp `json:"created_at"`
}

// Topics decodes the serialized key topic list. A malformed list yields nil.
func (a Analysis) Topics() []string {
	var topics []string
	if err := json.Unmarshal([]byte(a.KeyTopics), &topics); err != nil {
		return nil
	}
	return topics
}

type HistoryItem struct {
	Analysis Analysis `json:"analysis"`
	Document Document `json:"document"`
}

// Upload is a single file handed to the upload mutation.
type Upload struct {
	Filename string
	Content  io.Reader
}

type SummaryFile struct {
	Filename string
	Data     []byte
}
