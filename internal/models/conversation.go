package models

import (
	"encoding/json"
	"fmt"
)

// UserFlag is the author marker of a message. The service encodes it as the
// integer 1 (user) or 0 (assistant).
type UserFlag bool

func (f *UserFlag) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*f = n != 0
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("invalid is_user: %s", data)
	}
	*f = UserFlag(b)
	return nil
}

func (f UserFlag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

type Message struct {
	ID        int       `json:"id"`
	Content   string    `json:"content"`
	IsUser    UserFlag  `json:"is_user"`
	CreatedAt Timestamp `json:"created_at"`
}

type Conversation struct {
	ID         int       `json:"id"`
	DocumentID int       `json:"document_id"`
	CreatedAt  Timestamp `json:"created_at"`
	Messages   []Message `json:"messages"`
}
