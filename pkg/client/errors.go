package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AuthError reports invalid credentials, a missing session, or a token the
// service no longer accepts.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication required"
	}
	return "authentication failed: " + e.Message
}

// ErrNotAuthenticated is returned for authenticated operations attempted
// without a session.
var ErrNotAuthenticated = &AuthError{Message: "not logged in"}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NetworkError wraps a transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RemoteError is a non-2xx response not covered by a more specific type.
type RemoteError struct {
	StatusCode int
	Detail     string
}

func (e *RemoteError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("remote error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote error: status %d: %s", e.StatusCode, e.Detail)
}

type NotFoundError struct {
	Resource string
	Detail   string
}

func (e *NotFoundError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s not found: %s", e.Resource, e.Detail)
	}
	return e.Resource + " not found"
}

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// Retryable reports whether an automatic retry of a read may succeed.
func Retryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var remote *RemoteError
	return errors.As(err, &remote) && remote.StatusCode >= 500
}

// errorDetail is the service's error body: detail is either a string or a
// list of field errors.
type errorDetail struct {
	Detail json.RawMessage `json:"detail"`
}

type fieldError struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

func parseDetail(body []byte) (field, message string) {
	var payload errorDetail
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return "", strings.TrimSpace(string(body))
	}
	var msg string
	if err := json.Unmarshal(payload.Detail, &msg); err == nil {
		return "", msg
	}
	var fields []fieldError
	if err := json.Unmarshal(payload.Detail, &fields); err == nil && len(fields) > 0 {
		first := fields[0]
		if n := len(first.Loc); n > 0 {
			field = fmt.Sprint(first.Loc[n-1])
		}
		return field, first.Msg
	}
	return "", string(payload.Detail)
}
