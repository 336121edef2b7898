package config

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/charmbracelet/log"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate API config
	if c.API.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "api.base_url",
			Message: "service base URL is required",
		})
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "api.base_url",
			Message: "invalid service base URL",
		})
	}

	if c.API.Timeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "api.timeout",
			Message: "timeout must not be negative",
		})
	}

	if c.API.RateLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "api.rate_limit",
			Message: "rate_limit must not be negative",
		})
	}

	// Validate session config
	switch c.Session.Store {
	case "file":
		if c.Session.TokenFile == "" {
			errors = append(errors, ValidationError{
				Field:   "session.token_file",
				Message: "token_file is required for the file store",
			})
		}
	case "postgres":
		if c.Database.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "database URL is required for the postgres store",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "session.store",
			Message: fmt.Sprintf("unknown token store %q", c.Session.Store),
		})
	}

	if c.Database.URL != "" {
		if _, err := url.Parse(c.Database.URL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	}

	if !tableName.MatchString(c.Database.TableName) {
		errors = append(errors, ValidationError{
			Field:   "database.table_name",
			Message: "table_name must be a plain SQL identifier",
		})
	}

	// Validate cache and timing config
	if c.Cache.GCTime < 0 {
		errors = append(errors, ValidationError{
			Field:   "cache.gc_time",
			Message: "gc_time must not be negative",
		})
	}

	if c.CacheRetries() < 0 {
		errors = append(errors, ValidationError{
			Field:   "cache.retry",
			Message: "retry must not be negative",
		})
	}

	if c.Chat.PollInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "chat.poll_interval",
			Message: "poll_interval must be positive",
		})
	}

	if c.Upload.DisplayWindow < 0 {
		errors = append(errors, ValidationError{
			Field:   "upload.display_window",
			Message: "display_window must not be negative",
		})
	}

	if c.Scraper.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "scraper.rate_limit",
			Message: "rate_limit must be positive",
		})
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errors = append(errors, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("unknown log level %q", c.Log.Level),
		})
	}

	return errors
}
