package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
	"github.com/xhad/docchat/internal/types"
	"github.com/xhad/docchat/pkg/client"
	"github.com/xhad/docchat/pkg/config"
	"github.com/xhad/docchat/pkg/session"
	"github.com/xhad/docchat/pkg/workspace"
)

// app is the wiring shared by every subcommand.
type app struct {
	config    *config.Config
	client    *client.Client
	session   *session.Manager
	workspace *workspace.Workspace
	closers   []func()
}

func newApp(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := config.LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if v := cmd.String("api-url"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i, e := range errs {
			joined[i] = e
		}
		return nil, fmt.Errorf("invalid config: %w", errors.Join(joined...))
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}

	a := &app{config: cfg}
	a.client, err = client.NewWithConfig(client.ClientConfig{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.Timeout,
		RateLimit: cfg.API.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize client: %w", err)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.session, err = session.NewWithConfig(session.ManagerConfig{API: a.client, Store: store})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client.UseCredentials(a.session)

	a.workspace, err = workspace.NewWithConfig(workspace.WorkspaceConfig{
		API:              a.client,
		Session:          a.session,
		GCTime:           cfg.Cache.GCTime,
		Retry:            cfg.CacheRetries(),
		UploadResetAfter: cfg.Upload.DisplayWindow,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.workspace.Close)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (types.TokenStore, error) {
	if a.config.Session.Store != "postgres" {
		return session.NewFileStore(a.config.Session.TokenFile), nil
	}
	store, err := session.NewPGStore(ctx, session.PGStoreConfig{
		ConnString: a.config.Database.URL,
		TableName:  a.config.Database.TableName,
		Profile:    a.config.Session.Profile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// restore revives the stored session behind a spinner.
func (a *app) restore(ctx context.Context) error {
	spinner := getSpinner("Restoring session...")
	err := a.session.Restore(ctx)
	spinner.Finish()
	fmt.Print("\r")

	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNoSession):
		return &client.AuthError{Message: "not logged in, run 'docchat login'"}
	case errors.Is(err, session.ErrTokenExpired):
		return &client.AuthError{Message: "session expired, run 'docchat login'"}
	default:
		return err
	}
}

type action func(ctx context.Context, cmd *cli.Command, a *app) error

// withApp runs fn with the wiring but without a session.
func withApp(fn action) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, a)
	}
}

// withSession runs fn after restoring the stored session.
func withSession(fn action) cli.ActionFunc {
	return withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
		if err := a.restore(ctx); err != nil {
			return err
		}
		return fn(ctx, cmd, a)
	})
}

func documentIDArg(cmd *cli.Command, index int) (int, error) {
	raw := cmd.Args().Get(index)
	if raw == "" {
		return 0, &client.ValidationError{Field: "document_id", Message: "document id is required"}
	}
	return parseID(raw)
}

func documentIDArgs(cmd *cli.Command) ([]int, error) {
	args := cmd.Args().Slice()
	if len(args) == 0 {
		return nil, &client.ValidationError{Field: "document_ids", Message: "at least one document id is required"}
	}
	ids := make([]int, len(args))
	for i, raw := range args {
		id, err := parseID(raw)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func parseID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, &client.ValidationError{Field: "document_id", Message: fmt.Sprintf("invalid document id %q", raw)}
	}
	return id, nil
}
