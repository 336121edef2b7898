package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStoreConfig struct {
	ConnString string
	TableName  string
	Profile    string
}

// PGStore keeps one token per profile in PostgreSQL, for workstations where
// several machines share a login.
type PGStore struct {
	config PGStoreConfig
	pool   *pgxpool.Pool
}

func NewPGStore(ctx context.Context, config PGStoreConfig) (*PGStore, error) {
	if config.TableName == "" {
		config.TableName = "docchat_tokens"
	}
	if config.Profile == "" {
		config.Profile = "default"
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PGStore{
		config: config,
		pool:   pool,
	}

	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PGStore) initialize(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			profile TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, pgx.Identifier{s.config.TableName}.Sanitize())

	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (s *PGStore) Load(ctx context.Context) (string, error) {
	query := fmt.Sprintf(`SELECT token FROM %s WHERE profile = $1`,
		pgx.Identifier{s.config.TableName}.Sanitize())

	var token string
	err := s.pool.QueryRow(ctx, query, s.config.Profile).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}
	return token, nil
}

func (s *PGStore) Save(ctx context.Context, token string) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (profile, token, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (profile) DO UPDATE SET
			token = EXCLUDED.token,
			updated_at = EXCLUDED.updated_at`,
		pgx.Identifier{s.config.TableName}.Sanitize())

	if _, err := s.pool.Exec(ctx, stmt, s.config.Profile, token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (s *PGStore) Clear(ctx context.Context) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE profile = $1`,
		pgx.Identifier{s.config.TableName}.Sanitize())

	if _, err := s.pool.Exec(ctx, stmt, s.config.Profile); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	return nil
}

func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
