package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

// SQLStore keeps opaque tokens in a SQLite database so they survive restarts
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (or creates) tokens.db under dataDir
func OpenSQLStore(ctx context.Context, dataDir string) (*SQLStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "tokens.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := NewSQLStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database and creates the schema if needed
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		value TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		record TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_expires ON tokens(expires_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database, used by the health endpoint
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) StoreAccessToken(ctx context.Context, token *AccessToken) (string, error) {
	data, err := marshalAccess(token)
	if err != nil {
		return "", fmt.Errorf("failed to marshal access token: %w", err)
	}
	return s.insert(ctx, kindAccess, data, token.ExpiresAt)
}

func (s *SQLStore) ReadAccessToken(ctx context.Context, value string) (*AccessToken, error) {
	r, err := s.get(ctx, kindAccess, value)
	if err != nil {
		return nil, err
	}
	return r.accessToken(value), nil
}

func (s *SQLStore) RemoveAccessToken(ctx context.Context, value string) error {
	return s.remove(ctx, kindAccess, value)
}

func (s *SQLStore) StoreRefreshToken(ctx context.Context, token *RefreshToken) (string, error) {
	data, err := marshalRefresh(token)
	if err != nil {
		return "", fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	return s.insert(ctx, kindRefresh, data, token.ExpiresAt)
}

func (s *SQLStore) ReadRefreshToken(ctx context.Context, value string) (*RefreshToken, error) {
	r, err := s.get(ctx, kindRefresh, value)
	if err != nil {
		return nil, err
	}
	return r.refreshToken(value), nil
}

func (s *SQLStore) RemoveRefreshToken(ctx context.Context, value string) error {
	return s.remove(ctx, kindRefresh, value)
}

// Cleanup deletes tokens that expired before cutoff
func (s *SQLStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) insert(ctx context.Context, kind string, data []byte, expiresAt time.Time) (string, error) {
	value := generateValue()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (value, kind, record, expires_at) VALUES (?, ?, ?, ?)`,
		value, kind, string(data), expiresAt.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to store %s token: %w", kind, err)
	}
	return value, nil
}

func (s *SQLStore) get(ctx context.Context, kind, value string) (*record, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM tokens WHERE value = ? AND kind = ?`, value, kind,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s token: %w", kind, err)
	}
	return unmarshalRecord([]byte(data))
}

func (s *SQLStore) remove(ctx context.Context, kind, value string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE value = ? AND kind = ?`, value, kind); err != nil {
		return fmt.Errorf("failed to delete %s token: %w", kind, err)
	}
	return nil
}
