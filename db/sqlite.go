package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

type SqliteStore struct {
	DB  *sqlx.DB
	now func() time.Time
}

func NewSqliteStore(dsn string) (*SqliteStore, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite only allows one writer at a time
	db.SetMaxOpenConns(1)
	slog.Info("Initialised DB connection", slog.String("dsn", dsn))
	return &SqliteStore{DB: db, now: time.Now}, nil
}

func (s *SqliteStore) ApplyMigrations(migrations embed.FS) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		return err
	}

	if err := goose.Up(s.DB.DB, "."); err != nil {
		return err
	}

	return nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) GetTokenByID(id string) string {
	t := Token{}
	err := s.DB.Get(&t, "SELECT id, value FROM tokens WHERE id = ?", id)
	if err != nil {
		return ""
	}
	return t.Value
}

func (s *SqliteStore) GetTokenMetadataByID(id string) TokenMetadata {
	t := TokenMetadata{}
	err := s.DB.Get(&t, "SELECT id, createdat, expiresin FROM tokenmetadata WHERE id = ?", id)
	if err != nil {
		return TokenMetadata{}
	}
	return t
}

func (s *SqliteStore) UpsertToken(id, value string) error {
	query := `
	INSERT INTO tokens (id, value)
	VALUES (?, ?)
	ON CONFLICT (id) DO UPDATE SET
	value = excluded.value
	WHERE id = ?
	`
	_, err := s.DB.Exec(query, id, value, id)
	return err
}

func (s *SqliteStore) UpsertTokenMetadata(id string, createdat, expiresin int64) error {
	query := `
	INSERT INTO tokenmetadata (id, createdat, expiresin)
	VALUES (?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
	createdat = excluded.createdat,
	expiresin = excluded.expiresin
	WHERE id = ?
	`
	_, err := s.DB.Exec(query, id, createdat, expiresin, id)
	return err
}

// SaveSession remembers the session the local user is in. There is only
// ever one.
func (s *SqliteStore) SaveSession(ctx context.Context, sessionID string) error {
	query := `
	INSERT INTO session_cache (id, session_id, updated_at)
	VALUES (1, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
	session_id = excluded.session_id,
	updated_at = excluded.updated_at
	`
	_, err := s.DB.ExecContext(ctx, query, sessionID, s.now().UTC())
	return err
}

// LoadSession returns the remembered session id, or an empty string.
func (s *SqliteStore) LoadSession(ctx context.Context) (string, error) {
	var id string
	err := s.DB.GetContext(ctx, &id, "SELECT session_id FROM session_cache WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (s *SqliteStore) ClearSession(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM session_cache")
	return err
}
