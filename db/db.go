// Package db is the local sqlite store: Spotify credentials, the session
// to reconcile after a restart and the jam history tables.
package db

import (
	"context"
	"embed"
)

type Token struct {
	ID    string `db:"id"`
	Value string `db:"value"`
}

type TokenMetadata struct {
	ID        string `db:"id"`
	CreatedAt int64  `db:"createdat"`
	ExpiresIn int64  `db:"expiresin"`
}

type Store interface {
	ApplyMigrations(migrations embed.FS) error
	GetTokenByID(id string) string
	UpsertToken(id, value string) error
	GetTokenMetadataByID(id string) TokenMetadata
	UpsertTokenMetadata(id string, createdat, expiresin int64) error
	SaveSession(ctx context.Context, sessionID string) error
	LoadSession(ctx context.Context) (string, error)
	ClearSession(ctx context.Context) error
	Close() error
}
