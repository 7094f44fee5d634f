// Package store defines the session-metadata storage interface and provides
// SQLite and PostgreSQL implementations. The broker never writes chat
// content here; the store holds only the session records the surrounding
// application queries.
package store

import (
	"context"
	"time"
)

// Store is the session-metadata persistence interface.
type Store interface {
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	CloseSession(ctx context.Context, id string) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Session is one chat session's metadata: who opened it, when, and whether
// the business considers it closed. Transport liveness is the broker's
// concern, not the store's.
type Session struct {
	ID           string    `json:"id"`
	Participant  string    `json:"participant"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	Closed       bool      `json:"closed"`
}
