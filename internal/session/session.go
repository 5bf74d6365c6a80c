// Package session persists conversations between turns and serializes turns
// that target the same session.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
)

var (
	// ErrStoreFailure wraps every persistence error
	ErrStoreFailure = errors.New("session store failure")

	// ErrInvalidID is returned for an empty session id
	ErrInvalidID = errors.New("session id is required")
)

// Session is the persisted state of one conversation
type Session struct {
	ID        string               `json:"session_id"`
	History   conversation.History `json:"history"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`

	// pendingDestination only lives between routing and dispatch in one turn
	pendingDestination string
}

// New returns an empty session
func New(id string) *Session {
	now := time.Now().UTC()
	return &Session{ID: id, CreatedAt: now, UpdatedAt: now}
}

// Clone returns a copy that can be modified without affecting s.
// History is copy-on-write so sharing it is safe.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// SetPendingDestination records the routing decision for the current turn
func (s *Session) SetPendingDestination(dest string) { s.pendingDestination = dest }

// PendingDestination returns the routing decision for the current turn
func (s *Session) PendingDestination() string { return s.pendingDestination }

// ClearPendingDestination drops the transient routing decision
func (s *Session) ClearPendingDestination() { s.pendingDestination = "" }

// Store is a key-value persistence boundary for sessions.
// Load returns a fresh, unsaved session when id is unknown.
// Save overwrites any previous value for the same id.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Name() string
}

// Locker is implemented by stores that several processes share. Lock holds
// id exclusively across all of them until the returned release func runs.
// Lock waits until the session is free or ctx is done.
type Locker interface {
	Lock(ctx context.Context, id string) (release func() error, err error)
}

// Pinger is implemented by stores backed by a remote or on-disk resource
type Pinger interface {
	Ping(ctx context.Context) (bool, error)
}

// Closer is implemented by stores holding connections
type Closer interface {
	Close() error
}
