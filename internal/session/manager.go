package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lexiqai/dispatch-gateway/internal/observability"
)

// Manager gives turns exclusive, all-or-nothing access to a session
type Manager struct {
	store  Store
	locks  *keyedMutex
	logger zerolog.Logger
}

// NewManager wraps store
func NewManager(store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		locks:  newKeyedMutex(),
		logger: logger.With().Str("component", "session").Str("backend", store.Name()).Logger(),
	}
}

// Store returns the underlying store
func (m *Manager) Store() Store { return m.store }

// WithSession runs fn on a private copy of session id while holding that
// session's lock. Stores implementing Locker extend the lock to every
// process sharing the store. The copy is saved only if fn succeeds; on any error the
// stored session is left as it was.
func (m *Manager) WithSession(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("wait for session %s: %w", id, err)
	}
	defer unlock()

	if locker, ok := m.store.(Locker); ok {
		release, err := locker.Lock(ctx, id)
		observability.RecordSessionStoreOp(m.store.Name(), "lock", err == nil)
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to lock session")
			return nil, fmt.Errorf("wait for session %s: %w", id, err)
		}
		defer func() {
			if err := release(); err != nil {
				m.logger.Error().Err(err).Str("session_id", id).Msg("Failed to release session lock")
			}
		}()
	}

	stored, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ClearPendingDestination()

	if err := m.save(ctx, working); err != nil {
		return nil, err
	}
	return working, nil
}

// Get loads a session without locking it
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	return m.load(ctx, id)
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	sess, err := m.store.Load(ctx, id)
	observability.RecordSessionStoreOp(m.store.Name(), "load", err == nil)
	if err != nil {
		m.logger.Error().Err(err).Str("session_id", id).Msg("Failed to load session")
		return nil, storeFailure(err)
	}
	return sess, nil
}

func (m *Manager) save(ctx context.Context, sess *Session) error {
	err := m.store.Save(ctx, sess)
	observability.RecordSessionStoreOp(m.store.Name(), "save", err == nil)
	if err != nil {
		m.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to save session")
		return storeFailure(err)
	}
	return nil
}

func storeFailure(err error) error {
	if errors.Is(err, ErrStoreFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreFailure, err)
}
