package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
)

type failingStore struct {
	*MemoryStore
	failLoad bool
	failSave bool
}

func (f *failingStore) Load(ctx context.Context, id string) (*Session, error) {
	if f.failLoad {
		return nil, errors.New("disk on fire")
	}
	return f.MemoryStore.Load(ctx, id)
}

func (f *failingStore) Save(ctx context.Context, s *Session) error {
	if f.failSave {
		return errors.New("disk full")
	}
	return f.MemoryStore.Save(ctx, s)
}

func appendUser(s *Session, text string) error {
	h, err := s.History.Append(conversation.NewUserMessage(text))
	if err != nil {
		return err
	}
	s.History = h
	return nil
}

func TestWithSession_SavesOnSuccess(t *testing.T) {
	m := NewManager(NewMemoryStore(), zerolog.Nop())

	out, err := m.WithSession(context.Background(), "s1", func(s *Session) error {
		s.SetPendingDestination("direct")
		return appendUser(s, "hello")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.History.Len())
	assert.Empty(t, out.PendingDestination())

	stored, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.History.Len())
}

func TestWithSession_ErrorLeavesSessionUnchanged(t *testing.T) {
	m := NewManager(NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()

	_, err := m.WithSession(ctx, "s1", func(s *Session) error { return appendUser(s, "first") })
	require.NoError(t, err)

	boom := errors.New("generation failed")
	_, err = m.WithSession(ctx, "s1", func(s *Session) error {
		require.NoError(t, appendUser(s, "second"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.History.Len())
}

func TestWithSession_StoreFailures(t *testing.T) {
	ctx := context.Background()

	m := NewManager(&failingStore{MemoryStore: NewMemoryStore(), failLoad: true}, zerolog.Nop())
	called := false
	_, err := m.WithSession(ctx, "s1", func(*Session) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrStoreFailure)
	assert.False(t, called)

	store := &failingStore{MemoryStore: NewMemoryStore(), failSave: true}
	m = NewManager(store, zerolog.Nop())
	_, err = m.WithSession(ctx, "s1", func(s *Session) error { return appendUser(s, "hi") })
	assert.ErrorIs(t, err, ErrStoreFailure)
	assert.Equal(t, 0, store.Len())
}

func TestWithSession_InvalidID(t *testing.T) {
	m := NewManager(NewMemoryStore(), zerolog.Nop())
	_, err := m.WithSession(context.Background(), "", func(*Session) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestWithSession_SerializesSameSession(t *testing.T) {
	m := NewManager(NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()

	const turns = 20
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.WithSession(ctx, "shared", func(s *Session) error {
				// Widen the read-modify-write window
				time.Sleep(time.Millisecond)
				return appendUser(s, fmt.Sprintf("turn %d", i))
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := m.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, turns, stored.History.Len())
	assert.Equal(t, 0, m.locks.size())
}

func TestWithSession_DistinctSessionsRunConcurrently(t *testing.T) {
	m := NewManager(NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()

	inA := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := m.WithSession(ctx, "a", func(s *Session) error {
			close(inA)
			<-release
			return appendUser(s, "from a")
		})
		done <- err
	}()
	<-inA

	_, err := m.WithSession(ctx, "b", func(s *Session) error { return appendUser(s, "from b") })
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)

	a, err := m.Get(ctx, "a")
	require.NoError(t, err)
	b, err := m.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "from a", a.History.At(0).Text)
	assert.Equal(t, "from b", b.History.At(0).Text)
	assert.Equal(t, 1, a.History.Len())
	assert.Equal(t, 1, b.History.Len())
}

func TestWithSession_ContextCancelledWhileWaiting(t *testing.T) {
	m := NewManager(NewMemoryStore(), zerolog.Nop())

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		m.WithSession(context.Background(), "s1", func(*Session) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.WithSession(ctx, "s1", func(*Session) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

type lockingStore struct {
	*MemoryStore
	lockErr  error
	locked   []string
	released int
}

func (l *lockingStore) Lock(ctx context.Context, id string) (func() error, error) {
	if l.lockErr != nil {
		return nil, l.lockErr
	}
	l.locked = append(l.locked, id)
	return func() error { l.released++; return nil }, nil
}

func TestWithSession_UsesStoreLock(t *testing.T) {
	store := &lockingStore{MemoryStore: NewMemoryStore()}
	m := NewManager(store, zerolog.Nop())

	_, err := m.WithSession(context.Background(), "s1", func(s *Session) error {
		assert.Equal(t, []string{"s1"}, store.locked)
		assert.Equal(t, 0, store.released)
		return appendUser(s, "hi")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.released)

	_, err = m.WithSession(context.Background(), "s1", func(*Session) error { return errors.New("boom") })
	assert.Error(t, err)
	assert.Equal(t, 2, store.released)
}

func TestWithSession_StoreLockFailure(t *testing.T) {
	store := &lockingStore{
		MemoryStore: NewMemoryStore(),
		lockErr:     fmt.Errorf("%w: connection refused", ErrStoreFailure),
	}
	m := NewManager(store, zerolog.Nop())

	called := false
	_, err := m.WithSession(context.Background(), "s1", func(*Session) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrStoreFailure)
	assert.False(t, called)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, m.locks.size())
}
