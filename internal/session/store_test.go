package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
)

func sampleHistory(t *testing.T) conversation.History {
	t.Helper()
	h, err := conversation.NewHistory(
		conversation.NewUserMessage("What time is it?"),
		conversation.NewToolResultMessage("get_current_time", "2024-01-01T12:00:00Z", "call-1"),
		conversation.NewAssistantMessage("It is noon."),
	)
	require.NoError(t, err)
	return h
}

// exerciseStore checks the Load/Save contract shared by every backend
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	fresh, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", fresh.ID)
	assert.Equal(t, 0, fresh.History.Len())

	fresh.History = sampleHistory(t)
	fresh.SetPendingDestination("get_current_time")
	require.NoError(t, store.Save(ctx, fresh))

	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 3, loaded.History.Len())
	assert.True(t, loaded.History.At(1).Equal(sampleHistory(t).At(1)))
	assert.Empty(t, loaded.PendingDestination())

	// Saving again overwrites
	loaded.History, err = loaded.History.Append(conversation.NewUserMessage("Thanks"))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, loaded))
	require.NoError(t, store.Save(ctx, loaded))

	again, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, again.History.Len())

	other, err := store.Load(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 0, other.History.Len())

	_, err = store.Load(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.ErrorIs(t, store.Save(ctx, &Session{}), ErrInvalidID)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := New("s1")
	s.History = sampleHistory(t)
	require.NoError(t, store.Save(ctx, s))

	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	loaded.History, err = loaded.History.Append(conversation.NewUserMessage("unsaved"))
	require.NoError(t, err)

	again, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, again.History.Len())
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	store, err := NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)

	ok, err := store.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteStore_ReopenKeepsSessions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	s := New("persisted")
	s.History = sampleHistory(t)
	require.NoError(t, store.Save(ctx, s))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.History.Len())
	assert.WithinDuration(t, s.CreatedAt, loaded.CreatedAt, time.Second)
}

func TestSQLiteStore_CorruptTimestamp(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(ctx, New("s1")))
	_, err = store.db.ExecContext(ctx, `UPDATE sessions SET created_at = 'yesterday' WHERE id = ?`, "s1")
	require.NoError(t, err)

	_, err = store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrStoreFailure)
	assert.ErrorContains(t, err, "created_at")
}

func newRedisStore(t *testing.T, mr *miniredis.Miniredis, cfg RedisConfig) *RedisStore {
	t.Helper()
	cfg.Addr = mr.Addr()
	store, err := NewRedisStore(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newRedisStore(t, mr, RedisConfig{TTL: time.Minute})

	exerciseStore(t, store)
	assert.Equal(t, time.Minute, mr.TTL(redisKey("s1")))

	ok, err := store.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestRedisStore_SerializesTurnsAcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	// Two managers over one Redis behave like two gateway replicas
	replicas := []*Manager{
		NewManager(newRedisStore(t, mr, RedisConfig{}), zerolog.Nop()),
		NewManager(newRedisStore(t, mr, RedisConfig{}), zerolog.Nop()),
	}

	const turnsPerReplica = 3
	var wg sync.WaitGroup
	for r, m := range replicas {
		for i := 0; i < turnsPerReplica; i++ {
			wg.Add(1)
			go func(m *Manager, n int) {
				defer wg.Done()
				_, err := m.WithSession(ctx, "shared", func(s *Session) error {
					time.Sleep(20 * time.Millisecond)
					return appendUser(s, fmt.Sprintf("turn %d", n))
				})
				assert.NoError(t, err)
			}(m, r*turnsPerReplica+i)
		}
	}
	wg.Wait()

	stored, err := replicas[1].Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, len(replicas)*turnsPerReplica, stored.History.Len())
	assert.False(t, mr.Exists(redisLockKey("shared")))
}

func TestRedisStore_LockWaitsForHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRedisStore(t, mr, RedisConfig{LockTTL: time.Minute})
	b := newRedisStore(t, mr, RedisConfig{LockTTL: time.Minute})

	release, err := a.Lock(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL(redisLockKey("s1")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Lock(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other sessions are unaffected
	releaseOther, err := b.Lock(context.Background(), "s2")
	require.NoError(t, err)
	require.NoError(t, releaseOther())

	require.NoError(t, release())
	releaseB, err := b.Lock(context.Background(), "s1")
	require.NoError(t, err)
	require.NoError(t, releaseB())
}

func TestRedisStore_ReleaseKeepsForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newRedisStore(t, mr, RedisConfig{})

	release, err := store.Lock(context.Background(), "s1")
	require.NoError(t, err)

	// The lease ran out and another replica now holds the lock
	require.NoError(t, mr.Set(redisLockKey("s1"), "someone-else"))

	require.NoError(t, release())
	got, err := mr.Get(redisLockKey("s1"))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisStore_DefaultLockTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newRedisStore(t, mr, RedisConfig{})
	assert.Equal(t, defaultLockTTL, store.lockTTL)
}

func TestRedisKey(t *testing.T) {
	assert.Equal(t, "dispatch:session:abc", redisKey("abc"))
	assert.Equal(t, "dispatch:lock:abc", redisLockKey("abc"))
}
