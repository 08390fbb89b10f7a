package share

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codedrop/codedrop/internal/db"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeEpoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"sqlite": func(t *testing.T) Store {
			conn, dialect, err := db.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "shares.db"))
			require.NoError(t, err)
			store := NewSQLStore(conn, dialect)
			t.Cleanup(func() { store.Close() })
			return store
		},
		"badger": func(t *testing.T) Store {
			store, err := NewBadgerStore(BadgerOptions{Path: filepath.Join(t.TempDir(), "badger")})
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
		"pebble": func(t *testing.T) Store {
			store, err := NewPebbleStore(PebbleOptions{Path: filepath.Join(t.TempDir(), "pebble")})
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func newTestShare(code, owner string, createdAt time.Time, vis Visibility) *Share {
	return &Share{
		ID:         uuid.New().String(),
		Code:       code,
		Owner:      owner,
		FileName:   "report.pdf",
		FileType:   "application/pdf",
		FileSize:   1024,
		ObjectPath: ObjectPath(owner, code, "report.pdf"),
		Visibility: vis,
		CreatedAt:  createdAt,
		ExpireAt:   createdAt.Add(24 * time.Hour),
	}
}

func TestStores(t *testing.T) {
	for name, factory := range storeFactories() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, factory(t)) })
			t.Run("LiveCodeConflict", func(t *testing.T) { testLiveCodeConflict(t, factory(t)) })
			t.Run("ExpiredCodeIsRecyclable", func(t *testing.T) { testExpiredCodeRecyclable(t, factory(t)) })
			t.Run("FindByCodeCaseInsensitive", func(t *testing.T) { testFindByCodeCaseInsensitive(t, factory(t)) })
			t.Run("ListByOwnerNewestFirst", func(t *testing.T) { testListByOwner(t, factory(t)) })
			t.Run("DeleteCascades", func(t *testing.T) { testDelete(t, factory(t)) })
			t.Run("FindExpiredAndDeleteMany", func(t *testing.T) { testFindExpiredAndDeleteMany(t, factory(t)) })
			t.Run("ConcurrentInsertSameCode", func(t *testing.T) { testConcurrentInsert(t, factory(t)) })
		})
	}
}

func testInsertAndGet(t *testing.T, store Store) {
	ctx := context.Background()
	s := newTestShare("ABC123", "u-bob", storeEpoch, Private("alice", "carol"))
	require.NoError(t, store.Insert(ctx, s))

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Code, got.Code)
	assert.Equal(t, s.Owner, got.Owner)
	assert.Equal(t, s.ObjectPath, got.ObjectPath)
	assert.Equal(t, s.FileSize, got.FileSize)
	assert.Equal(t, VisibilityPrivate, got.Visibility.Kind)
	assert.Equal(t, []string{"alice", "carol"}, got.Visibility.Grantees)
	assert.True(t, s.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, s.ExpireAt.Equal(got.ExpireAt))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testLiveCodeConflict(t *testing.T, store Store) {
	ctx := context.Background()
	first := newTestShare("DUP111", "u-bob", storeEpoch, Public())
	require.NoError(t, store.Insert(ctx, first))

	second := newTestShare("DUP111", "u-alice", storeEpoch.Add(time.Hour), Public())
	err := store.Insert(ctx, second)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.Get(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNotFound, "a rejected insert leaves nothing behind")

	rows, err := store.FindByCode(ctx, "DUP111")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func testExpiredCodeRecyclable(t *testing.T, store Store) {
	ctx := context.Background()
	old := newTestShare("OLD999", "u-bob", storeEpoch, Public())
	require.NoError(t, store.Insert(ctx, old))

	fresh := newTestShare("OLD999", "u-alice", old.ExpireAt, Public())
	require.NoError(t, store.Insert(ctx, fresh))

	rows, err := store.FindByCode(ctx, "OLD999")
	require.NoError(t, err)
	require.Len(t, rows, 2, "expired rows are still returned until reaped")
	assert.Equal(t, fresh.ID, rows[0].ID)

	// Removing the expired row must not release the new holder's claim
	require.NoError(t, store.Delete(ctx, old.ID))
	third := newTestShare("OLD999", "u-carol", old.ExpireAt.Add(time.Minute), Public())
	assert.ErrorIs(t, store.Insert(ctx, third), ErrConflict)
}

func testFindByCodeCaseInsensitive(t *testing.T, store Store) {
	ctx := context.Background()
	s := newTestShare("CASE42", "u-bob", storeEpoch, Public())
	require.NoError(t, store.Insert(ctx, s))

	rows, err := store.FindByCode(ctx, "case42")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, s.ID, rows[0].ID)

	rows, err = store.FindByCode(ctx, "NONE00")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testListByOwner(t *testing.T, store Store) {
	ctx := context.Background()
	a := newTestShare("AAAAA1", "u-bob", storeEpoch, Public())
	b := newTestShare("AAAAA2", "u-bob", storeEpoch.Add(2*time.Minute), Public())
	c := newTestShare("AAAAA3", "u-bob", storeEpoch.Add(time.Minute), Private("alice"))
	other := newTestShare("AAAAA4", "u-alice", storeEpoch, Public())
	for _, s := range []*Share{a, b, c, other} {
		require.NoError(t, store.Insert(ctx, s))
	}

	rows, err := store.ListByOwner(ctx, "u-bob")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{b.ID, c.ID, a.ID}, []string{rows[0].ID, rows[1].ID, rows[2].ID})
	assert.Equal(t, []string{"alice"}, rows[1].Visibility.Grantees)

	rows, err = store.ListByOwner(ctx, "u-nobody")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testDelete(t *testing.T, store Store) {
	ctx := context.Background()
	s := newTestShare("DEL123", "u-bob", storeEpoch, Private("alice"))
	require.NoError(t, store.Insert(ctx, s))

	require.NoError(t, store.Delete(ctx, s.ID))
	assert.ErrorIs(t, store.Delete(ctx, s.ID), ErrNotFound)

	_, err := store.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	rows, err := store.ListByOwner(ctx, "u-bob")
	require.NoError(t, err)
	assert.Empty(t, rows)

	// The code is free again once its share is gone
	again := newTestShare("DEL123", "u-alice", storeEpoch.Add(time.Minute), Private("bob"))
	require.NoError(t, store.Insert(ctx, again))
	got, err := store.Get(ctx, again.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, got.Visibility.Grantees)
}

func testFindExpiredAndDeleteMany(t *testing.T, store Store) {
	ctx := context.Background()
	early := newTestShare("EXP001", "u-bob", storeEpoch, Public())
	late := newTestShare("EXP002", "u-bob", storeEpoch.Add(3*time.Hour), Public())
	for _, s := range []*Share{early, late} {
		require.NoError(t, store.Insert(ctx, s))
	}

	rows, err := store.FindExpired(ctx, early.ExpireAt)
	require.NoError(t, err)
	assert.Empty(t, rows, "expireAt equal to asOf is not returned")

	rows, err = store.FindExpired(ctx, early.ExpireAt.Add(time.Millisecond))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, early.ID, rows[0].ID)

	rows, err = store.FindExpired(ctx, late.ExpireAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	removed, err := store.DeleteMany(ctx, []string{early.ID, "missing", late.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID, late.ID}, removed)

	removed, err = store.DeleteMany(ctx, []string{early.ID, late.ID})
	require.NoError(t, err)
	assert.Empty(t, removed)

	removed, err = store.DeleteMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func testConcurrentInsert(t *testing.T, store Store) {
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newTestShare("RACE00", uuid.New().String(), storeEpoch.Add(time.Duration(i)*time.Millisecond), Public())
			err := store.Insert(ctx, s)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected insert error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)

	rows, err := store.FindByCode(ctx, "RACE00")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
