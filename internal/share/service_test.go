package share

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codedrop/codedrop/internal/clock"
	"github.com/codedrop/codedrop/internal/db"
	"github.com/codedrop/codedrop/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	bob   = &Identity{ID: "u-bob", Username: "bob"}
	alice = &Identity{ID: "u-alice", Username: "alice"}
	carol = &Identity{ID: "u-carol", Username: "carol"}
)

// sequenceGenerator replays fixed codes, then falls back to random ones
type sequenceGenerator struct {
	mu    sync.Mutex
	codes []string
	calls int
	next  CodeGenerator
}

func (g *sequenceGenerator) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.codes) > 0 {
		code := g.codes[0]
		g.codes = g.codes[1:]
		return code, nil
	}
	if g.next == nil {
		return "", errors.New("no more codes")
	}
	return g.next.Generate()
}

type constantGenerator struct {
	code  string
	calls atomic.Int32
}

func (g *constantGenerator) Generate() (string, error) {
	g.calls.Add(1)
	return g.code, nil
}

type testEnv struct {
	svc     *Service
	store   Store
	objects *storage.FilesystemBackend
	clock   *clock.Mock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	conn, dialect, err := db.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "shares.db"))
	require.NoError(t, err)
	store := NewSQLStore(conn, dialect)
	t.Cleanup(func() { store.Close() })

	objects, err := storage.NewFilesystemBackendWithFs(afero.NewMemMapFs(), "/objects")
	require.NoError(t, err)

	mock := clock.NewMock(t0)
	svc := NewService(store, objects, cfg)
	svc.SetClock(mock)

	return &testEnv{svc: svc, store: store, objects: objects, clock: mock}
}

func textUpload(owner *Identity, content []byte, vis Visibility) CreateRequest {
	return CreateRequest{
		Owner:      owner,
		FileName:   "notes.txt",
		FileType:   "text/plain",
		FileSize:   int64(len(content)),
		Content:    bytes.NewReader(content),
		Visibility: vis,
	}
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestCreateThenFetchByOwner(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	content := []byte("quarterly numbers")

	for _, vis := range []Visibility{Public(), Private("alice")} {
		t.Run(string(vis.Kind), func(t *testing.T) {
			share, err := env.svc.Create(ctx, textUpload(bob, content, vis))
			require.NoError(t, err)

			assert.True(t, IsValidCode(share.Code))
			assert.Equal(t, bob.ID, share.Owner)
			assert.Equal(t, t0.Add(24*time.Hour), share.ExpireAt)
			assert.Equal(t, ObjectPath(bob.ID, share.Code, "notes.txt"), share.ObjectPath)

			got, rc, err := env.svc.Fetch(ctx, share.Code, bob)
			require.NoError(t, err)
			assert.Equal(t, share.ID, got.ID)
			assert.Equal(t, content, readAll(t, rc))
		})
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name   string
		modify func(r *CreateRequest)
	}{
		{"disallowed type", func(r *CreateRequest) { r.FileType = "application/x-msdownload" }},
		{"missing owner", func(r *CreateRequest) { r.Owner = nil }},
		{"empty file name", func(r *CreateRequest) { r.FileName = "  " }},
		{"nested file name", func(r *CreateRequest) { r.FileName = "../etc/passwd" }},
		{"negative size", func(r *CreateRequest) { r.FileSize = -1 }},
		{"private without grantees", func(r *CreateRequest) { r.Visibility = Private() }},
		{"private with only the owner", func(r *CreateRequest) { r.Visibility = Private("BOB") }},
		{"unknown visibility", func(r *CreateRequest) { r.Visibility = Visibility{Kind: "friends"} }},
		{"declared size larger than upload", func(r *CreateRequest) { r.FileSize = 100 }},
		{"declared size smaller than upload", func(r *CreateRequest) { r.FileSize = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := textUpload(bob, []byte("hello"), Public())
			tt.modify(&req)

			_, err := env.svc.Create(ctx, req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	shares, err := env.store.ListByOwner(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, shares, "no metadata is written for rejected uploads")
}

func TestCreateSizeMismatchDiscardsBlob(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.svc.SetCodeGenerator(&sequenceGenerator{codes: []string{"SIZE01"}})

	req := textUpload(bob, []byte("short"), Public())
	req.FileSize = 10

	_, err := env.svc.Create(ctx, req)
	require.ErrorIs(t, err, ErrValidation)

	exists, err := env.objects.Exists(ctx, ObjectPath(bob.ID, "SIZE01", "notes.txt"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateSizeBoundary(t *testing.T) {
	objects, err := storage.NewFilesystemBackend(storage.Config{Root: t.TempDir()})
	require.NoError(t, err)

	env := newTestEnv(t, Config{})
	env.svc.objects = objects
	ctx := context.Background()

	limit := int64(50 << 20)
	assert.Equal(t, limit, env.svc.Config().MaxFileSize)

	atLimit := make([]byte, limit)
	share, err := env.svc.Create(ctx, CreateRequest{
		Owner:      bob,
		FileName:   "big.pdf",
		FileType:   "application/pdf",
		FileSize:   limit,
		Content:    bytes.NewReader(atLimit),
		Visibility: Public(),
	})
	require.NoError(t, err)
	assert.Equal(t, limit, share.FileSize)

	_, err = env.svc.Create(ctx, CreateRequest{
		Owner:      bob,
		FileName:   "bigger.pdf",
		FileType:   "application/pdf",
		FileSize:   limit + 1,
		Content:    bytes.NewReader(atLimit),
		Visibility: Public(),
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPrivateGranteeMatrix(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	dave := &Identity{ID: "u-dave", Username: "Dave"}

	share, err := env.svc.Create(ctx, textUpload(bob, []byte("secret"), Private("alice", "DAVE")))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "dave"}, share.Visibility.Grantees)

	env.clock.Advance(time.Hour)

	for _, who := range []*Identity{bob, alice, dave} {
		_, rc, err := env.svc.Fetch(ctx, share.Code, who)
		require.NoError(t, err, who.Username)
		assert.Equal(t, []byte("secret"), readAll(t, rc))
	}

	_, _, err = env.svc.Fetch(ctx, share.Code, carol)
	assert.ErrorIs(t, err, ErrForbidden)
	_, _, err = env.svc.Fetch(ctx, share.Code, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	env.clock.Set(share.ExpireAt)
	for _, who := range []*Identity{bob, alice, dave, carol, nil} {
		_, _, err := env.svc.Fetch(ctx, share.Code, who)
		assert.ErrorIs(t, err, ErrExpired)
	}
}

func TestPublicShareExpiry(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	share, err := env.svc.Create(ctx, textUpload(bob, []byte("open"), Public()))
	require.NoError(t, err)

	for _, who := range []*Identity{nil, alice, carol} {
		_, rc, err := env.svc.Fetch(ctx, share.Code, who)
		require.NoError(t, err)
		rc.Close()
	}

	env.clock.Set(share.ExpireAt.Add(-time.Millisecond))
	_, rc, err := env.svc.Fetch(ctx, share.Code, nil)
	require.NoError(t, err)
	rc.Close()

	env.clock.Set(share.ExpireAt)
	_, _, err = env.svc.Fetch(ctx, share.Code, nil)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestFetchUnknownCode(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, _, err := env.svc.Fetch(ctx, "ZZZZZZ", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = env.svc.Fetch(ctx, "bad code", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchMissingBytesIsExpired(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	share, err := env.svc.Create(ctx, textUpload(bob, []byte("soon gone"), Public()))
	require.NoError(t, err)
	require.NoError(t, env.objects.Delete(ctx, share.ObjectPath))

	_, _, err = env.svc.Fetch(ctx, share.Code, nil)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestForcedCollisionRetries(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	gen := &sequenceGenerator{codes: []string{"AAAAAA", "AAAAAA", "aaaaaa", "BBBBBB"}}
	env.svc.SetCodeGenerator(gen)

	first, err := env.svc.Create(ctx, textUpload(bob, []byte("one"), Public()))
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", first.Code)

	second, err := env.svc.Create(ctx, textUpload(alice, []byte("two"), Public()))
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", second.Code)
	assert.Equal(t, 4, gen.calls)

	_, rc, err := env.svc.Fetch(ctx, "AAAAAA", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), readAll(t, rc))
}

func TestCodeSpaceExhausted(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	gen := &constantGenerator{code: "FULL00"}
	env.svc.SetCodeGenerator(gen)

	_, err := env.svc.Create(ctx, textUpload(bob, []byte("one"), Public()))
	require.NoError(t, err)

	_, err = env.svc.Create(ctx, textUpload(alice, []byte("two"), Public()))
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, int32(1+5), gen.calls.Load())

	// An expired holder frees the code
	env.clock.Advance(24 * time.Hour)
	share, err := env.svc.Create(ctx, textUpload(alice, []byte("two"), Public()))
	require.NoError(t, err)
	assert.Equal(t, "FULL00", share.Code)

	matches, err := env.svc.Lookup(ctx, "full00", nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, share.ID, matches[0].ID)
}

func TestConcurrentCreateWithForcedCollision(t *testing.T) {
	env := newTestEnv(t, Config{MaxCodeAttempts: 12})
	ctx := context.Background()

	const writers = 8
	codes := make([]string, writers)
	for i := range codes {
		codes[i] = "SAME00"
	}
	env.svc.SetCodeGenerator(&sequenceGenerator{codes: codes, next: NewRandomCodeGenerator()})

	var wg sync.WaitGroup
	results := make([]*Share, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := &Identity{ID: fmt.Sprintf("u-%d", i), Username: fmt.Sprintf("user%d", i)}
			results[i], errs[i] = env.svc.Create(ctx, textUpload(owner, []byte("payload"), Public()))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		seen[results[i].Code]++
	}
	for code, n := range seen {
		assert.Equal(t, 1, n, "code %s held by more than one live share", code)
	}
	assert.Equal(t, 1, seen["SAME00"])
}

func TestRemove(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	share, err := env.svc.Create(ctx, textUpload(bob, []byte("bye"), Public()))
	require.NoError(t, err)

	assert.ErrorIs(t, env.svc.Remove(ctx, carol.ID, share.ID), ErrForbidden)

	require.NoError(t, env.svc.Remove(ctx, bob.ID, share.ID))
	require.NoError(t, env.svc.Remove(ctx, bob.ID, share.ID), "second remove is a no-op")

	exists, err := env.objects.Exists(ctx, share.ObjectPath)
	require.NoError(t, err)
	assert.False(t, exists)

	_, _, err = env.svc.Fetch(ctx, share.Code, bob)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSkipsPathOfUnreapedShare(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	gen := &sequenceGenerator{codes: []string{"REUSE1", "REUSE1", "OTHER1"}}
	env.svc.SetCodeGenerator(gen)

	old, err := env.svc.Create(ctx, textUpload(bob, []byte("first"), Public()))
	require.NoError(t, err)
	assert.Equal(t, "REUSE1", old.Code)

	// expired but not reaped yet: same owner, same name would land on old's path
	env.clock.Advance(25 * time.Hour)
	fresh, err := env.svc.Create(ctx, textUpload(bob, []byte("second"), Public()))
	require.NoError(t, err)
	assert.Equal(t, "OTHER1", fresh.Code)
	assert.NotEqual(t, old.ObjectPath, fresh.ObjectPath)
	assert.Equal(t, 3, gen.calls)

	require.NoError(t, env.svc.Remove(ctx, bob.ID, old.ID))
	_, rc, err := env.svc.Fetch(ctx, fresh.Code, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), readAll(t, rc))
}

func TestRemoveKeepsBytesOfLiveShareOnSamePath(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	old, err := env.svc.Create(ctx, textUpload(bob, []byte("kept"), Public()))
	require.NoError(t, err)
	env.clock.Advance(25 * time.Hour)

	now := env.svc.now()
	live := &Share{
		ID:         "live-share",
		Code:       old.Code,
		Owner:      old.Owner,
		FileName:   old.FileName,
		FileType:   old.FileType,
		FileSize:   old.FileSize,
		ObjectPath: old.ObjectPath,
		Visibility: Public(),
		CreatedAt:  now,
		ExpireAt:   now.Add(24 * time.Hour),
	}
	require.NoError(t, env.store.Insert(ctx, live))

	require.NoError(t, env.svc.Remove(ctx, bob.ID, old.ID))

	_, err = env.store.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, rc, err := env.svc.Fetch(ctx, old.Code, nil)
	require.NoError(t, err)
	assert.Equal(t, live.ID, got.ID)
	assert.Equal(t, []byte("kept"), readAll(t, rc))
}

type failingDeleteStore struct {
	Store
	err error
}

func (f *failingDeleteStore) Delete(ctx context.Context, id string) error {
	return f.err
}

type failingDeleteBackend struct {
	storage.Backend
}

func (failingDeleteBackend) Delete(ctx context.Context, paths ...string) error {
	return &storage.DeleteError{Failed: map[string]error{paths[0]: errors.New("disk on fire")}}
}

func TestRemoveFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("Storage failure aborts before metadata", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		share, err := env.svc.Create(ctx, textUpload(bob, []byte("x"), Public()))
		require.NoError(t, err)

		env.svc.objects = failingDeleteBackend{Backend: env.objects}
		err = env.svc.Remove(ctx, bob.ID, share.ID)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrPartialFailure)

		_, err = env.store.Get(ctx, share.ID)
		assert.NoError(t, err)
	})

	t.Run("Metadata failure after bytes are gone is partial", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		share, err := env.svc.Create(ctx, textUpload(bob, []byte("x"), Public()))
		require.NoError(t, err)

		env.svc.store = &failingDeleteStore{Store: env.store, err: errors.New("database is locked")}
		err = env.svc.Remove(ctx, bob.ID, share.ID)
		assert.ErrorIs(t, err, ErrPartialFailure)

		exists, err := env.objects.Exists(ctx, share.ObjectPath)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Metadata already gone counts as success", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		share, err := env.svc.Create(ctx, textUpload(bob, []byte("x"), Public()))
		require.NoError(t, err)

		env.svc.store = &failingDeleteStore{Store: env.store, err: ErrNotFound}
		assert.NoError(t, env.svc.Remove(ctx, bob.ID, share.ID))
	})
}

func TestListOwnedLiveOnly(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	old, err := env.svc.Create(ctx, textUpload(bob, []byte("old"), Public()))
	require.NoError(t, err)

	env.clock.Advance(23 * time.Hour)
	newer, err := env.svc.Create(ctx, textUpload(bob, []byte("new"), Private("alice")))
	require.NoError(t, err)

	shares, err := env.svc.ListOwned(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, shares, 2)
	assert.Equal(t, newer.ID, shares[0].ID)
	assert.Equal(t, old.ID, shares[1].ID)

	env.clock.Advance(time.Hour)
	shares, err = env.svc.ListOwned(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, newer.ID, shares[0].ID)
}

type staticDirectory map[string]bool

func (d staticDirectory) UserExists(ctx context.Context, username string) (bool, error) {
	return d[username], nil
}

func TestCreateRejectsUnknownGrantee(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.svc.SetDirectory(staticDirectory{"alice": true})
	ctx := context.Background()

	_, err := env.svc.Create(ctx, textUpload(bob, []byte("x"), Private("alice", "mallory")))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.svc.Create(ctx, textUpload(bob, []byte("x"), Private("Alice")))
	assert.NoError(t, err)
}

func TestScenarioPublicTextFile(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.svc.SetCodeGenerator(&sequenceGenerator{codes: []string{"AB12CD"}})
	ctx := context.Background()

	content := bytes.Repeat([]byte("0123456789"), 1024)
	share, err := env.svc.Create(ctx, textUpload(bob, content, Public()))
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", share.Code)

	env.clock.Set(t0.Add(time.Hour))
	_, rc, err := env.svc.Fetch(ctx, "ab12cd", carol)
	require.NoError(t, err)
	assert.Equal(t, content, readAll(t, rc))

	env.clock.Set(t0.Add(25 * time.Hour))
	_, _, err = env.svc.Fetch(ctx, "ab12cd", carol)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestScenarioPrivateShare(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	share, err := env.svc.Create(ctx, textUpload(bob, []byte("for alice"), Private("alice")))
	require.NoError(t, err)

	_, rc, err := env.svc.Fetch(ctx, share.Code, alice)
	require.NoError(t, err)
	rc.Close()

	_, _, err = env.svc.Fetch(ctx, share.Code, carol)
	assert.ErrorIs(t, err, ErrForbidden)

	assert.ErrorIs(t, env.svc.Remove(ctx, carol.ID, share.ID), ErrForbidden)
	require.NoError(t, env.svc.Remove(ctx, bob.ID, share.ID))

	for _, who := range []*Identity{bob, alice, carol, nil} {
		_, _, err := env.svc.Fetch(ctx, share.Code, who)
		assert.ErrorIs(t, err, ErrNotFound)
	}
}
