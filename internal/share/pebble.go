package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sirupsen/logrus"
)

// PebbleStore implements Store on Pebble. Pebble has no transactions, so
// writes that check a code claim are serialized by writeMu and applied as one batch.
type PebbleStore struct {
	db      *pebble.DB
	logger  *logrus.Logger
	writeMu sync.Mutex
}

// PebbleOptions contains configuration options for PebbleStore
type PebbleOptions struct {
	Path       string
	SyncWrites bool
	InMemory   bool
	Logger     *logrus.Logger
}

// NewPebbleStore opens a Pebble-backed share store
func NewPebbleStore(opts PebbleOptions) (*PebbleStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
		Logger: &pebbleLogger{logger: opts.Logger},
	}
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
	} else if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	db, err := pebble.Open(opts.Path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	opts.Logger.WithField("path", opts.Path).Info("Pebble share store initialized")
	return &PebbleStore{db: db, logger: opts.Logger}, nil
}

// Insert stores a share, failing with ErrConflict if its code is live
func (s *PebbleStore) Insert(ctx context.Context, share *Share) error {
	data, err := marshalRecord(share)
	if err != nil {
		return err
	}
	claim, err := json.Marshal(kvClaim{ShareID: share.ID, ExpireAt: toMillis(share.ExpireAt)})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.pebbleGet(claimKey(share.Code))
	switch {
	case err == nil:
		blocked, err := claimBlocks(existing, share.CreatedAt)
		if err != nil {
			return err
		}
		if blocked {
			return ErrConflict
		}
	case !errors.Is(err, pebble.ErrNotFound):
		return fmt.Errorf("failed to read code claim: %w", err)
	}

	if _, err := s.pebbleGet(shareKey(share.ID)); err == nil {
		return NewError(CodeConflict, "share id already exists")
	}

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	sets := map[string][]byte{
		string(shareKey(share.ID)):                       data,
		string(claimKey(share.Code)):                     claim,
		string(codeIndexKey(share.Code, share.ID)):       nil,
		string(ownerIndexKey(share.Owner, share.ID)):     nil,
		string(expireIndexKey(share.ExpireAt, share.ID)): nil,
	}
	for k, v := range sets {
		if err := batch.Set([]byte(k), v, nil); err != nil {
			return fmt.Errorf("batch set %q: %w", k, err)
		}
	}
	return batch.Commit(s.writeOptions())
}

// Get retrieves a share by ID
func (s *PebbleStore) Get(ctx context.Context, id string) (*Share, error) {
	data, err := s.pebbleGet(shareKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get share: %w", err)
	}
	return unmarshalRecord(data)
}

// FindByCode returns every share holding code, newest first
func (s *PebbleStore) FindByCode(ctx context.Context, code string) ([]*Share, error) {
	return s.listIndex(ctx, codeIndexPrefix(NormalizeCode(code)))
}

// ListByOwner returns the owner's shares, newest first
func (s *PebbleStore) ListByOwner(ctx context.Context, owner string) ([]*Share, error) {
	return s.listIndex(ctx, ownerIndexPrefix(owner))
}

// FindExpired returns shares with expireAt before asOf, oldest expiry first
func (s *PebbleStore) FindExpired(ctx context.Context, asOf time.Time) ([]*Share, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: expireIndexPrefix(),
		UpperBound: expireIndexBound(asOf),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close() //nolint:errcheck

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, idFromExpireKey(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return s.loadShares(ctx, ids)
}

// Delete removes a share and its index entries
func (s *PebbleStore) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	if err := s.deleteInBatch(batch, id); err != nil {
		return err
	}
	return batch.Commit(s.writeOptions())
}

// DeleteMany removes shares in one batch, skipping ids that are already
// gone. It returns the ids it removed.
func (s *PebbleStore) DeleteMany(ctx context.Context, ids []string) ([]string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	var removed []string
	for _, id := range ids {
		err := s.deleteInBatch(batch, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := batch.Commit(s.writeOptions()); err != nil {
		return nil, err
	}
	return removed, nil
}

// Close closes Pebble
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// deleteInBatch queues removal of a share. Callers hold writeMu.
func (s *PebbleStore) deleteInBatch(batch *pebble.Batch, id string) error {
	share, err := s.Get(context.Background(), id)
	if err != nil {
		return err
	}

	deletes := [][]byte{
		shareKey(id),
		codeIndexKey(share.Code, id),
		ownerIndexKey(share.Owner, id),
		expireIndexKey(share.ExpireAt, id),
	}

	// Release the code only if this share still holds it
	if data, err := s.pebbleGet(claimKey(share.Code)); err == nil {
		if claimHolder(data) == id {
			deletes = append(deletes, claimKey(share.Code))
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	for _, key := range deletes {
		if err := batch.Delete(key, nil); err != nil {
			return fmt.Errorf("batch delete %q: %w", key, err)
		}
	}
	return nil
}

func (s *PebbleStore) listIndex(ctx context.Context, prefix []byte) ([]*Share, error) {
	iter, err := s.pebbleIter(prefix)
	if err != nil {
		return nil, err
	}
	defer iter.Close() //nolint:errcheck

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, idFromIndexKey(iter.Key(), prefix))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	shares, err := s.loadShares(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(shares)
	return shares, nil
}

// loadShares resolves index ids, dropping entries removed since the scan
func (s *PebbleStore) loadShares(ctx context.Context, ids []string) ([]*Share, error) {
	shares := make([]*Share, 0, len(ids))
	for _, id := range ids {
		share, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}
	return shares, nil
}

func (s *PebbleStore) writeOptions() *pebble.WriteOptions {
	return pebble.Sync
}

// prefixEnd returns the exclusive upper bound for a prefix scan in Pebble.
// It increments the last byte of the prefix; returns nil if all bytes overflow.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// pebbleGet reads a single key and returns a safe copy of the value
func (s *PebbleStore) pebbleGet(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()
	return data, nil
}

// pebbleIter creates a prefix-bounded iterator over [lower, prefixEnd(lower))
func (s *PebbleStore) pebbleIter(lower []byte) (*pebble.Iterator, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixEnd(lower),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	return iter, nil
}

// pebbleLogger adapts logrus to pebble's Logger interface (Infof + Fatalf)
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}
