package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerStore implements Store on BadgerDB. Code uniqueness relies on
// Badger's serializable transactions; a commit conflict surfaces as ErrConflict.
type BadgerStore struct {
	db     *badger.DB
	ready  atomic.Bool
	logger *logrus.Logger
}

// BadgerOptions contains configuration options for BadgerStore
type BadgerOptions struct {
	Path              string
	SyncWrites        bool
	CompactionEnabled bool
	InMemory          bool
	Logger            *logrus.Logger
}

// NewBadgerStore opens a BadgerDB-backed share store
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	badgerOpts := badger.DefaultOptions(opts.Path).
		WithLogger(newBadgerLogger(opts.Logger)).
		WithSyncWrites(opts.SyncWrites).
		WithIndexCacheSize(32 << 20).
		WithNumVersionsToKeep(1)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	store := &BadgerStore{
		db:     db,
		logger: opts.Logger,
	}
	store.ready.Store(true)

	if opts.CompactionEnabled && !opts.InMemory {
		go store.runGC()
	}

	opts.Logger.WithField("path", opts.Path).Info("BadgerDB share store initialized")
	return store, nil
}

// Insert stores a share, failing with ErrConflict if its code is live
func (s *BadgerStore) Insert(ctx context.Context, share *Share) error {
	data, err := marshalRecord(share)
	if err != nil {
		return err
	}
	claim, err := json.Marshal(kvClaim{ShareID: share.ID, ExpireAt: toMillis(share.ExpireAt)})
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(claimKey(share.Code))
		switch {
		case err == nil:
			var blocked bool
			if verr := item.Value(func(val []byte) error {
				var berr error
				blocked, berr = claimBlocks(val, share.CreatedAt)
				return berr
			}); verr != nil {
				return verr
			}
			if blocked {
				return ErrConflict
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("failed to read code claim: %w", err)
		}

		if _, err := txn.Get(shareKey(share.ID)); err == nil {
			return NewError(CodeConflict, "share id already exists")
		}

		if err := txn.Set(shareKey(share.ID), data); err != nil {
			return err
		}
		if err := txn.Set(claimKey(share.Code), claim); err != nil {
			return err
		}
		if err := txn.Set(codeIndexKey(share.Code, share.ID), nil); err != nil {
			return err
		}
		if err := txn.Set(ownerIndexKey(share.Owner, share.ID), nil); err != nil {
			return err
		}
		return txn.Set(expireIndexKey(share.ExpireAt, share.ID), nil)
	})
	if errors.Is(err, badger.ErrConflict) {
		return NewErrorWithCause(CodeConflict, "share code already in use", err)
	}
	return err
}

// Get retrieves a share by ID
func (s *BadgerStore) Get(ctx context.Context, id string) (*Share, error) {
	var share *Share
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		share, err = s.getTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return share, nil
}

// FindByCode returns every share holding code, newest first
func (s *BadgerStore) FindByCode(ctx context.Context, code string) ([]*Share, error) {
	return s.listIndex(codeIndexPrefix(NormalizeCode(code)))
}

// ListByOwner returns the owner's shares, newest first
func (s *BadgerStore) ListByOwner(ctx context.Context, owner string) ([]*Share, error) {
	return s.listIndex(ownerIndexPrefix(owner))
}

// FindExpired returns shares with expireAt before asOf, oldest expiry first
func (s *BadgerStore) FindExpired(ctx context.Context, asOf time.Time) ([]*Share, error) {
	var shares []*Share
	bound := expireIndexBound(asOf)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = expireIndexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(expireIndexPrefix()); it.ValidForPrefix(expireIndexPrefix()); it.Next() {
			key := it.Item().Key()
			if string(key) >= string(bound) {
				break
			}
			share, err := s.getTxn(txn, idFromExpireKey(key))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			shares = append(shares, share)
		}
		return nil
	})
	return shares, err
}

// Delete removes a share and its index entries
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.deleteTxn(txn, id)
	})
}

// DeleteMany removes shares in one transaction, skipping ids that are already
// gone. It returns the ids it removed.
func (s *BadgerStore) DeleteMany(ctx context.Context, ids []string) ([]string, error) {
	var removed []string
	err := s.db.Update(func(txn *badger.Txn) error {
		// Update retries the closure on conflict
		removed = removed[:0]
		for _, id := range ids {
			err := s.deleteTxn(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			removed = append(removed, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Close stops GC and closes BadgerDB
func (s *BadgerStore) Close() error {
	s.ready.Store(false)
	return s.db.Close()
}

func (s *BadgerStore) getTxn(txn *badger.Txn, id string) (*Share, error) {
	item, err := txn.Get(shareKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get share: %w", err)
	}

	var share *Share
	err = item.Value(func(val []byte) error {
		var uerr error
		share, uerr = unmarshalRecord(val)
		return uerr
	})
	return share, err
}

func (s *BadgerStore) deleteTxn(txn *badger.Txn, id string) error {
	share, err := s.getTxn(txn, id)
	if err != nil {
		return err
	}

	keys := [][]byte{
		shareKey(id),
		codeIndexKey(share.Code, id),
		ownerIndexKey(share.Owner, id),
		expireIndexKey(share.ExpireAt, id),
	}
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}

	// Release the code only if this share still holds it
	item, err := txn.Get(claimKey(share.Code))
	if err == nil {
		var holder string
		_ = item.Value(func(val []byte) error {
			holder = claimHolder(val)
			return nil
		})
		if holder == id {
			return txn.Delete(claimKey(share.Code))
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (s *BadgerStore) listIndex(prefix []byte) ([]*Share, error) {
	var shares []*Share
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			share, err := s.getTxn(txn, idFromIndexKey(it.Item().Key(), prefix))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			shares = append(shares, share)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(shares)
	return shares, nil
}

// runGC periodically reclaims value log space
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		if !s.ready.Load() {
			return
		}

		err := s.db.RunValueLogGC(0.5)
		if err != nil && err != badger.ErrNoRewrite {
			s.logger.WithError(err).Warn("Failed to run GC")
		}
	}
}

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}
