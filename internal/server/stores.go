package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/codedrop/codedrop/internal/config"
	"github.com/codedrop/codedrop/internal/db"
	"github.com/codedrop/codedrop/internal/share"
	"github.com/codedrop/codedrop/internal/storage"
	"github.com/sirupsen/logrus"
)

// Stores bundles the persistence layers the server runs on. Accounts always
// live in the SQL database; shares go wherever metadata.backend points.
type Stores struct {
	Shares  share.Store
	Objects storage.Backend
	DB      *sql.DB
	Dialect db.Dialect

	closers []func() error
}

// OpenStores opens the metadata store, the account database and the object backend
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	s := &Stores{}

	sqlBackend := cfg.Metadata.Backend
	if sqlBackend == "badger" || sqlBackend == "pebble" {
		sqlBackend = "sqlite"
	}

	conn, dialect, err := db.Open(ctx, sqlBackend, cfg.Metadata.DSN)
	if err != nil {
		return nil, err
	}
	s.DB = conn
	s.Dialect = dialect

	switch cfg.Metadata.Backend {
	case "badger":
		store, err := share.NewBadgerStore(share.BadgerOptions{
			Path:              cfg.Metadata.Path,
			SyncWrites:        cfg.Metadata.SyncWrites,
			CompactionEnabled: true,
			Logger:            logrus.StandardLogger(),
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to open badger share store: %w", err)
		}
		s.Shares = store
		s.closers = append(s.closers, store.Close, conn.Close)
	case "pebble":
		store, err := share.NewPebbleStore(share.PebbleOptions{
			Path:       cfg.Metadata.Path,
			SyncWrites: cfg.Metadata.SyncWrites,
			Logger:     logrus.StandardLogger(),
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to open pebble share store: %w", err)
		}
		s.Shares = store
		s.closers = append(s.closers, store.Close, conn.Close)
	default:
		// The share store owns the connection it shares with the account store
		store := share.NewSQLStore(conn, dialect)
		s.Shares = store
		s.closers = append(s.closers, store.Close)
	}

	objects, err := storage.NewBackend(cfg.Storage)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}
	s.Objects = objects
	s.closers = append([]func() error{objects.Close}, s.closers...)

	logrus.WithFields(logrus.Fields{
		"metadata_backend": cfg.Metadata.Backend,
		"storage_backend":  cfg.Storage.Backend,
	}).Info("Stores opened")

	return s, nil
}

// Ping checks that the account database answers
func (s *Stores) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("metadata database unreachable: %w", err)
	}
	return nil
}

// Close releases every store, objects first
func (s *Stores) Close() error {
	var errs []error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
