package share

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/codedrop/codedrop/internal/db"
)

const shareColumns = "id, code, owner, file_name, file_type, file_size, object_path, visibility, created_at, expire_at"

// SQLStore implements Store on database/sql for the sqlite, mysql and postgres dialects
type SQLStore struct {
	db      *sql.DB
	dialect db.Dialect
}

// NewSQLStore creates a store on a migrated database
func NewSQLStore(conn *sql.DB, dialect db.Dialect) *SQLStore {
	return &SQLStore{db: conn, dialect: dialect}
}

// Insert stores a share and its grantees, claiming its code
func (s *SQLStore) Insert(ctx context.Context, share *Share) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrapTxError("failed to begin transaction", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// Claims that expired by now no longer hold the code
	if _, err = tx.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM share_codes WHERE code = ? AND expire_at <= ?`),
		share.Code, toMillis(share.CreatedAt),
	); err != nil {
		return s.wrapTxError("failed to purge expired code claim", err)
	}

	_, err = tx.ExecContext(ctx,
		s.dialect.Rebind(`INSERT INTO shares (`+shareColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		share.ID, share.Code, share.Owner, share.FileName, share.FileType, share.FileSize,
		share.ObjectPath, string(share.Visibility.Kind), toMillis(share.CreatedAt), toMillis(share.ExpireAt),
	)
	if err != nil {
		return s.wrapTxError("failed to insert share", err)
	}

	_, err = tx.ExecContext(ctx,
		s.dialect.Rebind(`INSERT INTO share_codes (code, share_id, expire_at) VALUES (?, ?, ?)`),
		share.Code, share.ID, toMillis(share.ExpireAt),
	)
	if err != nil {
		return s.wrapTxError("failed to claim share code", err)
	}

	if !share.Visibility.IsPublic() {
		for _, grantee := range share.Visibility.Grantees {
			if _, err = tx.ExecContext(ctx,
				s.dialect.Rebind(`INSERT INTO share_permissions (share_id, grantee) VALUES (?, ?)`),
				share.ID, grantee,
			); err != nil {
				return fmt.Errorf("failed to insert permission: %w", err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return s.wrapTxError("failed to commit share", err)
	}
	return nil
}

// Get retrieves a share by ID
func (s *SQLStore) Get(ctx context.Context, id string) (*Share, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT `+shareColumns+` FROM shares WHERE id = ?`), id)

	share, err := scanShare(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadGrantees(ctx, []*Share{share}); err != nil {
		return nil, err
	}
	return share, nil
}

// FindByCode returns every share holding code, newest first
func (s *SQLStore) FindByCode(ctx context.Context, code string) ([]*Share, error) {
	return s.queryShares(ctx,
		`SELECT `+shareColumns+` FROM shares WHERE code = ? ORDER BY created_at DESC`,
		NormalizeCode(code))
}

// ListByOwner returns the owner's shares, newest first
func (s *SQLStore) ListByOwner(ctx context.Context, owner string) ([]*Share, error) {
	return s.queryShares(ctx,
		`SELECT `+shareColumns+` FROM shares WHERE owner = ? ORDER BY created_at DESC`,
		owner)
}

// FindExpired returns shares with expire_at before asOf
func (s *SQLStore) FindExpired(ctx context.Context, asOf time.Time) ([]*Share, error) {
	return s.queryShares(ctx,
		`SELECT `+shareColumns+` FROM shares WHERE expire_at < ? ORDER BY expire_at ASC`,
		toMillis(asOf))
}

// Delete removes a share with its grantees and code claim
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	removed, err := s.deleteIDs(ctx, []string{id})
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMany removes shares in one transaction, skipping ids that are already
// gone. It returns the ids it removed.
func (s *SQLStore) DeleteMany(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.deleteIDs(ctx, ids)
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) deleteIDs(ctx context.Context, ids []string) (removed []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// Children go first so removal does not depend on FK cascade support
	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM share_permissions WHERE share_id = ?`), id); err != nil {
			return nil, fmt.Errorf("failed to delete permissions: %w", err)
		}
		if _, err = tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM share_codes WHERE share_id = ?`), id); err != nil {
			return nil, fmt.Errorf("failed to release code claim: %w", err)
		}

		var result sql.Result
		result, err = tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM shares WHERE id = ?`), id)
		if err != nil {
			return nil, fmt.Errorf("failed to delete share: %w", err)
		}

		var rows int64
		rows, err = result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if rows > 0 {
			removed = append(removed, id)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return removed, nil
}

func (s *SQLStore) queryShares(ctx context.Context, query string, args ...interface{}) ([]*Share, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadGrantees(ctx, shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// loadGrantees fills Visibility.Grantees for private shares
func (s *SQLStore) loadGrantees(ctx context.Context, shares []*Share) error {
	byID := make(map[string]*Share)
	var ids []interface{}
	for _, share := range shares {
		if share.Visibility.Kind == VisibilityPrivate {
			byID[share.ID] = share
			ids = append(ids, share.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind(`SELECT share_id, grantee FROM share_permissions WHERE share_id IN (`+placeholders+`)`),
		ids...)
	if err != nil {
		return fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var shareID, grantee string
		if err := rows.Scan(&shareID, &grantee); err != nil {
			return fmt.Errorf("failed to scan permission: %w", err)
		}
		if share, ok := byID[shareID]; ok {
			share.Visibility.Grantees = append(share.Visibility.Grantees, grantee)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, share := range byID {
		sort.Strings(share.Visibility.Grantees)
	}
	return nil
}

func (s *SQLStore) wrapTxError(message string, err error) error {
	if s.dialect.IsUniqueViolation(err) || s.dialect.IsRetryable(err) {
		return NewErrorWithCause(CodeConflict, "share code already in use", err)
	}
	return fmt.Errorf("%s: %w", message, err)
}

// scanShare scans a share from a database row
func scanShare(scanner interface {
	Scan(dest ...interface{}) error
}) (*Share, error) {
	var share Share
	var visibility string
	var createdAt, expireAt int64

	err := scanner.Scan(
		&share.ID,
		&share.Code,
		&share.Owner,
		&share.FileName,
		&share.FileType,
		&share.FileSize,
		&share.ObjectPath,
		&visibility,
		&createdAt,
		&expireAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan share: %w", err)
	}

	share.Visibility = Visibility{Kind: VisibilityKind(visibility)}
	share.CreatedAt = fromMillis(createdAt)
	share.ExpireAt = fromMillis(expireAt)

	return &share, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
