package share

import (
	"context"
	"time"
)

// Store is the authoritative share metadata record set.
//
// FindByCode returns every row holding the code, expired ones included;
// callers filter to live rows. Insert enforces code uniqueness among shares
// live at share.CreatedAt and writes the grantee rows in the same atomic unit.
type Store interface {
	Insert(ctx context.Context, share *Share) error
	Get(ctx context.Context, id string) (*Share, error)
	FindByCode(ctx context.Context, code string) ([]*Share, error)
	ListByOwner(ctx context.Context, owner string) ([]*Share, error)
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) ([]string, error)
	FindExpired(ctx context.Context, asOf time.Time) ([]*Share, error)
	Close() error
}
