package share

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanRead(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	live := created.Add(time.Hour)
	expired := created.Add(24 * time.Hour)

	owner := &Identity{ID: "u-bob", Username: "bob"}
	alice := &Identity{ID: "u-alice", Username: "Alice"}
	carol := &Identity{ID: "u-carol", Username: "carol"}

	public := &Share{Owner: owner.ID, Visibility: Public(), CreatedAt: created, ExpireAt: created.Add(24 * time.Hour)}
	private := &Share{Owner: owner.ID, Visibility: Private("ALICE "), CreatedAt: created, ExpireAt: created.Add(24 * time.Hour)}
	ownerOnly := &Share{Owner: owner.ID, Visibility: Visibility{Kind: VisibilityPrivate}, CreatedAt: created, ExpireAt: created.Add(24 * time.Hour)}
	zero := &Share{Owner: owner.ID, CreatedAt: created, ExpireAt: created.Add(24 * time.Hour)}

	tests := []struct {
		name      string
		share     *Share
		requester *Identity
		now       time.Time
		want      bool
	}{
		{"public anonymous", public, nil, live, true},
		{"public stranger", public, carol, live, true},
		{"public expired owner", public, owner, expired, false},
		{"public expired anonymous", public, nil, expired, false},
		{"private owner", private, owner, live, true},
		{"private grantee case-insensitive", private, alice, live, true},
		{"private non-grantee", private, carol, live, false},
		{"private anonymous", private, nil, live, false},
		{"private expired grantee", private, alice, expired, false},
		{"private expired owner", private, owner, expired, false},
		{"private empty grantees owner", ownerOnly, owner, live, true},
		{"private empty grantees other", ownerOnly, alice, live, false},
		{"zero visibility fails closed", zero, alice, live, false},
		{"nil share", nil, owner, live, false},
		{"username matching owner id is not the owner", private, &Identity{Username: "u-bob"}, live, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanRead(tt.share, tt.requester, tt.now))
		})
	}
}

func TestVisibility(t *testing.T) {
	v := Private(" Alice", "alice", "", "BOB")
	assert.Equal(t, VisibilityPrivate, v.Kind)
	assert.Equal(t, []string{"alice", "bob"}, v.Grantees)
	assert.False(t, v.IsPublic())
	assert.True(t, Public().IsPublic())

	parsed, err := ParseVisibility("", []string{"x"})
	assert.NoError(t, err)
	assert.True(t, parsed.IsPublic())

	parsed, err = ParseVisibility("Private", []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"x"}, parsed.Grantees)

	_, err = ParseVisibility("friends", nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestShareLiveness(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &Share{CreatedAt: created, ExpireAt: created.Add(24 * time.Hour)}

	assert.True(t, s.IsLive(created))
	assert.True(t, s.IsLive(s.ExpireAt.Add(-time.Millisecond)))
	assert.False(t, s.IsLive(s.ExpireAt))
	assert.Equal(t, 2*time.Hour, s.TimeLeft(s.ExpireAt.Add(-2*time.Hour)))
	assert.Equal(t, time.Duration(0), s.TimeLeft(s.ExpireAt.Add(time.Hour)))
}

func TestErrorMatching(t *testing.T) {
	err := NewErrorWithCause(CodeExpired, "gone", ErrNotFound)
	assert.ErrorIs(t, err, ErrExpired)
	assert.NotErrorIs(t, ErrForbidden, ErrExpired)
	assert.Equal(t, "gone: share not found", err.Error())
}
