package share

import (
	"context"
	"strings"
	"time"
)

// VisibilityKind is the closed set of share visibilities
type VisibilityKind string

const (
	VisibilityPublic  VisibilityKind = "public"
	VisibilityPrivate VisibilityKind = "private"
)

// Visibility is either Public or Private with its grantee usernames.
// Build it with Public() or Private(); the zero value is treated as private
// to nobody, so access checks fail closed.
type Visibility struct {
	Kind     VisibilityKind `json:"kind"`
	Grantees []string       `json:"grantees,omitempty"`
}

// Public returns a visibility readable by anyone holding the code
func Public() Visibility {
	return Visibility{Kind: VisibilityPublic}
}

// Private returns a visibility readable by the owner and the given usernames.
// Grantees are trimmed, lower-cased and de-duplicated.
func Private(grantees ...string) Visibility {
	return Visibility{Kind: VisibilityPrivate, Grantees: normalizeGrantees(grantees)}
}

// IsPublic reports whether the visibility is Public
func (v Visibility) IsPublic() bool {
	return v.Kind == VisibilityPublic
}

// ParseVisibility parses "public" or "private"
func ParseVisibility(kind string, grantees []string) (Visibility, error) {
	switch VisibilityKind(strings.ToLower(strings.TrimSpace(kind))) {
	case VisibilityPublic, "":
		return Public(), nil
	case VisibilityPrivate:
		return Private(grantees...), nil
	default:
		return Visibility{}, validationError("unknown visibility %q", kind)
	}
}

// Share is one uploaded file addressable by its code until it expires
type Share struct {
	ID         string     `json:"id"`
	Code       string     `json:"code"`
	Owner      string     `json:"owner"`
	FileName   string     `json:"fileName"`
	FileType   string     `json:"fileType"`
	FileSize   int64      `json:"fileSize"`
	ObjectPath string     `json:"-"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpireAt   time.Time  `json:"expireAt"`
}

// IsLive reports whether the share is still readable at now
func (s *Share) IsLive(now time.Time) bool {
	return now.Before(s.ExpireAt)
}

// TimeLeft returns the remaining lifetime at now, never negative
func (s *Share) TimeLeft(now time.Time) time.Duration {
	if !s.IsLive(now) {
		return 0
	}
	return s.ExpireAt.Sub(now)
}

// Identity is the requester as seen by the share engine. A nil *Identity is anonymous.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Directory answers whether a username belongs to a registered account
type Directory interface {
	UserExists(ctx context.Context, username string) (bool, error)
}

// ObjectPath derives the object store locator for a share
func ObjectPath(owner, code, fileName string) string {
	return owner + "/" + code + "_" + fileName
}

func normalizeGrantees(grantees []string) []string {
	seen := make(map[string]struct{}, len(grantees))
	out := make([]string, 0, len(grantees))
	for _, g := range grantees {
		g = strings.ToLower(strings.TrimSpace(g))
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}
