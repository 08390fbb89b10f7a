package share

import (
	"strings"
	"time"
)

// CanRead decides whether requester may read s at now.
// Expired shares are unreadable for everyone, the owner included.
func CanRead(s *Share, requester *Identity, now time.Time) bool {
	if s == nil || !s.IsLive(now) {
		return false
	}

	switch s.Visibility.Kind {
	case VisibilityPublic:
		return true
	case VisibilityPrivate:
		if requester == nil {
			return false
		}
		if requester.ID != "" && requester.ID == s.Owner {
			return true
		}
		username := strings.ToLower(strings.TrimSpace(requester.Username))
		if username == "" {
			return false
		}
		for _, grantee := range s.Visibility.Grantees {
			if grantee == username {
				return true
			}
		}
		return false
	default:
		return false
	}
}
