package share

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Key layout shared by the Badger and Pebble stores:
//
//	share:<id>                 -> kvRecord JSON
//	code:<CODE>:<id>           -> empty, code index
//	owner:<owner>\x00<id>      -> empty, owner index
//	expire:<ms, 20 digits>:<id> -> empty, expiry index in time order
//	claim:<CODE>               -> kvClaim JSON, the live holder of a code

func shareKey(id string) []byte {
	return []byte("share:" + id)
}

func codeIndexKey(code, id string) []byte {
	return []byte(fmt.Sprintf("code:%s:%s", code, id))
}

func codeIndexPrefix(code string) []byte {
	return []byte(fmt.Sprintf("code:%s:", code))
}

func ownerIndexKey(owner, id string) []byte {
	return []byte("owner:" + owner + "\x00" + id)
}

func ownerIndexPrefix(owner string) []byte {
	return []byte("owner:" + owner + "\x00")
}

func expireIndexKey(expireAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("expire:%020d:%s", expireAt.UnixMilli(), id))
}

func expireIndexPrefix() []byte {
	return []byte("expire:")
}

// expireIndexBound is the exclusive upper key for shares expiring before asOf
func expireIndexBound(asOf time.Time) []byte {
	return []byte(fmt.Sprintf("expire:%020d:", asOf.UnixMilli()))
}

func claimKey(code string) []byte {
	return []byte("claim:" + code)
}

// idFromIndexKey returns the share id at the end of an index key
func idFromIndexKey(key []byte, prefix []byte) string {
	return string(key[len(prefix):])
}

func idFromExpireKey(key []byte) string {
	k := string(key)
	i := strings.LastIndexByte(k, ':')
	if i < 0 {
		return ""
	}
	return k[i+1:]
}

// kvRecord is the stored form of a share; ObjectPath is hidden from API JSON
type kvRecord struct {
	ID         string   `json:"id"`
	Code       string   `json:"code"`
	Owner      string   `json:"owner"`
	FileName   string   `json:"file_name"`
	FileType   string   `json:"file_type"`
	FileSize   int64    `json:"file_size"`
	ObjectPath string   `json:"object_path"`
	Visibility string   `json:"visibility"`
	Grantees   []string `json:"grantees,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	ExpireAt   int64    `json:"expire_at"`
}

type kvClaim struct {
	ShareID  string `json:"share_id"`
	ExpireAt int64  `json:"expire_at"`
}

func marshalRecord(s *Share) ([]byte, error) {
	rec := kvRecord{
		ID:         s.ID,
		Code:       s.Code,
		Owner:      s.Owner,
		FileName:   s.FileName,
		FileType:   s.FileType,
		FileSize:   s.FileSize,
		ObjectPath: s.ObjectPath,
		Visibility: string(s.Visibility.Kind),
		CreatedAt:  toMillis(s.CreatedAt),
		ExpireAt:   toMillis(s.ExpireAt),
	}
	if !s.Visibility.IsPublic() {
		rec.Grantees = append([]string(nil), s.Visibility.Grantees...)
		sort.Strings(rec.Grantees)
	}
	return json.Marshal(rec)
}

func unmarshalRecord(data []byte) (*Share, error) {
	var rec kvRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal share: %w", err)
	}
	return &Share{
		ID:         rec.ID,
		Code:       rec.Code,
		Owner:      rec.Owner,
		FileName:   rec.FileName,
		FileType:   rec.FileType,
		FileSize:   rec.FileSize,
		ObjectPath: rec.ObjectPath,
		Visibility: Visibility{Kind: VisibilityKind(rec.Visibility), Grantees: rec.Grantees},
		CreatedAt:  fromMillis(rec.CreatedAt),
		ExpireAt:   fromMillis(rec.ExpireAt),
	}, nil
}

// claimBlocks reports whether an existing claim keeps code from being reused at now
func claimBlocks(data []byte, now time.Time) (bool, error) {
	var claim kvClaim
	if err := json.Unmarshal(data, &claim); err != nil {
		return false, fmt.Errorf("failed to unmarshal code claim: %w", err)
	}
	return claim.ExpireAt > toMillis(now), nil
}

func claimHolder(data []byte) string {
	var claim kvClaim
	if err := json.Unmarshal(data, &claim); err != nil {
		return ""
	}
	return claim.ShareID
}

func sortNewestFirst(shares []*Share) {
	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].CreatedAt.After(shares[j].CreatedAt)
	})
}
