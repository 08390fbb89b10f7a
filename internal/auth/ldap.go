package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"strings"

	"github.com/codedrop/codedrop/internal/config"
	"github.com/go-ldap/ldap/v3"
)

// LDAPDirectory resolves usernames against an LDAP server using a service account
type LDAPDirectory struct {
	config config.LDAPConfig
}

// NewLDAPDirectory creates an LDAP-backed username directory
func NewLDAPDirectory(cfg config.LDAPConfig) *LDAPDirectory {
	if cfg.UserFilter == "" {
		cfg.UserFilter = "(objectClass=person)"
	}
	if cfg.AttrUsername == "" {
		cfg.AttrUsername = "uid"
	}
	return &LDAPDirectory{config: cfg}
}

// UserExists reports whether exactly one entry carries username
func (d *LDAPDirectory) UserExists(ctx context.Context, username string) (bool, error) {
	filter := fmt.Sprintf("(&%s(%s=%s))", d.config.UserFilter, d.config.AttrUsername, ldap.EscapeFilter(NormalizeUsername(username)))

	entries, err := d.search(filter, 2)
	if err != nil {
		return false, err
	}
	return len(entries) == 1, nil
}

// SearchUsernames returns usernames starting with prefix
func (d *LDAPDirectory) SearchUsernames(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 || limit > MaxSearchResults {
		limit = MaxSearchResults
	}

	filter := fmt.Sprintf("(&%s(%s=%s*))", d.config.UserFilter, d.config.AttrUsername, ldap.EscapeFilter(NormalizeUsername(prefix)))
	entries, err := d.search(filter, limit)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if name := entry.GetAttributeValue(d.config.AttrUsername); name != "" {
			names = append(names, NormalizeUsername(name))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *LDAPDirectory) search(filter string, limit int) ([]*ldap.Entry, error) {
	conn, err := d.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.Bind(d.config.BindDN, d.config.BindPassword); err != nil {
		return nil, fmt.Errorf("failed to bind with service credentials: %w", err)
	}

	searchRequest := ldap.NewSearchRequest(
		d.config.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		limit,
		0,
		false,
		filter,
		[]string{"dn", d.config.AttrUsername},
		nil,
	)

	result, err := conn.Search(searchRequest)
	if err != nil {
		// A size limit hit still returns the entries found so far
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) && result != nil {
			return result.Entries, nil
		}
		return nil, fmt.Errorf("LDAP search failed: %w", err)
	}
	return result.Entries, nil
}

func (d *LDAPDirectory) connect() (*ldap.Conn, error) {
	addr := fmt.Sprintf("%s:%d", d.config.Host, d.config.Port)

	var conn *ldap.Conn
	var err error

	switch strings.ToLower(d.config.Security) {
	case "tls":
		conn, err = ldap.DialURL("ldaps://"+addr, ldap.DialWithTLSConfig(&tls.Config{
			ServerName: d.config.Host,
		}))
	case "starttls":
		conn, err = ldap.DialURL("ldap://" + addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to LDAP server: %w", err)
		}
		err = conn.StartTLS(&tls.Config{ServerName: d.config.Host})
	default:
		conn, err = ldap.DialURL("ldap://" + addr)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP server: %w", err)
	}
	return conn, nil
}
