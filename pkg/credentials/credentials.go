// Package credentials resolves which upstream API token to use for a given
// account. The mapping is parsed from an "account:token,account:token"
// string plus an optional fallback token, and is re-derived from its source
// on every request so configuration changes are never served stale.
package credentials

import (
	"strings"

	"space-manager/pkg/apierr"
)

// Entry is one configured account. Token is empty for account-only entries,
// which still count for allow-list purposes but cannot authenticate calls.
type Entry struct {
	Account string
	Token   string
}

// Settings are the raw configuration strings the mapping is built from.
type Settings struct {
	// Accounts is the multi-account string, e.g. "alice:tok1,bob:tok2".
	Accounts string
	// AllowList is an optional comma-separated account allow-list.
	AllowList string
	// FallbackToken is used for any account without its own token.
	FallbackToken string
}

// Source yields the current settings. Implementations must read their
// backing configuration on every call.
type Source interface {
	Settings() Settings
}

// Static is a fixed Source, used by tests and the CLI.
type Static Settings

// Settings implements Source.
func (s Static) Settings() Settings { return Settings(s) }

// Mapping is an ordered account-to-token mapping plus a fallback token.
type Mapping struct {
	entries  []Entry
	fallback string
}

// Parse splits a multi-account string into entries, preserving order.
// Blank entries are skipped; duplicates keep their first position but the
// last token seen wins.
func Parse(config string) []Entry {
	var entries []Entry
	index := make(map[string]int)

	for _, pair := range strings.Split(config, ",") {
		account, token, _ := strings.Cut(pair, ":")
		account = strings.TrimSpace(account)
		token = strings.TrimSpace(token)
		if account == "" {
			continue
		}

		if i, ok := index[account]; ok {
			if token != "" {
				entries[i].Token = token
			}
			continue
		}
		index[account] = len(entries)
		entries = append(entries, Entry{Account: account, Token: token})
	}
	return entries
}

// New builds a Mapping from the multi-account string and fallback token.
func New(accounts, fallback string) *Mapping {
	return &Mapping{
		entries:  Parse(accounts),
		fallback: strings.TrimSpace(fallback),
	}
}

// Resolve builds the current Mapping from src.
func Resolve(src Source) *Mapping {
	m, _ := Current(src)
	return m
}

// Current reads src once and returns the Mapping together with the
// effective allow-list. Every request-path resolution goes through here.
func Current(src Source) (*Mapping, []string) {
	s := src.Settings()
	m := New(s.Accounts, s.FallbackToken)
	return m, m.AllowList(s.AllowList)
}

// Token returns the account's own token if configured, else the fallback
// token, else a NoCredential error.
func (m *Mapping) Token(account string) (string, error) {
	for _, e := range m.entries {
		if e.Account == account && e.Token != "" {
			return e.Token, nil
		}
	}
	if m.fallback != "" {
		return m.fallback, nil
	}
	return "", apierr.New(apierr.KindNoCredential, "no credential configured for account "+account)
}

// Fallback returns the global fallback token, possibly empty.
func (m *Mapping) Fallback() string { return m.fallback }

// Credentials returns the entries that carry a token, in configuration order.
func (m *Mapping) Credentials() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Token != "" {
			out = append(out, e)
		}
	}
	return out
}

// Accounts returns every configured account name, with or without a token.
func (m *Mapping) Accounts() []string {
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Account)
	}
	return out
}

// Validate reports a Configuration error when no usable credential exists.
func (m *Mapping) Validate() error {
	if len(m.Credentials()) == 0 && m.fallback == "" {
		return apierr.ErrConfiguration
	}
	return nil
}

// AllowList returns the explicit allow-list if one is configured, otherwise
// the accounts named in the mapping. A nil result means no filtering.
func (m *Mapping) AllowList(explicit string) []string {
	if list := SplitList(explicit); len(list) > 0 {
		return list
	}
	if accounts := m.Accounts(); len(accounts) > 0 {
		return accounts
	}
	return nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
