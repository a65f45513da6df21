// Package urlpolicy implements the allowed-redirect-URL policy (spec
// component C11): every redirect_to/callback URL presented by a client
// must match a configured allow-list entry by scheme, host, port, and
// path-prefix before it is honored.
package urlpolicy

import (
	"errors"
	"net/url"
	"strings"
)

// ErrNotAllowed is returned when a URL matches no configured entry.
var ErrNotAllowed = errors.New("urlpolicy: url not allowed")

// Entry is one allow-listed redirect target.
type Entry struct {
	Scheme     string
	Host       string // includes port if the entry is port-specific
	PathPrefix string
}

// Policy matches candidate URLs against a configured allow-list.
type Policy struct {
	entries []Entry
}

// New builds a Policy from the given allow-list entries.
func New(entries []Entry) *Policy {
	return &Policy{entries: entries}
}

// Check parses raw and reports whether it matches any allow-list entry:
// exact scheme, exact host (including port), and the entry's path as a
// prefix of the candidate's path.
func (p *Policy) Check(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrNotAllowed
	}
	if u.Scheme == "" || u.Host == "" {
		return ErrNotAllowed
	}

	for _, e := range p.entries {
		if u.Scheme != e.Scheme {
			continue
		}
		if u.Host != e.Host {
			continue
		}
		if !strings.HasPrefix(u.Path, e.PathPrefix) {
			continue
		}
		return nil
	}
	return ErrNotAllowed
}
