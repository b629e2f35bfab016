// Package ident implements the position identifiers of the sequence: paths of
// (digit, site) pairs with a total order shared by every replica, and the
// allocator that creates new identifiers between two neighbours.
package ident

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned when an encoded identifier cannot be parsed.
var ErrMalformed = errors.New("malformed identifier")

// Position is one level of an Identifier path.
type Position struct {
	Digit int
	Site  string
}

// Compare orders positions by digit and then by site.
func (p Position) Compare(o Position) int {
	switch {
	case p.Digit < o.Digit:
		return -1
	case p.Digit > o.Digit:
		return 1
	}
	return strings.Compare(p.Site, o.Site)
}

// Identifier names a permanent place in the sequence. Values are treated as
// immutable; nothing in this module modifies a path after creating it.
type Identifier []Position

// Compare returns -1, 0 or 1. Paths are compared level by level; when one path
// is a strict prefix of the other the shorter one sorts first.
func Compare(a, b Identifier) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func (id Identifier) Less(o Identifier) bool {
	return Compare(id, o) < 0
}

func (id Identifier) Equal(o Identifier) bool {
	return Compare(id, o) == 0
}

func (id Identifier) IsZero() bool {
	return len(id) == 0
}

// Depth is the number of levels in the path.
func (id Identifier) Depth() int {
	return len(id)
}

// Site is the site that allocated the identifier, which is always the site of
// the deepest level.
func (id Identifier) Site() string {
	if len(id) == 0 {
		return ""
	}
	return id[len(id)-1].Site
}

// String encodes the identifier as "<site>:<digit>[,<digit>...]". A level
// whose site differs from the previous level is written as "<site>:<digit>".
func (id Identifier) String() string {
	var b strings.Builder
	for i, p := range id {
		if i > 0 {
			b.WriteByte(',')
		}
		if i == 0 || p.Site != id[i-1].Site {
			b.WriteString(p.Site)
			b.WriteByte(':')
		}
		b.WriteString(strconv.Itoa(p.Digit))
	}
	return b.String()
}

func (id Identifier) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Identifier) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse decodes the form produced by String.
func Parse(s string) (Identifier, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	parts := strings.Split(s, ",")
	out := make(Identifier, 0, len(parts))
	site := ""
	for i, part := range parts {
		digits := part
		if colon := strings.LastIndexByte(part, ':'); colon >= 0 {
			site = part[:colon]
			digits = part[colon+1:]
			if err := ValidateSite(site); err != nil {
				return nil, fmt.Errorf("%w: level %d: %v", ErrMalformed, i, err)
			}
		} else if i == 0 {
			return nil, fmt.Errorf("%w: %q has no site", ErrMalformed, s)
		}
		d, err := strconv.Atoi(digits)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: bad digit %q", ErrMalformed, digits)
		}
		out = append(out, Position{Digit: d, Site: site})
	}
	return out, nil
}

// ValidateSite checks that a site id can be carried by the identifier
// encoding.
func ValidateSite(site string) error {
	if site == "" {
		return errors.New("site id is empty")
	}
	if strings.ContainsAny(site, ":,") {
		return fmt.Errorf("site id %q contains ':' or ','", site)
	}
	return nil
}
