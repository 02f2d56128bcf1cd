// Package pagination implements newest-first keyset pagination over
// (created_at, id) for order, withdrawal and ledger listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Page sizes for list endpoints.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the key of the last item on the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Keyed is implemented by listed records.
type Keyed interface {
	PageKey() (createdAt time.Time, id string)
}

// Encode returns the opaque form of c.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 36) + "." + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Empty input means the first page and
// yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), ".")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Params is a parsed page request.
type Params struct {
	After *Cursor
	Limit int
}

// Fetch is how many rows to load: one more than Limit, so Trim can tell
// whether another page exists.
func (p Params) Fetch() int { return p.Limit + 1 }

// Parse reads the cursor and limit query values.
func Parse(cursor, limit string) (Params, error) {
	after, err := Decode(cursor)
	if err != nil {
		return Params{}, err
	}
	return Params{After: after, Limit: ParseLimit(limit)}, nil
}

// ParseLimit reads a page size, falling back to DefaultLimit and capping
// at MaxLimit.
func ParseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	switch {
	case err != nil || n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

// Trim cuts items loaded with Params.Fetch down to limit and returns the
// cursor of the next page, or "" on the last one.
func Trim[T Keyed](items []T, limit int) (page []T, next string) {
	if len(items) <= limit {
		return items, ""
	}
	page = items[:limit]
	createdAt, id := page[len(page)-1].PageKey()
	return page, Cursor{CreatedAt: createdAt, ID: id}.Encode()
}

// Before reports whether (createdAt, id) comes after c in newest-first
// order, i.e. belongs on the requested page. A nil cursor admits everything.
func (c *Cursor) Before(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}
