// Package pagination implements opaque keyset cursors for listings ordered
// newest first by (created_at, id).
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the (created_at, id) key of the last item on a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type wireCursor struct {
	T int64  `json:"t"`
	I string `json:"i"`
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	b, _ := json.Marshal(wireCursor{T: createdAt.UnixNano(), I: id})
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses a cursor string. Empty input means the first page and
// yields a nil cursor.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var w wireCursor
	if err := json.Unmarshal(raw, &w); err != nil || w.I == "" {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, w.T).UTC(), ID: w.I}, nil
}

// Admits reports whether an item keyed (createdAt, id) falls after the
// cursor in newest-first order. A nil cursor admits everything.
func (c *Cursor) Admits(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Before(c.CreatedAt) {
		return true
	}
	return createdAt.Equal(c.CreatedAt) && id < c.ID
}

// ComputePage trims items fetched with limit+1 to limit and returns the
// cursor for the next page when more remain.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}

// Limit parses a ?limit= query value, falling back to def for empty or
// invalid input and clamping to max.
func Limit(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	switch {
	case raw == "" || err != nil || n <= 0:
		return def
	case n > max:
		return max
	}
	return n
}
