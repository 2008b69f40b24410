// Package pagination pages (createdAt, id)-ordered lists with opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the key of the last item on the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// after reports whether (createdAt, id) sorts strictly after c.
func (c *Cursor) after(createdAt time.Time, id string) bool {
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.After(c.CreatedAt)
	}
	return id > c.ID
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// ParseLimit reads a page size, falling back to DefaultLimit and capping at
// MaxLimit.
func ParseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// Page is one slice of a list plus the cursor for the next one.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// Apply orders items by (createdAt, id), drops everything up to and
// including cursor and returns at most limit items. items is not modified.
func Apply[T any](items []T, cursor string, limit int, key func(T) (time.Time, string)) (Page[T], error) {
	c, err := Decode(cursor)
	if err != nil {
		return Page[T]{}, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, idi := key(sorted[i])
		tj, idj := key(sorted[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idi < idj
	})

	start := 0
	if c != nil {
		start = sort.Search(len(sorted), func(i int) bool {
			return c.after(key(sorted[i]))
		})
	}
	rest := sorted[start:]
	if len(rest) <= limit {
		return Page[T]{Items: rest}, nil
	}
	rest = rest[:limit]
	createdAt, id := key(rest[len(rest)-1])
	return Page[T]{Items: rest, NextCursor: Encode(createdAt, id), HasMore: true}, nil
}
