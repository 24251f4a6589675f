// Package pagination pages through key-ordered listings with opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"sort"
	"strings"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const (
	DefaultLimit = 50
	MaxLimit     = 500

	cursorPrefix = "k:"
)

// Encode returns an opaque cursor pointing after key.
func Encode(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + key))
}

// Decode returns the key a cursor points after. Empty input decodes to "".
func Decode(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", ErrInvalidCursor
	}
	key, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok || key == "" {
		return "", ErrInvalidCursor
	}
	return key, nil
}

// ClampLimit maps a requested page size into [1, MaxLimit], with 0 or
// negative meaning DefaultLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// Page returns up to limit keys that sort after the cursor, and the cursor
// for the following page ("" on the last page). keys must be sorted.
func Page(keys []string, cursor string, limit int) ([]string, string, error) {
	after, err := Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = ClampLimit(limit)

	start := 0
	if after != "" {
		start = sort.SearchStrings(keys, after)
		if start < len(keys) && keys[start] == after {
			start++
		}
	}
	rest := keys[start:]
	if len(rest) <= limit {
		return rest, "", nil
	}
	page := rest[:limit]
	return page, Encode(page[len(page)-1]), nil
}
