// Package pagination provides keyset pagination over id-descending lists.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const prefix = "id:"

// Encode returns an opaque cursor pointing after the row with the given id.
func Encode(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(prefix + strconv.FormatInt(id, 10)))
}

// Decode parses a cursor. An empty string yields 0, meaning the first page.
func Decode(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	rest, ok := strings.CutPrefix(string(raw), prefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidCursor
	}
	return id, nil
}

// Page trims items fetched with limit+1 and returns the cursor for the next
// page, or "" on the last one.
func Page[T any](items []T, limit int, id func(T) int64) ([]T, string) {
	if limit <= 0 || len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	return items, Encode(id(items[len(items)-1]))
}
