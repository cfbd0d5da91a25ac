package ledger

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Metadata keys written by purchase flows.
const (
	MetaPurpose   = "escrow_type"
	MetaSessionID = "session_id"
	MetaModelID   = "model_id"
	MetaContentID = "content_id"
	MetaClientID  = "client_id"
)

// Metadata is opaque purpose-specific data attached to a transaction.
type Metadata map[string]any

// PurposeTag returns the raw purpose tag, or "".
func (m Metadata) PurposeTag() string {
	return m.String(MetaPurpose)
}

// String returns the value at key as a string.
func (m Metadata) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		if n, ok := m.Int64(key); ok {
			return strconv.FormatInt(n, 10)
		}
		return ""
	}
}

// Int64 returns the value at key as a positive integer id. JSON decoding
// yields float64, so integral floats are accepted.
func (m Metadata) Int64(key string) (int64, bool) {
	var n int64
	switch v := m[key].(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		n = int64(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		n = i
	default:
		return 0, false
	}
	return n, n > 0
}

// Clone returns a shallow copy; a nil receiver yields an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PayloadPurposeTag extracts metadata.escrow_type from a provider payload.
// Paystack and Stripe nest metadata at the top level or under data.
func PayloadPurposeTag(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if md, ok := payload["metadata"].(map[string]any); ok {
		if tag := Metadata(md).PurposeTag(); tag != "" {
			return tag
		}
	}
	if data, ok := payload["data"].(map[string]any); ok {
		if md, ok := data["metadata"].(map[string]any); ok {
			return Metadata(md).PurposeTag()
		}
	}
	return ""
}
