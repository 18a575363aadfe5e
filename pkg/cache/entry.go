package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxBodyBytes is the exclusive upper bound on cacheable body size.
const MaxBodyBytes = 1 << 20

// LockSentinel is the value written to a lock key. Presence of the
// key is the signal; the value is irrelevant.
var LockSentinel = []byte("1")

// Keys holds the three cache keys a fingerprint maps to. A usable
// entry requires both Data and Meta to be present; the lock exists
// independently.
type Keys struct {
	Data string
	Meta string
	Lock string
}

// KeysFor formats the cache keys for a fingerprint.
func KeysFor(fingerprint uint64) Keys {
	return Keys{
		Data: fmt.Sprintf("rampart-%d-data", fingerprint),
		Meta: fmt.Sprintf("rampart-%d-meta", fingerprint),
		Lock: fmt.Sprintf("rampart-%d-lock", fingerprint),
	}
}

// Meta is the header record stored alongside a cached body. Encoded
// as JSON; every instance in a cluster must agree on the encoding.
type Meta struct {
	// ExpiresAt is the freshness deadline in unix milliseconds, set
	// once at admission and never mutated.
	ExpiresAt int64 `json:"expiresAt"`

	// ContentType is the origin's Content-Type, parameters included.
	ContentType string `json:"contentType"`

	// Server is the origin's Server header, when present.
	Server string `json:"server,omitempty"`

	// ContentEncoding is the origin's Content-Encoding, when present.
	ContentEncoding string `json:"contentEncoding,omitempty"`

	// ETag is the origin's ETag, when present.
	ETag string `json:"etag,omitempty"`

	// URL is the canonical URL that produced this entry. Advisory.
	URL string `json:"url,omitempty"`
}

// NewMeta builds the meta record for a response admitted at now with
// the given TTL in seconds.
func NewMeta(now time.Time, ttlSeconds int) *Meta {
	return &Meta{ExpiresAt: now.UnixMilli() + int64(ttlSeconds)*1000}
}

// Fresh reports whether the entry is still within its freshness
// lifetime at now.
func (m *Meta) Fresh(now time.Time) bool {
	return m.ExpiresAt > now.UnixMilli()
}

// RemainingSeconds returns the freshness lifetime left at now,
// rounded up. Zero when expired.
func (m *Meta) RemainingSeconds(now time.Time) int {
	remaining := m.ExpiresAt - now.UnixMilli()
	if remaining <= 0 {
		return 0
	}
	return int((remaining + 999) / 1000)
}

// Encode serialises the record for storage.
func (m *Meta) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMeta parses a stored meta record.
func DecodeMeta(b []byte) (*Meta, error) {
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode meta record: %w", err)
	}
	return &m, nil
}
