package cacheability

import (
	"mime"
	"strings"
)

// cacheableTypes maps media type -> subtype or +suffix members that
// the proxy is willing to cache. Binary types (images, archives,
// video) pass through uncached.
var cacheableTypes = map[string]map[string]bool{
	"application": {
		"xml":        true,
		"json":       true,
		"javascript": true,
	},
	"text": {
		"javascript": true,
		"xml":        true,
		"css":        true,
		"html":       true,
		"plain":      true,
	},
}

// CacheableType reports whether a Content-Type header value names a
// representation the proxy may cache. Parameters after ';' are
// ignored; matching is case-insensitive on both the subtype and any
// +suffix (so application/atom+xml is cacheable via the xml suffix).
// Unparseable values are not cacheable.
func CacheableType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	typ, subtype, ok := strings.Cut(mediaType, "/")
	if !ok || subtype == "" {
		return false
	}

	members, ok := cacheableTypes[strings.ToLower(typ)]
	if !ok {
		return false
	}
	subtype = strings.ToLower(subtype)
	if members[subtype] {
		return true
	}
	if _, suffix, ok := strings.Cut(subtype, "+"); ok {
		return members[suffix]
	}
	return false
}
