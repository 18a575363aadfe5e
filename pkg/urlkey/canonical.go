// Package urlkey derives canonical URLs and stable cache-key
// fingerprints from inbound request targets.
//
// Every proxy instance sharing a cache cluster must canonicalise
// identically: the canonical path+query is both the upstream request
// target and the input to the fingerprint hash.
package urlkey

import (
	"errors"
	"net/url"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// ErrInvalidURL is returned when the upstream base concatenated with a
// request suffix does not parse as a hierarchical HTTP URL.
var ErrInvalidURL = errors.New("invalid url")

// memoSize bounds the raw-suffix -> canonical memo. The memo is a
// per-instance performance aid only; correctness never depends on it.
const memoSize = 1000

// Canonical is the result of canonicalising one request target.
type Canonical struct {
	// URL is the canonical absolute upstream URL.
	URL string

	// PathQuery is the canonical path with sorted query, used as the
	// rewritten request target and as the fingerprint input.
	PathQuery string

	// Fingerprint identifies the cache entry for this URL.
	Fingerprint uint64
}

// Canonicaliser normalises request suffixes against a fixed upstream
// base. Safe for concurrent use.
type Canonicaliser struct {
	scheme   string
	host     string
	basePath string
	remove   map[string]struct{}
	memo     *lru.Cache
}

// NewCanonicaliser parses the upstream base (scheme optional, http
// assumed) and builds a canonicaliser that strips the given query keys.
func NewCanonicaliser(upstream string, removeKeys []string) (*Canonicaliser, error) {
	if !strings.Contains(upstream, "://") {
		upstream = "http://" + upstream
	}
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, ErrInvalidURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}

	remove := make(map[string]struct{}, len(removeKeys))
	for _, k := range removeKeys {
		remove[k] = struct{}{}
	}

	memo, err := lru.New(memoSize)
	if err != nil {
		return nil, err
	}

	return &Canonicaliser{
		scheme:   strings.ToLower(u.Scheme),
		host:     canonicalHost(strings.ToLower(u.Scheme), strings.ToLower(u.Host)),
		basePath: strings.TrimRight(u.EscapedPath(), "/"),
		remove:   remove,
		memo:     memo,
	}, nil
}

// Host returns the canonical upstream host (port stripped when default).
func (c *Canonicaliser) Host() string {
	return c.host
}

// Canonicalise normalises a raw request suffix (path plus optional
// query, as received on the wire) into its canonical form.
func (c *Canonicaliser) Canonicalise(suffix string) (Canonical, error) {
	if v, ok := c.memo.Get(suffix); ok {
		return v.(Canonical), nil
	}

	canon, err := c.canonicalise(suffix)
	if err != nil {
		return Canonical{}, err
	}

	c.memo.Add(suffix, canon)
	return canon, nil
}

func (c *Canonicaliser) canonicalise(suffix string) (Canonical, error) {
	if suffix == "" || suffix[0] != '/' {
		suffix = "/" + suffix
	}

	u, err := url.Parse(c.scheme + "://" + c.host + c.basePath + suffix)
	if err != nil {
		return Canonical{}, ErrInvalidURL
	}

	p, err := canonicalPath(u.EscapedPath())
	if err != nil {
		return Canonical{}, ErrInvalidURL
	}

	q, err := c.canonicalQuery(u.RawQuery)
	if err != nil {
		return Canonical{}, ErrInvalidURL
	}

	pathQuery := p
	if q != "" {
		pathQuery += "?" + q
	}

	return Canonical{
		URL:         c.scheme + "://" + c.host + pathQuery,
		PathQuery:   pathQuery,
		Fingerprint: Fingerprint(pathQuery),
	}, nil
}

// canonicalPath resolves dot segments, collapses duplicate slashes and
// normalises percent-encoding (unreserved characters decoded, escapes
// in uppercase hex).
func canonicalPath(escaped string) (string, error) {
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return "", err
	}

	cleaned := path.Clean("/" + decoded)
	if cleaned != "/" && strings.HasSuffix(decoded, "/") {
		cleaned += "/"
	}

	segments := strings.Split(cleaned, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/"), nil
}

// canonicalQuery sorts parameters lexicographically by key, keeping
// each key's values in their original order, and drops removed keys.
func (c *Canonicaliser) canonicalQuery(rawQuery string) (string, error) {
	if rawQuery == "" {
		return "", nil
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", err
	}
	for key := range c.remove {
		values.Del(key)
	}
	return values.Encode(), nil
}

// canonicalHost drops the scheme's default port.
func canonicalHost(scheme, host string) string {
	switch scheme {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	}
	return host
}
