package proxy

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lovell/rampart/pkg/cache"
	"github.com/lovell/rampart/pkg/cacheability"
	"github.com/lovell/rampart/pkg/metrics"
)

// admitter observes one origin response stream and, when the
// admission predicate holds at end-of-stream, writes the entry back:
// data, then meta, then lock deletion. Readers tolerate any prefix of
// that sequence.
type admitter struct {
	cache    cache.Cache
	counters *metrics.Counters
	keys     cache.Keys
	url      string
	logger   zerolog.Logger

	body     bytes.Buffer
	oversize bool
}

func newAdmitter(c cache.Cache, counters *metrics.Counters, keys cache.Keys, url string, logger zerolog.Logger) *admitter {
	return &admitter{
		cache:    c,
		counters: counters,
		keys:     keys,
		url:      url,
		logger:   logger,
	}
}

// observe accumulates a chunk of the body. Once the running total
// reaches the size cap the buffer is discarded; the stream itself
// keeps flowing to the client.
func (a *admitter) observe(p []byte) {
	if a.oversize {
		return
	}
	if a.body.Len()+len(p) >= cache.MaxBodyBytes {
		a.oversize = true
		a.body = bytes.Buffer{}
		return
	}
	a.body.Write(p)
}

// finish applies the admission predicate and performs the write-back.
// Rejections leave any existing entry untouched, the lock included;
// an abandoned lock falls out via its TTL or cache eviction.
func (a *admitter) finish(status int, header http.Header, now time.Time) {
	if reason, ok := a.reject(status, header); ok {
		a.counters.Rejection(reason)
		a.logger.Debug().
			Str("url", a.url).
			Str("reason", reason).
			Int("status", status).
			Msg("Origin response not admitted")
		return
	}

	ttl := cacheability.TTL(header.Get("Cache-Control"))
	meta := cache.NewMeta(now, ttl)
	meta.ContentType = header.Get("Content-Type")
	meta.Server = header.Get("Server")
	meta.ContentEncoding = header.Get("Content-Encoding")
	meta.ETag = header.Get("ETag")
	meta.URL = a.url

	encoded, err := meta.Encode()
	if err != nil {
		a.counters.CacheError()
		a.logger.Error().Err(err).Str("url", a.url).Msg("Meta record encoding failed")
		return
	}

	// The client may be gone by now; write-back proceeds regardless
	// because other instances wait on the lock.
	ctx := context.Background()

	if err := a.cache.Set(ctx, a.keys.Data, a.body.Bytes(), 0); err != nil {
		a.counters.CacheError()
		a.logger.Warn().Err(err).Str("key", a.keys.Data).Msg("Data write-back failed")
	}
	if err := a.cache.Set(ctx, a.keys.Meta, encoded, 0); err != nil {
		a.counters.CacheError()
		a.logger.Warn().Err(err).Str("key", a.keys.Meta).Msg("Meta write-back failed")
	}
	if err := a.cache.Delete(ctx, a.keys.Lock); err != nil {
		a.counters.CacheError()
		a.logger.Warn().Err(err).Str("key", a.keys.Lock).Msg("Lock delete failed")
	}

	a.counters.Admission()
	a.logger.Debug().
		Str("url", a.url).
		Int("bytes", a.body.Len()).
		Int("ttl", ttl).
		Msg("Response admitted")
}

// reject returns the first admission predicate violation.
func (a *admitter) reject(status int, header http.Header) (string, bool) {
	if status != http.StatusOK {
		return metrics.ReasonNon200, true
	}
	contentType := header.Get("Content-Type")
	if contentType == "" || !cacheability.CacheableType(contentType) {
		return metrics.ReasonContentType, true
	}
	cc := header.Get("Cache-Control")
	if cc == "" || cacheability.TTL(cc) <= 0 {
		return metrics.ReasonTTL, true
	}
	if a.oversize {
		return metrics.ReasonOversize, true
	}
	return "", false
}
