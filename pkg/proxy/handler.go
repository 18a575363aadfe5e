// Package proxy implements the request-handling pipeline: cache
// lookup, the hit/stale/updating/miss decision, origin forwarding and
// the origin-response admitter.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lovell/rampart/pkg/cache"
	"github.com/lovell/rampart/pkg/logging"
	"github.com/lovell/rampart/pkg/metrics"
	"github.com/lovell/rampart/pkg/urlkey"
)

// HeaderRampart carries the cache decision on every response.
const HeaderRampart = "X-Rampart"

// Decision values exposed via the X-Rampart header.
const (
	DecisionHit      = "hit"
	DecisionStale    = "stale"
	DecisionUpdating = "updating"
	DecisionMiss     = "miss"
)

const (
	// DefaultOriginTimeout bounds a single origin fetch.
	DefaultOriginTimeout = 30 * time.Second

	// DefaultLockTTL bounds how long a crashed updater can wedge a
	// fingerprint. Zero leaves lock expiry to cache eviction.
	DefaultLockTTL = 30 * time.Second
)

// Config configures a Handler.
type Config struct {
	// Cache is the shared distributed cache.
	Cache cache.Cache

	// Canonicaliser normalises request targets for the upstream.
	Canonicaliser *urlkey.Canonicaliser

	// Counters receives decision and admission counts.
	Counters *metrics.Counters

	// OriginTimeout bounds origin fetches. Defaults to
	// DefaultOriginTimeout.
	OriginTimeout time.Duration

	// LockTTL is the expiry on acquired dogpile locks. Zero relies
	// on cache eviction alone; negative selects DefaultLockTTL.
	LockTTL time.Duration
}

// Handler is the decision core. One Handler serves all in-flight
// requests; per-request state lives on the stack of each ServeHTTP
// call.
type Handler struct {
	cache         cache.Cache
	canon         *urlkey.Canonicaliser
	counters      *metrics.Counters
	client        *http.Client
	originTimeout time.Duration
	lockTTL       time.Duration
	logger        zerolog.Logger
}

// NewHandler builds the proxy handler.
func NewHandler(cfg Config) *Handler {
	originTimeout := cfg.OriginTimeout
	if originTimeout <= 0 {
		originTimeout = DefaultOriginTimeout
	}
	lockTTL := cfg.LockTTL
	if lockTTL < 0 {
		lockTTL = DefaultLockTTL
	}
	counters := cfg.Counters
	if counters == nil {
		counters = &metrics.Counters{}
	}
	return &Handler{
		cache:    cfg.Cache,
		canon:    cfg.Canonicaliser,
		counters: counters,
		client: &http.Client{
			// Redirects belong to the client, not the proxy.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		originTimeout: originTimeout,
		lockTTL:       lockTTL,
		logger:        logging.Component("proxy"),
	}
}

// lookup is the snapshot of the three per-fingerprint keys fetched in
// parallel. The decision is made from this snapshot and never
// re-validated.
type lookup struct {
	data []byte
	meta *cache.Meta
	lock bool
}

func (l lookup) usable() bool {
	return l.data != nil && l.meta != nil
}

// ServeHTTP implements the decision table: fresh entries are served
// from cache, expired entries are served stale while another
// requester refreshes, and everything else is forwarded.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.counters.Request()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		// Unsafe methods bypass the cache entirely.
		h.forwardBypass(w, r)
		return
	}

	canon, err := h.canon.Canonicalise(r.URL.RequestURI())
	if err != nil {
		h.logger.Debug().Err(err).Str("target", r.URL.RequestURI()).Msg("Rejecting uncanonicalisable request")
		http.Error(w, "invalid url", http.StatusBadRequest)
		return
	}

	keys := cache.KeysFor(canon.Fingerprint)
	snapshot := h.fetchSnapshot(r.Context(), keys)
	now := time.Now()

	switch {
	case snapshot.usable() && snapshot.meta.Fresh(now):
		h.counters.Hit()
		h.respondFromCache(w, snapshot, DecisionHit, now)

	case snapshot.usable() && snapshot.lock:
		h.counters.Stale()
		h.respondFromCache(w, snapshot, DecisionStale, now)

	case snapshot.usable():
		h.counters.Updating()
		held := h.acquireLock(r.Context(), keys.Lock)
		h.forward(w, r, canon, keys, DecisionUpdating, held)

	default:
		h.counters.Miss()
		h.forward(w, r, canon, keys, DecisionMiss, false)
	}
}

// fetchSnapshot issues the three cache lookups concurrently and waits
// for all of them. Individual errors degrade to "absent".
func (h *Handler) fetchSnapshot(ctx context.Context, keys cache.Keys) lookup {
	var (
		snapshot lookup
		wg       sync.WaitGroup
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		snapshot.data = h.get(ctx, keys.Data)
	}()
	go func() {
		defer wg.Done()
		raw := h.get(ctx, keys.Meta)
		if raw == nil {
			return
		}
		meta, err := cache.DecodeMeta(raw)
		if err != nil {
			h.logger.Warn().Err(err).Str("key", keys.Meta).Msg("Discarding undecodable meta record")
			return
		}
		snapshot.meta = meta
	}()
	go func() {
		defer wg.Done()
		snapshot.lock = h.get(ctx, keys.Lock) != nil
	}()
	wg.Wait()

	return snapshot
}

// get returns the value at key, or nil when absent or failing.
func (h *Handler) get(ctx context.Context, key string) []byte {
	value, err := h.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			h.counters.CacheError()
			h.logger.Warn().Err(err).Str("key", key).Msg("Cache lookup failed, treating key as absent")
		}
		return nil
	}
	return value
}

// acquireLock attempts the atomic dogpile lock. A lost race or a
// cache failure never stops the refresh; it only means the lock is
// not ours to release.
func (h *Handler) acquireLock(ctx context.Context, key string) bool {
	err := h.cache.Add(ctx, key, cache.LockSentinel, h.lockTTL)
	switch {
	case err == nil:
		return true
	case errors.Is(err, cache.ErrNotStored):
		// Another requester locked between our snapshot and now.
		return false
	default:
		h.counters.CacheError()
		h.logger.Warn().Err(err).Str("key", key).Msg("Lock write failed")
		return false
	}
}

// respondFromCache synthesises a 200 from the stored data and meta
// records.
func (h *Handler) respondFromCache(w http.ResponseWriter, snapshot lookup, decision string, now time.Time) {
	header := w.Header()
	header.Set("Date", now.UTC().Format(http.TimeFormat))
	header.Set("Connection", "keep-alive")
	header.Set("Content-Type", snapshot.meta.ContentType)
	header.Set("Content-Length", strconv.Itoa(len(snapshot.data)))
	header.Set(HeaderRampart, decision)
	if snapshot.meta.Fresh(now) {
		header.Set("Cache-Control", "max-age="+strconv.Itoa(snapshot.meta.RemainingSeconds(now)))
	}
	if snapshot.meta.Server != "" {
		header.Set("Server", snapshot.meta.Server)
	}
	if snapshot.meta.ContentEncoding != "" {
		header.Set("Content-Encoding", snapshot.meta.ContentEncoding)
	}
	if snapshot.meta.ETag != "" {
		header.Set("ETag", snapshot.meta.ETag)
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(snapshot.data); err != nil {
		h.logger.Debug().Err(err).Msg("Client went away during cached response")
	}
}

// releaseLock deletes a lock this handler acquired, so the next
// requester may retry after an origin failure.
func (h *Handler) releaseLock(key string) {
	if err := h.cache.Delete(context.Background(), key); err != nil {
		h.counters.CacheError()
		h.logger.Warn().Err(err).Str("key", key).Msg("Lock release failed")
	}
}
