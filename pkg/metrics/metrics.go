// Package metrics tracks the proxy's monotonic counters and serves
// them as a JSON snapshot, alongside Prometheus exposition.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons for responses that failed the admission predicate.
const (
	ReasonNon200      = "non_200"
	ReasonContentType = "content_type"
	ReasonTTL         = "ttl"
	ReasonOversize    = "oversize"
)

var (
	requestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampart_requests_total",
		Help: "Total requests handled by the proxy",
	})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_decisions_total",
		Help: "Cache decisions by outcome",
	}, []string{"decision"}) // "hit", "stale", "updating", "miss"

	admissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampart_admissions_total",
		Help: "Origin responses admitted to the cache",
	})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rampart_rejections_total",
		Help: "Origin responses rejected by the admission predicate, by reason",
	}, []string{"reason"})

	cacheErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampart_cache_errors_total",
		Help: "Cache operation errors",
	})

	originErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rampart_origin_errors_total",
		Help: "Origin fetch errors and timeouts",
	})
)

// Counters is the process-wide counter set. Counters only increase
// and reset on process restart. The zero value is ready to use.
type Counters struct {
	requests        atomic.Uint64
	hits            atomic.Uint64
	stales          atomic.Uint64
	updatings       atomic.Uint64
	misses          atomic.Uint64
	admissions      atomic.Uint64
	rejectNon200    atomic.Uint64
	rejectMediaType atomic.Uint64
	rejectTTL       atomic.Uint64
	rejectOversize  atomic.Uint64
	cacheErrors     atomic.Uint64
	originErrors    atomic.Uint64
}

// Request counts an inbound request.
func (c *Counters) Request() {
	c.requests.Add(1)
	requestsTotal.Inc()
}

// Hit counts a fresh cache hit.
func (c *Counters) Hit() {
	c.hits.Add(1)
	decisionsTotal.WithLabelValues("hit").Inc()
}

// Stale counts a stale entry served under another requester's lock.
func (c *Counters) Stale() {
	c.stales.Add(1)
	decisionsTotal.WithLabelValues("stale").Inc()
}

// Updating counts a refresh forwarded to the origin.
func (c *Counters) Updating() {
	c.updatings.Add(1)
	decisionsTotal.WithLabelValues("updating").Inc()
}

// Miss counts a request forwarded with no usable entry.
func (c *Counters) Miss() {
	c.misses.Add(1)
	decisionsTotal.WithLabelValues("miss").Inc()
}

// Admission counts a cache write-back.
func (c *Counters) Admission() {
	c.admissions.Add(1)
	admissionsTotal.Inc()
}

// Rejection counts a response that failed the admission predicate.
func (c *Counters) Rejection(reason string) {
	switch reason {
	case ReasonNon200:
		c.rejectNon200.Add(1)
	case ReasonContentType:
		c.rejectMediaType.Add(1)
	case ReasonTTL:
		c.rejectTTL.Add(1)
	case ReasonOversize:
		c.rejectOversize.Add(1)
	}
	rejectionsTotal.WithLabelValues(reason).Inc()
}

// CacheError counts a failed cache operation.
func (c *Counters) CacheError() {
	c.cacheErrors.Add(1)
	cacheErrorsTotal.Inc()
}

// OriginError counts a failed origin fetch.
func (c *Counters) OriginError() {
	c.originErrors.Add(1)
	originErrorsTotal.Inc()
}

// Snapshot is the JSON shape served by the metrics endpoint.
type Snapshot struct {
	Requests   uint64             `json:"requests"`
	Hits       uint64             `json:"hits"`
	Stales     uint64             `json:"stales"`
	Updatings  uint64             `json:"updatings"`
	Misses     uint64             `json:"misses"`
	Admissions uint64             `json:"admissions"`
	Rejections RejectionsSnapshot `json:"rejections"`
	CacheErrs  uint64             `json:"cacheErrors"`
	OriginErrs uint64             `json:"originErrors"`
}

// RejectionsSnapshot breaks down admission rejections by reason.
type RejectionsSnapshot struct {
	Non200      uint64 `json:"non200"`
	ContentType uint64 `json:"contentType"`
	TTL         uint64 `json:"ttl"`
	Oversize    uint64 `json:"oversize"`
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Requests:   c.requests.Load(),
		Hits:       c.hits.Load(),
		Stales:     c.stales.Load(),
		Updatings:  c.updatings.Load(),
		Misses:     c.misses.Load(),
		Admissions: c.admissions.Load(),
		Rejections: RejectionsSnapshot{
			Non200:      c.rejectNon200.Load(),
			ContentType: c.rejectMediaType.Load(),
			TTL:         c.rejectTTL.Load(),
			Oversize:    c.rejectOversize.Load(),
		},
		CacheErrs:  c.cacheErrors.Load(),
		OriginErrs: c.originErrors.Load(),
	}
}
