package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lovell/rampart/pkg/cache"
	"github.com/lovell/rampart/pkg/urlkey"
)

// Hop-by-hop headers are not forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forward fetches the canonical URL from the origin, streams the
// response to the client and hands the stream to the admitter.
//
// The origin fetch runs on a context detached from the client
// request: a client disconnect must not abort an admission other
// instances may be waiting on. The configured origin timeout is the
// only cancellation.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, canon urlkey.Canonical, keys cache.Keys, decision string, heldLock bool) {
	ctx, cancel := context.WithTimeout(context.Background(), h.originTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, canon.URL, nil)
	if err != nil {
		h.originFailure(w, keys, heldLock, err)
		return
	}
	copyProxyHeaders(outReq, r)

	resp, err := h.client.Do(outReq)
	if err != nil {
		h.originFailure(w, keys, heldLock, err)
		return
	}
	defer resp.Body.Close()

	var adm *admitter
	if r.Method == http.MethodGet {
		adm = newAdmitter(h.cache, h.counters, keys, canon.URL, h.logger)
	}

	h.streamResponse(w, resp, decision, keys, heldLock, adm)
}

// forwardBypass proxies a request that takes no part in caching. The
// origin fetch stays tied to the client context; with no admission
// pending there is nothing to protect from a disconnect.
func (h *Handler) forwardBypass(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.originTimeout)
	defer cancel()

	canon, err := h.canon.Canonicalise(r.URL.RequestURI())
	if err != nil {
		http.Error(w, "invalid url", http.StatusBadRequest)
		return
	}
	h.counters.Miss()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, canon.URL, r.Body)
	if err != nil {
		h.originFailure(w, cache.Keys{}, false, err)
		return
	}
	copyProxyHeaders(outReq, r)

	resp, err := h.client.Do(outReq)
	if err != nil {
		h.originFailure(w, cache.Keys{}, false, err)
		return
	}
	defer resp.Body.Close()

	h.streamResponse(w, resp, DecisionMiss, cache.Keys{}, false, nil)
}

// streamResponse relays the origin response to the client while the
// admitter accumulates the body. The relay keeps draining the origin
// even after a client write fails, so the admission can complete.
func (h *Handler) streamResponse(w http.ResponseWriter, resp *http.Response, decision string, keys cache.Keys, heldLock bool, adm *admitter) {
	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
	header.Set(HeaderRampart, decision)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var clientGone bool

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if adm != nil {
				adm.observe(buf[:n])
			}
			if !clientGone {
				if _, werr := w.Write(buf[:n]); werr != nil {
					clientGone = true
					h.logger.Debug().Err(werr).Msg("Client went away mid-stream, draining origin for admission")
				} else if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			h.counters.OriginError()
			h.logger.Error().Err(err).Str("url", resp.Request.URL.String()).Msg("Origin stream failed mid-body")
			if heldLock {
				h.releaseLock(keys.Lock)
			}
			return
		}
	}

	if adm != nil {
		adm.finish(resp.StatusCode, resp.Header, time.Now())
	} else if heldLock {
		// No admitter will delete the lock for this stream (HEAD
		// never admits), so release it here or it outlives us.
		h.releaseLock(keys.Lock)
	}
}

// originFailure answers 502 and releases a held lock so the next
// requester may retry.
func (h *Handler) originFailure(w http.ResponseWriter, keys cache.Keys, heldLock bool, err error) {
	h.counters.OriginError()
	h.logger.Error().Err(err).Msg("Origin fetch failed")
	if heldLock {
		h.releaseLock(keys.Lock)
	}
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

// copyProxyHeaders carries the client's end-to-end headers to the
// origin, sets Host from the target and appends X-Forwarded-For.
func copyProxyHeaders(outReq *http.Request, r *http.Request) {
	for name, values := range r.Header {
		for _, v := range values {
			outReq.Header.Add(name, v)
		}
	}
	for _, name := range hopByHopHeaders {
		outReq.Header.Del(name)
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		forwarded := clientIP
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			forwarded = strings.Join([]string{prior, clientIP}, ", ")
		}
		outReq.Header.Set("X-Forwarded-For", forwarded)
	}
}
