// Package cacheability decides whether an origin response may be
// admitted to the shared cache: TTL extraction from Cache-Control and
// the media-type allow list.
package cacheability

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	sMaxAgePattern = regexp.MustCompile(`s-maxage=(\d+)`)
	maxAgePattern  = regexp.MustCompile(`max-age=(\d+)`)
)

// TTL extracts a non-negative TTL in seconds from a Cache-Control
// header value.
//
// no-cache and private short-circuit to 0 even when a max-age is also
// present. s-maxage overrides max-age. Values overflow-saturate at
// 2^31-1 seconds.
func TTL(cacheControl string) int {
	if strings.Contains(cacheControl, "no-cache") || strings.Contains(cacheControl, "private") {
		return 0
	}
	if m := sMaxAgePattern.FindStringSubmatch(cacheControl); m != nil {
		return parseSeconds(m[1])
	}
	if m := maxAgePattern.FindStringSubmatch(cacheControl); m != nil {
		return parseSeconds(m[1])
	}
	return 0
}

func parseSeconds(digits string) int {
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}
