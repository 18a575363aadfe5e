package urlkey

import (
	"github.com/cespare/xxhash/v2"
)

// Fingerprint hashes a canonical path+query into the 64-bit entry
// identifier. The hash must be identical on every instance sharing a
// cache cluster; xxhash64 is stable across platforms and versions.
func Fingerprint(pathQuery string) uint64 {
	return xxhash.Sum64String(pathQuery)
}
