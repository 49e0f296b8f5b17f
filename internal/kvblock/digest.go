package kvblock

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// contentDigest renders a short fingerprint of a block's content for log
// correlation only. It is never used for equality or lookup — the spec's
// Non-goals rule out cryptographic/fingerprint equality, so all real
// content comparisons go through PrefixIndex's exact token-path matching.
func contentDigest(content []int64) uint64 {
	if len(content) == 0 {
		return 0
	}
	buf := make([]byte, 8*len(content))
	for i, tok := range content {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(tok))
	}
	return xxhash.Sum64(buf)
}
