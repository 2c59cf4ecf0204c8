package validate

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/gowebpki/jcs"

	"duet/peer/internal/sim"
)

// Digest canonicalises the state as RFC 8785 JSON and returns its xxhash64
// as 16 hex characters. Key order and number formatting therefore never
// affect the hash. States that are not valid JSON are hashed as raw bytes.
func Digest(state sim.State) string {
	canonical, err := jcs.Transform(state)
	if err != nil {
		canonical = state
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical))
}
