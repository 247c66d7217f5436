package storage

import "fmt"

// Run-log key schema for Pebble.
//
// Keys sort lexicographically, so timestamps and sequence numbers are
// zero-padded to keep iteration in replay order:
//
//   fill:<time>:<seq>  → Fill
//   ord:<time>:<rec>   → Order transition snapshot
//   snap               → final account snapshot
const (
	prefixFill  = "fill:"
	prefixOrder = "ord:"
)

// fillKey returns the key for one fill
// Format: "fill:{time}:{seq}", both zero-padded (20 digits)
func fillKey(t int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", prefixFill, t, seq))
}

// orderKey returns the key for one order transition
// Format: "ord:{time}:{rec}" where rec is the log's own append counter
func orderKey(t int64, rec uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", prefixOrder, t, rec))
}

func snapshotKey() []byte { return []byte("snap") }

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
