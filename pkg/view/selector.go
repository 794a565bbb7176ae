package view

// SelectorKind distinguishes the four ways a query can pick which view
// entries to read.
type SelectorKind int

const (
	SelectorNone SelectorKind = iota
	SelectorMatches
	SelectorMultiple
	SelectorRange
)

// KeySelector picks which entries of a view a Query/Reduce call reads.
// Build one with None, Matches, Multiple, or Range.
type KeySelector struct {
	Kind  SelectorKind
	Key   []byte
	Keys  [][]byte
	Start []byte
	End   []byte
}

// None selects every entry, in ascending key order.
func None() KeySelector { return KeySelector{Kind: SelectorNone} }

// Matches selects the single entry at key, if any.
func Matches(key []byte) KeySelector { return KeySelector{Kind: SelectorMatches, Key: key} }

// Multiple selects the entries at each of keys, in the caller's order;
// keys with no entry are omitted from the result.
func Multiple(keys [][]byte) KeySelector { return KeySelector{Kind: SelectorMultiple, Keys: keys} }

// Range selects entries with start <= key < end, in ascending order. A nil
// end means no upper bound.
func Range(start, end []byte) KeySelector { return KeySelector{Kind: SelectorRange, Start: start, End: end} }

// AccessPolicy controls the freshness/linearization tradeoff a query pays
// for against a view's background indexing.
type AccessPolicy int

const (
	// UpdateBefore runs Update-if-needed to completion before reading, so
	// the read reflects every write committed before the call started.
	UpdateBefore AccessPolicy = iota
	// UpdateAfter reads current state and enqueues an update in the
	// background without waiting for it.
	UpdateAfter
	// NoUpdate reads current state and does not trigger an update.
	NoUpdate
)
