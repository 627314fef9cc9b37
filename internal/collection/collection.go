// Package collection is the ordered list of files the cache works on.
package collection

import "github.com/anastasop/imgcache/internal/decode"

// Source is the read side of an ordered collection. Indices are positions
// in the current order and may shift when the collection is sorted,
// filtered or edited; keys are stable. Out of range indices return zero
// values.
type Source interface {
	Len() int
	PathAt(i int) string
	IndexOf(key string) (int, bool)
	EstimatedSizeMB(i int) float64
	IsVideo(i int) bool
	// MetadataReady reports whether the item may be decoded.
	MetadataReady(i int) bool
}

// Bookkeeper receives the cache state of items, for display.
type Bookkeeper interface {
	SetCaching(i int, caching bool)
	SetCached(i int, cached bool)
	SetDecoderID(i int, id int)
	SetAttempts(i int, n int)
	SetDecodeStatus(i int, s decode.Status)
}

// Collection is what the cache needs from the list of items.
type Collection interface {
	Source
	Bookkeeper
}
