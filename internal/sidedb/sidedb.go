// Package sidedb is the small side index every node keeps alongside its
// record heap. It persists one process-wide high-water mark, the max
// sync-log rec-no, so a restart resumes rec-no numbering where the last
// run left off (spec.md §4.4); it keeps no file-id table.
//
// Modeled on the teacher's pkg/sorted.KeyValue: a narrow sorted
// get/set/delete/iterate interface with swappable backends, so the side
// index can run on github.com/syndtr/goleveldb in production and on
// modernc.org/sqlite in tests without either concern leaking into callers.
package sidedb

import "errors"

// ErrNotFound matches the teacher's sorted.ErrNotFound: no value for key.
var ErrNotFound = errors.New("sidedb: key not found")

// KeyValue is the sorted, enumerable store sidedb needs from a backend.
type KeyValue interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error

	// Find positions an iterator at the first key >= key lexicographically.
	Find(key string) Iterator

	Close() error
}

// Iterator walks a KeyValue's entries in key order.
type Iterator interface {
	Next() bool
	Key() string
	Value() string
	Close() error
}
