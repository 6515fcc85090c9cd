// Package raftutil holds the small invariant-checking and arithmetic
// helpers shared by every consensus package, carried over from the
// teacher's utils package (raft/utils/assert.go, raft/utils/compare.go).
package raftutil

import "fmt"

// Debug gates Assert. Left on in production: the conditions it guards are
// the fatal invariants spec.md §7 says must halt the process, not
// recoverable errors.
var Debug = true

// Assert panics with a formatted message when cond is false.
func Assert(cond bool, format string, a ...interface{}) {
	if Debug && !cond {
		panic(fmt.Sprintf(format, a...))
	}
}

// AssertNotNil panics when obj is nil.
func AssertNotNil(obj interface{}, format string, a ...interface{}) {
	Assert(obj != nil, format, a...)
}
