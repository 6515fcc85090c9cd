// Package logcache provides an in-memory reference implementation of
// host.LogCache, for tests and small deployments that don't need a
// durable log.
//
// Grounded on the teacher's holder.LogHolder (raft/core/holder/log.go),
// reduced to a plain index-sorted slice with no dummy entry: appends are
// never checked for conflicts, and callers discard a conflicting tail
// explicitly through TruncateOpsAfter. Generalized from the teacher's
// uint64 (term, index) pair tracked as separate fields to raftpb.OpId, and
// from a synchronous
// single-writer API to the blocking-read-with-deadline shape host.LogCache
// needs for the proxy handler (spec.md §4.8).
package logcache

import (
	"sync"
	"time"

	"github.com/thinkermao/flexraft/raftpb"
)

// Cache is an in-memory, goroutine-safe host.LogCache.
type Cache struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []raftpb.Entry // sorted by index, contiguous
}

// New returns an empty Cache.
func New() *Cache {
	c := &Cache{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Append enqueues entry and invokes cb once it is visible to readers. The
// in-memory cache never actually fails a write, mirroring the teacher's
// LogHolder.Append, which only asserts on out-of-range input.
func (c *Cache) Append(entry raftpb.Entry, cb func(error)) {
	c.AppendBatch([]raftpb.Entry{entry}, cb)
}

// AppendBatch is the batched form of Append.
func (c *Cache) AppendBatch(entries []raftpb.Entry, cb func(error)) {
	c.mu.Lock()
	c.entries = append(c.entries, entries...)
	c.mu.Unlock()
	c.cond.Broadcast()
	if cb != nil {
		cb(nil)
	}
}

// TruncateOpsAfter discards every entry with index > after.
func (c *Cache) TruncateOpsAfter(after uint64) (*uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0:0]
	for _, e := range c.entries {
		if e.ID.Index > after {
			break
		}
		kept = append(kept, e)
	}
	c.entries = kept
	return &after, nil
}

// BlockingReadOps reads entries with index > afterIndex, blocking until at
// least one is available or deadline elapses (deadline <= 0 means "return
// immediately with whatever is present").
func (c *Cache) BlockingReadOps(afterIndex uint64, maxBytes int, deadline time.Duration) ([]raftpb.Entry, raftpb.OpId, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadlineAt := time.Now().Add(deadline)
	for {
		out, preceding, ok := c.sliceAfterLocked(afterIndex, maxBytes)
		if ok || deadline <= 0 || time.Now().After(deadlineAt) {
			return out, preceding, nil
		}
		c.waitWithDeadlineLocked(deadlineAt)
	}
}

func (c *Cache) sliceAfterLocked(afterIndex uint64, maxBytes int) (out []raftpb.Entry, preceding raftpb.OpId, ok bool) {
	preceding = raftpb.MinOpId
	bytes := 0
	for _, e := range c.entries {
		if e.ID.Index <= afterIndex {
			preceding = e.ID
			continue
		}
		if maxBytes > 0 && bytes >= maxBytes {
			break
		}
		out = append(out, e)
		bytes += len(e.Msg.Payload)
	}
	return out, preceding, len(out) > 0
}

// waitWithDeadlineLocked blocks on c.cond until either it's signaled or
// deadlineAt passes; c.mu must be held.
func (c *Cache) waitWithDeadlineLocked(deadlineAt time.Time) {
	remaining := time.Until(deadlineAt)
	if remaining <= 0 {
		return
	}
	timer := time.AfterFunc(remaining, func() {
		c.cond.Broadcast()
	})
	defer timer.Stop()
	c.cond.Wait()
}

// GetLastOpIdInLog returns the OpId of the most recently appended entry.
func (c *Cache) GetLastOpIdInLog() raftpb.OpId {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return raftpb.MinOpId
	}
	return c.entries[len(c.entries)-1].ID
}
