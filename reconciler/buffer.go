// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package reconciler

import (
	"sort"
	"sync"
	"time"

	"github.com/chronotail/chronotail/logstream"
)

const (
	// DefaultCapacity bounds the buffer; insertion beyond it evicts
	// the oldest entries after a re-sort.
	DefaultCapacity = 10000

	// resortEvery bounds how many appends may pass between safety
	// re-sorts when no disorder is detected. Sources deliver lines in
	// near-chronological order, so sorting on every insert would be
	// wasted work; sorting every N appends keeps the cost amortized
	// O(1) per line.
	resortEvery = 50
)

// Buffer is the canonical ordered line buffer for one viewed
// resource. It absorbs lines from the historical loader and the
// live stream, keeps them ascending by timestamp (stable on ties),
// deduplicates on (timestamp, text) and caps its length.
type Buffer struct {
	mu       sync.Mutex
	lines    []logstream.Line
	seen     map[logstream.Key]struct{}
	capacity int
	appends  int    // appends since the last re-sort
	seq      uint64 // bumped on every visible mutation
}

// NewBuffer returns an empty buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		seen:     make(map[logstream.Key]struct{}),
		capacity: capacity,
	}
}

// Append absorbs one line from the live stream. It reports whether
// the buffer changed; duplicates and blank lines are discarded.
func (b *Buffer) Append(line logstream.Line) bool {
	if line.Text == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := line.Key()
	if _, ok := b.seen[key]; ok {
		return false
	}

	disorder := len(b.lines) > 0 &&
		line.Timestamp.Before(b.lines[len(b.lines)-1].Timestamp)

	b.lines = append(b.lines, line)
	b.seen[key] = struct{}{}
	b.appends++

	if disorder || b.appends >= resortEvery {
		b.sortLocked()
	}
	b.truncateLocked()
	b.seq++
	return true
}

// Merge absorbs a batch of historical lines, typically a backfill
// page. Lines already present are skipped. It returns the number of
// lines inserted.
func (b *Buffer) Merge(lines []logstream.Line) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	inserted := 0
	for _, line := range lines {
		if line.Text == "" {
			continue
		}
		key := line.Key()
		if _, ok := b.seen[key]; ok {
			continue
		}
		b.lines = append(b.lines, line)
		b.seen[key] = struct{}{}
		inserted++
	}
	if inserted == 0 {
		return 0
	}

	b.sortLocked()
	b.truncateLocked()
	b.seq++
	return inserted
}

// Clear empties the buffer. A live session keeps appending to the
// cleared buffer afterwards.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = nil
	b.seen = make(map[logstream.Key]struct{})
	b.appends = 0
	b.seq++
}

// Len returns the number of buffered lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Seq returns the buffer's change counter.
func (b *Buffer) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Lines returns a sorted copy of the buffered lines.
func (b *Buffer) Lines() []logstream.Line {
	lines, _ := b.Snapshot()
	return lines
}

// Snapshot returns a sorted copy of the buffered lines together
// with the change counter it corresponds to.
func (b *Buffer) Snapshot() ([]logstream.Line, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// sort before exposing so readers never observe the window
	// between an out-of-order append and the next safety re-sort.
	b.sortLocked()
	out := make([]logstream.Line, len(b.lines))
	copy(out, b.lines)
	return out, b.seq
}

// Earliest returns the timestamp of the oldest buffered line, used
// as the backfill cursor.
func (b *Buffer) Earliest() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		return time.Time{}, false
	}
	b.sortLocked()
	return b.lines[0].Timestamp, true
}

func (b *Buffer) sortLocked() {
	sort.SliceStable(b.lines, func(i, j int) bool {
		return b.lines[i].Timestamp.Before(b.lines[j].Timestamp)
	})
	b.appends = 0
}

// truncateLocked evicts the oldest lines once the buffer exceeds
// its capacity. The caller must have sorted recently enough that
// eviction from the front removes the oldest entries; Append and
// Merge both sort before a truncation can occur.
func (b *Buffer) truncateLocked() {
	if len(b.lines) <= b.capacity {
		return
	}
	// sort first so the newest entries are the ones that survive.
	b.sortLocked()
	evicted := b.lines[:len(b.lines)-b.capacity]
	for _, line := range evicted {
		delete(b.seen, line.Key())
	}
	b.lines = append([]logstream.Line(nil), b.lines[len(b.lines)-b.capacity:]...)
}
