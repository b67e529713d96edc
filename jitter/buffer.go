// Package jitter provides a capacity-bounded, sequence-ordered holding area
// for inbound media frames.
//
// The buffer is a pure data structure with no I/O. A reassembly consumer pulls
// frames by the next expected sequence number with TakeNext, and drops frames
// that can no longer be played with DiscardBefore. When more frames arrive
// than the buffer can hold, the oldest (smallest sequence number) entries are
// evicted first.
//
// All operations share a single mutex. The buffer is small and accessed far
// less often than frames arrive, so a coarse critical section is sufficient.
package jitter

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the capacity used when NewBuffer is given a non-positive value.
const DefaultCapacity = 64

// ErrEmpty is returned by MinKey and MaxKey when the buffer holds no entries.
var ErrEmpty = errors.New("jitter buffer is empty")

// Buffer holds (sequence number, payload) entries ordered by sequence number.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	frames   map[uint32][]byte
	keys     []uint32 // ascending, mirrors the keys of frames
	evicted  uint64
}

// NewBuffer creates an empty buffer bounded to capacity entries.
//
// Parameters:
//   - capacity: Maximum number of entries held at once
//
// Returns:
//   - *Buffer: New jitter buffer instance
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewBuffer",
		"capacity": capacity,
	}).Debug("Creating jitter buffer")

	return &Buffer{
		capacity: capacity,
		frames:   make(map[uint32][]byte, capacity+1),
		keys:     make([]uint32, 0, capacity+1),
	}
}

// Add inserts a frame under the given sequence number. An existing entry with
// the same sequence number is replaced. If the buffer exceeds its capacity
// after insertion, entries with the smallest sequence numbers are evicted
// until it is back at capacity.
func (b *Buffer) Add(seq uint32, frame []byte) {
	data := make([]byte, len(frame))
	copy(data, frame)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.frames[seq]; !exists {
		b.insertKey(seq)
	}
	b.frames[seq] = data

	for len(b.keys) > b.capacity {
		oldest := b.keys[0]
		b.keys = b.keys[1:]
		delete(b.frames, oldest)
		b.evicted++

		logrus.WithFields(logrus.Fields{
			"function": "Buffer.Add",
			"evicted":  oldest,
			"inserted": seq,
			"capacity": b.capacity,
		}).Debug("Evicted oldest frame from jitter buffer")
	}
}

// TakeNext removes and returns the entry stored under exactly seq. The boolean
// result is false when no such entry exists; the caller decides whether to
// wait for it or skip ahead.
func (b *Buffer) TakeNext(seq uint32) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frame, ok := b.frames[seq]
	if !ok {
		return nil, false
	}

	delete(b.frames, seq)
	b.removeKey(seq)
	return frame, true
}

// DiscardBefore drops every entry whose sequence number is less than
// threshold and returns how many were dropped.
func (b *Buffer) DiscardBefore(threshold uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= threshold })
	for _, k := range b.keys[:n] {
		delete(b.frames, k)
	}
	b.keys = append(b.keys[:0], b.keys[n:]...)

	if n > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Buffer.DiscardBefore",
			"threshold": threshold,
			"discarded": n,
			"remaining": len(b.keys),
		}).Debug("Discarded stale frames")
	}

	return n
}

// Size returns the number of entries currently held.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}

// Capacity returns the maximum number of entries the buffer holds.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Evicted returns how many entries have been evicted due to overflow.
func (b *Buffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// MinKey returns the smallest sequence number held.
func (b *Buffer) MinKey() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.keys) == 0 {
		return 0, ErrEmpty
	}
	return b.keys[0], nil
}

// MaxKey returns the largest sequence number held.
func (b *Buffer) MaxKey() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.keys) == 0 {
		return 0, ErrEmpty
	}
	return b.keys[len(b.keys)-1], nil
}

// Reset drops all entries.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames = make(map[uint32][]byte, b.capacity+1)
	b.keys = b.keys[:0]
}

// insertKey places seq into the sorted key slice. Callers hold b.mu.
func (b *Buffer) insertKey(seq uint32) {
	i := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= seq })
	b.keys = append(b.keys, 0)
	copy(b.keys[i+1:], b.keys[i:])
	b.keys[i] = seq
}

// removeKey deletes seq from the sorted key slice. Callers hold b.mu.
func (b *Buffer) removeKey(seq uint32) {
	i := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= seq })
	if i < len(b.keys) && b.keys[i] == seq {
		b.keys = append(b.keys[:i], b.keys[i+1:]...)
	}
}
