// ABOUTME: Thread-safe bounded set for deduplicating inbound messages.
// ABOUTME: Trims oldest entries when the cap is exceeded; insertion-ordered.

package dedupe

import (
	"container/list"
	"sync"
)

// Set is a thread-safe, size-bounded set of recently seen keys. When the
// number of entries exceeds the cap it is trimmed down to the low-water mark,
// oldest first. A doubly-linked list keeps insertion order for O(1) trimming.
type Set struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // keys in insertion order, oldest at front
	maxSize int
	trimTo  int
}

// NewSet creates a set that holds at most maxSize keys and trims down to
// trimTo keys on overflow.
func NewSet(maxSize, trimTo int) *Set {
	if trimTo <= 0 || trimTo > maxSize {
		trimTo = maxSize / 2
	}
	return &Set{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		trimTo:  trimTo,
	}
}

// Check returns true if the key has been seen.
func (s *Set) Check(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

// CheckAndMark atomically checks whether key has been seen and marks it if
// not. Returns true for a duplicate, false if the key is new and now marked.
// The atomic form avoids TOCTOU races between the two delivery paths.
func (s *Set) CheckAndMark(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return true
	}
	s.markLocked(key)
	return false
}

// Mark records that a key has been seen.
func (s *Set) Mark(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(key)
}

// markLocked must be called with mu held.
func (s *Set) markLocked(key string) {
	if elem, ok := s.seen[key]; ok {
		s.order.MoveToBack(elem)
		return
	}
	s.seen[key] = s.order.PushBack(key)
	if len(s.seen) > s.maxSize {
		s.trimLocked()
	}
}

// trimLocked drops the oldest entries until only trimTo remain.
func (s *Set) trimLocked() {
	for len(s.seen) > s.trimTo {
		front := s.order.Front()
		if front == nil {
			return
		}
		key, _ := front.Value.(string)
		s.order.Remove(front)
		delete(s.seen, key)
	}
}

// Len returns the current number of keys.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
