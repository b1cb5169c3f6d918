// Package history is the in-memory conversation cache.
//
// DESIGN: The store is the only shared mutable state in the system. The
// entry index is guarded by a short-lived RWMutex; every conversation entry
// carries its own mutex so operations on distinct conversations never
// serialize against each other. Entries idle longer than the TTL are
// logically absent: a reader never sees them, and a background sweep
// reclaims them.
//
// Messages are immutable once stored. Get returns a copy of the message
// slice so callers can never mutate cached state.
package history

import (
	"errors"
	"sync"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrCacheState reports an internal invariant violation in the cache.
// The offending entry is reset before this is returned, so subsequent
// reads see a consistent (if truncated) conversation.
var ErrCacheState = errors.New("history: cache state invariant violated")

// Store is the conversation history contract.
//
// Get never fails: absent and expired conversations read as empty.
type Store interface {
	// Get returns the conversation's messages in insertion order, or nil
	// if the entry is absent or expired.
	Get(id string) []Message

	// Append adds a message to the end of the conversation, creating the
	// entry if needed, refreshing its last-activity time, and trimming to
	// the configured limit. The only possible error is ErrCacheState.
	Append(id string, msg Message) error

	// Reset discards any existing entry and creates a fresh one holding
	// only the given system message. Idempotent.
	Reset(id string, system Message)

	// Delete removes the entry entirely. No-op if absent.
	Delete(id string)

	// Close stops the background sweep and releases all entries.
	Close() error
}

// Default store tuning. Overridable via config.
const (
	DefaultLimit         = 12
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

type entry struct {
	mu         sync.Mutex
	messages   []Message
	lastActive time.Time
}

// MemoryStore is the in-process Store implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry

	limit   int
	ttl     time.Duration
	stopCh  chan struct{}
	stopped bool
}

// NewMemoryStore creates a store bounded to limit messages per conversation
// with the given idle TTL. Zero values fall back to the package defaults.
func NewMemoryStore(limit int, ttl, sweepInterval time.Duration) *MemoryStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	s := &MemoryStore{
		entries: make(map[string]*entry),
		limit:   limit,
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}

	go s.sweep(sweepInterval)

	return s
}

// Limit returns the configured per-conversation message bound.
func (s *MemoryStore) Limit() int { return s.limit }

// Get returns the conversation's messages, or nil for absent/expired ids.
func (s *MemoryStore) Get(id string) []Message {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if s.expiredLocked(e) {
		e.mu.Unlock()
		s.purge(id, e)
		return nil
	}
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	e.mu.Unlock()

	return out
}

// Append adds msg to the conversation, creating it if absent, and trims.
func (s *MemoryStore) Append(id string, msg Message) error {
	e := s.getOrCreate(id)
	if e == nil {
		return nil // store closed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// An expired entry is logically absent: start over rather than
	// resurrecting stale turns.
	if s.expiredLocked(e) {
		e.messages = e.messages[:0]
	}

	e.messages = append(e.messages, msg)
	e.lastActive = time.Now()
	e.messages = trim(e.messages, s.limit)

	if err := checkTrimInvariant(e.messages, s.limit); err != nil {
		e.messages = retainSystem(e.messages)
		return err
	}
	return nil
}

// Reset replaces the conversation with one holding only the system message.
func (s *MemoryStore) Reset(id string, system Message) {
	e := s.getOrCreate(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	e.messages = []Message{system}
	e.lastActive = time.Now()
	e.mu.Unlock()
}

// Delete removes the conversation entirely.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Close stops the sweep goroutine and drops all entries.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
		s.entries = nil
	}
	return nil
}

func (s *MemoryStore) getOrCreate(id string) *entry {
	s.mu.RLock()
	e, ok := s.entries[id]
	stopped := s.stopped
	s.mu.RUnlock()
	if ok {
		return e
	}
	if stopped {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	if e, ok = s.entries[id]; ok {
		return e
	}
	e = &entry{lastActive: time.Now()}
	s.entries[id] = e
	return e
}

func (s *MemoryStore) expiredLocked(e *entry) bool {
	return time.Since(e.lastActive) > s.ttl
}

// purge removes id from the index if it still maps to e. The entry lock
// must not be held; another goroutine appending concurrently wins the race
// by refreshing lastActive before we get the write lock.
func (s *MemoryStore) purge(id string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	cur, ok := s.entries[id]
	if !ok || cur != e {
		return
	}
	cur.mu.Lock()
	expired := s.expiredLocked(cur)
	cur.mu.Unlock()
	if expired {
		delete(s.entries, id)
	}
}

// sweep periodically reclaims expired entries. Reads already treat expired
// entries as absent; the sweep just bounds memory held by idle conversations.
func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.stopped {
				s.mu.Unlock()
				return
			}
			for id, e := range s.entries {
				e.mu.Lock()
				expired := s.expiredLocked(e)
				e.mu.Unlock()
				if expired {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
