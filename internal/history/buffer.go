package history

import "sync"

// DefaultCapacity is the number of turns kept per conversation.
const DefaultCapacity = 20

// Entry is one chat turn.
type Entry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Store keeps a bounded FIFO of recent turns per conversation. Buffers are
// created lazily on first append and live for the lifetime of the Store.
// Appends to the same conversation are serialized; different conversations
// never contend beyond the brief map lookup.
type Store struct {
	capacity int

	mu      sync.RWMutex
	buffers map[string]*ring
}

// New creates a Store holding at most capacity entries per conversation.
// A non-positive capacity is clamped to 1.
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{capacity: capacity, buffers: make(map[string]*ring)}
}

// Capacity returns the per-conversation limit.
func (s *Store) Capacity() int { return s.capacity }

// Append adds e at the tail of the conversation's buffer, evicting the oldest
// entry when the buffer is full.
func (s *Store) Append(conversationID string, e Entry) {
	s.buffer(conversationID, true).push(e)
}

// Read returns a copy of the conversation's entries, oldest first.
func (s *Store) Read(conversationID string) []Entry {
	r := s.buffer(conversationID, false)
	if r == nil {
		return nil
	}
	return r.snapshot()
}

// Len returns the number of entries held for the conversation.
func (s *Store) Len(conversationID string) int {
	r := s.buffer(conversationID, false)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (s *Store) buffer(id string, create bool) *ring {
	s.mu.RLock()
	r, ok := s.buffers[id]
	s.mu.RUnlock()
	if ok || !create {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.buffers[id]; ok {
		return r
	}
	r = &ring{entries: make([]Entry, s.capacity)}
	s.buffers[id] = r
	return r
}

// ring is a fixed-size circular buffer. head indexes the oldest entry.
type ring struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	n       int
}

func (r *ring) push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.entries) {
		r.entries[(r.head+r.n)%len(r.entries)] = e
		r.n++
		return
	}
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
}

func (r *ring) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.entries[(r.head+i)%len(r.entries)]
	}
	return out
}
