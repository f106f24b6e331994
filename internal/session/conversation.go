package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/stimmwerk/voxbroker/pkg/types"
)

const (
	// snapshotWindow is how many trailing messages a turn snapshot carries,
	// not counting the system message prepended by the orchestrator.
	snapshotWindow = 10

	// DefaultMaxConversations caps how many conversations the store keeps
	// before reaping the least recently used.
	DefaultMaxConversations = 256
)

// Conversation is one call's message history. The orchestrator appends under
// the conversation lock and snapshots before streaming; the lock is never
// held across provider I/O.
type Conversation struct {
	mu       sync.Mutex
	messages []types.Message
}

// Append adds messages to the history, stamping CreatedAt when unset.
func (c *Conversation) Append(msgs ...types.Message) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		c.messages = append(c.messages, m)
	}
}

// Snapshot returns a copy of the last messages, at most the snapshot window.
// The caller owns the returned slice.
func (c *Conversation) Snapshot() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := len(c.messages) - snapshotWindow
	if start < 0 {
		start = 0
	}
	out := make([]types.Message, len(c.messages)-start)
	copy(out, c.messages[start:])
	return out
}

// Len returns the number of messages in the history.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// ConversationStore keeps conversations keyed by ID with LRU reaping. Safe
// for concurrent use.
type ConversationStore struct {
	mu      sync.Mutex
	max     int
	entries map[string]*convEntry
	logger  *slog.Logger
}

type convEntry struct {
	conv     *Conversation
	lastUsed time.Time
}

// ConversationStoreOption is a functional option for [NewConversationStore].
type ConversationStoreOption func(*ConversationStore)

// WithMaxConversations overrides the LRU capacity. Values below one are
// ignored.
func WithMaxConversations(n int) ConversationStoreOption {
	return func(s *ConversationStore) {
		if n > 0 {
			s.max = n
		}
	}
}

// WithConversationLogger sets the logger. Defaults to slog.Default().
func WithConversationLogger(l *slog.Logger) ConversationStoreOption {
	return func(s *ConversationStore) {
		s.logger = l
	}
}

// NewConversationStore builds an empty store.
func NewConversationStore(opts ...ConversationStoreOption) *ConversationStore {
	s := &ConversationStore{
		max:     DefaultMaxConversations,
		entries: make(map[string]*convEntry),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the conversation for id, creating it when absent. Creating past
// capacity reaps the least recently used conversation first.
func (s *ConversationStore) Get(id string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.lastUsed = time.Now()
		return e.conv
	}

	if len(s.entries) >= s.max {
		s.reapOldestLocked()
	}
	e := &convEntry{conv: &Conversation{}, lastUsed: time.Now()}
	s.entries[id] = e
	return e.conv
}

// Delete removes the conversation for id, if present.
func (s *ConversationStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Len returns the number of stored conversations.
func (s *ConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *ConversationStore) reapOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, e := range s.entries {
		if oldestID == "" || e.lastUsed.Before(oldest) {
			oldestID = id
			oldest = e.lastUsed
		}
	}
	if oldestID != "" {
		delete(s.entries, oldestID)
		s.logger.Debug("conversation reaped", "conversation_id", oldestID, "last_used", oldest)
	}
}
