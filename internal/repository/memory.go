package repository

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"avatar-agent/internal/domain"
)

const (
	DefaultMaxMemory = 10
	DefaultMaxUsers  = 1000
)

// MemoryStore keeps each user's last maxMemory exchanges in process memory.
// When more than maxUsers users are tracked, the least recently active user
// is forgotten entirely.
type MemoryStore struct {
	maxMemory int
	maxUsers  int

	mu    sync.Mutex
	users map[string]*list.Element
	lru   *list.List // front = most recently used
}

type userHistory struct {
	userID  string
	entries []domain.ConversationEntry
}

func NewMemoryStore(maxMemory, maxUsers int) (*MemoryStore, error) {
	if maxMemory <= 0 {
		return nil, errors.New("repository: max memory must be positive")
	}
	if maxUsers <= 0 {
		return nil, errors.New("repository: max users must be positive")
	}
	return &MemoryStore{
		maxMemory: maxMemory,
		maxUsers:  maxUsers,
		users:     make(map[string]*list.Element),
		lru:       list.New(),
	}, nil
}

// History returns a copy of the user's entries, oldest first. Unknown users
// have an empty history.
func (s *MemoryStore) History(_ context.Context, userID string) ([]domain.ConversationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.users[userID]
	if !ok {
		return []domain.ConversationEntry{}, nil
	}
	s.lru.MoveToFront(el)
	h := el.Value.(*userHistory)
	out := make([]domain.ConversationEntry, len(h.entries))
	copy(out, h.entries)
	return out, nil
}

// AppendTurn records one exchange and evicts the oldest exchanges beyond the cap.
func (s *MemoryStore) AppendTurn(_ context.Context, userID, userText, reply string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.users[userID]
	if !ok {
		el = s.lru.PushFront(&userHistory{userID: userID})
		s.users[userID] = el
		s.evictUsers()
	} else {
		s.lru.MoveToFront(el)
	}

	h := el.Value.(*userHistory)
	h.entries = append(h.entries,
		domain.ConversationEntry{Role: domain.RoleUser, Content: userText},
		domain.ConversationEntry{Role: domain.RoleAssistant, Content: reply},
	)
	if limit := 2 * s.maxMemory; len(h.entries) > limit {
		trimmed := make([]domain.ConversationEntry, limit)
		copy(trimmed, h.entries[len(h.entries)-limit:])
		h.entries = trimmed
	}
	return nil
}

func (s *MemoryStore) evictUsers() {
	for s.lru.Len() > s.maxUsers {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.users, oldest.Value.(*userHistory).userID)
	}
}

// Users reports how many users currently have history.
func (s *MemoryStore) Users() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}
