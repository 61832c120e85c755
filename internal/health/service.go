package health

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Broadcaster defines the interface for sending WebSocket messages.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

type itemKey struct {
	category Category
	id       string
}

// Service records the latest check result of every item.
type Service struct {
	mu          sync.RWMutex
	items       map[itemKey]*Item
	broadcaster Broadcaster
	logger      zerolog.Logger
	now         func() time.Time
}

// NewService creates a new health service.
func NewService(logger zerolog.Logger) *Service {
	return &Service{
		items:  make(map[itemKey]*Item),
		logger: logger.With().Str("component", "health").Logger(),
		now:    time.Now,
	}
}

// SetBroadcaster sets the WebSocket broadcaster for real-time updates.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// Report records a check result. A nil err marks the item healthy. Only
// status changes are logged and broadcast.
func (s *Service) Report(category Category, id, name string, err error) {
	now := s.now()
	status, message := StatusOK, ""
	if err != nil {
		status, message = StatusError, err.Error()
	}

	s.mu.Lock()
	key := itemKey{category, id}
	item, exists := s.items[key]
	if !exists {
		item = &Item{ID: id, Category: category, Name: name, Status: StatusOK}
		s.items[key] = item
	}
	changed := !exists || item.Status != status || item.Message != message
	old := item.Status

	item.Name = name
	item.Status = status
	item.Message = message
	item.CheckedAt = now
	switch {
	case status == StatusOK:
		item.Since = nil
	case item.Since == nil:
		item.Since = &now
	}
	snapshot := *item
	s.mu.Unlock()

	if !changed {
		return
	}

	evt := s.logger.Info()
	if status == StatusError {
		evt = s.logger.Warn()
	}
	evt.Str("category", string(category)).
		Str("id", id).
		Str("oldStatus", string(old)).
		Str("newStatus", string(status)).
		Str("message", message).
		Msg("Health status changed")

	if s.broadcaster != nil {
		_ = s.broadcaster.Broadcast(EventHealthUpdated, snapshot)
	}
}

// Forget stops tracking an item, e.g. when its backend is removed.
func (s *Service) Forget(category Category, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, itemKey{category, id})
}

// Get returns one item.
func (s *Service) Get(category Category, id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemKey{category, id}]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// Summary returns every item sorted by category then id.
func (s *Service) Summary() Summary {
	s.mu.RLock()
	items := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, *item)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].ID < items[j].ID
	})

	summary := Summary{Items: items}
	for _, item := range items {
		if item.Status != StatusOK {
			summary.HasIssues = true
			break
		}
	}
	return summary
}
