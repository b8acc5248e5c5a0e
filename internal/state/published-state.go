package state

import (
	"bytes"
	"sync"
	"time"
)

// PublishedStore remembers the last payload sent per topic so a publisher
// can skip unchanged values and still send periodic heartbeats.
type PublishedStore interface {
	GetLast(topic string) ([]byte, time.Time, bool)
	Update(topic string, payload []byte)
	HasChanged(topic string, payload []byte) bool
	NeedsPublish(topic string, payload []byte, heartbeat time.Duration) bool
	Clear()
}

type publishedStore struct {
	store     map[string][]byte
	heartbeat map[string]time.Time
	mu        sync.RWMutex
}

func NewPublishedStore() PublishedStore {
	return &publishedStore{
		store:     make(map[string][]byte),
		heartbeat: make(map[string]time.Time),
	}
}

func (s *publishedStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = make(map[string][]byte)
	s.heartbeat = make(map[string]time.Time)
}

func (s *publishedStore) GetLast(topic string) ([]byte, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.store[topic]
	sent, ok2 := s.heartbeat[topic]
	return payload, sent, ok && ok2
}

func (s *publishedStore) Update(topic string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[topic] = bytes.Clone(payload)
	s.heartbeat[topic] = time.Now()
}

func (s *publishedStore) HasChanged(topic string, payload []byte) bool {
	last, _, ok := s.GetLast(topic)
	if !ok {
		return true
	}
	return !bytes.Equal(last, payload)
}

// NeedsPublish is true for a changed payload, or an unchanged one whose last
// send is older than heartbeat. A zero heartbeat disables resending.
func (s *publishedStore) NeedsPublish(topic string, payload []byte, heartbeat time.Duration) bool {
	if s.HasChanged(topic, payload) {
		return true
	}
	if heartbeat <= 0 {
		return false
	}
	_, lastSent, _ := s.GetLast(topic)
	return time.Since(lastSent) > heartbeat
}
