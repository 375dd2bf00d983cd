package sandbox

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brighthub/bncode/internal/metrics"
)

// ErrHandleNotFound is returned for unknown or revoked handles.
var ErrHandleNotFound = errors.New("document handle not found")

// PathPrefix is the URL path under which handles are served.
const PathPrefix = "/sandbox/"

// Handle is a revocable reference to a composed document.
type Handle struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Path returns the URL path serving the document.
func (h Handle) Path() string {
	return PathPrefix + h.ID
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.ID == ""
}

// DocumentStore hands out revocable handles for documents.
type DocumentStore interface {
	Create(doc string) (Handle, error)
	Open(id string) (string, error)
	Revoke(id string) error
	Live() int
}

// MemoryStore keeps documents in memory, keyed by random UUIDs.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]string)}
}

// Create stores doc under a fresh handle.
func (s *MemoryStore) Create(doc string) (Handle, error) {
	h := Handle{ID: uuid.NewString(), CreatedAt: time.Now()}

	s.mu.Lock()
	s.docs[h.ID] = doc
	s.mu.Unlock()

	metrics.HandlesLive.Inc()
	return h, nil
}

// Open returns the document for id, or ErrHandleNotFound once revoked.
func (s *MemoryStore) Open(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return "", ErrHandleNotFound
	}
	return doc, nil
}

// Revoke releases id. Revoking an unknown handle returns ErrHandleNotFound.
func (s *MemoryStore) Revoke(id string) error {
	s.mu.Lock()
	_, ok := s.docs[id]
	delete(s.docs, id)
	s.mu.Unlock()

	if !ok {
		return ErrHandleNotFound
	}
	metrics.HandlesLive.Dec()
	return nil
}

// Live returns the number of servable handles.
func (s *MemoryStore) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
