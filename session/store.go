package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for identities without a live session.
	ErrNotFound = errors.New("upload session not found")
	// ErrDuplicate is returned when a live session already exists for an identity.
	ErrDuplicate = errors.New("upload session already exists")
)

// Patch lists the mutable fields of a session. Nil fields are left untouched.
type Patch struct {
	Status        *Status
	BytesUploaded *int64
	BytesTotal    *int64
}

// StatusPatch ...
func StatusPatch(status Status) Patch {
	return Patch{Status: &status}
}

// ProgressPatch ...
func ProgressPatch(uploaded, total int64) Patch {
	return Patch{BytesUploaded: &uploaded, BytesTotal: &total}
}

// Store is the registry of live sessions, keyed by identity.
// Safe for concurrent use; callers always receive copies.
type Store struct {
	sessions map[string]Session
	mu       sync.RWMutex
}

// NewStore ...
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]Session),
	}
}

// Create registers a new session. It fails with ErrDuplicate if the identity is taken.
func (s *Store) Create(sess Session) error {
	key := sess.Identity.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[key]; exists {
		return fmt.Errorf("create %s: %w", key, ErrDuplicate)
	}
	s.sessions[key] = sess.clone()
	return nil
}

// Get returns the session for id, or ErrNotFound.
func (s *Store) Get(id Identity) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id.Key()]
	if !ok {
		return Session{}, fmt.Errorf("%s: %w", id.Key(), ErrNotFound)
	}
	return sess.clone(), nil
}

// Update applies patch to the session for id and returns the updated copy.
func (s *Store) Update(id Identity, patch Patch) (Session, error) {
	key := id.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return Session{}, fmt.Errorf("update %s: %w", key, ErrNotFound)
	}

	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.BytesUploaded != nil {
		sess.BytesUploaded = *patch.BytesUploaded
	}
	if patch.BytesTotal != nil {
		sess.BytesTotal = *patch.BytesTotal
	}
	sess.UpdatedAt = time.Now()

	s.sessions[key] = sess
	return sess.clone(), nil
}

// Delete removes the session for id and returns it.
func (s *Store) Delete(id Identity) (Session, error) {
	key := id.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return Session{}, fmt.Errorf("delete %s: %w", key, ErrNotFound)
	}
	delete(s.sessions, key)
	return sess, nil
}

// Clear removes every session and returns how many were dropped.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.sessions)
	s.sessions = make(map[string]Session)
	return n
}

// Len ...
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// List returns all sessions ordered by creation time.
func (s *Store) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess.clone())
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].Identity.Key() < sessions[j].Identity.Key()
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}
