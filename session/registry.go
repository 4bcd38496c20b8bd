package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
	ErrRemoved  = errors.New("session was removed")
)

// Registry tracks live sessions by key.
type Registry struct {
	sessions map[string]*Session
	removed  map[string]struct{}
	mu       sync.RWMutex
	cfg      Config
	opts     []Option
}

// NewRegistry returns an empty registry whose sessions are created with cfg
// and opts.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		removed:  make(map[string]struct{}),
		cfg:      cfg,
		opts:     opts,
	}
}

// Create registers a new session. An empty key is replaced by a random
// UUID. Extra options are applied after the registry's own. Creating a
// removed key explicitly brings it back.
func (r *Registry) Create(key string, extra ...Option) (*Session, error) {
	if key == "" {
		key = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, key)
	}
	opts := append(append([]Option{}, r.opts...), extra...)
	s := New(key, r.cfg, opts...)
	r.sessions[key] = s
	delete(r.removed, key)
	return s, nil
}

// GetOrCreate returns the session for key, creating it if needed. Keys
// that were removed are not recreated implicitly; they return ErrRemoved
// until Create is called for them.
func (r *Registry) GetOrCreate(key string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		return s, nil
	}
	if _, ok := r.removed[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRemoved, key)
	}
	s := New(key, r.cfg, r.opts...)
	r.sessions[key] = s
	return s, nil
}

func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// List returns the keys of all sessions, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flush flushes the session for key.
func (r *Registry) Flush(key string) (Payload, bool, error) {
	s, ok := r.Get(key)
	if !ok {
		return Payload{}, false, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	p, first := s.Flush()
	return p, first, nil
}

// Remove closes the session for key and drops it from the registry.
func (r *Registry) Remove(key string) (Payload, error) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	if ok {
		r.removed[key] = struct{}{}
	}
	r.mu.Unlock()

	if !ok {
		return Payload{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return s.Close(), nil
}

// CloseAll closes every session and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
