package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/store"
)

// Profile is an in-process shared storage area, the equivalent of one browser
// profile. Every tab attached to it shares the same keys.
type Profile struct {
	mu sync.RWMutex

	values map[string]string // key -> serialized value
	tabs   map[string]*Store // tab_id -> attached handle
}

// NewProfile creates an empty profile.
func NewProfile() *Profile {
	return &Profile{
		values: make(map[string]string),
		tabs:   make(map[string]*Store),
	}
}

// Attach creates a new tab handle onto the profile.
func (p *Profile) Attach() *Store {
	s := &Store{
		id:         uuid.NewString(),
		profile:    p,
		dispatcher: store.NewDispatcher(),
	}

	p.mu.Lock()
	p.tabs[s.id] = s
	p.mu.Unlock()

	return s
}

// Tabs returns the number of attached tabs.
func (p *Profile) Tabs() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tabs)
}

func (p *Profile) detach(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tabs, id)
}

func (p *Profile) get(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// set stores or removes a key and queues the change for every other tab.
func (p *Profile) set(writer, key, value string, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if present {
		p.values[key] = value
	} else {
		delete(p.values, key)
	}

	p.broadcastLocked(writer, store.Change{Key: key, Value: value, Present: present})
}

// setActivityMax stores t only if it is later than the current value.
func (p *Profile) setActivityMax(writer string, t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.values[store.KeyLastActivity]; ok {
		prev, err := store.ParseActivity(current)
		if err == nil && !t.After(prev) {
			return nil
		}
	}

	value := store.FormatActivity(t)
	p.values[store.KeyLastActivity] = value
	p.broadcastLocked(writer, store.Change{Key: store.KeyLastActivity, Value: value, Present: true})
	return nil
}

// Must be called with lock held
func (p *Profile) broadcastLocked(writer string, change store.Change) {
	for id, tab := range p.tabs {
		if id == writer {
			continue
		}
		tab.dispatcher.Dispatch(change)
	}
}

var _ store.SharedSessionStore = (*Store)(nil)

// Store implements store.SharedSessionStore for one tab attached to a Profile.
type Store struct {
	id         string
	profile    *Profile
	dispatcher *store.Dispatcher

	mu     sync.RWMutex
	closed bool
}

// ID returns the tab ID used to suppress self notifications.
func (s *Store) ID() string {
	return s.id
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Write stores the session record.
func (s *Store) Write(ctx context.Context, rec *models.SessionRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	value, err := store.EncodeSession(rec)
	if err != nil {
		return err
	}
	s.profile.set(s.id, store.KeySession, value, true)
	return nil
}

// Read returns the current session record.
func (s *Store) Read(ctx context.Context) (*models.SessionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	value, ok := s.profile.get(store.KeySession)
	if !ok {
		return nil, store.ErrSessionAbsent
	}
	rec, err := store.DecodeSession(value)
	if err != nil {
		log.Warn().Err(err).Str("tab_id", s.id).Msg("Discarding unreadable session record")
		return nil, store.ErrSessionAbsent
	}
	return rec, nil
}

// Clear removes the session record.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.profile.set(s.id, store.KeySession, "", false)
	return nil
}

// TouchActivity records activity at t.
func (s *Store) TouchActivity(ctx context.Context, t time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.profile.setActivityMax(s.id, t)
}

// LastActivity returns the stored activity timestamp.
func (s *Store) LastActivity(ctx context.Context) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	value, ok := s.profile.get(store.KeyLastActivity)
	if !ok {
		return time.Time{}, nil
	}
	return store.ParseActivity(value)
}

// OnChange registers fn for changes made by other tabs.
func (s *Store) OnChange(key string, fn store.Listener) func() {
	return s.dispatcher.Subscribe(key, fn)
}

// Close detaches the tab from the profile.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.profile.detach(s.id)
	s.dispatcher.Close()
	return nil
}
