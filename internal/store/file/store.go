package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/store"
)

const (
	fileSuffix = ".json"
	tempPrefix = ".tmp-"
)

var _ store.SharedSessionStore = (*Store)(nil)

// Store implements store.SharedSessionStore on a profile directory.
// Each key is one file holding a store.Envelope, replaced atomically on write.
// Other processes attached to the same directory observe writes through fsnotify.
type Store struct {
	id         string
	baseDir    string
	dispatcher *store.Dispatcher
	watcher    *fsnotify.Watcher

	writeMu sync.Mutex // serializes read-modify-write within this process

	mu       sync.Mutex
	lastSeen map[string]string // key -> envelope ID last delivered
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// New attaches a tab to the profile directory baseDir.
// If baseDir is empty, uses ~/.coursepulse/profile/
func New(baseDir string) (*Store, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".coursepulse", "profile")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(baseDir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch profile directory: %w", err)
	}

	s := &Store{
		id:         uuid.NewString(),
		baseDir:    baseDir,
		dispatcher: store.NewDispatcher(),
		watcher:    watcher,
		lastSeen:   make(map[string]string),
		done:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.watch()

	log.Debug().Str("baseDir", baseDir).Str("tab_id", s.id).Msg("file profile attached")

	return s, nil
}

// ID returns the tab ID used to suppress self notifications.
func (s *Store) ID() string {
	return s.id
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.baseDir, key+fileSuffix)
}

// readEnvelope loads the envelope for key. A missing file is an absent key.
func (s *Store) readEnvelope(key string) (store.Envelope, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.Envelope{Key: key}, nil
		}
		return store.Envelope{}, fmt.Errorf("failed to read %s: %w", key, err)
	}

	var env store.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return store.Envelope{}, fmt.Errorf("%w: %s: %w", store.ErrInvalidValue, key, err)
	}
	return env, nil
}

// writeEnvelope replaces the key file atomically (temp file + rename).
func (s *Store) writeEnvelope(key, value string, present bool) error {
	env := store.Envelope{
		ID:      uuid.NewString(),
		Writer:  s.id,
		Key:     key,
		Value:   value,
		Present: present,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	tmp, err := os.CreateTemp(s.baseDir, tempPrefix+key+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", key, err)
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeEnvelope(store.KeySession, value, true)
}

// Read returns the current session record.
func (s *Store) Read(ctx context.Context) (*models.SessionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	env, err := s.readEnvelope(store.KeySession)
	if err != nil {
		log.Warn().Err(err).Str("tab_id", s.id).Msg("Discarding unreadable session record")
		return nil, store.ErrSessionAbsent
	}
	if !env.Present {
		return nil, store.ErrSessionAbsent
	}
	rec, err := store.DecodeSession(env.Value)
	if err != nil {
		log.Warn().Err(err).Str("tab_id", s.id).Msg("Discarding unreadable session record")
		return nil, store.ErrSessionAbsent
	}
	return rec, nil
}

// Clear marks the session record absent. The file is kept so the change
// carries the writer ID.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeEnvelope(store.KeySession, "", false)
}

// TouchActivity records activity at t unless a later value is already stored.
// Concurrent writers in other processes race on the compare; the later write wins.
func (s *Store) TouchActivity(ctx context.Context, t time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	env, err := s.readEnvelope(store.KeyLastActivity)
	if err == nil && env.Present {
		prev, perr := store.ParseActivity(env.Value)
		if perr == nil && !t.After(prev) {
			return nil
		}
	}

	return s.writeEnvelope(store.KeyLastActivity, store.FormatActivity(t), true)
}

// LastActivity returns the stored activity timestamp.
func (s *Store) LastActivity(ctx context.Context) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	env, err := s.readEnvelope(store.KeyLastActivity)
	if err != nil {
		return time.Time{}, err
	}
	if !env.Present {
		return time.Time{}, nil
	}
	return store.ParseActivity(env.Value)
}

// OnChange registers fn for changes made by other tabs.
func (s *Store) OnChange(key string, fn store.Listener) func() {
	return s.dispatcher.Subscribe(key, fn)
}

// Close stops watching the profile directory.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	err := s.watcher.Close()
	s.wg.Wait()
	s.dispatcher.Close()
	return err
}

func (s *Store) watch() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			s.handleEvent(event.Name)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("tab_id", s.id).Msg("profile watcher error")
		}
	}
}

func (s *Store) handleEvent(name string) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, tempPrefix) || !strings.HasSuffix(base, fileSuffix) {
		return
	}

	key := strings.TrimSuffix(base, fileSuffix)
	if key != store.KeySession && key != store.KeyLastActivity {
		return
	}

	env, err := s.readEnvelope(key)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("skipping unreadable change")
		return
	}

	if env.Writer == s.id || env.ID == "" {
		return
	}

	s.mu.Lock()
	if s.lastSeen[key] == env.ID {
		s.mu.Unlock()
		return
	}
	s.lastSeen[key] = env.ID
	s.mu.Unlock()

	s.dispatcher.Dispatch(env.Change())
}
