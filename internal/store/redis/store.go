package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/store"
)

const DefaultNamespace = "coursepulse"

// touchActivityScript keeps the larger of the stored and supplied timestamps and
// only publishes when the stored value moved forward.
var touchActivityScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('PUBLISH', KEYS[2], ARGV[2])
return 1
`)

var _ store.SharedSessionStore = (*Store)(nil)

// Store implements store.SharedSessionStore on Redis.
// Values live under "<namespace>:<key>" and every write publishes a store.Envelope
// on "<namespace>:changes", which other tabs receive through a subscription.
type Store struct {
	id         string
	client     goredis.UniversalClient
	namespace  string
	pubsub     *goredis.PubSub
	dispatcher *store.Dispatcher

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New attaches a tab to the profile held in namespace and subscribes to its changes.
func New(ctx context.Context, client goredis.UniversalClient, namespace string) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	s := &Store{
		id:         uuid.NewString(),
		client:     client,
		namespace:  namespace,
		dispatcher: store.NewDispatcher(),
	}

	s.pubsub = client.Subscribe(ctx, s.channel())

	// Wait for the subscription to be confirmed so no change published after New returns is missed
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.channel(), err)
	}

	s.wg.Add(1)
	go s.listen(s.pubsub.Channel())

	log.Debug().Str("namespace", namespace).Str("tab_id", s.id).Msg("redis profile attached")

	return s, nil
}

// ID returns the tab ID used to suppress self notifications.
func (s *Store) ID() string {
	return s.id
}

func (s *Store) key(name string) string {
	return s.namespace + ":" + name
}

func (s *Store) channel() string {
	return s.namespace + ":changes"
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) envelope(key, value string, present bool) (string, error) {
	data, err := json.Marshal(store.Envelope{
		ID:      uuid.NewString(),
		Writer:  s.id,
		Key:     key,
		Value:   value,
		Present: present,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return string(data), nil
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
	env, err := s.envelope(store.KeySession, value, true)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.key(store.KeySession), value, 0)
		pipe.Publish(ctx, s.channel(), env)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// Read returns the current session record.
func (s *Store) Read(ctx context.Context) (*models.SessionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	value, err := s.client.Get(ctx, s.key(store.KeySession)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, store.ErrSessionAbsent
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
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
	env, err := s.envelope(store.KeySession, "", false)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.key(store.KeySession))
		pipe.Publish(ctx, s.channel(), env)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// TouchActivity records activity at t unless a later value is already stored.
func (s *Store) TouchActivity(ctx context.Context, t time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	value := store.FormatActivity(t)
	env, err := s.envelope(store.KeyLastActivity, value, true)
	if err != nil {
		return err
	}

	keys := []string{s.key(store.KeyLastActivity), s.channel()}
	if err := touchActivityScript.Run(ctx, s.client, keys, value, env).Err(); err != nil {
		return fmt.Errorf("failed to touch activity: %w", err)
	}
	return nil
}

// LastActivity returns the stored activity timestamp.
func (s *Store) LastActivity(ctx context.Context) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	value, err := s.client.Get(ctx, s.key(store.KeyLastActivity)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to read activity: %w", err)
	}
	return store.ParseActivity(value)
}

// OnChange registers fn for changes made by other tabs.
func (s *Store) OnChange(key string, fn store.Listener) func() {
	return s.dispatcher.Subscribe(key, fn)
}

// Close unsubscribes from the change channel. The client is left open for its owner.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.pubsub.Close()
	s.wg.Wait()
	s.dispatcher.Close()
	return err
}

func (s *Store) listen(ch <-chan *goredis.Message) {
	defer s.wg.Done()

	for msg := range ch {
		var env store.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Debug().Err(err).Str("channel", msg.Channel).Msg("skipping malformed change")
			continue
		}
		if env.Writer == s.id {
			continue
		}
		s.dispatcher.Dispatch(env.Change())
	}
}
