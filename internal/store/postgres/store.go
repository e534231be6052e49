package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/store"
	"github.com/wolfeidau/coursepulse/internal/telemetry"
)

var _ store.SharedSessionStore = (*Store)(nil)

// notification is the payload sent with pg_notify.
type notification struct {
	Profile string `json:"profile"`
	store.Envelope
}

// Store implements store.SharedSessionStore using PostgreSQL.
// Rows in shared_storage hold the values; every write issues pg_notify inside the
// same transaction so listeners only hear about committed changes.
type Store struct {
	id         string
	profile    string
	pool       *pgxpool.Pool
	dispatcher *store.Dispatcher

	// owned by the listen goroutine until it exits
	listenConn *pgxpool.Conn
	since      time.Time // database time the current LISTEN started

	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore attaches a tab to a profile and starts listening for its changes.
// A dedicated pool connection is held for LISTEN until Close.
func NewStore(ctx context.Context, pool *pgxpool.Pool, cfg *StoreConfig) (*Store, error) {
	if pool == nil {
		return nil, errors.New("connection pool is required")
	}
	if cfg == nil {
		cfg = &StoreConfig{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	if cfg.AutoMigrate {
		if err := RunMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	s := &Store{
		id:         uuid.NewString(),
		profile:    cfg.Profile,
		pool:       pool,
		dispatcher: store.NewDispatcher(),
		newBackOff: cfg.newBackOff,
	}

	if err := s.subscribe(ctx); err != nil {
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.listen(listenCtx)

	log.Debug().
		Str("profile", s.profile).
		Str("tab_id", s.id).
		Msg("postgres profile attached")

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

func (s *Store) payload(key, value string, present bool) (string, error) {
	data, err := json.Marshal(notification{
		Profile: s.profile,
		Envelope: store.Envelope{
			ID:      uuid.NewString(),
			Writer:  s.id,
			Key:     key,
			Value:   value,
			Present: present,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal notification: %w", err)
	}
	return string(data), nil
}

// put upserts a key and notifies listeners within one transaction.
func (s *Store) put(ctx context.Context, key, value string, present bool) error {
	payload, err := s.payload(key, value, present)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO shared_storage (profile, key, value, present, writer, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (profile, key) DO UPDATE
			SET value = EXCLUDED.value,
				present = EXCLUDED.present,
				writer = EXCLUDED.writer,
				updated_at = now()
		`, s.profile, key, value, present, s.id)
		if err != nil {
			return mapPostgresError(err)
		}

		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, payload); err != nil {
			return mapPostgresError(err)
		}
		return nil
	})
}

// get returns the stored value and whether the key is present.
func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	var (
		value   string
		present bool
	)
	err := s.pool.QueryRow(ctx, `
		SELECT value, present FROM shared_storage
		WHERE profile = $1 AND key = $2
	`, s.profile, key).Scan(&value, &present)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, mapPostgresError(err)
	}
	return value, present, nil
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
	if err := s.put(ctx, store.KeySession, value, true); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}

	log.Debug().
		Str("profile", s.profile).
		Str("role", rec.Role.String()).
		Msg("Wrote session record")

	return nil
}

// Read returns the current session record.
func (s *Store) Read(ctx context.Context) (*models.SessionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	value, present, err := s.get(ctx, store.KeySession)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if !present {
		return nil, store.ErrSessionAbsent
	}
	rec, err := store.DecodeSession(value)
	if err != nil {
		log.Warn().Err(err).Str("tab_id", s.id).Msg("Discarding unreadable session record")
		return nil, store.ErrSessionAbsent
	}
	return rec, nil
}

// Clear marks the session record absent.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.put(ctx, store.KeySession, "", false); err != nil {
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
	payload, err := s.payload(store.KeyLastActivity, value, true)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var stored string
		err := tx.QueryRow(ctx, `
			INSERT INTO shared_storage (profile, key, value, present, writer, updated_at)
			VALUES ($1, $2, $3, TRUE, $4, now())
			ON CONFLICT (profile, key) DO UPDATE
			SET value = EXCLUDED.value,
				present = TRUE,
				writer = EXCLUDED.writer,
				updated_at = now()
			WHERE NOT shared_storage.present
				OR COALESCE(NULLIF(shared_storage.value, '')::BIGINT, 0) < EXCLUDED.value::BIGINT
			RETURNING value
		`, s.profile, store.KeyLastActivity, value, s.id).Scan(&stored)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// a later timestamp is already stored
				return nil
			}
			return mapPostgresError(err)
		}

		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, payload); err != nil {
			return mapPostgresError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to touch activity: %w", err)
	}
	return nil
}

// LastActivity returns the stored activity timestamp.
func (s *Store) LastActivity(ctx context.Context) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	value, present, err := s.get(ctx, store.KeyLastActivity)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read activity: %w", err)
	}
	if !present {
		return time.Time{}, nil
	}
	return store.ParseActivity(value)
}

// OnChange registers fn for changes made by other tabs.
func (s *Store) OnChange(key string, fn store.Listener) func() {
	return s.dispatcher.Subscribe(key, fn)
}

// Close stops listening and returns the listen connection to the pool.
// The pool is left open for its owner.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.dropListenConn()
	s.dispatcher.Close()
	return nil
}

// subscribe acquires a connection, issues LISTEN on it and notes the database
// time so changes missed before a reconnect can be replayed.
func (s *Store) subscribe(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return fmt.Errorf("failed to listen: %w", mapPostgresError(err))
	}

	var since time.Time
	if err := conn.QueryRow(ctx, `SELECT now()`).Scan(&since); err != nil {
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		return fmt.Errorf("failed to read database time: %w", mapPostgresError(err))
	}

	s.listenConn = conn
	s.since = since
	return nil
}

// dropListenConn closes the listen connection rather than returning it to the
// pool, since it may be mid-wait or broken.
func (s *Store) dropListenConn() {
	if s.listenConn == nil {
		return
	}
	_ = s.listenConn.Conn().Close(context.Background())
	s.listenConn.Release()
	s.listenConn = nil
}

// resubscribe replaces a lost listen connection, retrying until ctx is done,
// then replays whatever other tabs changed in the meantime.
func (s *Store) resubscribe(ctx context.Context, cause error) error {
	missedFrom := s.since
	s.dropListenConn()

	log.Warn().Err(cause).Str("tab_id", s.id).Msg("lost shared storage listener, reconnecting")

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.subscribe(ctx)
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("tab_id", s.id).Dur("retry_in", next).Msg("listen reconnect failed, retrying")
		}),
	)
	if err != nil {
		return err
	}

	telemetry.GetMetrics().StoreReconnectsTotal.Add(ctx, 1)
	log.Info().Str("tab_id", s.id).Str("profile", s.profile).Msg("shared storage listener restored")

	return s.replay(ctx, missedFrom)
}

// replay dispatches the current value of every key another tab wrote since
// from. Changes made during the outage collapse to their latest value.
func (s *Store) replay(ctx context.Context, from time.Time) error {
	rows, err := s.pool.Query(ctx, `
		SELECT key, value, present FROM shared_storage
		WHERE profile = $1 AND writer <> $2 AND updated_at >= $3
	`, s.profile, s.id, from)
	if err != nil {
		return fmt.Errorf("failed to read missed changes: %w", mapPostgresError(err))
	}

	changes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Change, error) {
		var c store.Change
		err := row.Scan(&c.Key, &c.Value, &c.Present)
		return c, err
	})
	if err != nil {
		return fmt.Errorf("failed to read missed changes: %w", mapPostgresError(err))
	}

	for _, c := range changes {
		s.dispatcher.Dispatch(c)
	}
	return nil
}

func (s *Store) listen(ctx context.Context) {
	defer s.wg.Done()

	for {
		n, err := s.listenConn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err := s.resubscribe(ctx, err); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Str("tab_id", s.id).Msg("failed to replay missed shared storage changes")
			}
			continue
		}

		var msg notification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			log.Debug().Err(err).Msg("skipping malformed notification")
			continue
		}
		if msg.Profile != s.profile || msg.Writer == s.id {
			continue
		}
		s.dispatcher.Dispatch(msg.Change())
	}
}
