package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"slidequick/api/internal/rbac"
	"slidequick/api/internal/store"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix   = "collab:session:"
	eventChannelPrefix = "collab:events:"
	// Redis serializes per-key commands, but a read-modify-write still
	// needs WATCH; under contention the transaction is retried.
	txAttempts = 5
)

// event is the envelope published on a session's change feed. A tombstone
// (Deleted true, Session nil) signals external removal.
type event struct {
	Deleted bool     `json:"deleted,omitempty"`
	Session *Session `json:"session,omitempty"`
}

// RedisStore implements Store on Redis: one JSON record per session,
// replaced whole on every write, with a pub/sub channel per session as the
// change feed. Record replacement and event publish happen in one
// MULTI/EXEC so subscribers observe commit order.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func eventChannel(id string) string {
	return eventChannelPrefix + id
}

func (s *RedisStore) Create(ctx context.Context, id string, deck store.Deck, role rbac.Role, ownerID string) (Session, error) {
	now := time.Now().UTC()
	session := Session{
		ID:        id,
		Deck:      deck,
		Role:      rbac.Normalize(string(role)),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.commit(ctx, id, func(existing *Session) (*Session, error) {
		if existing != nil {
			return nil, ErrSessionExists
		}
		return &session, nil
	})
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

func (s *RedisStore) Read(ctx context.Context, id string) (Session, error) {
	payload, err := s.client.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("read session %s: %w", id, err)
	}

	var session Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return Session{}, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return session, nil
}

func (s *RedisStore) Write(ctx context.Context, id string, deck store.Deck, clientID string) error {
	now := time.Now().UTC()
	return s.commit(ctx, id, func(existing *Session) (*Session, error) {
		if existing == nil {
			// Recovery path: a write raced a slow create. The original
			// behavior is to materialize the session with permissive
			// defaults; logged so lost-session bugs stay visible.
			log.Printf("collab: write to missing session %s, recreating with default role", id)
			return &Session{
				ID:         id,
				Deck:       deck,
				Role:       rbac.RoleEdit,
				LastWriter: clientID,
				CreatedAt:  now,
				UpdatedAt:  now,
			}, nil
		}
		updated := *existing
		updated.Deck = deck
		updated.LastWriter = clientID
		updated.UpdatedAt = now
		return &updated, nil
	})
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	tombstone, _ := json.Marshal(event{Deleted: true})
	pipe.Publish(ctx, eventChannel(id), tombstone)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// commit runs a watched read-modify-write on the session record and
// publishes the committed state on the change feed in the same EXEC.
func (s *RedisStore) commit(ctx context.Context, id string, update func(existing *Session) (*Session, error)) error {
	key := sessionKey(id)

	txn := func(tx *redis.Tx) error {
		var existing *Session
		payload, err := tx.Get(ctx, key).Result()
		switch {
		case err == redis.Nil:
			existing = nil
		case err != nil:
			return fmt.Errorf("read session %s: %w", id, err)
		default:
			var parsed Session
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				return fmt.Errorf("unmarshal session %s: %w", id, err)
			}
			existing = &parsed
		}

		next, err := update(existing)
		if err != nil {
			return err
		}

		record, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal session %s: %w", id, err)
		}
		notification, err := json.Marshal(event{Session: next})
		if err != nil {
			return fmt.Errorf("marshal session event %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, record, 0)
			pipe.Publish(ctx, eventChannel(id), notification)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		err = s.client.Watch(ctx, txn, key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err == redis.TxFailedErr {
		return fmt.Errorf("commit session %s: too much contention", id)
	}
	return err
}

func (s *RedisStore) Subscribe(ctx context.Context, id string, onChange func(*Session)) (Unsubscribe, error) {
	pubsub := s.client.Subscribe(ctx, eventChannel(id))
	// Wait for the subscription confirmation so no committed change can
	// slip between the initial snapshot and the first channel delivery.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe session %s: %w", id, err)
	}

	go func() {
		// Initial delivery: current state, or nil when nothing exists yet
		// (the session may still appear through the feed afterwards).
		var lastSeen time.Time
		current, err := s.Read(ctx, id)
		switch {
		case err == nil:
			lastSeen = current.UpdatedAt
			onChange(&current)
		case err == ErrSessionNotFound:
			onChange(nil)
		default:
			log.Printf("collab: initial read for session %s: %v", id, err)
			onChange(nil)
		}

		for msg := range pubsub.Channel() {
			var ev event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("collab: bad event on %s: %v", msg.Channel, err)
				continue
			}
			if ev.Deleted || ev.Session == nil {
				onChange(nil)
				continue
			}
			// The snapshot above may already reflect events that were
			// committed while the channel buffered them; skip anything
			// older than what was already delivered.
			if ev.Session.UpdatedAt.Before(lastSeen) {
				continue
			}
			lastSeen = ev.Session.UpdatedAt
			onChange(ev.Session)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
		})
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
