package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/metals-ledger/internal/apperr"
	"github.com/atmx/metals-ledger/internal/model"
)

// Store is an ephemeral keyed store with built-in expiry. Get and Take
// return a NotFound error for absent or evicted quotes.
type Store interface {
	Put(ctx context.Context, q *model.Quote, ttl time.Duration) error
	Get(ctx context.Context, id string) (*model.Quote, error)
	// Take atomically reads and removes a quote. Of two concurrent Takes
	// on the same id exactly one succeeds.
	Take(ctx context.Context, id string) (*model.Quote, error)
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	quote    model.Quote
	deadline time.Time
}

// MemoryStore is an in-process Store for tests and single-instance
// development.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory quote store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, q *model.Quote, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, e := range s.entries {
		if !now.Before(e.deadline) {
			delete(s.entries, id)
		}
	}
	s.entries[q.ID] = memoryEntry{quote: *q, deadline: now.Add(ttl)}
	return nil
}

// liveLocked returns the entry if present and not evicted. Caller holds s.mu.
func (s *MemoryStore) liveLocked(id string) (model.Quote, bool) {
	e, ok := s.entries[id]
	if !ok {
		return model.Quote{}, false
	}
	if !s.now().Before(e.deadline) {
		delete(s.entries, id)
		return model.Quote{}, false
	}
	return e.quote, true
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.liveLocked(id)
	if !ok {
		return nil, apperr.NotFound("quote %s not found", id)
	}
	return &q, nil
}

func (s *MemoryStore) Take(_ context.Context, id string) (*model.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.liveLocked(id)
	if !ok {
		return nil, apperr.NotFound("quote %s not found", id)
	}
	delete(s.entries, id)
	return &q, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// RedisStore keeps quotes in Redis with SET ... EX and consumes them with
// GETDEL, which is atomic on the server.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed quote store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Put(ctx context.Context, q *model.Quote, ttl time.Duration) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode quote: %w", err)
	}
	if err := s.rdb.Set(ctx, quoteKey(q.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set quote: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Quote, error) {
	return s.decode(id, s.rdb.Get(ctx, quoteKey(id)))
}

func (s *RedisStore) Take(ctx context.Context, id string) (*model.Quote, error) {
	return s.decode(id, s.rdb.GetDel(ctx, quoteKey(id)))
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, quoteKey(id)).Err(); err != nil {
		return fmt.Errorf("redis delete quote: %w", err)
	}
	return nil
}

func (s *RedisStore) decode(id string, cmd *redis.StringCmd) (*model.Quote, error) {
	data, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound("quote %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis read quote: %w", err)
	}
	var q model.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("decode quote %s: %w", id, err)
	}
	return &q, nil
}

func quoteKey(id string) string {
	return fmt.Sprintf("quote:%s", id)
}
