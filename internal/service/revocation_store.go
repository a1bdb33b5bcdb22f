package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore recuerda desde cuando los tokens de un usuario dejan de ser
// validos. Complementa el logout forzado en el proveedor de identidad.
type RevocationStore interface {
	Revoke(ctx context.Context, userID string, at time.Time) error
	RevokedAt(ctx context.Context, userID string) (time.Time, bool, error)
}

type memoryRevocationStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]revocation
}

type revocation struct {
	at      time.Time
	expires time.Time
}

func NewMemoryRevocationStore(ttl time.Duration) RevocationStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &memoryRevocationStore{ttl: ttl, items: make(map[string]revocation)}
}

func (s *memoryRevocationStore) Revoke(_ context.Context, userID string, at time.Time) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[userID] = revocation{at: at.UTC(), expires: time.Now().UTC().Add(s.ttl)}
	return nil
}

func (s *memoryRevocationStore) RevokedAt(_ context.Context, userID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[userID]
	if !ok {
		return time.Time{}, false, nil
	}
	if time.Now().UTC().After(r.expires) {
		delete(s.items, userID)
		return time.Time{}, false, nil
	}
	return r.at, true, nil
}

type redisKVClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type redisRevocationStore struct {
	client redisKVClient
	prefix string
	ttl    time.Duration
}

// NewRedisRevocationStore guarda la marca con un TTL igual a la vida maxima de
// un refresh token; pasado ese tiempo ningun token previo puede existir.
func NewRedisRevocationStore(client redis.UniversalClient, ttl time.Duration) RevocationStore {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &redisRevocationStore{client: client, prefix: "auth:revoked:", ttl: ttl}
}

func (s *redisRevocationStore) Revoke(ctx context.Context, userID string, at time.Time) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return s.client.Set(ctx, s.prefix+userID, at.UTC().Unix(), s.ttl).Err()
}

func (s *redisRevocationStore) RevokedAt(ctx context.Context, userID string) (time.Time, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return time.Time{}, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	v, err := s.client.Get(ctx, s.prefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(sec, 0).UTC(), true, nil
}
