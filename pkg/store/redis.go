package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// RedisOptions configures OpenRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
	// Prefix namespaces every key. Defaults to "cda:".
	Prefix string
}

// RedisStore keeps entities and records as JSON strings plus a sorted set
// indexing records by execution time. Transactions use WATCH on the entity
// key and on every record key read, and retry when another client wins.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	ro := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if ro.Addr == "" {
		ro.Addr = "localhost:6379"
	}
	if opts.TLS {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(ro)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", ro.Addr, err)
	}
	return NewRedisStore(client, opts.Prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "cda:"
	}
	return &RedisStore{client: client, prefix: prefix, maxRetries: 16}
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }
func (s *RedisStore) Close() error                   { return s.client.Close() }

func (s *RedisStore) entityKey(id string) string { return s.prefix + "entity:" + id }
func (s *RedisStore) recordKey(id string) string { return s.prefix + "executed:" + id }
func (s *RedisStore) indexKey() string           { return s.prefix + "executed" }

func (s *RedisStore) Record(ctx context.Context, intentID string) (*contracts.ExecutedIntentRecord, error) {
	return getRecord(ctx, s.client, s.recordKey(intentID))
}

func (s *RedisStore) Records(ctx context.Context, limit int) ([]*contracts.ExecutedIntentRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(listLimit(limit))-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*contracts.ExecutedIntentRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Record(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Entity(ctx context.Context, entityID string) (*contracts.EntityState, error) {
	return getEntity(ctx, s.client, s.entityKey(entityID))
}

func (s *RedisStore) CreateEntity(ctx context.Context, state *contracts.EntityState) error {
	data, err := encodeEntity(state)
	if err != nil {
		return err
	}
	created, err := s.client.SetNX(ctx, s.entityKey(state.EntityID), data, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return ErrEntityExists
	}
	return nil
}

func (s *RedisStore) WithinEntity(ctx context.Context, entityID string, fn func(Tx) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{s: s, rtx: rtx, entityID: entityID}
			if err := fn(tx); err != nil {
				return err
			}
			_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				return tx.flush(ctx, p)
			})
			return err
		}, s.entityKey(entityID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrVersionConflict
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getRecord(ctx context.Context, c redisGetter, key string) (*contracts.ExecutedIntentRecord, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec contracts.ExecutedIntentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: decode record %s: %w", key, err)
	}
	rec.ExecutedAt = rec.ExecutedAt.UTC()
	return &rec, nil
}

func getEntity(ctx context.Context, c redisGetter, key string) (*contracts.EntityState, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e contracts.EntityState
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("store: decode entity %s: %w", key, err)
	}
	if e.Attributes == nil {
		e.Attributes = contracts.Attributes{}
	}
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func encodeEntity(state *contracts.EntityState) ([]byte, error) {
	c := cloneEntity(state)
	c.UpdatedAt = c.UpdatedAt.UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("store: encode entity: %w", err)
	}
	return data, nil
}

type redisTx struct {
	s        *RedisStore
	rtx      *redis.Tx
	entityID string
	entity   *contracts.EntityState
	records  []*contracts.ExecutedIntentRecord
}

func (t *redisTx) Entity(ctx context.Context) (*contracts.EntityState, error) {
	if t.entity != nil {
		return cloneEntity(t.entity), nil
	}
	return getEntity(ctx, t.rtx, t.s.entityKey(t.entityID))
}

func (t *redisTx) Record(ctx context.Context, intentID string) (*contracts.ExecutedIntentRecord, error) {
	for _, rec := range t.records {
		if rec.IntentID == intentID {
			return cloneRecord(rec), nil
		}
	}
	key := t.s.recordKey(intentID)
	// A concurrent insert of this record must abort our EXEC.
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return nil, err
	}
	return getRecord(ctx, t.rtx, key)
}

func (t *redisTx) SwapEntity(ctx context.Context, next *contracts.EntityState, expected int64) error {
	if next.EntityID != t.entityID {
		return fmt.Errorf("store: transaction is scoped to %s, not %s", t.entityID, next.EntityID)
	}
	cur, err := t.Entity(ctx)
	if err != nil {
		return err
	}
	if cur.Version != expected {
		return ErrVersionConflict
	}
	t.entity = cloneEntity(next)
	return nil
}

func (t *redisTx) InsertRecord(ctx context.Context, rec *contracts.ExecutedIntentRecord) error {
	if _, err := t.Record(ctx, rec.IntentID); err == nil {
		return ErrDuplicateRecord
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	t.records = append(t.records, cloneRecord(rec))
	return nil
}

func (t *redisTx) flush(ctx context.Context, p redis.Pipeliner) error {
	if t.entity != nil {
		data, err := encodeEntity(t.entity)
		if err != nil {
			return err
		}
		p.Set(ctx, t.s.entityKey(t.entityID), data, 0)
	}
	for _, rec := range t.records {
		c := cloneRecord(rec)
		c.ExecutedAt = c.ExecutedAt.UTC()
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("store: encode record: %w", err)
		}
		p.Set(ctx, t.s.recordKey(rec.IntentID), data, 0)
		p.ZAdd(ctx, t.s.indexKey(), redis.Z{Score: float64(c.ExecutedAt.UnixMilli()), Member: rec.IntentID})
	}
	return nil
}
