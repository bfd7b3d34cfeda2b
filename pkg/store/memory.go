package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// MemoryStore is an in-process Store. Transactions on the same entity are
// serialized by a per-entity mutex; the staged writes are then published
// under the store lock, so readers never observe half a commit.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*contracts.EntityState
	records  map[string]*contracts.ExecutedIntentRecord
	seq      map[string]uint64
	next     uint64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*contracts.EntityState),
		records:  make(map[string]*contracts.ExecutedIntentRecord),
		seq:      make(map[string]uint64),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) Record(_ context.Context, intentID string) (*contracts.ExecutedIntentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Records(_ context.Context, limit int) ([]*contracts.ExecutedIntentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.ExecutedIntentRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ExecutedAt.After(out[j].ExecutedAt)
		}
		return s.seq[out[i].IntentID] > s.seq[out[j].IntentID]
	})
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) Entity(_ context.Context, entityID string) (*contracts.EntityState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntity(e), nil
}

func (s *MemoryStore) CreateEntity(_ context.Context, state *contracts.EntityState) error {
	lock := s.entityLock(state.EntityID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[state.EntityID]; ok {
		return ErrEntityExists
	}
	s.entities[state.EntityID] = cloneEntity(state)
	return nil
}

func (s *MemoryStore) WithinEntity(ctx context.Context, entityID string, fn func(Tx) error) error {
	lock := s.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{s: s, entityID: entityID}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func (s *MemoryStore) entityLock(entityID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[entityID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[entityID] = l
	}
	return l
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Records can race across entities, so re-check before publishing.
	for _, rec := range tx.records {
		if _, ok := s.records[rec.IntentID]; ok {
			return ErrDuplicateRecord
		}
	}
	if tx.entity != nil {
		cur, ok := s.entities[tx.entityID]
		if !ok || cur.Version != tx.expected {
			return ErrVersionConflict
		}
		s.entities[tx.entityID] = tx.entity
	}
	for _, rec := range tx.records {
		s.next++
		s.seq[rec.IntentID] = s.next
		s.records[rec.IntentID] = rec
	}
	return nil
}

type memoryTx struct {
	s        *MemoryStore
	entityID string
	entity   *contracts.EntityState
	expected int64
	records  []*contracts.ExecutedIntentRecord
}

func (t *memoryTx) Entity(ctx context.Context) (*contracts.EntityState, error) {
	if t.entity != nil {
		return cloneEntity(t.entity), nil
	}
	return t.s.Entity(ctx, t.entityID)
}

func (t *memoryTx) Record(ctx context.Context, intentID string) (*contracts.ExecutedIntentRecord, error) {
	for _, rec := range t.records {
		if rec.IntentID == intentID {
			return cloneRecord(rec), nil
		}
	}
	return t.s.Record(ctx, intentID)
}

func (t *memoryTx) SwapEntity(ctx context.Context, next *contracts.EntityState, expected int64) error {
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
	if t.entity == nil {
		t.expected = expected
	}
	t.entity = cloneEntity(next)
	return nil
}

func (t *memoryTx) InsertRecord(ctx context.Context, rec *contracts.ExecutedIntentRecord) error {
	if _, err := t.Record(ctx, rec.IntentID); err == nil {
		return ErrDuplicateRecord
	}
	t.records = append(t.records, cloneRecord(rec))
	return nil
}
