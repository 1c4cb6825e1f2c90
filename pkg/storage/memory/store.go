package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/settle/pkg/saga"
)

// Store is an in-process saga.Store. Transactions are serialized by a single mutex
// and staged until fn returns, so a failing transaction leaves no trace.
// Functions passed to WithinTx must not call back into the Store.
type Store struct {
	mu      sync.Mutex
	inbox   map[saga.Key]*saga.InboxRecord
	records map[saga.Key]*saga.OrchestrationRecord
	outbox  map[string]*saga.OutboxEvent
	order   []string
}

// New creates an empty store
func New() *Store {
	return &Store{
		inbox:   make(map[saga.Key]*saga.InboxRecord),
		records: make(map[saga.Key]*saga.OrchestrationRecord),
		outbox:  make(map[string]*saga.OutboxEvent),
	}
}

var _ saga.Store = (*Store)(nil)

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx saga.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &tx{
		store:   s,
		inbox:   make(map[saga.Key]*saga.InboxRecord),
		records: make(map[saga.Key]*saga.OrchestrationRecord),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) FetchPending(ctx context.Context, limit int) ([]*saga.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*saga.OutboxEvent, 0)
	for _, id := range s.order {
		e := s.outbox[id]
		if e.Status == saga.OutboxNew || e.Status == saga.OutboxFailed {
			pending = append(pending, e)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*saga.OutboxEvent, len(pending))
	for i, e := range pending {
		out[i] = e.Clone()
	}
	return out, nil
}

func (s *Store) CountPending(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.outbox {
		if e.Status == saga.OutboxNew || e.Status == saga.OutboxFailed {
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateOutbox(ctx context.Context, event *saga.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outbox[event.EventID]; !ok {
		return saga.ErrNotFound
	}
	s.outbox[event.EventID] = event.Clone()
	return nil
}

func (s *Store) FindStale(ctx context.Context, statuses []saga.Status, cutoff time.Time, limit int) ([]*saga.OrchestrationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[saga.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	stale := make([]*saga.OrchestrationRecord, 0)
	for _, rec := range s.records {
		if wanted[rec.Status] && rec.UpdatedAt.Before(cutoff) {
			stale = append(stale, rec.Clone())
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].UpdatedAt.Equal(stale[j].UpdatedAt) {
			return stale[i].OrchestrationID < stale[j].OrchestrationID
		}
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Seed stores records directly, bypassing uniqueness checks.
func (s *Store) Seed(records ...*saga.OrchestrationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.records[rec.Key] = rec.Clone()
		if _, ok := s.inbox[rec.Key]; !ok {
			s.inbox[rec.Key] = &saga.InboxRecord{
				Key:             rec.Key,
				OrchestrationID: rec.OrchestrationID,
				Status:          saga.InboxProcessing,
				CreatedAt:       rec.CreatedAt,
				UpdatedAt:       rec.CreatedAt,
			}
		}
	}
}

// SeedOutbox stores outbox events directly.
func (s *Store) SeedOutbox(events ...*saga.OutboxEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if _, ok := s.outbox[e.EventID]; !ok {
			s.order = append(s.order, e.EventID)
		}
		s.outbox[e.EventID] = e.Clone()
	}
}

// Record returns a copy of the orchestration record for key.
func (s *Store) Record(key saga.Key) (*saga.OrchestrationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec.Clone(), ok
}

// Inbox returns a copy of the inbox record for key.
func (s *Store) Inbox(key saga.Key) (*saga.InboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbox[key]
	return rec.Clone(), ok
}

// Records returns copies of every orchestration record.
func (s *Store) Records() []*saga.OrchestrationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*saga.OrchestrationRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// OutboxEvents returns copies of every outbox event for orchestrationID in insertion
// order, or of all events when orchestrationID is empty.
func (s *Store) OutboxEvents(orchestrationID string) []*saga.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*saga.OutboxEvent, 0)
	for _, id := range s.order {
		e := s.outbox[id]
		if orchestrationID == "" || e.OrchestrationID == orchestrationID {
			out = append(out, e.Clone())
		}
	}
	return out
}

type tx struct {
	store   *Store
	inbox   map[saga.Key]*saga.InboxRecord
	records map[saga.Key]*saga.OrchestrationRecord
	outbox  []*saga.OutboxEvent
}

func (t *tx) GetInbox(ctx context.Context, key saga.Key) (*saga.InboxRecord, error) {
	if rec, ok := t.inbox[key]; ok {
		return rec.Clone(), nil
	}
	if rec, ok := t.store.inbox[key]; ok {
		return rec.Clone(), nil
	}
	return nil, saga.ErrNotFound
}

func (t *tx) InsertInboxIfAbsent(ctx context.Context, rec *saga.InboxRecord) (*saga.InboxRecord, bool, error) {
	if existing, err := t.GetInbox(ctx, rec.Key); err == nil {
		return existing, false, nil
	}
	t.inbox[rec.Key] = rec.Clone()
	return rec.Clone(), true, nil
}

func (t *tx) UpdateInbox(ctx context.Context, rec *saga.InboxRecord) error {
	if _, err := t.GetInbox(ctx, rec.Key); err != nil {
		return err
	}
	t.inbox[rec.Key] = rec.Clone()
	return nil
}

func (t *tx) GetOrchestration(ctx context.Context, key saga.Key) (*saga.OrchestrationRecord, error) {
	if rec, ok := t.records[key]; ok {
		return rec.Clone(), nil
	}
	if rec, ok := t.store.records[key]; ok {
		return rec.Clone(), nil
	}
	return nil, saga.ErrNotFound
}

func (t *tx) InsertOrchestrationIfAbsent(ctx context.Context, rec *saga.OrchestrationRecord) (*saga.OrchestrationRecord, bool, error) {
	if existing, err := t.GetOrchestration(ctx, rec.Key); err == nil {
		return existing, false, nil
	}
	stored := rec.Clone()
	stored.Version = 1
	t.records[rec.Key] = stored
	rec.Version = 1
	return stored.Clone(), true, nil
}

func (t *tx) UpdateOrchestration(ctx context.Context, rec *saga.OrchestrationRecord) error {
	current, err := t.GetOrchestration(ctx, rec.Key)
	if err != nil {
		return err
	}
	if current.Version != rec.Version {
		return saga.ErrConflict
	}
	rec.Version++
	t.records[rec.Key] = rec.Clone()
	return nil
}

func (t *tx) EnqueueOutbox(ctx context.Context, event *saga.OutboxEvent) error {
	t.outbox = append(t.outbox, event.Clone())
	return nil
}

func (t *tx) commit() {
	for k, rec := range t.inbox {
		t.store.inbox[k] = rec
	}
	for k, rec := range t.records {
		t.store.records[k] = rec
	}
	for _, e := range t.outbox {
		if _, ok := t.store.outbox[e.EventID]; !ok {
			t.store.order = append(t.store.order, e.EventID)
		}
		t.store.outbox[e.EventID] = e
	}
}
