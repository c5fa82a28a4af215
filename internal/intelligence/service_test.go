package intelligence

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"crm_backend/platform/apperr"
	"crm_backend/platform/logger"
)

type fakeStore struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID]Snapshot
	saved     map[uuid.UUID]ConversationFlags
	inFlight  int
	maxFlight int
}

func newFakeStore() *fakeStore {
	return &fakeStore{snapshots: map[uuid.UUID]Snapshot{}, saved: map[uuid.UUID]ConversationFlags{}}
}

func (f *fakeStore) GetSnapshot(_ context.Context, id uuid.UUID) (Snapshot, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	snap, ok := f.snapshots[id]
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if !ok {
		return Snapshot{}, apperr.NotFound("conversation not found")
	}
	return snap, nil
}

func (f *fakeStore) ListActiveConversationIDs(context.Context, time.Time, int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(f.snapshots))
	for id := range f.snapshots {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) SaveFlags(_ context.Context, flags ConversationFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[flags.Conversation.ConversationID] = flags
	return nil
}

func newTestService(store Store, groupSize int) *Service {
	svc := NewService(store, time.UTC, groupSize, logger.New("development"))
	svc.now = func() time.Time { return baseTime.Add(2 * time.Hour) }
	return svc
}

func seed(store *fakeStore, n int) []uuid.UUID {
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		id := uuid.New()
		store.snapshots[id] = Snapshot{
			Conversation:   ConversationRef{ConversationID: id},
			CreatedAt:      baseTime,
			FirstInboundAt: at(time.Duration(i) * time.Minute),
			LastInboundAt:  at(time.Duration(i) * time.Minute),
			LeadScore:      intPtr(60 + i),
		}
		ids = append(ids, id)
	}
	return ids
}

func TestComputeFlagsBatchMatchesSingleCalls(t *testing.T) {
	store := newFakeStore()
	ids := seed(store, 12)
	svc := newTestService(store, 3)

	batch, err := svc.ComputeFlagsBatch(context.Background(), ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != len(ids) {
		t.Fatalf("expected %d results, got %d", len(ids), len(batch))
	}
	for _, id := range ids {
		single, err := svc.ComputeFlags(context.Background(), id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(single, batch[id]) {
			t.Fatalf("batch differs from single for %s:\n%+v\n%+v", id, batch[id], single)
		}
	}
	if store.maxFlight > 3 {
		t.Fatalf("expected at most 3 concurrent loads, saw %d", store.maxFlight)
	}
}

func TestComputeFlagsBatchSkipsMissing(t *testing.T) {
	store := newFakeStore()
	ids := seed(store, 2)
	svc := newTestService(store, 2)

	batch, err := svc.ComputeFlagsBatch(context.Background(), append(ids, uuid.New(), ids[0]))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 results, got %d", len(batch))
	}
}

func TestComputeFlagsNotFound(t *testing.T) {
	svc := newTestService(newFakeStore(), 1)
	_, err := svc.ComputeFlags(context.Background(), uuid.New())
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRefreshActiveSavesEveryConversation(t *testing.T) {
	store := newFakeStore()
	ids := seed(store, 5)
	svc := newTestService(store, 2)

	flags, err := svc.RefreshActive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(flags) != 5 || len(store.saved) != 5 {
		t.Fatalf("expected 5 computed and saved, got %d/%d", len(flags), len(store.saved))
	}
	if !store.saved[ids[0]].SLABreach {
		t.Fatalf("expected cached SLA breach for the oldest unanswered conversation")
	}
}

func TestComputeFlagsBatchHonoursCancellation(t *testing.T) {
	store := newFakeStore()
	ids := seed(store, 4)
	svc := newTestService(store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.ComputeFlagsBatch(ctx, ids); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected nil or canceled, got %v", err)
	}
}
