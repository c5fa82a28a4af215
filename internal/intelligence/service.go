package intelligence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crm_backend/platform/logger"
)

const (
	defaultGroupSize = 5
	activeWindow     = 30 * 24 * time.Hour
	activeScanLimit  = 2000
)

// Service computes flags on demand and refreshes the cached columns.
type Service struct {
	store     Store
	loc       *time.Location
	groupSize int
	log       *logger.Logger
	now       func() time.Time
}

// NewService creates the intelligence service. groupSize bounds how many
// conversations a batch loads concurrently.
func NewService(store Store, loc *time.Location, groupSize int, log *logger.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if groupSize <= 0 {
		groupSize = defaultGroupSize
	}
	return &Service{store: store, loc: loc, groupSize: groupSize, log: log, now: time.Now}
}

// ComputeFlags derives the current flags of one conversation.
func (s *Service) ComputeFlags(ctx context.Context, conversationID uuid.UUID) (ConversationFlags, error) {
	snap, err := s.store.GetSnapshot(ctx, conversationID)
	if err != nil {
		return ConversationFlags{}, err
	}
	return Compute(snap, s.now(), s.loc), nil
}

// ComputeFlagsBatch computes flags for many conversations, equivalent to
// calling ComputeFlags for each id. Conversations that fail to load are
// logged and left out of the result.
func (s *Service) ComputeFlagsBatch(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]ConversationFlags, error) {
	now := s.now()
	out := make(map[uuid.UUID]ConversationFlags, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.groupSize)
	for _, id := range dedupe(ids) {
		g.Go(func() error {
			snap, err := s.store.GetSnapshot(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.log.Warn("flag snapshot failed", "conversationId", id, "error", err)
				return nil
			}
			flags := Compute(snap, now, s.loc)
			mu.Lock()
			out[id] = flags
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// RefreshFlags recomputes one conversation and writes the cached columns.
func (s *Service) RefreshFlags(ctx context.Context, conversationID uuid.UUID) (ConversationFlags, error) {
	flags, err := s.ComputeFlags(ctx, conversationID)
	if err != nil {
		return ConversationFlags{}, err
	}
	if err := s.store.SaveFlags(ctx, flags); err != nil {
		return ConversationFlags{}, err
	}
	return flags, nil
}

// RefreshActive recomputes and caches flags for every recently active
// conversation and returns them for downstream passes.
func (s *Service) RefreshActive(ctx context.Context) (map[uuid.UUID]ConversationFlags, error) {
	ids, err := s.store.ListActiveConversationIDs(ctx, s.now().Add(-activeWindow), activeScanLimit)
	if err != nil {
		return nil, err
	}
	flags, err := s.ComputeFlagsBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.groupSize)
	for _, f := range flags {
		g.Go(func() error {
			if err := s.store.SaveFlags(gctx, f); err != nil {
				s.log.DatabaseError("SaveFlags", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return flags, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
