package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"crm_backend/internal/conversation/domain"
	"crm_backend/internal/conversation/engine"
	"crm_backend/internal/conversation/repository"
	"crm_backend/internal/events"
	"crm_backend/internal/outbox"
	"crm_backend/platform/apperr"
	"crm_backend/platform/logger"
)

type fakeMessages struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeMessages) RecordMessage(_ context.Context, p repository.RecordMessageParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	key := p.ConversationID.String() + "|" + p.ProviderMessageID
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

// fakeEngine remembers the reply per message and, like the real engine,
// re-issues it only when the latest message is redelivered.
type fakeEngine struct {
	mu          sync.Mutex
	handled     map[string]*engine.Result
	latest      string
	calls       int
	redelivered int
	stopped     []string
	outcomes    []domain.Stage
}

func (f *fakeEngine) ProduceReply(_ context.Context, id uuid.UUID, msg domain.InboundMessage) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.handled == nil {
		f.handled = map[string]*engine.Result{}
	}
	if _, ok := f.handled[msg.ID]; ok {
		return nil, nil
	}
	res := &engine.Result{
		ConversationID: id,
		Channel:        msg.Channel,
		Text:           "How many residence visas will you need?",
		ReplyKey:       "rk_" + msg.ID,
		Action:         domain.ActionAsk,
		TemplateKey:    "business_setup_visas",
	}
	f.handled[msg.ID] = res
	f.latest = msg.ID
	return res, nil
}

func (f *fakeEngine) Redeliver(_ context.Context, _ uuid.UUID, msg domain.InboundMessage) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.redelivered++
	res, ok := f.handled[msg.ID]
	if !ok || msg.ID != f.latest {
		return nil, nil
	}
	replay := *res
	return &replay, nil
}

func (f *fakeEngine) SetOutcome(_ context.Context, _ uuid.UUID, outcome domain.Stage) error {
	if outcome != domain.StageWon && outcome != domain.StageLost {
		return apperr.Validation("outcome must be WON or LOST")
	}
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, _ uuid.UUID, reason string) error {
	f.stopped = append(f.stopped, reason)
	return nil
}

type fakeQueue struct {
	mu   sync.Mutex
	rows map[string]outbox.EnqueueParams
	err  error
}

func (f *fakeQueue) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeQueue) Enqueue(_ context.Context, p outbox.EnqueueParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.rows == nil {
		f.rows = map[string]outbox.EnqueueParams{}
	}
	if _, ok := f.rows[p.ReplyKey]; ok {
		return false, nil
	}
	f.rows[p.ReplyKey] = p
	return true, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventName() == name {
			n++
		}
	}
	return n
}

type serviceFixture struct {
	svc    *Service
	engine *fakeEngine
	queue  *fakeQueue
	bus    *events.InMemoryBus
	rec    *recorder
}

func newServiceFixture() *serviceFixture {
	log := logger.New("development")
	bus := events.NewInMemoryBus(log)
	rec := &recorder{}
	bus.Subscribe(events.ConversationChanged{}.EventName(), events.HandlerFunc(rec.handle))
	bus.Subscribe(events.ReplyQueued{}.EventName(), events.HandlerFunc(rec.handle))

	eng := &fakeEngine{}
	queue := &fakeQueue{}
	return &serviceFixture{
		svc:    New(&fakeMessages{}, eng, queue, bus, log),
		engine: eng,
		queue:  queue,
		bus:    bus,
		rec:    rec,
	}
}

func inboundEvent(convID uuid.UUID, messageID string) InboundEvent {
	return InboundEvent{
		ConversationID: convID.String(),
		MessageID:      messageID,
		Channel:        "WhatsApp",
		Text:           "I need a trade license, mainland, 2 partners",
		ReceivedAt:     time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestHandleInboundQueuesReplyOnce(t *testing.T) {
	fx := newServiceFixture()
	convID := uuid.New()

	first, err := fx.svc.HandleInbound(context.Background(), inboundEvent(convID, "wamid.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := fx.svc.HandleInbound(context.Background(), inboundEvent(convID, "wamid.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fx.bus.Wait()

	if !first.Replied || first.Duplicate || first.ReplyKey != "rk_wamid.1" {
		t.Fatalf("unexpected first response %+v", first)
	}
	if second.Replied || !second.Duplicate {
		t.Fatalf("expected duplicate without reply, got %+v", second)
	}
	if fx.engine.calls != 2 || fx.engine.redelivered != 1 {
		t.Fatalf("expected one reply and one redelivery call, got %d/%d", fx.engine.calls, fx.engine.redelivered)
	}
	if len(fx.queue.rows) != 1 {
		t.Fatalf("expected one queued reply, got %d", len(fx.queue.rows))
	}
	if got := fx.queue.rows["rk_wamid.1"]; got.Channel != "whatsapp" || got.ConversationID != convID {
		t.Fatalf("unexpected queued reply %+v", got)
	}
	if fx.rec.count("conversation.changed") != 1 || fx.rec.count("conversation.reply_queued") != 1 {
		t.Fatalf("expected one change and one queued event, got %d/%d",
			fx.rec.count("conversation.changed"), fx.rec.count("conversation.reply_queued"))
	}
}

func TestHandleInboundRequeuesAfterFailedEnqueue(t *testing.T) {
	fx := newServiceFixture()
	convID := uuid.New()
	fx.queue.fail(errors.New("outbox unavailable"))

	if _, err := fx.svc.HandleInbound(context.Background(), inboundEvent(convID, "wamid.1")); err == nil {
		t.Fatal("expected enqueue failure to surface")
	}
	fx.queue.fail(nil)

	resp, err := fx.svc.HandleInbound(context.Background(), inboundEvent(convID, "wamid.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fx.bus.Wait()

	if !resp.Duplicate || !resp.Replied || resp.ReplyKey != "rk_wamid.1" {
		t.Fatalf("expected the stored reply to be queued on redelivery, got %+v", resp)
	}
	if len(fx.queue.rows) != 1 {
		t.Fatalf("expected one queued reply, got %d", len(fx.queue.rows))
	}
	if fx.rec.count("conversation.reply_queued") != 1 {
		t.Fatalf("expected one queued event, got %d", fx.rec.count("conversation.reply_queued"))
	}
}

func TestHandleInboundIgnoresStaleRedelivery(t *testing.T) {
	fx := newServiceFixture()
	convID := uuid.New()
	a := inboundEvent(convID, "wamid.A")
	b := inboundEvent(convID, "wamid.B")
	b.Text = "2 partners"
	b.ReceivedAt = a.ReceivedAt.Add(time.Minute)

	for _, ev := range []InboundEvent{a, b} {
		if resp, err := fx.svc.HandleInbound(context.Background(), ev); err != nil || !resp.Replied {
			t.Fatalf("expected reply for %s, got %+v, %v", ev.MessageID, resp, err)
		}
	}
	resp, err := fx.svc.HandleInbound(context.Background(), a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fx.bus.Wait()

	if resp.Replied || !resp.Duplicate {
		t.Fatalf("expected stale duplicate to stay silent, got %+v", resp)
	}
	if len(fx.queue.rows) != 2 {
		t.Fatalf("expected two queued replies, got %d", len(fx.queue.rows))
	}
}

func TestHandleInboundRejectsBadConversationID(t *testing.T) {
	fx := newServiceFixture()
	ev := inboundEvent(uuid.New(), "m")
	ev.ConversationID = "nope"
	if _, err := fx.svc.HandleInbound(context.Background(), ev); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStopAndOutcomePublishChanges(t *testing.T) {
	fx := newServiceFixture()
	id := uuid.New()

	if err := fx.svc.Stop(context.Background(), id, "agent took over"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fx.svc.SetOutcome(context.Background(), id, "won"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fx.svc.SetOutcome(context.Background(), id, "maybe"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fx.bus.Wait()

	if len(fx.engine.stopped) != 1 || len(fx.engine.outcomes) != 1 || fx.engine.outcomes[0] != domain.StageWon {
		t.Fatalf("unexpected engine calls %v %v", fx.engine.stopped, fx.engine.outcomes)
	}
	if fx.rec.count("conversation.changed") != 2 {
		t.Fatalf("expected two change events, got %d", fx.rec.count("conversation.changed"))
	}
}
