package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"crm_backend/internal/conversation/domain"
	"crm_backend/internal/conversation/enhancer"
	"crm_backend/internal/conversation/repository"
	"crm_backend/internal/conversation/templates"
	"crm_backend/platform/apperr"
	"crm_backend/platform/logger"
)

type fakeStore struct {
	mu    sync.Mutex
	convs map[uuid.UUID]repository.Conversation
	saves int
}

func newFakeStore(convs ...repository.Conversation) *fakeStore {
	s := &fakeStore{convs: map[uuid.UUID]repository.Conversation{}}
	for _, c := range convs {
		s.convs[c.ID] = c
	}
	return s
}

func (s *fakeStore) GetConversation(_ context.Context, id uuid.UUID) (repository.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return repository.Conversation{}, apperr.NotFound("conversation not found")
	}
	c.State = c.State.Normalize().Clone()
	return c, nil
}

func (s *fakeStore) SaveState(_ context.Context, id uuid.UUID, state domain.FSMState, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[id]
	if c.Version != expected {
		return 0, apperr.Conflict("stale")
	}
	c.State = state.Clone()
	c.Version++
	s.convs[id] = c
	s.saves++
	return c.Version, nil
}

func (s *fakeStore) setLastInbound(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[id]
	c.LastInboundAt = &at
	s.convs[id] = c
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *fakeStore) state(id uuid.UUID) domain.FSMState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id].State
}

type fakeEnhancer struct {
	text  string
	err   error
	calls int
}

func (f *fakeEnhancer) Enhance(context.Context, enhancer.Request) (string, error) {
	f.calls++
	return f.text, f.err
}

func (f *fakeEnhancer) Name() string { return "fake" }

func newConversation() repository.Conversation {
	return repository.Conversation{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Channel:        domain.ChannelWhatsApp,
		State:          domain.NewFSMState(),
		CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func newTestEngine(t *testing.T, store Store, enh enhancer.Enhancer) *Engine {
	t.Helper()
	lib, err := templates.NewDefault()
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	s := NewSerializer(4)
	t.Cleanup(s.Close)
	return New(store, lib, enh, s, logger.New("test"))
}

func inbound(id, text string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:         id,
		Channel:    domain.ChannelWhatsApp,
		Text:       text,
		ReceivedAt: time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC),
	}
}

func inboundAt(id, text string, at time.Time) domain.InboundMessage {
	msg := inbound(id, text)
	msg.ReceivedAt = at
	return msg
}

func TestProduceReplyTradeLicenseScenario(t *testing.T) {
	conv := newConversation()
	store := newFakeStore(conv)
	e := newTestEngine(t, store, nil)

	res, err := e.ProduceReply(context.Background(), conv.ID, inbound("m1", "I need a trade license, mainland, 2 partners"))
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if res == nil {
		t.Fatal("expected a reply")
	}

	state := store.state(conv.ID)
	if res.TemplateKey != "business_setup_visas" || res.Action != domain.ActionAsk {
		t.Fatalf("unexpected reply: %+v", res)
	}
	want := e.templates.Render("business_setup_visas", TemplateVariables(state), "en")
	if res.Text != want {
		t.Fatalf("expected rendered template %q, got %q", want, res.Text)
	}
	if state.Stage != domain.StageQualifying || !state.HasAsked(domain.QuestionVisas) {
		t.Fatalf("unexpected state: %+v", state)
	}
	if *state.ServiceKey != domain.ServiceBusinessSetup || state.Collected[domain.FieldJurisdiction] != "mainland" || state.Collected[domain.FieldPartnersCount] != "2" {
		t.Fatalf("fields not collected: %+v", state.Collected)
	}
	if state.LastInboundMessageID != "m1" || state.LastOutboundReplyKey != res.ReplyKey {
		t.Fatalf("idempotency markers not persisted: %+v", state)
	}
}

func TestProduceReplyDuplicateDeliveryIsNoop(t *testing.T) {
	conv := newConversation()
	store := newFakeStore(conv)
	e := newTestEngine(t, store, nil)
	msg := inbound("m1", "hello")

	first, err := e.ProduceReply(context.Background(), conv.ID, msg)
	if err != nil || first == nil {
		t.Fatalf("expected first reply, got %v, %v", first, err)
	}
	second, err := e.ProduceReply(context.Background(), conv.ID, msg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second != nil {
		t.Fatalf("expected nil on duplicate delivery, got %+v", second)
	}
	if store.saves != 1 {
		t.Fatalf("expected exactly one state mutation, got %d", store.saves)
	}
}

func TestProduceReplyAsksPartnersWithoutJurisdiction(t *testing.T) {
	conv := newConversation()
	store := newFakeStore(conv)
	e := newTestEngine(t, store, nil)
	ctx := context.Background()

	first, err := e.ProduceReply(ctx, conv.ID, inbound("m1", "I want a trade license"))
	if err != nil || first == nil || first.TemplateKey != "business_setup_jurisdiction" {
		t.Fatalf("expected jurisdiction question, got %+v, %v", first, err)
	}
	second, err := e.ProduceReply(ctx, conv.ID, inbound("m2", "not sure yet"))
	if err != nil || second == nil {
		t.Fatalf("expected a reply, got %v, %v", second, err)
	}
	if second.TemplateKey != "business_setup_partners" || strings.Contains(second.Text, "[missing") {
		t.Fatalf("expected clean partners question, got %+v", second)
	}
	if st := store.state(conv.ID); st.HasValue(domain.FieldJurisdiction) || !st.HasAsked(domain.QuestionPartners) {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestProduceReplyBrokenTemplateKeepsQuestionUnasked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	override := "en:\n  business_setup_partners: \"How many partners share the {{jurisdiction}} license?\"\n"
	if err := os.WriteFile(path, []byte(override), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	lib, err := templates.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	conv := newConversation()
	store := newFakeStore(conv)
	e := newTestEngine(t, store, nil)
	e.templates = lib
	ctx := context.Background()

	if _, err := e.ProduceReply(ctx, conv.ID, inbound("m1", "I want a trade license")); err != nil {
		t.Fatalf("first: %v", err)
	}
	before := store.state(conv.ID)

	res, err := e.ProduceReply(ctx, conv.ID, inbound("m2", "not sure yet"))
	if err != nil || res != nil {
		t.Fatalf("expected silence on a broken render, got %+v, %v", res, err)
	}
	after := store.state(conv.ID)
	if after.HasAsked(domain.QuestionPartners) || after.NextQuestionKey != before.NextQuestionKey {
		t.Fatalf("unsent question recorded as asked: %+v", after)
	}
	if after.LastInboundMessageID != "m2" || after.LastOutboundReplyKey != before.LastOutboundReplyKey {
		t.Fatalf("expected only the inbound marker to move, got %+v", after)
	}
}

func TestStaleRedeliveryIsIgnored(t *testing.T) {
	conv := newConversation()
	store := newFakeStore(conv)
	e := newTestEngine(t, store, nil)
	ctx := context.Background()
	atA := time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)
	atB := atA.Add(4 * time.Minute)

	if res, err := e.ProduceReply(ctx, conv.ID, inboundAt("A", "I need a trade license, mainland", atA)); err != nil || res == nil {
		t.Fatalf("A: expected reply, got %v, %v", res, err)
	}
	if res, err := e.ProduceReply(ctx, conv.ID, inboundAt("B", "2 partners", atB)); err != nil || res == nil {
		t.Fatalf("B: expected reply, got %v, %v", res, err)
	}
	store.setLastInbound(conv.ID, atB)
	saves := store.saveCount()

	res, err := e.Redeliver(ctx, conv.ID, inboundAt("A", "I need a trade license, mainland", atA))
	if err != nil || res != nil {
		t.Fatalf("expected stale redelivery to be ignored, got %+v, %v", res, err)
	}
	if res, err := e.ProduceReply(ctx, conv.ID, inboundAt("A", "I need a trade license, mainland", atA)); err != nil || res != nil {
		t.Fatalf("expected processed message to be ignored, got %+v, %v", res, err)
	}
	if got := store.saveCount(); got != saves {
		t.Fatalf("expected no writes for redelivered A, got %d", got-saves)
	}
}

func TestRedeliverReplaysLatestReply(t *testing.T) {
	conv := newConversation()
	store := newFakeStore(conv)
	e := newTestEngine(t, store, nil)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)
	msg := inboundAt("m1", "I need a trade license, mainland, 2 partners", at)

	first, err := e.ProduceReply(ctx, conv.ID, msg)
	if err != nil || first == nil {
		t.Fatalf("expected reply, got %v, %v", first, err)
	}
	store.setLastInbound(conv.ID, at)
	saves := store.saveCount()

	again, err := e.Redeliver(ctx, conv.ID, msg)
	if err != nil || again == nil {
		t.Fatalf("expected stored reply, got %v, %v", again, err)
	}
	if again.ReplyKey != first.ReplyKey || again.Text != first.Text || again.TemplateKey != first.TemplateKey {
		t.Fatalf("expected replay of %+v, got %+v", first, again)
	}
	if store.saveCount() != saves {
		t.Fatalf("replay must not write state")
	}

	if err := e.Stop(ctx, conv.ID, "agent"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res, err := e.Redeliver(ctx, conv.ID, msg); err != nil || res != nil {
		t.Fatalf("expected no replay after stop, got %+v, %v", res, err)
	}
}

func TestRedeliverPlansUnprocessedLatestMessage(t *testing.T) {
	conv := newConversation()
	at := time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)
	conv.LastInboundAt = &at
	store := newFakeStore(conv)
	e := newTestEngine(t, store, nil)

	res, err := e.Redeliver(context.Background(), conv.ID, inboundAt("m1", "hello", at))
	if err != nil || res == nil || res.TemplateKey != domain.TemplateAskService {
		t.Fatalf("expected first reply for an unplanned message, got %+v, %v", res, err)
	}
	if st := store.state(conv.ID); !st.HasProcessed("m1") || st.LastReply == nil || st.LastReply.InboundMessageID != "m1" {
		t.Fatalf("expected processed marker and stored reply, got %+v", st)
	}
}

func TestProduceReplyFallsBackToRawTemplate(t *testing.T) {
	cases := []struct {
		name string
		enh  *fakeEnhancer
	}{
		{"invalid output", &fakeEnhancer{text: "We guarantee approval. As an AI I am sure?"}},
		{"two questions", &fakeEnhancer{text: "Which zone? How many visas?"}},
		{"error", &fakeEnhancer{err: errors.New("deadline exceeded")}},
		{"empty", &fakeEnhancer{text: ""}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conv := newConversation()
			store := newFakeStore(conv)
			e := newTestEngine(t, store, tc.enh)

			res, err := e.ProduceReply(context.Background(), conv.ID, inbound("m1", "I need a trade license, mainland, 2 partners"))
			if err != nil || res == nil {
				t.Fatalf("expected reply, got %v, %v", res, err)
			}
			raw := e.templates.Render(res.TemplateKey, TemplateVariables(store.state(conv.ID)), "en")
			if res.Text != raw || res.Enhanced {
				t.Fatalf("expected byte-equal raw template %q, got %q", raw, res.Text)
			}
			if tc.enh.calls != 1 {
				t.Fatalf("expected one enhancement attempt, got %d", tc.enh.calls)
			}
		})
	}
}

func TestProduceReplyUsesValidEnhancement(t *testing.T) {
	conv := newConversation()
	store := newFakeStore(conv)
	enh := &fakeEnhancer{text: "Great, mainland with 2 partners. How many residence visas do you need?"}
	e := newTestEngine(t, store, enh)

	res, err := e.ProduceReply(context.Background(), conv.ID, inbound("m1", "I need a trade license, mainland, 2 partners"))
	if err != nil || res == nil {
		t.Fatalf("expected reply, got %v, %v", res, err)
	}
	if !res.Enhanced || res.Text != enh.text {
		t.Fatalf("expected enhanced text, got %+v", res)
	}
}

func TestProduceReplyOptOutStops(t *testing.T) {
	conv := newConversation()
	store := newFakeStore(conv)
	e := newTestEngine(t, store, nil)

	res, err := e.ProduceReply(context.Background(), conv.ID, inbound("m1", "STOP"))
	if err != nil || res != nil {
		t.Fatalf("expected silent stop, got %v, %v", res, err)
	}
	if st := store.state(conv.ID); !st.Stop.Enabled || st.LastInboundMessageID != "m1" {
		t.Fatalf("expected stop persisted, got %+v", st)
	}

	res, err = e.ProduceReply(context.Background(), conv.ID, inbound("m2", "actually I need a trade license"))
	if err != nil || res != nil {
		t.Fatalf("expected no reply after opt-out, got %v, %v", res, err)
	}
}

func TestSetOutcomeIsTerminal(t *testing.T) {
	conv := newConversation()
	store := newFakeStore(conv)
	e := newTestEngine(t, store, nil)

	if err := e.SetOutcome(context.Background(), conv.ID, domain.StageQualifying); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := e.SetOutcome(context.Background(), conv.ID, domain.StageWon); err != nil {
		t.Fatalf("set outcome: %v", err)
	}
	res, err := e.ProduceReply(context.Background(), conv.ID, inbound("m1", "I need a golden visa"))
	if err != nil || res != nil {
		t.Fatalf("expected no reply for a won deal, got %v, %v", res, err)
	}
}

func TestStopUnknownConversation(t *testing.T) {
	e := newTestEngine(t, newFakeStore(), nil)
	if err := e.Stop(context.Background(), uuid.New(), "agent request"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProduceReplySerializesSameConversation(t *testing.T) {
	conv := newConversation()
	store := newFakeStore(conv)
	e := newTestEngine(t, store, nil)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.ProduceReply(context.Background(), conv.ID, inbound(fmt.Sprintf("m%d", i), "hello")); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected error under concurrency: %v", err)
	}
	if store.saves != n {
		t.Fatalf("expected %d serialized saves, got %d", n, store.saves)
	}
}

func TestProduceFollowUp(t *testing.T) {
	conv := newConversation()
	conv.State.Stage = domain.StageQualifying
	lastInbound := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	conv.LastInboundAt = &lastInbound
	store := newFakeStore(conv)
	e := newTestEngine(t, store, nil)

	now := lastInbound.Add(3 * 24 * time.Hour)
	res, err := e.ProduceFollowUp(context.Background(), conv.ID, now)
	if err != nil || res == nil {
		t.Fatalf("expected follow-up, got %v, %v", res, err)
	}
	if res.TemplateKey != "followup_day_2" || res.Action != domain.ActionFollowUp {
		t.Fatalf("unexpected follow-up: %+v", res)
	}
	if store.state(conv.ID).FollowUpStep != 1 {
		t.Fatalf("expected step 1")
	}

	again, err := e.ProduceFollowUp(context.Background(), conv.ID, now)
	if err != nil || again != nil {
		t.Fatalf("expected nothing due, got %v, %v", again, err)
	}
	if store.saves != 1 {
		t.Fatalf("not-due scans must not write, got %d saves", store.saves)
	}
}

func TestReplyKey(t *testing.T) {
	id := uuid.New()
	at := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)

	a := ReplyKey(id, "business_setup_visas", "ask_visas", at)
	b := ReplyKey(id, "business_setup_visas", "ask_visas", at.Add(50*time.Minute))
	c := ReplyKey(id, "business_setup_visas", "ask_visas", at.Add(time.Hour))
	d := ReplyKey(id, "business_setup_activity", "ask_activity", at)

	if a != b {
		t.Fatalf("same hour bucket must give the same key")
	}
	if a == c || a == d {
		t.Fatalf("different bucket or template must give a different key")
	}
}

func TestDetectLanguage(t *testing.T) {
	if got := DetectLanguage("مرحبا أريد رخصة تجارية"); got != "ar" {
		t.Fatalf("expected ar, got %s", got)
	}
	if got := DetectLanguage("hello, trade license"); got != "en" {
		t.Fatalf("expected en, got %s", got)
	}
}

func TestTemplateVariables(t *testing.T) {
	state := domain.NewFSMState()
	state.Collected[domain.FieldJurisdiction] = "free_zone"
	state.Collected[domain.FieldFullName] = "Amira Khan"

	vars := TemplateVariables(state)
	if vars["jurisdiction"] != "free zone" || vars["greeting_name"] != " Amira" {
		t.Fatalf("unexpected vars: %v", vars)
	}
}
