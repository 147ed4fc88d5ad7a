package convo

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"shopbot/internal/coalesce"
	"shopbot/internal/guard"
	"shopbot/internal/metrics"
	"shopbot/internal/reply"
	"shopbot/internal/repo"
	"shopbot/internal/search"

	"golang.org/x/text/language"
)

type fakeStore struct {
	mu       sync.Mutex
	leads    map[string]*repo.Lead
	messages []repo.ChatMessage
	orders   []repo.Order
	items    [][]repo.OrderItem

	failUpdateLead  bool
	failCreateOrder bool
	nextLeadID      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{leads: make(map[string]*repo.Lead)}
}

func (s *fakeStore) Close() {}
func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) RunMigrations(context.Context, fs.FS) error { return nil }

func (s *fakeStore) GetOrCreateLead(_ context.Context, userKey string) (*repo.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lead, ok := s.leads[userKey]; ok {
		copied := *lead
		return &copied, nil
	}
	s.nextLeadID++
	lead := &repo.Lead{
		ID:      userKey + "-lead",
		UserKey: userKey,
		Stage:   StageAskItem,
	}
	s.leads[userKey] = lead
	copied := *lead
	return &copied, nil
}

func (s *fakeStore) UpdateLead(_ context.Context, leadID string, patch repo.LeadPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdateLead {
		return errors.New("update failed")
	}
	for _, lead := range s.leads {
		if lead.ID != leadID {
			continue
		}
		if patch.DesiredItem != nil {
			lead.DesiredItem = patch.DesiredItem
		}
		if patch.Name != nil {
			lead.Name = patch.Name
		}
		if patch.Phone != nil {
			lead.Phone = patch.Phone
		}
		if patch.Email != nil {
			lead.Email = patch.Email
		}
		if patch.Address != nil {
			lead.Address = patch.Address
		}
		if patch.Stage != nil {
			lead.Stage = *patch.Stage
		}
		if patch.ClearPendingOrder {
			lead.PendingOrder = nil
		} else if patch.PendingOrder != nil {
			lead.PendingOrder = patch.PendingOrder
		}
		if patch.LastOrderID != nil {
			lead.LastOrderID = patch.LastOrderID
		}
		if patch.LastShown != nil {
			lead.LastShown = patch.LastShown
		}
		return nil
	}
	return errors.New("lead not found")
}

func (s *fakeStore) InsertMessage(_ context.Context, msg repo.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeStore) ListRecentMessages(context.Context, string, int) ([]repo.ChatMessage, error) {
	return nil, nil
}
func (s *fakeStore) GetSummary(context.Context, string) (string, error) { return "", nil }
func (s *fakeStore) UpsertSummary(context.Context, string, string) error { return nil }

func (s *fakeStore) FindOrCreateCustomer(_ context.Context, name, phone string, address *string) (*repo.Customer, error) {
	return &repo.Customer{ID: "cust-1", Name: name, Phone: phone, Address: address}, nil
}

func (s *fakeStore) CreateOrderWithItems(_ context.Context, order repo.Order, items []repo.OrderItem) (*repo.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateOrder {
		return nil, errors.New("tx failed")
	}
	order.ID = "order-1"
	s.orders = append(s.orders, order)
	s.items = append(s.items, items)
	return &order, nil
}

func (s *fakeStore) UpdateOrderStatus(context.Context, string, string) error { return nil }
func (s *fakeStore) SyncGeminiKeys(context.Context, []string) error { return nil }
func (s *fakeStore) ListActiveGeminiKeys(context.Context) ([]repo.APIKey, error) {
	return nil, nil
}
func (s *fakeStore) SetCooldownUntil(context.Context, string, time.Time) error { return nil }

func (s *fakeStore) lead(userKey string) repo.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.leads[userKey]
}

type fakeRetriever struct {
	mu       sync.Mutex
	products []search.Product
	err      error
	calls    int
}

func (r *fakeRetriever) Retrieve(context.Context, string, string, search.Options) ([]search.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.products, r.err
}

type fakeReplier struct{}

func (fakeReplier) Reply(_ context.Context, _ string, text string, _ *repo.Lead, _ []search.Product) reply.Result {
	return reply.Result{Text: "generated: " + text, Language: language.Indonesian}
}

func (fakeReplier) Summarize(context.Context, string) (string, error) { return "", nil }

type fakeSender struct {
	mu       sync.Mutex
	texts    []string
	products [][]search.Product
}

func (s *fakeSender) SendText(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSender) SendProducts(_ context.Context, _ string, products []search.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = append(s.products, products)
	return nil
}

func (s *fakeSender) lastText(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		t.Fatal("no text was sent")
	}
	return s.texts[len(s.texts)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(store *fakeStore, retriever *fakeRetriever, sender *fakeSender) *Engine {
	logger := testLogger()
	return New(Config{
		Store:       store,
		Retriever:   retriever,
		Replier:     fakeReplier{},
		Sender:      sender,
		Coalescer:   coalesce.New(time.Millisecond, time.Millisecond, logger),
		Replays:     guard.NewReplayCache(time.Minute),
		UserLimit:   guard.NewRateLimiter(8, 10*time.Second),
		GlobalLimit: guard.NewRateLimiter(200, 10*time.Second),
		MaxEventAge: 3 * time.Minute,
		Metrics:     metrics.Registry("convotest"),
		Logger:      logger,
	})
}

func turnOf(userKey, text string) coalesce.Turn {
	return coalesce.Turn{UserKey: userKey, Text: text, MessageID: "msg-" + text, FirstSeen: time.Now()}
}

func runTurn(t *testing.T, e *Engine, store *fakeStore, userKey, text string) {
	t.Helper()
	e.onTurn(context.Background(), turnOf(userKey, text))
}

func TestBrowsingStaysInAskItem(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{products: []search.Product{
		{Ref: "p1", Name: "Sepatu Lari Hijau", Price: 250000, Category: "footwear", Similarity: 0.9},
		{Ref: "p2", Name: "Sepatu Lari Biru", Price: 260000, Category: "footwear", Similarity: 0.8},
	}}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	runTurn(t, e, store, "user-1", "sepatu lari")
	runTurn(t, e, store, "user-1", "ada warna merah?")

	lead := store.lead("user-1")
	if lead.Stage != StageAskItem {
		t.Fatalf("stage = %q, want %q", lead.Stage, StageAskItem)
	}
	if len(lead.LastShown) != 2 {
		t.Fatalf("last shown = %d products, want 2", len(lead.LastShown))
	}
	if retriever.calls != 2 {
		t.Errorf("retriever calls = %d, want 2", retriever.calls)
	}
}

func TestDeicticConfirmationStartsOrder(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{products: []search.Product{
		{Ref: "p1", Name: "Sepatu Lari Hijau", Price: 250000, Similarity: 0.9},
	}}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	runTurn(t, e, store, "user-1", "sepatu lari")
	runTurn(t, e, store, "user-1", "saya ambil")

	lead := store.lead("user-1")
	if lead.Stage != StageAskName {
		t.Fatalf("stage = %q, want %q", lead.Stage, StageAskName)
	}
	if lead.PendingOrder == nil || len(lead.PendingOrder.Items) != 1 {
		t.Fatal("expected a single-item pending order")
	}
	if lead.PendingOrder.Items[0].ProductRef != "p1" {
		t.Errorf("pending item ref = %q, want p1", lead.PendingOrder.Items[0].ProductRef)
	}
	// The confirmation itself must not have triggered a fresh retrieval.
	if retriever.calls != 1 {
		t.Errorf("retriever calls = %d, want 1", retriever.calls)
	}
}

func TestContactTripleJumpsToSummary(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{products: []search.Product{
		{Ref: "p1", Name: "Sepatu Lari Hijau", Price: 250000, Similarity: 0.9},
	}}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	runTurn(t, e, store, "user-1", "sepatu lari")
	runTurn(t, e, store, "user-1", "ambil")
	runTurn(t, e, store, "user-1", "Budi Santoso, 081234567890, Jl. Merdeka 10 Jakarta")

	lead := store.lead("user-1")
	if lead.Stage != StageShowOrderSummary {
		t.Fatalf("stage = %q, want %q", lead.Stage, StageShowOrderSummary)
	}
	if lead.Name == nil || *lead.Name != "Budi Santoso" {
		t.Error("name was not captured from the triple")
	}
	if !strings.Contains(sender.lastText(t), "Budi Santoso") {
		t.Error("summary must echo the captured contact details")
	}
}

func TestCollectionFlowStepByStep(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{products: []search.Product{
		{Ref: "p1", Name: "Sepatu Lari Hijau", Price: 250000, Similarity: 0.9},
	}}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	runTurn(t, e, store, "user-1", "sepatu lari")
	runTurn(t, e, store, "user-1", "ambil")
	runTurn(t, e, store, "user-1", "Budi")
	if got := store.lead("user-1").Stage; got != StageAskPhone {
		t.Fatalf("after name stage = %q, want %q", got, StageAskPhone)
	}

	// Invalid phone stays put.
	runTurn(t, e, store, "user-1", "not a phone")
	if got := store.lead("user-1").Stage; got != StageAskPhone {
		t.Fatalf("after bad phone stage = %q, want %q", got, StageAskPhone)
	}

	runTurn(t, e, store, "user-1", "081234567890")
	runTurn(t, e, store, "user-1", "lewati")
	if got := store.lead("user-1").Stage; got != StageAskAddress {
		t.Fatalf("after email skip stage = %q, want %q", got, StageAskAddress)
	}

	runTurn(t, e, store, "user-1", "Jl. Merdeka 10 Jakarta")
	lead := store.lead("user-1")
	if lead.Stage != StageShowOrderSummary {
		t.Fatalf("after address stage = %q, want %q", lead.Stage, StageShowOrderSummary)
	}
	if lead.Email != nil {
		t.Error("skipped email must stay unset")
	}
}

func TestEditReturnsToNameKeepingOrder(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{products: []search.Product{
		{Ref: "p1", Name: "Sepatu Lari Hijau", Price: 250000, Similarity: 0.9},
	}}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	runTurn(t, e, store, "user-1", "sepatu lari")
	runTurn(t, e, store, "user-1", "ambil")
	runTurn(t, e, store, "user-1", "Budi, 081234567890, Jl. Merdeka 10 Jakarta")
	runTurn(t, e, store, "user-1", "edit")

	lead := store.lead("user-1")
	if lead.Stage != StageAskName {
		t.Fatalf("stage = %q, want %q", lead.Stage, StageAskName)
	}
	if lead.PendingOrder == nil {
		t.Fatal("edit must preserve the pending order")
	}
}

func TestConfirmCommitsOrderExactlyOnce(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{products: []search.Product{
		{Ref: "p1", Name: "Sepatu Lari Hijau", Price: 250000, Similarity: 0.9},
	}}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	runTurn(t, e, store, "user-1", "sepatu lari")
	runTurn(t, e, store, "user-1", "ambil")
	runTurn(t, e, store, "user-1", "Budi, 081234567890, Jl. Merdeka 10 Jakarta")
	runTurn(t, e, store, "user-1", "ya")
	runTurn(t, e, store, "user-1", "ya")

	lead := store.lead("user-1")
	if lead.Stage != StageCompleted {
		t.Fatalf("stage = %q, want %q", lead.Stage, StageCompleted)
	}
	if lead.PendingOrder != nil {
		t.Error("pending order must be cleared after commit")
	}
	if len(store.orders) != 1 {
		t.Fatalf("orders committed = %d, want 1", len(store.orders))
	}
	if store.orders[0].Status != "confirmed" {
		t.Errorf("order status = %q, want confirmed", store.orders[0].Status)
	}
	if len(store.items[0]) != 1 || store.items[0][0].ProductRef != "p1" {
		t.Error("order items do not match the pending order")
	}
	if !strings.Contains(sender.lastText(t), store.orders[0].OrderRef) {
		t.Error("confirmation must include the order reference")
	}

	// A second "ya" after completion must not commit again.
	runTurn(t, e, store, "user-1", "ya")
	if len(store.orders) != 1 {
		t.Fatalf("orders after repeat confirm = %d, want 1", len(store.orders))
	}
}

func TestNegationAtConfirmCancels(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{products: []search.Product{
		{Ref: "p1", Name: "Sepatu Lari Hijau", Price: 250000, Similarity: 0.9},
	}}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	runTurn(t, e, store, "user-1", "sepatu lari")
	runTurn(t, e, store, "user-1", "ambil")
	runTurn(t, e, store, "user-1", "Budi, 081234567890, Jl. Merdeka 10 Jakarta")
	runTurn(t, e, store, "user-1", "ya")
	// Contains an affirmative token but means cancel.
	runTurn(t, e, store, "user-1", "ga jadi")

	lead := store.lead("user-1")
	if lead.Stage != StageCompleted {
		t.Fatalf("stage = %q, want %q", lead.Stage, StageCompleted)
	}
	if lead.PendingOrder != nil {
		t.Error("cancel must clear the pending order")
	}
	if len(store.orders) != 0 {
		t.Fatalf("orders committed = %d, want 0", len(store.orders))
	}
}

func TestFailedCommitLeavesNoPartialOrder(t *testing.T) {
	store := newFakeStore()
	store.failCreateOrder = true
	retriever := &fakeRetriever{products: []search.Product{
		{Ref: "p1", Name: "Sepatu Lari Hijau", Price: 250000, Similarity: 0.9},
	}}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	runTurn(t, e, store, "user-1", "sepatu lari")
	runTurn(t, e, store, "user-1", "ambil")
	runTurn(t, e, store, "user-1", "Budi, 081234567890, Jl. Merdeka 10 Jakarta")
	runTurn(t, e, store, "user-1", "ya")
	runTurn(t, e, store, "user-1", "ya")

	lead := store.lead("user-1")
	if lead.Stage != StageCompleted {
		t.Fatalf("stage = %q, want %q", lead.Stage, StageCompleted)
	}
	if lead.PendingOrder != nil {
		t.Error("failed commit must still clear the pending order")
	}
	if len(store.orders) != 0 {
		t.Fatal("no order row may exist after a failed commit")
	}
	if sender.lastText(t) == "" {
		t.Fatal("user must still receive a failure reply")
	}
}

func TestRetrievalFailureStillReplies(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{err: errors.New("backend down")}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	runTurn(t, e, store, "user-1", "sepatu lari")

	if !strings.Contains(sender.lastText(t), "generated") {
		t.Error("reply must be generated even when retrieval fails")
	}
	if got := store.lead("user-1").Stage; got != StageAskItem {
		t.Errorf("stage = %q, want %q", got, StageAskItem)
	}
}

func TestHandleEventDropsReplaysAndStaleEvents(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	now := time.Now()
	e.HandleEvent(InboundEvent{UserKey: "u1", Text: "halo", MessageID: "m1", Timestamp: now})
	// Same message id delivered again: a transport redelivery.
	e.HandleEvent(InboundEvent{UserKey: "u1", Text: "halo", MessageID: "m1", Timestamp: now})
	// Backlog message from before an outage.
	e.HandleEvent(InboundEvent{UserKey: "u2", Text: "old", MessageID: "m2", Timestamp: now.Add(-10 * time.Minute)})

	deadline := time.Now().Add(time.Second)
	for {
		sender.mu.Lock()
		texts := len(sender.texts)
		sender.mu.Unlock()
		if texts >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the surviving event to flush")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Give the dropped events a chance to (wrongly) flush too.
	time.Sleep(20 * time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.texts) != 1 {
		t.Fatalf("replies sent = %d, want 1", len(sender.texts))
	}
	store.mu.Lock()
	_, staleReached := store.leads["u2"]
	store.mu.Unlock()
	if staleReached {
		t.Error("stale event must never reach the conversation engine")
	}
}

func TestUserRateLimitDropsBurst(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	allowed := 0
	for i := 0; i < 20; i++ {
		if e.userLimit.Allow("spammer") {
			allowed++
		}
	}
	if allowed != 8 {
		t.Fatalf("allowed = %d, want 8", allowed)
	}
}

func TestCoalescedTextAndImageProduceOneReply(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{products: []search.Product{
		{Ref: "p1", Name: "Sepatu Lari Hijau", Price: 250000, Similarity: 0.9},
	}}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	done := make(chan struct{})
	e.coalescer.Add("user-1", "ada yang mirip ini?", "", "m1", func(turn coalesce.Turn) {
		e.onTurn(context.Background(), turn)
		close(done)
	})
	e.coalescer.Add("user-1", "", "https://cdn.example/img.jpg", "m2", func(coalesce.Turn) {
		t.Error("second event must merge, not flush separately")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coalesced turn never flushed")
	}

	sender.mu.Lock()
	texts := len(sender.texts)
	sender.mu.Unlock()
	if texts != 1 {
		t.Fatalf("replies sent = %d, want 1", texts)
	}
	retriever.mu.Lock()
	calls := retriever.calls
	retriever.mu.Unlock()
	if calls != 1 {
		t.Fatalf("retriever calls = %d, want 1", calls)
	}
}

func TestLeadPatchFailureSendsFallback(t *testing.T) {
	store := newFakeStore()
	retriever := &fakeRetriever{products: []search.Product{
		{Ref: "p1", Name: "Sepatu Lari Hijau", Price: 250000, Similarity: 0.9},
	}}
	sender := &fakeSender{}
	e := newTestEngine(store, retriever, sender)

	runTurn(t, e, store, "user-1", "sepatu lari")
	store.failUpdateLead = true
	runTurn(t, e, store, "user-1", "ambil")

	// The stage transition failed, so the lead must still be browsing.
	store.mu.Lock()
	store.failUpdateLead = false
	store.mu.Unlock()
	if got := store.lead("user-1").Stage; got != StageAskItem {
		t.Fatalf("stage = %q, want %q", got, StageAskItem)
	}
	if sender.lastText(t) == "" {
		t.Fatal("patch failure must still produce a reply")
	}
}
