package reply

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shopbot/internal/guard"
	"shopbot/internal/nlu"
	"shopbot/internal/repo"

	"golang.org/x/text/language"
)

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int32
	response string
	err      error
	delay    time.Duration
	lastMsgs []nlu.Message
}

func (g *fakeGenerator) Complete(ctx context.Context, messages []nlu.Message, maxTokens int, temperature float64) (string, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	g.lastMsgs = messages
	g.mu.Unlock()
	return g.response, g.err
}

type fakeConvoStore struct {
	history []repo.ChatMessage
	summary string
}

func (s *fakeConvoStore) ListRecentMessages(ctx context.Context, leadID string, limit int) ([]repo.ChatMessage, error) {
	return s.history, nil
}

func (s *fakeConvoStore) GetSummary(ctx context.Context, leadID string) (string, error) {
	return s.summary, nil
}

func newTestOrchestrator(gen Generator) (*Orchestrator, *guard.Breaker) {
	breaker := guard.NewBreaker(3, time.Minute, nil)
	cache := guard.NewResponseCache(time.Minute)
	return NewOrchestrator(gen, &fakeConvoStore{}, cache, breaker, slog.Default()), breaker
}

func TestReplyReturnsGeneratedText(t *testing.T) {
	gen := &fakeGenerator{response: "We have the Runner Blue in stock!"}
	o, _ := newTestOrchestrator(gen)

	res := o.Reply(context.Background(), "u1", "do you have blue sneakers? the price please", nil, nil)
	if res.Text != "We have the Runner Blue in stock!" {
		t.Fatalf("text = %q", res.Text)
	}
	if res.Language != language.English {
		t.Fatalf("language = %v, want English", res.Language)
	}
}

func TestReplyCachesIdenticalInput(t *testing.T) {
	gen := &fakeGenerator{response: "halo!"}
	o, _ := newTestOrchestrator(gen)

	ctx := context.Background()
	o.Reply(ctx, "u1", "halo kak", nil, nil)
	o.Reply(ctx, "u1", "  Halo   KAK ", nil, nil)

	if n := atomic.LoadInt32(&gen.calls); n != 1 {
		t.Fatalf("backend calls = %d, want 1 (second hit served from cache)", n)
	}
}

func TestReplyDeduplicatesConcurrentIdenticalRequests(t *testing.T) {
	gen := &fakeGenerator{response: "ok", delay: 50 * time.Millisecond}
	o, _ := newTestOrchestrator(gen)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Reply(context.Background(), "u1", "same question", nil, nil)
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&gen.calls); n != 1 {
		t.Fatalf("backend calls = %d, want 1 (concurrent callers must join)", n)
	}
}

func TestReplyFallsBackOnBackendError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("boom")}
	o, _ := newTestOrchestrator(gen)

	res := o.Reply(context.Background(), "u1", "ada sepatu?", nil, nil)
	if res.Text != Fallback(language.Indonesian) {
		t.Fatalf("text = %q, want Indonesian fallback", res.Text)
	}
}

func TestReplyBreakerOpensAndSkipsBackend(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("down")}
	o, _ := newTestOrchestrator(gen)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		o.Reply(ctx, "u1", "question number "+string(rune('a'+i)), nil, nil)
	}
	before := atomic.LoadInt32(&gen.calls)

	res := o.Reply(ctx, "u1", "yet another question", nil, nil)
	if res.Text != Fallback(language.Indonesian) {
		t.Fatalf("text = %q, want fallback while breaker open", res.Text)
	}
	if atomic.LoadInt32(&gen.calls) != before {
		t.Fatal("backend must not be contacted while the breaker is open")
	}
}

func TestReplyEmptyOutputFallsBack(t *testing.T) {
	gen := &fakeGenerator{response: ""}
	o, _ := newTestOrchestrator(gen)

	res := o.Reply(context.Background(), "u1", "hmm", nil, nil)
	if res.Text != Fallback(language.Indonesian) {
		t.Fatalf("text = %q, want fallback on empty output", res.Text)
	}
}

func TestAssembleContextMasksFacts(t *testing.T) {
	gen := &fakeGenerator{response: "ok"}
	o, _ := newTestOrchestrator(gen)

	name := "Jane"
	phone := "0812345678"
	lead := &repo.Lead{ID: "l1", Name: &name, Phone: &phone}
	o.Reply(context.Background(), "u1", "where is my order, please help", lead, nil)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	var facts string
	for _, msg := range gen.lastMsgs {
		if msg.Role == "system" && strings.HasPrefix(msg.Content, "Known customer facts") {
			facts = msg.Content
		}
	}
	if facts == "" {
		t.Fatal("known-facts system message missing")
	}
	if strings.Contains(facts, "0812345678") {
		t.Fatalf("raw phone leaked into model context: %q", facts)
	}
	if !strings.Contains(facts, "678") {
		t.Fatalf("masked phone tail missing: %q", facts)
	}
}
