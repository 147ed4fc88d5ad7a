package convo

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"shopbot/internal/coalesce"
	"shopbot/internal/guard"
	"shopbot/internal/metrics"
	"shopbot/internal/reply"
	"shopbot/internal/repo"
	"shopbot/internal/search"
)

// summarySampleRate is the fraction of completed turns that trigger a
// background summary refresh. Summaries lag by design; refreshing every turn
// would double backend traffic for marginal context gain.
const summarySampleRate = 0.2

// InboundEvent is one raw transport event before safety checks and coalescing.
type InboundEvent struct {
	UserKey   string
	Text      string
	ImageRef  string
	MessageID string
	Timestamp time.Time
}

// Retriever fetches relevant products for a turn.
type Retriever interface {
	Retrieve(ctx context.Context, query, imageRef string, opts search.Options) ([]search.Product, error)
}

// Replier produces the generative answer for a turn.
type Replier interface {
	Reply(ctx context.Context, userKey, text string, lead *repo.Lead, products []search.Product) reply.Result
	Summarize(ctx context.Context, leadID string) (string, error)
}

// Sender delivers outbound messages over the transport.
type Sender interface {
	SendText(ctx context.Context, userKey, text string) error
	SendProducts(ctx context.Context, userKey string, products []search.Product) error
}

// Engine is the conversation core. It owns the inbound safety pipeline
// (staleness, replay, rate limits), hands bursts to the coalescer, and runs
// each flushed turn through the stage machine under a per-user lock so two
// turns for the same user can never interleave their read-modify-write of the
// lead.
type Engine struct {
	store     repo.Store
	retriever Retriever
	replier   Replier
	sender    Sender

	coalescer   *coalesce.Coalescer
	replays     *guard.ReplayCache
	userLimit   *guard.RateLimiter
	globalLimit *guard.RateLimiter

	maxEventAge time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	rng     *rand.Rand
	rngMu   sync.Mutex
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Config bundles the engine's collaborators.
type Config struct {
	Store       repo.Store
	Retriever   Retriever
	Replier     Replier
	Sender      Sender
	Coalescer   *coalesce.Coalescer
	Replays     *guard.ReplayCache
	UserLimit   *guard.RateLimiter
	GlobalLimit *guard.RateLimiter
	MaxEventAge time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func New(cfg Config) *Engine {
	return &Engine{
		store:       cfg.Store,
		retriever:   cfg.Retriever,
		replier:     cfg.Replier,
		sender:      cfg.Sender,
		coalescer:   cfg.Coalescer,
		replays:     cfg.Replays,
		userLimit:   cfg.UserLimit,
		globalLimit: cfg.GlobalLimit,
		maxEventAge: cfg.MaxEventAge,
		locks:       make(map[string]*sync.Mutex),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "convo"),
		now:         time.Now,
	}
}

// HandleEvent runs the inbound safety pipeline and, if the event survives,
// feeds it into the coalescer. The checks are ordered cheapest-first and each
// rejection is counted under its own reason.
func (e *Engine) HandleEvent(ev InboundEvent) {
	kind := "text"
	if ev.ImageRef != "" {
		kind = "image"
	}
	e.metrics.InboundEvents.WithLabelValues(kind).Inc()

	if !ev.Timestamp.IsZero() && e.now().Sub(ev.Timestamp) > e.maxEventAge {
		// Backlogs delivered after an outage reconnect; answering them now
		// would confuse users mid-conversation.
		e.metrics.DroppedEvents.WithLabelValues("stale").Inc()
		e.logger.Debug("dropped stale event", "user", ev.UserKey, "age", e.now().Sub(ev.Timestamp))
		return
	}

	if e.replays.Seen(ev.MessageID) {
		e.metrics.DroppedEvents.WithLabelValues("replay").Inc()
		e.logger.Debug("dropped replayed event", "user", ev.UserKey, "message_id", ev.MessageID)
		return
	}

	if !e.userLimit.Allow(ev.UserKey) {
		e.userLimit.RecordAnomaly(ev.UserKey)
		e.metrics.DroppedEvents.WithLabelValues("user_rate").Inc()
		e.logger.Warn("user rate limit exceeded", "user", ev.UserKey, "score", e.userLimit.Score(ev.UserKey))
		return
	}

	if !e.globalLimit.Allow("global") {
		e.metrics.DroppedEvents.WithLabelValues("global_rate").Inc()
		e.logger.Warn("global rate limit exceeded", "user", ev.UserKey)
		return
	}

	e.coalescer.Add(ev.UserKey, ev.Text, ev.ImageRef, ev.MessageID, func(turn coalesce.Turn) {
		e.onTurn(context.Background(), turn)
	})
}

// onTurn processes one coalesced turn end to end.
func (e *Engine) onTurn(ctx context.Context, turn coalesce.Turn) {
	e.metrics.CoalescedTurns.Inc()

	lock := e.userLock(turn.UserKey)
	lock.Lock()
	defer lock.Unlock()

	lead, err := e.store.GetOrCreateLead(ctx, turn.UserKey)
	if err != nil {
		e.logger.Error("lead lookup failed", "user", turn.UserKey, "error", err)
		e.metrics.Errors.WithLabelValues("lead_lookup").Inc()
		lang := reply.DetectLanguage(turn.Text)
		if sendErr := e.sender.SendText(ctx, turn.UserKey, reply.Fallback(lang)); sendErr != nil {
			e.logger.Error("fallback send failed", "user", turn.UserKey, "error", sendErr)
		}
		return
	}

	// History persistence is best-effort: a logging failure must not block
	// the reply.
	var mediaURL *string
	if turn.ImageRef != "" {
		ref := turn.ImageRef
		mediaURL = &ref
	}
	if err := e.store.InsertMessage(ctx, repo.ChatMessage{
		LeadID:    lead.ID,
		Direction: "inbound",
		Content:   turn.Text,
		MediaURL:  mediaURL,
	}); err != nil {
		e.logger.Warn("inbound message persist failed", "user", turn.UserKey, "error", err)
		e.metrics.Errors.WithLabelValues("chat_log").Inc()
	}

	out := e.transition(ctx, lead, turn)

	if out.text != "" {
		if err := e.sender.SendText(ctx, turn.UserKey, out.text); err != nil {
			e.logger.Error("send failed", "user", turn.UserKey, "error", err)
			e.metrics.Errors.WithLabelValues("send").Inc()
		} else {
			e.metrics.OutgoingMessages.WithLabelValues("text").Inc()
		}
	}
	if len(out.products) > 0 {
		if err := e.sender.SendProducts(ctx, turn.UserKey, out.products); err != nil {
			e.logger.Warn("product send failed", "user", turn.UserKey, "error", err)
			e.metrics.Errors.WithLabelValues("send").Inc()
		} else {
			e.metrics.OutgoingMessages.WithLabelValues("product").Inc()
		}
	}

	if out.text != "" {
		if err := e.store.InsertMessage(ctx, repo.ChatMessage{
			LeadID:    lead.ID,
			Direction: "outbound",
			Content:   out.text,
		}); err != nil {
			e.logger.Warn("outbound message persist failed", "user", turn.UserKey, "error", err)
			e.metrics.Errors.WithLabelValues("chat_log").Inc()
		}
	}

	if e.sample() {
		e.refreshSummary(ctx, lead.ID)
	}
}

func (e *Engine) refreshSummary(ctx context.Context, leadID string) {
	summary, err := e.replier.Summarize(ctx, leadID)
	if err != nil {
		e.logger.Debug("summary refresh failed", "lead", leadID, "error", err)
		return
	}
	if summary == "" {
		return
	}
	if err := e.store.UpsertSummary(ctx, leadID, summary); err != nil {
		e.logger.Warn("summary persist failed", "lead", leadID, "error", err)
		e.metrics.Errors.WithLabelValues("summary").Inc()
	}
}

func (e *Engine) sample() bool {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64() < summarySampleRate
}

// userLock returns the serialization mutex for userKey, creating it on first
// use. Locks are never reclaimed; the map is bounded by the active user set.
func (e *Engine) userLock(userKey string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[userKey]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[userKey] = lock
	}
	return lock
}

// Sweep prunes expired guard state. Wired to the cron scheduler.
func (e *Engine) Sweep() {
	e.replays.Sweep()
	e.userLimit.Sweep()
	e.globalLimit.Sweep()
}
