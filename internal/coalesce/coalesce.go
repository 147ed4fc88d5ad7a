package coalesce

import (
	"log/slog"
	"sync"
	"time"
)

// Turn is one logical unit of user input after coalescing. A text message and
// an attached image frequently arrive as two separate webhook events within a
// second; answering each independently produces two disjoint replies, so they
// are fused before reaching the conversation engine.
type Turn struct {
	UserKey   string
	Text      string
	ImageRef  string
	MessageID string
	FirstSeen time.Time
}

// Coalescer buffers near-simultaneous events per user key and flushes each
// buffer exactly once. A monotonic flush version per key detects a merge
// racing a firing timer: the stale timer is discarded and the merged buffer
// re-scheduled instead of being silently dropped.
type Coalescer struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	wait    time.Duration
	settle  time.Duration
	logger  *slog.Logger

	// afterFunc is swappable in tests.
	afterFunc func(d time.Duration, fn func()) *time.Timer
}

type buffer struct {
	turn    Turn
	version uint64
	timer   *time.Timer
}

// New builds a coalescer. wait is the full window applied to the first event
// of a turn; settle is the shorter window applied after each merge to catch a
// third rapid event without stretching latency by a full window again.
func New(wait, settle time.Duration, logger *slog.Logger) *Coalescer {
	return &Coalescer{
		buffers:   make(map[string]*buffer),
		wait:      wait,
		settle:    settle,
		logger:    logger.With("component", "coalesce"),
		afterFunc: time.AfterFunc,
	}
}

// Add feeds one transport event into the buffer for userKey. onReady is
// invoked exactly once per logical turn, after the window (or settle delay)
// elapses, with the merged turn.
func (c *Coalescer) Add(userKey, text, imageRef, messageID string, onReady func(Turn)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[userKey]
	if !ok {
		buf = &buffer{
			turn: Turn{
				UserKey:   userKey,
				Text:      text,
				ImageRef:  imageRef,
				MessageID: messageID,
				FirstSeen: time.Now(),
			},
		}
		c.buffers[userKey] = buf
		c.schedule(userKey, buf, c.wait, onReady)
		return
	}

	// Merge: keep the longer text, prefer whichever image arrived first.
	if len(text) > len(buf.turn.Text) {
		buf.turn.Text = text
	}
	if buf.turn.ImageRef == "" {
		buf.turn.ImageRef = imageRef
	}
	if buf.turn.MessageID == "" {
		buf.turn.MessageID = messageID
	}

	c.logger.Debug("merged burst event", "user", userKey, "version", buf.version+1)
	c.schedule(userKey, buf, c.settle, onReady)
}

// schedule arms (or re-arms) the flush timer for buf. Caller holds c.mu.
func (c *Coalescer) schedule(userKey string, buf *buffer, d time.Duration, onReady func(Turn)) {
	buf.version++
	version := buf.version
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = c.afterFunc(d, func() {
		c.flush(userKey, version, onReady)
	})
}

func (c *Coalescer) flush(userKey string, version uint64, onReady func(Turn)) {
	c.mu.Lock()
	buf, ok := c.buffers[userKey]
	if !ok || buf.version != version {
		// A merge re-armed the buffer after this timer was read; the newer
		// timer owns the flush.
		c.mu.Unlock()
		return
	}
	turn := buf.turn
	delete(c.buffers, userKey)
	c.mu.Unlock()

	onReady(turn)
}

// Pending returns the number of buffered turns, for monitoring.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}
