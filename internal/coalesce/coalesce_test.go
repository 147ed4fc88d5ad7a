package coalesce

import (
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestTextAndImageFuseIntoOneTurn(t *testing.T) {
	c := New(30*time.Millisecond, 10*time.Millisecond, testLogger())

	var mu sync.Mutex
	var turns []Turn
	onReady := func(turn Turn) {
		mu.Lock()
		turns = append(turns, turn)
		mu.Unlock()
	}

	c.Add("user-1", "do you have this in blue?", "", "m1", onReady)
	c.Add("user-1", "", "img://sneaker.jpg", "m2", onReady)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want exactly 1", len(turns))
	}
	if turns[0].Text != "do you have this in blue?" {
		t.Fatalf("text = %q, want the longer text kept", turns[0].Text)
	}
	if turns[0].ImageRef != "img://sneaker.jpg" {
		t.Fatalf("imageRef = %q, want merged image", turns[0].ImageRef)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d, want buffer deleted after flush", c.Pending())
	}
}

func TestSeparateUsersFlushIndependently(t *testing.T) {
	c := New(20*time.Millisecond, 10*time.Millisecond, testLogger())

	var mu sync.Mutex
	got := map[string]int{}
	onReady := func(turn Turn) {
		mu.Lock()
		got[turn.UserKey]++
		mu.Unlock()
	}

	c.Add("a", "hello", "", "m1", onReady)
	c.Add("b", "hi", "", "m2", onReady)

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 1 || got["b"] != 1 {
		t.Fatalf("flush counts = %v, want one per user", got)
	}
}

func TestStaleTimerFireDoesNotDropMerge(t *testing.T) {
	c := New(time.Hour, time.Hour, testLogger())

	var mu sync.Mutex
	var turns []Turn
	onReady := func(turn Turn) {
		mu.Lock()
		turns = append(turns, turn)
		mu.Unlock()
	}

	c.Add("user-1", "first", "", "m1", onReady)

	// Simulate the first timer firing after a merge re-armed the buffer: the
	// stale version must be rejected and the buffer kept.
	c.Add("user-1", "first plus more detail", "", "m2", onReady)
	c.flush("user-1", 1, onReady)

	mu.Lock()
	n := len(turns)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("stale timer flushed %d turns, want 0", n)
	}
	if c.Pending() != 1 {
		t.Fatalf("pending = %d, want merged buffer retained", c.Pending())
	}

	// The current version still flushes exactly once.
	c.flush("user-1", 2, onReady)
	mu.Lock()
	defer mu.Unlock()
	if len(turns) != 1 || turns[0].Text != "first plus more detail" {
		t.Fatalf("turns = %+v, want single merged flush", turns)
	}
}
