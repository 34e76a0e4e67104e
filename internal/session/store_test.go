package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nugget/platecheck/internal/analysis"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T, cfg Config) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = clock.Now
	return s, clock
}

func result(name string) analysis.Result {
	return analysis.Result{ID: name, DishName: name, WeightGrams: 100, CookingMethod: analysis.MethodRaw}
}

func TestGet_LazyCreate(t *testing.T) {
	s, clock := newTestStore(t, Config{TTL: time.Hour, HistoryDepth: 5})

	sess := s.Get("chat-1")
	if sess.ID != "chat-1" {
		t.Errorf("ID = %q", sess.ID)
	}
	if sess.Ready() || len(sess.History) != 0 {
		t.Errorf("new session not empty: %+v", sess)
	}
	if !sess.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", sess.CreatedAt, clock.Now())
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestPeek_DoesNotCreate(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	if _, ok := s.Peek("nobody"); ok {
		t.Error("Peek found a session that was never created")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestSetCurrentAnalysis_BoundedHistory(t *testing.T) {
	s, _ := newTestStore(t, Config{TTL: time.Hour, HistoryDepth: 5})

	for i := 1; i <= 12; i++ {
		sess := s.SetCurrentAnalysis("chat-1", result(fmt.Sprintf("dish-%d", i)))
		if len(sess.History) > 5 {
			t.Fatalf("after %d analyses history has %d entries", i, len(sess.History))
		}
	}

	sess := s.Get("chat-1")
	if sess.Current == nil || sess.Current.DishName != "dish-12" {
		t.Fatalf("Current = %+v, want dish-12", sess.Current)
	}
	want := []string{"dish-7", "dish-8", "dish-9", "dish-10", "dish-11"}
	if len(sess.History) != len(want) {
		t.Fatalf("history = %d entries, want %d", len(sess.History), len(want))
	}
	for i, r := range sess.History {
		if r.DishName != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, r.DishName, want[i])
		}
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	s.SetCurrentAnalysis("chat-1", result("soup"))

	snap := s.Get("chat-1")
	snap.Current.DishName = "mutated"

	if got := s.Get("chat-1").Current.DishName; got != "soup" {
		t.Errorf("store mutated through snapshot: %q", got)
	}
}

func TestReset_Idempotent(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	s.SetCurrentAnalysis("chat-1", result("a"))
	s.SetCurrentAnalysis("chat-1", result("b"))

	for i := 0; i < 2; i++ {
		sess := s.Reset("chat-1")
		if sess.Ready() || len(sess.History) != 0 {
			t.Errorf("reset #%d left state: %+v", i+1, sess)
		}
		if sess.ID != "chat-1" {
			t.Errorf("reset #%d changed ID to %q", i+1, sess.ID)
		}
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want session kept alive", s.Len())
	}
}

func TestExpireIdle(t *testing.T) {
	s, clock := newTestStore(t, Config{TTL: 30 * time.Minute})

	var mu sync.Mutex
	var expired []string
	s.OnExpire(func(id string) {
		mu.Lock()
		expired = append(expired, id)
		mu.Unlock()
	})

	s.SetCurrentAnalysis("old", result("a"))
	clock.Advance(20 * time.Minute)
	s.SetCurrentAnalysis("fresh", result("b"))
	clock.Advance(15 * time.Minute)

	ids := s.ExpireIdle(clock.Now())
	if len(ids) != 1 || ids[0] != "old" {
		t.Fatalf("ExpireIdle = %v, want [old]", ids)
	}
	if len(expired) != 1 || expired[0] != "old" {
		t.Errorf("OnExpire calls = %v", expired)
	}
	if _, ok := s.Peek("old"); ok {
		t.Error("expired session still present")
	}
	if sess, ok := s.Peek("fresh"); !ok || !sess.Ready() {
		t.Error("fresh session was expired")
	}

	// A later access starts from Empty.
	if s.Get("old").Ready() {
		t.Error("expired session came back with an analysis")
	}
}

func TestExpireIdle_SkipsOpenTransaction(t *testing.T) {
	s, clock := newTestStore(t, Config{TTL: time.Minute})

	s.SetCurrentAnalysis("busy", result("a"))
	s.Begin("busy")
	clock.Advance(time.Hour)

	if ids := s.ExpireIdle(clock.Now()); len(ids) != 0 {
		t.Fatalf("expired %v during a transaction", ids)
	}
	if !s.Get("busy").Ready() {
		t.Error("session lost its analysis during a transaction")
	}

	s.End("busy")
	clock.Advance(2 * time.Minute)
	if ids := s.ExpireIdle(clock.Now()); len(ids) != 1 {
		t.Errorf("ExpireIdle after End = %v, want [busy]", ids)
	}
}

func TestGet_LazyExpiry(t *testing.T) {
	s, clock := newTestStore(t, Config{TTL: time.Minute})
	called := 0
	s.OnExpire(func(string) { called++ })

	s.SetCurrentAnalysis("chat-1", result("a"))
	s.SetCurrentAnalysis("chat-1", result("b"))
	clock.Advance(2 * time.Minute)

	sess := s.Get("chat-1")
	if sess.Ready() || len(sess.History) != 0 {
		t.Errorf("idle session not reset on access: %+v", sess)
	}
	if called != 1 {
		t.Errorf("OnExpire called %d times, want 1", called)
	}
}

func TestBegin_AppliesLazyExpiry(t *testing.T) {
	s, clock := newTestStore(t, Config{TTL: time.Minute})
	s.SetCurrentAnalysis("chat-1", result("a"))
	clock.Advance(2 * time.Minute)

	s.Begin("chat-1")
	defer s.End("chat-1")
	if s.Get("chat-1").Ready() {
		t.Error("transaction started on expired state")
	}
}

func TestActiveCount(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	s.Get("empty")
	s.SetCurrentAnalysis("ready-1", result("a"))
	s.SetCurrentAnalysis("ready-2", result("b"))

	if got := s.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}
	if got := s.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
}

func TestConcurrentSessions(t *testing.T) {
	s, _ := newTestStore(t, Config{HistoryDepth: 3})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("chat-%d", i%8)
			for j := 0; j < 20; j++ {
				s.SetCurrentAnalysis(id, result(fmt.Sprintf("d-%d-%d", i, j)))
				s.Get(id)
			}
		}(i)
	}
	wg.Wait()

	if s.Len() != 8 {
		t.Errorf("Len = %d, want 8", s.Len())
	}
	for i := 0; i < 8; i++ {
		sess := s.Get(fmt.Sprintf("chat-%d", i))
		if !sess.Ready() || len(sess.History) != 3 {
			t.Errorf("chat-%d: ready=%v history=%d", i, sess.Ready(), len(sess.History))
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewStore(Config{TTL: time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.SetCurrentAnalysis("chat-1", result("a"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for s.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never expired the session")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestRing(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	got := r.items()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("items = %v, want %v", got, want)
			break
		}
	}
	r.clear()
	if r.len() != 0 || len(r.items()) != 0 {
		t.Errorf("ring not empty after clear")
	}
}
