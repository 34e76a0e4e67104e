// Package session holds per-conversation analysis state.
//
// A [Store] keeps one entry per session ID, created lazily on first
// access. Each entry has the current analysis (absent until the first
// successful one) and a bounded history of earlier analyses. Entries
// idle longer than the configured TTL are expired, either by the
// periodic sweep in [Store.Run] or lazily when next touched. Sessions
// between [Store.Begin] and [Store.End] are never expired.
//
// The store is sharded by session ID so unrelated sessions do not
// contend on one mutex. Callers that need several operations on a
// session to happen atomically (the engine) serialize per session
// themselves.
package session

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/platecheck/internal/analysis"
)

const shardCount = 16

// Session is a point-in-time copy of a session's state. Modifying it
// has no effect on the store.
type Session struct {
	ID           string            `json:"id"`
	Current      *analysis.Result  `json:"current,omitempty"`
	History      []analysis.Result `json:"history"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
}

// Ready reports whether the session has a current analysis.
func (s Session) Ready() bool { return s.Current != nil }

// Persister saves session snapshots across restarts.
type Persister interface {
	Save(ctx context.Context, s Session) error
	// Delete removes the session unless it was saved with activity
	// after idleSince.
	Delete(ctx context.Context, id string, idleSince time.Time) error
	LoadAll(ctx context.Context) ([]Session, error)
}

// Config controls expiry and history depth.
type Config struct {
	TTL          time.Duration
	HistoryDepth int
}

type entry struct {
	id         string
	current    *analysis.Result
	history    *ring[analysis.Result]
	createdAt  time.Time
	lastActive time.Time

	// busy counts open transactions; busy entries are never expired.
	busy int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Store is a sharded in-memory session store. All methods are safe for
// concurrent use.
type Store struct {
	shards  [shardCount]shard
	ttl     time.Duration
	depth   int
	persist Persister
	logger  *slog.Logger

	onExpire func(id string)

	// now is the clock; replaced in tests.
	now func() time.Time
}

// NewStore creates an empty store.
func NewStore(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.HistoryDepth < 1 {
		cfg.HistoryDepth = 5
	}
	s := &Store{
		ttl:    cfg.TTL,
		depth:  cfg.HistoryDepth,
		logger: logger.With("component", "session"),
		now:    time.Now,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

// SetPersister enables persistence. Every mutation is saved and every
// expiry deleted; failures are logged, never returned.
func (s *Store) SetPersister(p Persister) {
	s.persist = p
}

// OnExpire registers a callback invoked (outside any lock) with the ID
// of each expired session.
func (s *Store) OnExpire(fn func(id string)) {
	s.onExpire = fn
}

// HistoryDepth returns the configured history bound.
func (s *Store) HistoryDepth() int { return s.depth }

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.shards[h.Sum32()%shardCount]
}

// lookup returns the entry for id, creating it if needed. An idle entry
// past its TTL with no open transaction is reset in place; expired is
// true when that happened and idleSince is its last activity before the
// reset. Caller holds sh.mu.
func (s *Store) lookup(sh *shard, id string, now time.Time) (e *entry, idleSince time.Time, expired bool) {
	e, ok := sh.entries[id]
	if !ok {
		e = &entry{
			id:         id,
			history:    newRing[analysis.Result](s.depth),
			createdAt:  now,
			lastActive: now,
		}
		sh.entries[id] = e
		return e, time.Time{}, false
	}
	if e.busy == 0 && now.Sub(e.lastActive) > s.ttl {
		idleSince = e.lastActive
		e.current = nil
		e.history.clear()
		e.createdAt = now
		return e, idleSince, true
	}
	return e, time.Time{}, false
}

func (e *entry) snapshot() Session {
	snap := Session{
		ID:           e.id,
		History:      e.history.items(),
		CreatedAt:    e.createdAt,
		LastActiveAt: e.lastActive,
	}
	if e.current != nil {
		cur := *e.current
		snap.Current = &cur
	}
	return snap
}

// Get returns a snapshot of the session, creating it on first access.
// A session idle past the TTL is reset before being returned.
func (s *Store) Get(id string) Session {
	now := s.now()
	sh := s.shardFor(id)

	sh.mu.Lock()
	e, idleSince, expired := s.lookup(sh, id, now)
	e.lastActive = now
	snap := e.snapshot()
	sh.mu.Unlock()

	if expired {
		s.expired(id, idleSince)
	}
	return snap
}

// Peek returns a snapshot without creating the session or touching its
// activity time. ok is false for unknown sessions.
func (s *Store) Peek(id string) (Session, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[id]
	if !ok {
		return Session{}, false
	}
	return e.snapshot(), true
}

// SetCurrentAnalysis makes r the current analysis. The previous current
// analysis, if any, moves to the history; the oldest history entry is
// dropped once the history holds HistoryDepth entries.
func (s *Store) SetCurrentAnalysis(id string, r analysis.Result) Session {
	now := s.now()
	sh := s.shardFor(id)

	sh.mu.Lock()
	e, idleSince, expired := s.lookup(sh, id, now)
	if e.current != nil {
		e.history.push(*e.current)
	}
	e.current = &r
	e.lastActive = now
	snap := e.snapshot()
	sh.mu.Unlock()

	if expired {
		s.expired(id, idleSince)
	}
	s.save(snap)
	return snap
}

// Reset clears the current analysis and history. The session itself
// stays alive. Resetting an empty session is a no-op.
func (s *Store) Reset(id string) Session {
	now := s.now()
	sh := s.shardFor(id)

	sh.mu.Lock()
	e, _, _ := s.lookup(sh, id, now)
	e.current = nil
	e.history.clear()
	e.lastActive = now
	snap := e.snapshot()
	sh.mu.Unlock()

	s.save(snap)
	return snap
}

// Begin marks the start of a transaction on the session. Until the
// matching [Store.End], the session is not expired. Begin applies the
// lazy expiry check first so a transaction never starts on stale state.
func (s *Store) Begin(id string) {
	now := s.now()
	sh := s.shardFor(id)

	sh.mu.Lock()
	e, idleSince, expired := s.lookup(sh, id, now)
	e.busy++
	e.lastActive = now
	sh.mu.Unlock()

	if expired {
		s.expired(id, idleSince)
	}
}

// End closes a transaction opened with [Store.Begin].
func (s *Store) End(id string) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[id]; ok && e.busy > 0 {
		e.busy--
		e.lastActive = s.now()
	}
}

// ExpireIdle removes every session idle longer than the TTL at now,
// skipping sessions with an open transaction. It returns the removed
// IDs.
func (s *Store) ExpireIdle(now time.Time) []string {
	var ids []string
	idle := make(map[string]time.Time)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, e := range sh.entries {
			if e.busy == 0 && now.Sub(e.lastActive) > s.ttl {
				delete(sh.entries, id)
				ids = append(ids, id)
				idle[id] = e.lastActive
			}
		}
		sh.mu.Unlock()
	}
	for _, id := range ids {
		s.expired(id, idle[id])
	}
	return ids
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// ActiveCount returns the number of sessions with a current analysis.
func (s *Store) ActiveCount() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.current != nil {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Run sweeps idle sessions every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := s.ExpireIdle(s.now()); len(ids) > 0 {
				s.logger.Info("expired idle sessions", "count", len(ids), "remaining", s.Len())
			}
		}
	}
}

// Restore loads persisted sessions. Sessions already past the TTL are
// skipped and deleted. It returns the number restored.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	saved, err := s.persist.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	n := 0
	for _, snap := range saved {
		if now.Sub(snap.LastActiveAt) > s.ttl {
			if err := s.persist.Delete(ctx, snap.ID, snap.LastActiveAt); err != nil {
				s.logger.Warn("failed to delete stale session", "session_id", snap.ID, "error", err)
			}
			continue
		}

		e := &entry{
			id:         snap.ID,
			current:    snap.Current,
			history:    newRing[analysis.Result](s.depth),
			createdAt:  snap.CreatedAt,
			lastActive: snap.LastActiveAt,
		}
		for _, r := range snap.History {
			e.history.push(r)
		}

		sh := s.shardFor(snap.ID)
		sh.mu.Lock()
		sh.entries[snap.ID] = e
		sh.mu.Unlock()
		n++
	}
	return n, nil
}

// expired drops the persisted copy of a session that was idle since
// idleSince. The row survives when the session was re-created and saved
// after the in-memory entry went away.
func (s *Store) expired(id string, idleSince time.Time) {
	s.logger.Debug("session expired", "session_id", id)
	if s.persist != nil {
		if err := s.persist.Delete(context.Background(), id, idleSince); err != nil {
			s.logger.Warn("failed to delete expired session", "session_id", id, "error", err)
		}
	}
	if s.onExpire != nil {
		s.onExpire(id)
	}
}

func (s *Store) save(snap Session) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Save(context.Background(), snap); err != nil {
		s.logger.Warn("failed to persist session", "session_id", snap.ID, "error", err)
	}
}
