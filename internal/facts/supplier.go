package facts

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/platecheck/internal/analysis"
	"github.com/nugget/platecheck/internal/inference"
)

// maxRemembered bounds the facts remembered per session for repeat
// avoidance.
const maxRemembered = 20

// Inferer fetches raw fact replies from the reasoning service.
type Inferer interface {
	Fact(ctx context.Context, req inference.FactRequest) (inference.Raw, error)
}

// Supplier picks one fact for an analysis. It never fails: service
// errors fall back to the cache and then to the built-in list.
type Supplier struct {
	inf    Inferer
	store  *Store
	logger *slog.Logger

	mu    sync.Mutex
	shown map[string][]string // session ID -> fact texts, oldest first
}

// NewSupplier creates a supplier. store may be nil to disable caching.
func NewSupplier(inf Inferer, store *Store, logger *slog.Logger) *Supplier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supplier{
		inf:    inf,
		store:  store,
		logger: logger.With("component", "facts"),
		shown:  make(map[string][]string),
	}
}

// Fact returns a fact about the analyzed dish, avoiding facts already
// shown in this session.
func (s *Supplier) Fact(ctx context.Context, sessionID string, r analysis.Result) string {
	exclude := s.shownFor(sessionID)
	log := s.logger.With("session_id", sessionID, "dish", r.DishName)

	if s.inf != nil {
		raw, err := s.inf.Fact(ctx, inference.FactRequest{
			SessionID: sessionID,
			DishName:  r.DishName,
			Exclude:   exclude,
		})
		if err != nil {
			log.Warn("fact request failed, using fallback", "error", err)
		} else if facts, err := ParseFacts(raw.JSON); err != nil {
			log.Warn("unusable fact payload, using fallback", "error", err)
		} else if picked := Select(facts, exclude); len(picked) > 0 {
			if s.store != nil {
				if err := s.store.Add(context.WithoutCancel(ctx), r.DishName, picked); err != nil {
					log.Warn("failed to cache facts", "error", err)
				}
			}
			log.Debug("fact served", "source", "service", "candidates", len(facts), "accepted", len(picked))
			return s.serve(ctx, sessionID, r.DishName, picked[0])
		} else {
			log.Debug("no acceptable facts in reply", "candidates", len(facts))
		}
	}

	if s.store != nil {
		cached, err := s.store.ForDish(ctx, r.DishName, 10)
		if err != nil {
			log.Warn("fact cache lookup failed", "error", err)
		}
		if picked := Select(cached, exclude); len(picked) > 0 {
			log.Debug("fact served", "source", "cache")
			return s.serve(ctx, sessionID, r.DishName, picked[0])
		}
	}

	text := Fallback(exclude)
	s.remember(sessionID, text)
	log.Debug("fact served", "source", "fallback")
	return text
}

// Forget drops the repeat-avoidance memory for a session.
func (s *Supplier) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shown, sessionID)
}

func (s *Supplier) serve(ctx context.Context, sessionID, dish string, f Fact) string {
	s.remember(sessionID, f.Text)
	if s.store != nil {
		if err := s.store.MarkServed(context.WithoutCancel(ctx), dish, f.Text); err != nil {
			s.logger.Warn("failed to mark fact served", "error", err)
		}
	}
	return f.String()
}

func (s *Supplier) shownFor(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.shown[sessionID]...)
}

func (s *Supplier) remember(sessionID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.shown[sessionID], text)
	if len(list) > maxRemembered {
		list = list[len(list)-maxRemembered:]
	}
	s.shown[sessionID] = list
}
