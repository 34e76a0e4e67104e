// Package engine is the per-session state machine that turns user
// inputs into nutrition estimates.
//
// A session is Empty until its first successful analysis and Ready
// afterwards. Each input is classified once ([Classify]) into a new
// analysis, a refinement of the current analysis, a fact request, or a
// reset, and the matching transition runs under that session's lock.
// Failures never change session state. The inference call runs on a
// context detached from the caller's cancellation, so a transport that
// gives up cannot leave a session half updated.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nugget/platecheck/internal/analysis"
	"github.com/nugget/platecheck/internal/events"
	"github.com/nugget/platecheck/internal/facts"
	"github.com/nugget/platecheck/internal/inference"
	"github.com/nugget/platecheck/internal/llm"
	"github.com/nugget/platecheck/internal/session"
)

// Inferer runs analysis and refinement requests.
type Inferer interface {
	Infer(ctx context.Context, req inference.Request) (inference.Raw, error)
}

// FactSupplier returns a fact about an analyzed dish. It never fails.
type FactSupplier interface {
	Fact(ctx context.Context, sessionID string, r analysis.Result) string
}

// forgetter is implemented by fact suppliers that remember what each
// session has seen.
type forgetter interface {
	Forget(sessionID string)
}

// Config holds input limits.
type Config struct {
	MaxImageBytes int64
	MaxTextRunes  int
}

// Stats are counters since process start.
type Stats struct {
	Analyses     int64     `json:"analyses"`
	Refinements  int64     `json:"refinements"`
	Facts        int64     `json:"facts"`
	Resets       int64     `json:"resets"`
	Failures     int64     `json:"failures"`
	InFlight     int       `json:"in_flight"`
	Sessions     int       `json:"sessions"`
	Active       int       `json:"active_sessions"`
	LastAnalysis time.Time `json:"last_analysis,omitzero"`
}

// Engine handles inputs for all sessions. It is safe for concurrent
// use; inputs for the same session are processed one at a time.
type Engine struct {
	store  *session.Store
	inf    Inferer
	facts  FactSupplier
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger
	box    *mailbox

	analyses     atomic.Int64
	refinements  atomic.Int64
	factCount    atomic.Int64
	resets       atomic.Int64
	failures     atomic.Int64
	lastAnalysis atomic.Int64 // unix nanoseconds
}

// New creates an engine. If fs is nil, facts come from the built-in
// fallback list only. New registers the engine for the store's expiry
// notifications.
func New(store *session.Store, inf Inferer, fs FactSupplier, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if fs == nil {
		fs = facts.NewSupplier(nil, nil, logger)
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 20 << 20
	}
	if cfg.MaxTextRunes <= 0 {
		cfg.MaxTextRunes = 1000
	}
	e := &Engine{
		store:  store,
		inf:    inf,
		facts:  fs,
		cfg:    cfg,
		logger: logger.With("component", "engine"),
		box:    newMailbox(),
	}
	store.OnExpire(e.sessionExpired)
	return e
}

// SetEventBus enables event publishing.
func (e *Engine) SetEventBus(bus *events.Bus) {
	e.bus = bus
}

// Session returns a snapshot of a session without creating it.
func (e *Engine) Session(id string) (session.Session, bool) {
	return e.store.Peek(id)
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Analyses:    e.analyses.Load(),
		Refinements: e.refinements.Load(),
		Facts:       e.factCount.Load(),
		Resets:      e.resets.Load(),
		Failures:    e.failures.Load(),
		InFlight:    e.box.len(),
		Sessions:    e.store.Len(),
		Active:      e.store.ActiveCount(),
	}
	if ns := e.lastAnalysis.Load(); ns != 0 {
		s.LastAnalysis = time.Unix(0, ns)
	}
	return s
}

// Handle processes one input and returns the outcome to render. If ctx
// is cancelled while the input waits behind another one for the same
// session, Handle returns a Failed outcome with ErrCancelled. Once the
// input is being processed, cancellation no longer interrupts it.
func (e *Engine) Handle(ctx context.Context, in Input) Outcome {
	log := e.logger.With("session_id", in.SessionID)

	if kind, ok := e.validate(in); !ok {
		log.Debug("input rejected", "error_kind", kind)
		return e.fail(in.SessionID, IntentNewAnalysis, kind, nil)
	}

	release, err := e.box.acquire(ctx, in.SessionID)
	if err != nil {
		log.Debug("gave up waiting for session", "error", err)
		return e.fail(in.SessionID, IntentNewAnalysis, ErrCancelled, err)
	}
	defer release()

	e.store.Begin(in.SessionID)
	defer e.store.End(in.SessionID)

	snap := e.store.Get(in.SessionID)
	intent := Classify(in, snap.Ready())
	log.Debug("input classified", "intent", intent.Kind, "ready", snap.Ready())

	switch intent.Kind {
	case IntentReset:
		return e.reset(in.SessionID)
	case IntentFact:
		return e.fact(ctx, snap)
	case IntentInvalidRefinement:
		return e.fail(in.SessionID, intent.Kind, KindOf(intent.Err), intent.Err)
	case IntentRefine:
		return e.refine(ctx, snap, intent.Refinement)
	case IntentUnknownCommand:
		return e.fail(in.SessionID, intent.Kind, ErrUnknownCommand, nil)
	}
	return e.analyze(ctx, in)
}

// Reset clears a session. It is equivalent to handling "/reset".
func (e *Engine) Reset(ctx context.Context, sessionID string) Outcome {
	return e.Handle(ctx, Input{SessionID: sessionID, Kind: analysis.SourceText, Text: "/reset"})
}

// Fact requests a fact for the session's current analysis. It is
// equivalent to handling "/fact".
func (e *Engine) Fact(ctx context.Context, sessionID string) Outcome {
	return e.Handle(ctx, Input{SessionID: sessionID, Kind: analysis.SourceText, Text: "/fact"})
}

func (e *Engine) validate(in Input) (ErrorKind, bool) {
	switch in.Kind {
	case analysis.SourceImage:
		if in.Image == nil || len(in.Image.Data) == 0 {
			return ErrEmptyInput, false
		}
		if int64(len(in.Image.Data)) > e.cfg.MaxImageBytes {
			return ErrInputTooLarge, false
		}
		if utf8.RuneCountInString(in.Text) > e.cfg.MaxTextRunes {
			return ErrInputTooLarge, false
		}
	case analysis.SourceText:
		if strings.TrimSpace(in.Text) == "" {
			return ErrEmptyInput, false
		}
		if utf8.RuneCountInString(in.Text) > e.cfg.MaxTextRunes {
			return ErrInputTooLarge, false
		}
	default:
		return ErrEmptyInput, false
	}
	return "", true
}

func (e *Engine) analyze(ctx context.Context, in Input) Outcome {
	req := inference.Request{SessionID: in.SessionID, Kind: in.Kind, Text: in.Text}
	if in.Image != nil {
		req.Image = &llm.Image{Data: in.Image.Data, MIMEType: in.Image.MIMEType}
	}

	raw, err := e.inf.Infer(context.WithoutCancel(ctx), req)
	if err != nil {
		return e.fail(in.SessionID, IntentNewAnalysis, KindOf(err), err)
	}
	r, err := analysis.Normalize(raw.Content, in.Kind)
	if err != nil {
		e.logger.Debug("rejected service payload", "session_id", in.SessionID, "raw", raw.Content)
		return e.fail(in.SessionID, IntentNewAnalysis, KindOf(err), err)
	}

	e.store.SetCurrentAnalysis(in.SessionID, r)
	e.analyses.Add(1)
	e.lastAnalysis.Store(time.Now().UnixNano())

	e.logger.Info("analysis complete",
		"session_id", in.SessionID,
		"analysis_id", r.ID,
		"dish", r.DishName,
		"kcal", r.CaloriesKcal,
		"source_kind", r.SourceKind,
		"attempts", raw.Attempts,
		"elapsed", raw.Elapsed.Round(time.Millisecond),
	)
	e.publish(events.KindAnalysisComplete, map[string]any{
		"session_id":  in.SessionID,
		"analysis_id": r.ID,
		"dish":        r.DishName,
		"kcal":        r.CaloriesKcal,
		"source_kind": string(r.SourceKind),
		"attempts":    raw.Attempts,
		"elapsed_ms":  raw.Elapsed.Milliseconds(),
	})
	return Outcome{Kind: NewCard, Analysis: &r}
}

func (e *Engine) refine(ctx context.Context, snap session.Session, ref analysis.Refinement) Outcome {
	prior := *snap.Current
	raw, err := e.inf.Infer(context.WithoutCancel(ctx), inference.Request{
		SessionID:  snap.ID,
		Kind:       prior.SourceKind,
		Context:    &prior,
		Refinement: &ref,
	})
	if err != nil {
		return e.fail(snap.ID, IntentRefine, KindOf(err), err)
	}
	r, err := analysis.NormalizeRefinement(raw.Content, prior, ref)
	if err != nil {
		e.logger.Debug("rejected service payload", "session_id", snap.ID, "raw", raw.Content)
		return e.fail(snap.ID, IntentRefine, KindOf(err), err)
	}

	e.store.SetCurrentAnalysis(snap.ID, r)
	e.refinements.Add(1)
	e.lastAnalysis.Store(time.Now().UnixNano())

	e.logger.Info("refinement complete",
		"session_id", snap.ID,
		"analysis_id", r.ID,
		"derived_from", r.DerivedFrom,
		"field", ref.Field,
		"kcal_before", prior.CaloriesKcal,
		"kcal", r.CaloriesKcal,
		"attempts", raw.Attempts,
	)
	e.publish(events.KindRefinementComplete, map[string]any{
		"session_id":   snap.ID,
		"analysis_id":  r.ID,
		"derived_from": r.DerivedFrom,
		"field":        string(ref.Field),
		"kcal":         r.CaloriesKcal,
		"attempts":     raw.Attempts,
		"elapsed_ms":   raw.Elapsed.Milliseconds(),
	})
	return Outcome{Kind: RefinedCard, Analysis: &r}
}

func (e *Engine) fact(ctx context.Context, snap session.Session) Outcome {
	if !snap.Ready() {
		return e.fail(snap.ID, IntentFact, ErrNoActiveAnalysis, nil)
	}
	text := e.facts.Fact(context.WithoutCancel(ctx), snap.ID, *snap.Current)
	e.factCount.Add(1)
	e.publish(events.KindFactServed, map[string]any{
		"session_id": snap.ID,
		"dish":       snap.Current.DishName,
	})
	return Outcome{Kind: FactReply, Fact: text}
}

func (e *Engine) reset(sessionID string) Outcome {
	e.store.Reset(sessionID)
	if f, ok := e.facts.(forgetter); ok {
		f.Forget(sessionID)
	}
	e.resets.Add(1)
	e.logger.Info("session reset", "session_id", sessionID)
	e.publish(events.KindSessionReset, map[string]any{"session_id": sessionID})
	return Outcome{Kind: Cleared}
}

func (e *Engine) sessionExpired(id string) {
	if f, ok := e.facts.(forgetter); ok {
		f.Forget(id)
	}
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindSessionExpired,
		Data:      map[string]any{"session_id": id},
	})
}

func (e *Engine) fail(sessionID string, intent IntentKind, kind ErrorKind, err error) Outcome {
	e.failures.Add(1)
	if err != nil {
		e.logger.Warn("request failed",
			"session_id", sessionID,
			"intent", intent,
			"error_kind", kind,
			"error", err,
		)
	}
	e.publish(events.KindAnalysisFailed, map[string]any{
		"session_id": sessionID,
		"intent":     intent.String(),
		"error_kind": string(kind),
	})
	return failed(kind)
}

func (e *Engine) publish(kind string, data map[string]any) {
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEngine,
		Kind:      kind,
		Data:      data,
	})
}
