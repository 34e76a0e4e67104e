package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/nugget/platecheck/internal/analysis"
	"github.com/nugget/platecheck/internal/connwatch"
	"github.com/nugget/platecheck/internal/engine"
	"github.com/nugget/platecheck/internal/events"
	"github.com/nugget/platecheck/internal/session"
	"github.com/nugget/platecheck/internal/usage"
)

var soup = &analysis.Result{
	ID:            "r1",
	DishName:      "tomato soup",
	WeightGrams:   300,
	CookingMethod: analysis.MethodBoiled,
	CaloriesKcal:  120,
	Macros:        analysis.Macros{ProteinG: 3, FatG: 4, CarbG: 18},
	Confidence:    analysis.ConfidenceHigh,
}

// fakeEngine records inputs and answers with a fixed outcome.
type fakeEngine struct {
	mu       sync.Mutex
	inputs   []engine.Input
	resets   []string
	facts    []string
	out      engine.Outcome
	sessions map[string]session.Session
}

func (f *fakeEngine) Handle(_ context.Context, in engine.Input) engine.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return f.out
}

func (f *fakeEngine) Reset(_ context.Context, id string) engine.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, id)
	return engine.Outcome{Kind: engine.Cleared}
}

func (f *fakeEngine) Fact(_ context.Context, id string) engine.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts = append(f.facts, id)
	return engine.Outcome{Kind: engine.FactReply, Fact: "Tomatoes are berries."}
}

func (f *fakeEngine) Session(id string) (session.Session, bool) {
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeEngine) Stats() engine.Stats {
	return engine.Stats{Analyses: 7, Failures: 1, Sessions: 2, Active: 1}
}

func (f *fakeEngine) received() []engine.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Input(nil), f.inputs...)
}

type fakeHealth struct {
	status map[string]connwatch.Status
}

func (h fakeHealth) Status() map[string]connwatch.Status { return h.status }

func (h fakeHealth) Healthy() bool {
	for _, s := range h.status {
		if !s.Ready {
			return false
		}
	}
	return true
}

type fakeUsage struct {
	err error
}

func (u fakeUsage) Summary(context.Context, time.Time, time.Time) (*usage.Summary, error) {
	if u.err != nil {
		return nil, u.err
	}
	return &usage.Summary{TotalRecords: 3, TotalInputTokens: 1500, TotalOutputTokens: 300, TotalAttempts: 4}, nil
}

func (u fakeUsage) SummaryByModel(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	if u.err != nil {
		return nil, u.err
	}
	return map[string]*usage.Summary{"gemini-2.5-flash": {TotalRecords: 3}}, nil
}

func newTestServer(t *testing.T, opts ...func(*Config)) (*Server, *fakeEngine) {
	t.Helper()
	eng := &fakeEngine{
		out:      engine.Outcome{Kind: engine.NewCard, Analysis: soup},
		sessions: map[string]session.Session{},
	}
	cfg := Config{
		Engine:        eng,
		Model:         "gemini-2.5-flash",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxImageBytes: 1024,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewServer(cfg), eng
}

func do(t *testing.T, h http.Handler, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeReply(t *testing.T, rec *httptest.ResponseRecorder) Reply {
	t.Helper()
	var r Reply
	if err := json.NewDecoder(rec.Body).Decode(&r); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return r
}

func TestAnalyze_Text(t *testing.T) {
	s, eng := newTestServer(t)

	rec := do(t, s.Handler(), "POST", "/v1/analyze", "application/json",
		strings.NewReader(`{"session_id":"abc","text":"  tomato soup 300g "}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	got := eng.received()
	want := []engine.Input{{SessionID: "web-abc", Kind: analysis.SourceText, Text: "tomato soup 300g"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("inputs mismatch (-want +got):\n%s", diff)
	}

	r := decodeReply(t, rec)
	if r.SessionID != "abc" || r.Outcome == nil || r.Outcome.Kind != engine.NewCard {
		t.Errorf("reply = %+v", r)
	}
	if !strings.Contains(r.Text, "Calories: ~120 kcal") {
		t.Errorf("text = %q", r.Text)
	}
	if !strings.Contains(r.HTML, "<strong>Tomato Soup</strong>") {
		t.Errorf("html = %q", r.HTML)
	}
}

func TestAnalyze_GeneratesSessionID(t *testing.T) {
	s, eng := newTestServer(t)

	rec := do(t, s.Handler(), "POST", "/v1/analyze", "application/json", strings.NewReader(`{"text":"soup"}`))
	r := decodeReply(t, rec)
	if r.SessionID == "" {
		t.Fatal("no session ID generated")
	}
	if got := eng.received()[0].SessionID; got != "web-"+r.SessionID {
		t.Errorf("engine session = %q, reply session = %q", got, r.SessionID)
	}
}

func TestAnalyze_JSONImage(t *testing.T) {
	s, eng := newTestServer(t)
	png := []byte("\x89PNG\r\n\x1a\n0000")

	body, _ := json.Marshal(AnalyzeRequest{SessionID: "p", Text: "lunch", Image: base64.StdEncoding.EncodeToString(png)})
	rec := do(t, s.Handler(), "POST", "/v1/analyze", "application/json", bytes.NewReader(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	in := eng.received()[0]
	if in.Kind != analysis.SourceImage || in.Image == nil || in.Text != "lunch" {
		t.Fatalf("input = %+v", in)
	}
	if in.Image.MIMEType != "image/png" || !bytes.Equal(in.Image.Data, png) {
		t.Errorf("image = %q %q", in.Image.MIMEType, in.Image.Data)
	}
}

func TestAnalyze_Multipart(t *testing.T) {
	s, eng := newTestServer(t)
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0x10, 'J', 'F', 'I', 'F', 0}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("session_id", "m")
	_ = mw.WriteField("text", "breakfast")
	fw, _ := mw.CreateFormFile("image", "plate.jpg")
	_, _ = fw.Write(jpeg)
	_ = mw.Close()

	rec := do(t, s.Handler(), "POST", "/v1/analyze", mw.FormDataContentType(), &buf)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	in := eng.received()[0]
	if in.SessionID != "web-m" || in.Kind != analysis.SourceImage || in.Text != "breakfast" {
		t.Fatalf("input = %+v", in)
	}
	if in.Image.MIMEType != "image/jpeg" || len(in.Image.Data) != len(jpeg) {
		t.Errorf("image = %q, %d bytes", in.Image.MIMEType, len(in.Image.Data))
	}
}

func TestAnalyze_BadRequests(t *testing.T) {
	s, eng := newTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed JSON", `{"text":`, http.StatusBadRequest},
		{"bad base64", `{"image":"!!!"}`, http.StatusBadRequest},
		{"too large", `{"image":"` + strings.Repeat("A", 80<<10) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), "POST", "/v1/analyze", "application/json", strings.NewReader(tt.body))
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.code, rec.Body)
			}
		})
	}
	if n := len(eng.received()); n != 0 {
		t.Errorf("engine received %d inputs for bad requests", n)
	}
}

func TestAnalyze_FailedOutcomeIsOK(t *testing.T) {
	s, eng := newTestServer(t)
	eng.out = engine.Outcome{Kind: engine.Failed, Error: engine.ErrTimeout, Message: engine.UserMessage(engine.ErrTimeout)}

	rec := do(t, s.Handler(), "POST", "/v1/analyze", "application/json", strings.NewReader(`{"text":"soup"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	r := decodeReply(t, rec)
	if r.Outcome.Error != engine.ErrTimeout || r.Text != engine.UserMessage(engine.ErrTimeout) {
		t.Errorf("reply = %+v", r)
	}
}

func TestAnalyze_TransportCommand(t *testing.T) {
	s, eng := newTestServer(t)

	rec := do(t, s.Handler(), "POST", "/v1/analyze", "application/json", strings.NewReader(`{"session_id":"x","text":"/help"}`))
	r := decodeReply(t, rec)
	if r.Outcome != nil || !strings.HasPrefix(r.Text, "How to use") {
		t.Errorf("reply = %+v", r)
	}
	if n := len(eng.received()); n != 0 {
		t.Errorf("engine received %d inputs", n)
	}
}

func TestAnalyze_PublishesMessageReceived(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)
	s, _ := newTestServer(t, func(c *Config) { c.Events = bus })

	do(t, s.Handler(), "POST", "/v1/analyze", "application/json", strings.NewReader(`{"session_id":"e","text":"soup"}`))

	select {
	case ev := <-ch:
		if ev.Source != events.SourceWeb || ev.Kind != events.KindMessageReceived || ev.Data["session_id"] != "web-e" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestSessionEndpoints(t *testing.T) {
	s, eng := newTestServer(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.sessions["web-abc"] = session.Session{ID: "web-abc", Current: soup, History: []analysis.Result{*soup}, CreatedAt: created, LastActiveAt: created}
	eng.sessions["signal-1555"] = session.Session{ID: "signal-1555", Current: soup}
	h := s.Handler()

	rec := do(t, h, "GET", "/v1/sessions/abc", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET session status = %d", rec.Code)
	}
	var view SessionView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if !view.Ready || view.SessionID != "abc" || len(view.History) != 1 || !view.CreatedAt.Equal(created) {
		t.Errorf("view = %+v", view)
	}

	// Only web sessions are reachable.
	if rec := do(t, h, "GET", "/v1/sessions/unknown", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", rec.Code)
	}

	r := decodeReply(t, do(t, h, "POST", "/v1/sessions/abc/fact", "", nil))
	if r.Outcome.Kind != engine.FactReply || !strings.Contains(r.Text, "Tomatoes are berries.") {
		t.Errorf("fact reply = %+v", r)
	}
	r = decodeReply(t, do(t, h, "POST", "/v1/sessions/abc/reset", "", nil))
	if r.Outcome.Kind != engine.Cleared {
		t.Errorf("reset reply = %+v", r)
	}

	if diff := cmp.Diff([]string{"web-abc"}, eng.resets); diff != "" {
		t.Errorf("resets mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"web-abc"}, eng.facts); diff != "" {
		t.Errorf("facts mismatch (-want +got):\n%s", diff)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		health Health
		code   int
		status string
	}{
		{"no watchers", nil, http.StatusOK, "healthy"},
		{"all up", fakeHealth{map[string]connwatch.Status{"ollama": {Name: "ollama", Ready: true}}}, http.StatusOK, "healthy"},
		{"one down", fakeHealth{map[string]connwatch.Status{
			"ollama":     {Name: "ollama", Ready: true},
			"signal-cli": {Name: "signal-cli", LastError: "exited"},
		}}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, func(c *Config) { c.Health = tt.health })
			rec := do(t, s.Handler(), "GET", "/health", "", nil)
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d", rec.Code, tt.code)
			}
			var rep HealthReport
			if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
				t.Fatal(err)
			}
			if rep.Status != tt.status {
				t.Errorf("Status = %q, want %q", rep.Status, tt.status)
			}
		})
	}
}

func TestStatsAndVersion(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	var stats StatsReport
	if err := json.NewDecoder(do(t, h, "GET", "/v1/stats", "", nil).Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Engine.Analyses != 7 || stats.Model != "gemini-2.5-flash" {
		t.Errorf("stats = %+v", stats)
	}

	var info map[string]string
	if err := json.NewDecoder(do(t, h, "GET", "/v1/version", "", nil).Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("version info = %v", info)
	}
}

func TestUsage(t *testing.T) {
	s, _ := newTestServer(t)
	if rec := do(t, s.Handler(), "GET", "/v1/usage", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("usage without a store: status = %d", rec.Code)
	}

	s, _ = newTestServer(t, func(c *Config) { c.Usage = fakeUsage{} })
	rec := do(t, s.Handler(), "GET", "/v1/usage?hours=2", "", nil)
	var rep UsageReport
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatal(err)
	}
	if rep.Total.TotalInputTokens != 1500 || rep.ByModel["gemini-2.5-flash"] == nil {
		t.Errorf("report = %+v", rep)
	}
	if d := rep.End.Sub(rep.Start); d != 2*time.Hour {
		t.Errorf("window = %v, want 2h", d)
	}

	s, _ = newTestServer(t, func(c *Config) { c.Usage = fakeUsage{err: errors.New("disk full")} })
	if rec := do(t, s.Handler(), "GET", "/v1/usage", "", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("failing store: status = %d", rec.Code)
	}
}

func TestDashboard(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.Health = fakeHealth{map[string]connwatch.Status{"gemini": {Name: "gemini", Ready: true}}}
		c.Usage = fakeUsage{}
	})
	h := s.Handler()

	rec := do(t, h, "GET", "/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"<!DOCTYPE html>", "gemini-2.5-flash", "1.5K", `<span class="up">up</span>`} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("HX-Request", "true")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if strings.Contains(rec.Body.String(), "<!DOCTYPE html>") {
		t.Error("htmx request got the full layout")
	}

	if rec := do(t, h, "GET", "/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d", rec.Code)
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestChat(t *testing.T) {
	s, eng := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/chat?session=c1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var hello Reply
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if hello.SessionID != "c1" || !strings.HasPrefix(hello.Text, "Welcome") {
		t.Errorf("greeting = %+v", hello)
	}

	for _, text := range []string{"tomato soup", "/privacy"} {
		if err := conn.WriteJSON(AnalyzeRequest{Text: text}); err != nil {
			t.Fatal(err)
		}
	}

	var card, privacy Reply
	if err := conn.ReadJSON(&card); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&privacy); err != nil {
		t.Fatal(err)
	}
	if card.Outcome == nil || card.Outcome.Kind != engine.NewCard {
		t.Errorf("card reply = %+v", card)
	}
	if privacy.Outcome != nil || !strings.HasPrefix(privacy.Text, "Privacy") {
		t.Errorf("privacy reply = %+v", privacy)
	}

	got := eng.received()
	if len(got) != 1 || got[0].SessionID != "web-c1" || got[0].Text != "tomato soup" {
		t.Errorf("inputs = %+v", got)
	}
}

func TestChat_BadImage(t *testing.T) {
	s, eng := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/chat"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var hello Reply
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(AnalyzeRequest{Image: "%%%"}); err != nil {
		t.Fatal(err)
	}
	var r Reply
	if err := conn.ReadJSON(&r); err != nil {
		t.Fatal(err)
	}
	if r.Outcome == nil || r.Outcome.Kind != engine.Failed {
		t.Errorf("reply = %+v", r)
	}
	if n := len(eng.received()); n != 0 {
		t.Errorf("engine received %d inputs", n)
	}
}

func TestEvents(t *testing.T) {
	bus := events.New()
	s, _ := newTestServer(t, func(c *Config) { c.Events = bus })
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/events?source=engine"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the handler to subscribe.
	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	bus.Publish(events.Event{Source: events.SourceSignal, Kind: events.KindMessageReceived})
	bus.Publish(events.Event{Source: events.SourceEngine, Kind: events.KindAnalysisComplete, Data: map[string]any{"session_id": "s1"}})

	var ev events.Event
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != events.KindAnalysisComplete || ev.Data["session_id"] != "s1" {
		t.Errorf("event = %+v, want the engine event only", ev)
	}
}

func TestEvents_NoBus(t *testing.T) {
	s, _ := newTestServer(t)
	if rec := do(t, s.Handler(), "GET", "/v1/events", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestFormatHelpers(t *testing.T) {
	durations := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{5*time.Minute + 3*time.Second, "5m 3s"},
		{2*time.Hour + 10*time.Minute, "2h 10m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range durations {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}

	tokens := []struct {
		n    int64
		want string
	}{
		{999, "999"},
		{1500, "1.5K"},
		{2_500_000, "2.5M"},
	}
	for _, tt := range tokens {
		if got := formatTokens(tt.n); got != tt.want {
			t.Errorf("formatTokens(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}

	if got := formatTime(time.Time{}); got != "never" {
		t.Errorf("formatTime(zero) = %q", got)
	}
}
