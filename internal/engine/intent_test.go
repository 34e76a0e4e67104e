package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/platecheck/internal/analysis"
	"github.com/nugget/platecheck/internal/inference"
)

func TestClassify(t *testing.T) {
	photo := &Image{Data: []byte{1}, MIMEType: "image/png"}
	tests := []struct {
		name  string
		in    Input
		ready bool
		want  IntentKind
		ref   analysis.Refinement
	}{
		{"text when empty", text("s", "pasta carbonara 250g"), false, IntentNewAnalysis, analysis.Refinement{}},
		{"correction when empty", text("s", "actually 400g"), false, IntentNewAnalysis, analysis.Refinement{}},
		{"weight correction", text("s", "actually 400g"), true, IntentRefine, analysis.Refinement{Field: analysis.FieldWeight, WeightGrams: 400}},
		{"bare weight", text("s", "300 g"), true, IntentRefine, analysis.Refinement{Field: analysis.FieldWeight, WeightGrams: 300}},
		{"method correction", text("s", "it was fried"), true, IntentRefine, analysis.Refinement{Field: analysis.FieldCookingMethod, Method: analysis.MethodFried}},
		{"weight out of range", text("s", "actually 9000g"), true, IntentInvalidRefinement, analysis.Refinement{}},
		{"new dish when ready", text("s", "greek salad with feta"), true, IntentNewAnalysis, analysis.Refinement{}},
		{"cue then new dish", text("s", "it's a fried chicken sandwich"), true, IntentNewAnalysis, analysis.Refinement{}},
		{"weight then new dish", text("s", "about 300g of chicken salad"), true, IntentNewAnalysis, analysis.Refinement{}},
		{"cue weight and dish", text("s", "only had a 200g ribeye steak"), true, IntentNewAnalysis, analysis.Refinement{}},
		{"method then new dish", text("s", "no, this is a baked potato with cheese"), true, IntentNewAnalysis, analysis.Refinement{}},
		{"grouped thousands", text("s", "actually 1,200g"), true, IntentRefine, analysis.Refinement{Field: analysis.FieldWeight, WeightGrams: 1200}},
		{"image when ready", Input{SessionID: "s", Kind: analysis.SourceImage, Text: "actually 400g", Image: photo}, true, IntentNewAnalysis, analysis.Refinement{}},
		{"reset", text("s", "/reset"), true, IntentReset, analysis.Refinement{}},
		{"new alias", text("s", "/new"), false, IntentReset, analysis.Refinement{}},
		{"fact", text("s", "/fact"), false, IntentFact, analysis.Refinement{}},
		{"fact with bot suffix", text("s", "/FACT@platecheck_bot"), true, IntentFact, analysis.Refinement{}},
		{"unknown command", text("s", "/weather"), true, IntentUnknownCommand, analysis.Refinement{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.in, tt.ready)
			if got.Kind != tt.want {
				t.Fatalf("Classify() = %v, want %v", got.Kind, tt.want)
			}
			if got.Refinement != tt.ref {
				t.Errorf("Refinement = %+v, want %+v", got.Refinement, tt.ref)
			}
			if (got.Kind == IntentInvalidRefinement) != (got.Err != nil) {
				t.Errorf("Err = %v for intent %v", got.Err, got.Kind)
			}
		})
	}
}

func TestIntentKind_String(t *testing.T) {
	if got := IntentRefine.String(); got != "refine" {
		t.Errorf("IntentRefine = %q", got)
	}
	if got := IntentKind(42).String(); got != "unknown" {
		t.Errorf("IntentKind(42) = %q", got)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{&inference.ServiceError{Kind: inference.RateLimited, Attempts: 3}, ErrRateLimited},
		{&analysis.NormalizationError{Kind: analysis.OutOfRange, Field: "weight_g"}, ErrOutOfRange},
		{&analysis.ParseError{Kind: analysis.Unrecognized, Input: "x"}, ErrUnrecognized},
		{context.Canceled, ErrCancelled},
		{errors.New("boom"), ErrInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestUserMessage(t *testing.T) {
	for kind := range userMessages {
		if UserMessage(kind) == "" {
			t.Errorf("empty message for %q", kind)
		}
	}
	if UserMessage("nonsense") != UserMessage(ErrInternal) {
		t.Error("unknown kind does not fall back to the internal message")
	}
}

func TestMailbox_SerializesOneID(t *testing.T) {
	m := newMailbox()
	release, err := m.acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Another ID is independent.
	other, err := m.acquire(context.Background(), "b")
	if err != nil {
		t.Fatalf("acquire other: %v", err)
	}
	other()

	got := make(chan struct{})
	go func() {
		r, err := m.acquire(context.Background(), "a")
		if err == nil {
			r()
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("second acquire did not wait")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded")
	}
	if n := m.len(); n != 0 {
		t.Errorf("len = %d after all releases", n)
	}
}

func TestMailbox_AcquireCancelled(t *testing.T) {
	m := newMailbox()
	release, _ := m.acquire(context.Background(), "a")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.acquire(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Errorf("acquire = %v, want context.Canceled", err)
	}
	if n := m.len(); n != 1 {
		t.Errorf("len = %d, want 1", n)
	}
}
