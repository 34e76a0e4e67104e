package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ExtractJSON locates the JSON value in a service reply. Replies often
// wrap the payload in a ```json fence or surround it with prose; the
// first valid object or array wins. The boolean is false when the reply
// holds no valid JSON object or array.
func ExtractJSON(raw string) (string, bool) {
	s := strings.TrimSpace(raw)

	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		s = strings.TrimSpace(rest)
	}

	best, bestStart := "", -1
	for _, delim := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(s, delim[0])
		end := strings.LastIndexByte(s, delim[1])
		if start < 0 || end < start {
			continue
		}
		candidate := s[start : end+1]
		if !json.Valid([]byte(candidate)) {
			continue
		}
		if bestStart < 0 || start < bestStart {
			best, bestStart = candidate, start
		}
	}
	return best, bestStart >= 0
}

// number decodes a JSON number, a numeric string ("250", "250 g") or
// null. Unparseable values are remembered rather than failing the whole
// decode so the offending field can be named.
type number struct {
	v       float64
	set     bool
	invalid bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		n.v, n.set = f, true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		s = strings.TrimSpace(strings.ToLower(s))
		s = strings.TrimRight(s, " gkcalr")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			n.v, n.set = f, true
			return nil
		}
	}
	n.invalid = true
	return nil
}

type wireMacros struct {
	ProteinG number `json:"protein_g"`
	FatG     number `json:"fat_g"`
	CarbsG   number `json:"carbs_g"`
}

type wireAnalysis struct {
	DishName      *string         `json:"dish_name"`
	WeightG       number          `json:"weight_g"`
	CookingMethod string          `json:"cooking_method"`
	CaloriesKcal  number          `json:"calories_kcal"`
	Calories      number          `json:"calories"`
	ProteinG      number          `json:"protein_g"`
	FatG          number          `json:"fat_g"`
	CarbsG        number          `json:"carbs_g"`
	Macros        *wireMacros     `json:"macros"`
	Confidence    json.RawMessage `json:"confidence"`
	Assumptions   []string        `json:"assumptions"`
}

// Normalize turns a raw service reply into a validated [Result]. Required
// fields are dish_name, weight_g, calories_kcal, protein_g, fat_g and
// carbs_g; macros may also be nested under "macros". Implausible values
// are rejected with an [OutOfRange] error, never clamped.
func Normalize(raw string, kind SourceKind) (Result, error) {
	w, err := decodeWire(raw)
	if err != nil {
		return Result{}, err
	}

	r, err := w.build(nil)
	if err != nil {
		return Result{}, err
	}
	r.SourceKind = kind
	r.RawResponse = raw
	return r, nil
}

// NormalizeRefinement builds the successor of prior from a refinement
// reply. The field the user corrected is pinned to the user's value,
// the other is inherited from prior when the reply omits it, and the
// dish name falls back to prior's.
func NormalizeRefinement(raw string, prior Result, req Refinement) (Result, error) {
	w, err := decodeWire(raw)
	if err != nil {
		return Result{}, err
	}

	switch req.Field {
	case FieldWeight:
		w.WeightG = number{v: float64(req.WeightGrams), set: true}
	case FieldCookingMethod:
		w.CookingMethod = string(req.Method)
	}

	r, err := w.build(&prior)
	if err != nil {
		return Result{}, err
	}
	r.SourceKind = prior.SourceKind
	r.DerivedFrom = prior.ID
	r.RawResponse = raw
	return r, nil
}

func decodeWire(raw string) (*wireAnalysis, error) {
	payload, ok := ExtractJSON(raw)
	if !ok || !strings.HasPrefix(payload, "{") {
		return nil, &NormalizationError{Kind: MissingField, Field: "payload", Reason: "no JSON object in reply"}
	}
	var w wireAnalysis
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, &NormalizationError{Kind: MissingField, Field: "payload", Reason: err.Error()}
	}
	return &w, nil
}

// build validates the wire payload. prior, when non-nil, supplies the
// dish name, weight and cooking method the reply leaves out.
func (w *wireAnalysis) build(prior *Result) (Result, error) {
	var r Result

	name := ""
	if w.DishName != nil {
		name = CleanDishName(*w.DishName)
	}
	if name == "" && prior != nil {
		name = prior.DishName
	}
	if name == "" {
		return Result{}, missing("dish_name")
	}
	if n := utf8.RuneCountInString(name); n < MinDishNameLen || n > MaxDishNameLen {
		return Result{}, outOfRange("dish_name", "length %d outside %d..%d", n, MinDishNameLen, MaxDishNameLen)
	}
	r.DishName = name

	weight := w.WeightG
	if !weight.set && !weight.invalid && prior != nil {
		weight = number{v: float64(prior.WeightGrams), set: true}
	}
	grams, err := requireNumber("weight_g", weight)
	if err != nil {
		return Result{}, err
	}
	if grams < MinWeightGrams || grams > MaxWeightGrams {
		return Result{}, outOfRange("weight_g", "%g outside %d..%d", grams, MinWeightGrams, MaxWeightGrams)
	}
	r.WeightGrams = int(math.Round(grams))

	method, ok := ParseCookingMethod(w.CookingMethod)
	if !ok && prior != nil && strings.TrimSpace(w.CookingMethod) == "" {
		method = prior.CookingMethod
	}
	r.CookingMethod = method

	calories := w.CaloriesKcal
	if !calories.set && !calories.invalid {
		calories = w.Calories
	}
	kcal, err := requireNumber("calories_kcal", calories)
	if err != nil {
		return Result{}, err
	}
	if kcal < 0 {
		return Result{}, outOfRange("calories_kcal", "negative value %g", kcal)
	}
	if limit := MaxKcalPerGram * float64(r.WeightGrams); kcal > limit {
		return Result{}, outOfRange("calories_kcal", "%g kcal exceeds %g for %d g", kcal, limit, r.WeightGrams)
	}
	r.CaloriesKcal = kcal

	protein, fat, carbs := w.ProteinG, w.FatG, w.CarbsG
	if w.Macros != nil {
		protein = firstSet(protein, w.Macros.ProteinG)
		fat = firstSet(fat, w.Macros.FatG)
		carbs = firstSet(carbs, w.Macros.CarbsG)
	}
	for _, m := range []struct {
		field string
		n     number
		dst   *float64
	}{
		{"protein_g", protein, &r.Macros.ProteinG},
		{"fat_g", fat, &r.Macros.FatG},
		{"carbs_g", carbs, &r.Macros.CarbG},
	} {
		v, err := requireNumber(m.field, m.n)
		if err != nil {
			return Result{}, err
		}
		if v < 0 {
			return Result{}, outOfRange(m.field, "negative value %g", v)
		}
		*m.dst = v
	}
	// Macronutrients are a subset of the portion's mass. Allow a little
	// slack for rounding in the reply.
	if total := r.Macros.Total(); total > float64(r.WeightGrams)*1.05+1 {
		return Result{}, outOfRange("macros", "%g g of macronutrients in a %d g portion", total, r.WeightGrams)
	}

	r.Confidence = parseConfidence(w.Confidence)
	r.Assumptions = cleanAssumptions(w.Assumptions)

	id, err := uuid.NewV7()
	if err != nil {
		return Result{}, fmt.Errorf("generate result ID: %w", err)
	}
	r.ID = id.String()
	r.CreatedAt = time.Now().UTC()
	return r, nil
}

func requireNumber(field string, n number) (float64, error) {
	if n.invalid {
		return 0, outOfRange(field, "not a number")
	}
	if !n.set {
		return 0, missing(field)
	}
	if math.IsNaN(n.v) || math.IsInf(n.v, 0) {
		return 0, outOfRange(field, "not a finite number")
	}
	return n.v, nil
}

func firstSet(a, b number) number {
	if a.set || a.invalid {
		return a
	}
	return b
}

// CleanDishName collapses whitespace and removes characters that are
// unsafe to echo into chat markup.
func CleanDishName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '&', '"', '\\', '/':
			return -1
		case '\n', '\r', '\t':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// parseConfidence accepts a word ("high"), or a number in 0..1 or
// 0..100. Anything else, including absence, is low.
func parseConfidence(raw json.RawMessage) Confidence {
	if len(raw) == 0 {
		return ConfidenceLow
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch Confidence(strings.ToLower(strings.TrimSpace(s))) {
		case ConfidenceHigh:
			return ConfidenceHigh
		case ConfidenceMedium:
			return ConfidenceMedium
		}
		return ConfidenceLow
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return ConfidenceLow
	}
	if f > 1 {
		f /= 100
	}
	switch {
	case f >= 0.75:
		return ConfidenceHigh
	case f >= 0.4:
		return ConfidenceMedium
	}
	return ConfidenceLow
}

const (
	maxAssumptions   = 5
	maxAssumptionLen = 200
)

func cleanAssumptions(in []string) []string {
	var out []string
	for _, a := range in {
		a = strings.Join(strings.Fields(a), " ")
		if a == "" {
			continue
		}
		if utf8.RuneCountInString(a) > maxAssumptionLen {
			a = string([]rune(a)[:maxAssumptionLen-1]) + "…"
		}
		out = append(out, a)
		if len(out) == maxAssumptions {
			break
		}
	}
	return out
}
