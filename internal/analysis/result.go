// Package analysis defines the structured nutrition estimate produced for
// a meal and the rules that turn an untrusted service response into one.
//
// A [Result] is immutable once built: refinements produce a new Result
// that records the ID of the one it was derived from. [Normalize] and
// [NormalizeRefinement] validate service payloads and reject implausible
// values rather than clamping them. [ParseRefinement] reads a user's
// correction ("actually 400g", "it was fried") into a [Refinement].
package analysis

import (
	"strconv"
	"strings"
	"time"
)

// Plausibility bounds for a single portion.
const (
	MinWeightGrams = 1
	MaxWeightGrams = 5000

	// MaxKcalPerGram bounds energy density. Pure fat is about 9 kcal/g.
	MaxKcalPerGram = 9.5

	MinDishNameLen = 2
	MaxDishNameLen = 100
)

// SourceKind records whether an analysis started from a photo or text.
type SourceKind string

const (
	SourceImage SourceKind = "image"
	SourceText  SourceKind = "text"
)

// CookingMethod is the preparation method used for the estimate.
type CookingMethod string

const (
	MethodRaw         CookingMethod = "raw"
	MethodBoiled      CookingMethod = "boiled"
	MethodFried       CookingMethod = "fried"
	MethodBaked       CookingMethod = "baked"
	MethodSteamed     CookingMethod = "steamed"
	MethodUnspecified CookingMethod = "unspecified"
)

// methodWords maps every word we accept for a cooking method, including
// participles and close synonyms, onto the enum. Grilling, roasting and
// broiling are dry-heat methods and are folded into baked; sautéing and
// pan-searing into fried.
var methodWords = map[string]CookingMethod{
	"raw":        MethodRaw,
	"uncooked":   MethodRaw,
	"fresh":      MethodRaw,
	"boil":       MethodBoiled,
	"boiled":     MethodBoiled,
	"boiling":    MethodBoiled,
	"poached":    MethodBoiled,
	"stewed":     MethodBoiled,
	"fry":        MethodFried,
	"fried":      MethodFried,
	"frying":     MethodFried,
	"deep-fried": MethodFried,
	"pan-fried":  MethodFried,
	"sauteed":    MethodFried,
	"sautéed":    MethodFried,
	"seared":     MethodFried,
	"bake":       MethodBaked,
	"baked":      MethodBaked,
	"baking":     MethodBaked,
	"roasted":    MethodBaked,
	"roast":      MethodBaked,
	"grilled":    MethodBaked,
	"grill":      MethodBaked,
	"broiled":    MethodBaked,
	"steam":      MethodSteamed,
	"steamed":    MethodSteamed,
	"steaming":   MethodSteamed,
}

// ParseCookingMethod maps a word or phrase onto a [CookingMethod]. The
// boolean is false when the input names no known method.
func ParseCookingMethod(s string) (CookingMethod, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch CookingMethod(s) {
	case MethodRaw, MethodBoiled, MethodFried, MethodBaked, MethodSteamed, MethodUnspecified:
		return CookingMethod(s), true
	}
	if m, ok := methodWords[s]; ok {
		return m, true
	}
	return MethodUnspecified, false
}

// Confidence is the service's self-reported certainty.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Macros holds the macronutrient breakdown in grams.
type Macros struct {
	ProteinG float64 `json:"protein_g"`
	FatG     float64 `json:"fat_g"`
	CarbG    float64 `json:"carbs_g"`
}

// Total returns the summed macronutrient mass.
func (m Macros) Total() float64 {
	return m.ProteinG + m.FatG + m.CarbG
}

// Result is one structured nutrition estimate.
type Result struct {
	ID            string        `json:"id"`
	DishName      string        `json:"dish_name"`
	WeightGrams   int           `json:"weight_g"`
	CookingMethod CookingMethod `json:"cooking_method"`
	CaloriesKcal  float64       `json:"calories_kcal"`
	Macros        Macros        `json:"macros"`
	Confidence    Confidence    `json:"confidence"`
	SourceKind    SourceKind    `json:"source_kind"`
	Assumptions   []string      `json:"assumptions,omitempty"`
	DerivedFrom   string        `json:"derived_from,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`

	// RawResponse is the service payload the result was built from. It is
	// kept for diagnostics and never shown to users.
	RawResponse string `json:"raw_response,omitempty"`
}

// RefinementField names the attribute a refinement changes.
type RefinementField string

const (
	FieldWeight        RefinementField = "weight"
	FieldCookingMethod RefinementField = "cooking_method"
)

// Refinement is a parsed user correction to the current analysis.
type Refinement struct {
	Field       RefinementField `json:"field"`
	WeightGrams int             `json:"weight_g,omitempty"`
	Method      CookingMethod   `json:"cooking_method,omitempty"`
}

// String describes the refinement in words suitable for a prompt.
func (r Refinement) String() string {
	switch r.Field {
	case FieldWeight:
		return "portion weight is " + strconv.Itoa(r.WeightGrams) + " g"
	case FieldCookingMethod:
		return "cooking method is " + string(r.Method)
	}
	return "no change"
}
