package analysis

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// weightPattern matches a number optionally followed by a unit word.
// The unit is checked separately so "2 cups" can be told apart from
// "400 g". Comma-grouped thousands ("1,200") are tried before a decimal
// comma ("0,5").
var weightPattern = regexp.MustCompile(`([1-9]\d{0,2}(?:,\d{3})+(?:\.\d+)?|\d+(?:[.,]\d+)?)\s*(\p{L}+)?`)

var thousandsPattern = regexp.MustCompile(`^[1-9]\d{0,2}(?:,\d{3})+(?:\.\d+)?$`)

var wordPattern = regexp.MustCompile(`[\p{L}'-]+`)

// gramsPerUnit converts weight units to grams. The empty unit is grams.
var gramsPerUnit = map[string]float64{
	"":          1,
	"g":         1,
	"gr":        1,
	"gm":        1,
	"gms":       1,
	"gram":      1,
	"grams":     1,
	"gramme":    1,
	"grammes":   1,
	"г":         1,
	"гр":        1,
	"kg":        1000,
	"kgs":       1000,
	"kilo":      1000,
	"kilos":     1000,
	"kilogram":  1000,
	"kilograms": 1000,
	"кг":        1000,
	"oz":        28.349523125,
	"ounce":     28.349523125,
	"ounces":    28.349523125,
	"lb":        453.59237,
	"lbs":       453.59237,
	"pound":     453.59237,
	"pounds":    453.59237,
}

// countUnits are quantities that are not weights. A number followed by
// one of these is not read as grams.
var countUnits = map[string]bool{
	"cup": true, "cups": true, "slice": true, "slices": true,
	"piece": true, "pieces": true, "serving": true, "servings": true,
	"ml": true, "l": true, "liter": true, "liters": true, "litre": true, "litres": true,
	"tbsp": true, "tsp": true, "spoon": true, "spoons": true, "egg": true, "eggs": true,
	"kcal": true, "cal": true, "calories": true, "percent": true, "x": true,
	"min": true, "mins": true, "minutes": true, "am": true, "pm": true,
}

// refinementCues open a correction of the previous estimate.
var refinementCues = []string{
	"actually", "make it", "make that", "it was", "it's", "its", "it is",
	"that was", "only", "more like", "instead", "correction", "no,", "no ",
	"not ", "change", "should be", "i meant", "sorry", "wait", "oops",
	"about ", "around ", "roughly", "approximately", "closer to", "nope",
}

// fillerWords may accompany a bare weight or method without turning the
// message into a new dish description.
var fillerWords = map[string]bool{
	"a": true, "an": true, "the": true, "it": true, "its": true, "it's": true,
	"was": true, "is": true, "be": true, "been": true, "more": true, "like": true,
	"about": true, "around": true, "roughly": true, "approximately": true, "approx": true,
	"maybe": true, "please": true, "only": true, "just": true, "actually": true,
	"make": true, "that": true, "no": true, "not": true, "nope": true, "i": true,
	"think": true, "meant": true, "mean": true, "say": true, "said": true, "of": true,
	"portion": true, "weight": true, "weighed": true, "weighs": true, "cooked": true,
	"method": true, "instead": true, "correction": true, "sorry": true, "oh": true,
	"ok": true, "okay": true, "wait": true, "change": true, "should": true, "to": true,
	"and": true, "so": true, "um": true, "hmm": true, "really": true, "yes": true,
	"yeah": true, "closer": true, "oops": true, "total": true, "in": true, "all": true,
	"serving": true, "size": true, "with": true, "by": true, "than": true, "less": true,
}

// ParseRefinement reads a weight or cooking-method correction from text.
// Weights are a number with an optional unit (g, kg, oz, lb; grams when
// omitted) and must land in MinWeightGrams..MaxWeightGrams. When text
// names both a weight and a method, the weight wins.
func ParseRefinement(text string) (Refinement, error) {
	if grams, found, reason := findWeight(text); found {
		if reason != "" {
			return Refinement{}, &ParseError{Kind: Unrecognized, Input: text, Reason: reason}
		}
		return Refinement{Field: FieldWeight, WeightGrams: grams}, nil
	}

	if m, ok := findMethod(text); ok {
		return Refinement{Field: FieldCookingMethod, Method: m}, nil
	}

	return Refinement{}, &ParseError{Kind: Unrecognized, Input: text, Reason: "no weight or cooking method found"}
}

// LooksLikeRefinement reports whether text reads as a correction of the
// current estimate rather than a new dish. It is true when the text is
// only a weight or cooking method plus filler words ("400g", "fried
// please"), or opens with a correction cue and names at most one other
// word ("actually 350g of pasta"). A cue followed by a description
// ("it's a fried chicken sandwich") is a new dish.
func LooksLikeRefinement(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" || strings.HasPrefix(lower, "/") {
		return false
	}

	hasCue := false
	for _, cue := range refinementCues {
		if strings.HasPrefix(lower, cue) {
			hasCue = true
			break
		}
	}

	_, hasWeight, _ := findWeight(lower)
	_, hasMethod := findMethod(lower)
	hasDelta := hasWeight || hasMethod

	residue := 0
	for _, w := range wordPattern.FindAllString(weightPattern.ReplaceAllString(lower, " "), -1) {
		w = strings.Trim(w, "'-")
		if w == "" || fillerWords[w] {
			continue
		}
		if _, ok := methodWords[w]; ok {
			continue
		}
		residue++
	}

	switch {
	case hasDelta && residue == 0:
		return true
	case hasCue && hasDelta && residue <= 1:
		return true
	case hasCue && residue == 0:
		return true
	}
	return false
}

// findWeight returns the first weight in text. found is true when a
// weight expression was present; reason is non-empty when it could not
// be used.
func findWeight(text string) (grams int, found bool, reason string) {
	for _, m := range weightPattern.FindAllStringSubmatch(strings.ToLower(text), -1) {
		unit := m[2]
		factor, ok := gramsPerUnit[unit]
		if !ok {
			if countUnits[unit] {
				continue
			}
			// A number followed by an unrelated word ("400 please").
			factor = 1
		}

		v, err := strconv.ParseFloat(numeral(m[1]), 64)
		if err != nil {
			continue
		}
		g := math.Round(v * factor)
		if g < MinWeightGrams || g > MaxWeightGrams {
			return 0, true, "weight " + strconv.FormatFloat(g, 'f', -1, 64) + " g is outside " +
				strconv.Itoa(MinWeightGrams) + ".." + strconv.Itoa(MaxWeightGrams) + " g"
		}
		return int(g), true, ""
	}
	return 0, false, ""
}

// numeral rewrites a matched number for strconv: grouping commas are
// dropped, a lone comma is a decimal point.
func numeral(s string) string {
	if thousandsPattern.MatchString(s) {
		return strings.ReplaceAll(s, ",", "")
	}
	return strings.Replace(s, ",", ".", 1)
}

// findMethod returns the first cooking-method word in text.
func findMethod(text string) (CookingMethod, bool) {
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		w = strings.Trim(w, "'-")
		if m, ok := methodWords[w]; ok {
			return m, true
		}
		if w == "stir-fried" || w == "stir-fry" {
			return MethodFried, true
		}
	}
	return MethodUnspecified, false
}
