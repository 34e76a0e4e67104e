package prompts

import (
	"strings"
	"testing"
)

func TestAnalysisPrompts(t *testing.T) {
	got := AnalysisTextPrompt("  pasta carbonara 250g baked ")
	if !strings.Contains(got, "Description: pasta carbonara 250g baked\n") {
		t.Errorf("description not interpolated: %q", got)
	}

	if got := AnalysisImagePrompt(""); strings.Contains(got, "The user added") {
		t.Error("empty caption should not add a caption line")
	}
	if got := AnalysisImagePrompt("my lunch"); !strings.Contains(got, "The user added: my lunch") {
		t.Errorf("caption missing: %q", got)
	}

	for _, field := range []string{"dish_name", "weight_g", "cooking_method", "calories_kcal", "protein_g", "fat_g", "carbs_g", "confidence"} {
		if !strings.Contains(AnalysisSystem, field) {
			t.Errorf("system prompt missing field %q", field)
		}
	}
}

func TestRefinementPrompt(t *testing.T) {
	got := RefinementPrompt("Pasta carbonara", 250, "baked", 480, 18.5, 22, 52, nil, "portion weight is 400 g")

	for _, want := range []string{
		"dish_name: Pasta carbonara",
		"weight_g: 250",
		"calories_kcal: 480",
		"protein_g: 18.5",
		"assumptions: none",
		"the portion weight is 400 g.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(got, "%!") {
		t.Errorf("format verb mismatch in prompt:\n%s", got)
	}
}

func TestFactPrompt(t *testing.T) {
	got := FactPrompt("Pasta carbonara", nil)
	if !strings.Contains(got, `"Pasta carbonara"`) {
		t.Error("dish name should be quoted in prompt")
	}
	if strings.Contains(got, "Do not repeat") {
		t.Error("no exclusion block expected without excludes")
	}

	got = FactPrompt("Pasta carbonara", []string{"It was first recorded in 1950."})
	if !strings.Contains(got, "- It was first recorded in 1950.") {
		t.Errorf("exclusion missing:\n%s", got)
	}
	if strings.Contains(got, "%!") {
		t.Errorf("format verb mismatch in prompt:\n%s", got)
	}
}
