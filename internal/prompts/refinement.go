package prompts

import (
	"fmt"
	"strings"
)

// refinementTemplate re-estimates a previous analysis after the user
// corrected one attribute. Format verbs: dish, weight, method, kcal,
// protein, fat, carbs, assumptions, correction.
const refinementTemplate = `You previously estimated this meal:

  dish_name: %s
  weight_g: %d
  cooking_method: %s
  calories_kcal: %.0f
  protein_g: %.1f
  fat_g: %.1f
  carbs_g: %.1f
  assumptions: %s

The user corrected it: the %s.

Re-estimate calories and macronutrients for the corrected portion. Keep
the dish the same, keep every attribute the user did not correct, and do
not simply scale numbers when the cooking method changes (frying adds
fat, boiling adds water weight). Reply with the full JSON object. JSON:`

// RefinementPrompt returns the user prompt that asks the service to
// re-estimate a prior analysis given a single correction.
func RefinementPrompt(dish string, weightG int, method string, kcal, protein, fat, carbs float64, assumptions []string, correction string) string {
	a := "none"
	if len(assumptions) > 0 {
		a = strings.Join(assumptions, "; ")
	}
	return fmt.Sprintf(refinementTemplate, dish, weightG, method, kcal, protein, fat, carbs, a, correction)
}
