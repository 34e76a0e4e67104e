package prompts

import (
	"fmt"
	"strings"
)

// AnalysisSystem is the system prompt for every nutrition estimate,
// first analysis and refinement alike.
const AnalysisSystem = `You are a nutrition estimator. You look at a meal (a photo or a short
description) and estimate the nutritional content of the portion shown or
described. Be realistic: use typical recipes and portion sizes when the
input leaves something out, and say what you assumed.

Reply with a single JSON object and nothing else. Fields:
  dish_name       short name of the dish, 2-100 characters
  weight_g        total portion weight in grams (integer, 1-5000)
  cooking_method  one of: raw, boiled, fried, baked, steamed, unspecified
  calories_kcal   total energy for the whole portion in kcal
  protein_g       grams of protein in the whole portion
  fat_g           grams of fat in the whole portion
  carbs_g         grams of carbohydrate in the whole portion
  confidence      one of: low, medium, high
  assumptions     list of short strings, at most 5

If the input does not show or describe food, reply with
{"dish_name": null}.`

const analysisTextTemplate = `Estimate the nutrition of this meal description.

Description: %s

Use the weight and cooking method from the description when it gives
them. JSON:`

const analysisImageTemplate = `Estimate the nutrition of the meal in this photo.%s

Judge the portion size from plate and cutlery scale. JSON:`

// AnalysisTextPrompt returns the user prompt for a free-text meal
// description.
func AnalysisTextPrompt(description string) string {
	return fmt.Sprintf(analysisTextTemplate, strings.TrimSpace(description))
}

// AnalysisImagePrompt returns the user prompt sent alongside a meal
// photo. caption is optional text the user attached to the photo.
func AnalysisImagePrompt(caption string) string {
	caption = strings.TrimSpace(caption)
	if caption != "" {
		caption = "\n\nThe user added: " + caption
	}
	return fmt.Sprintf(analysisImageTemplate, caption)
}
