// Package prompts contains the LLM prompt templates Platecheck sends to
// the nutrition estimation service.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, are compiled into the
// binary, and can be checked by tests. Every template asks for JSON only;
// replies are still parsed defensively by the analysis package.
//
// Convention: each prompt category gets its own file (analysis.go,
// refinement.go, fact.go) with an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt string.
package prompts
