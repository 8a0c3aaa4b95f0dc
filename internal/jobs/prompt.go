package jobs

import "strings"

// outputContract tells the model exactly what shape to answer in. The parser
// tolerates deviations, but the contract keeps the fallback path rare.
const outputContract = `Respond with a single JSON object and nothing else:
{"result": 1, "explanation": "...", "location": "...", "quote": "..."}
Use "result": 1 if the attached documents comply with the guideline,
0 if they do not comply, and -1 if compliance cannot be determined.
"explanation" must justify the verdict, "location" must point at the
relevant place in the documents, and "quote" must cite the supporting
passage verbatim.`

// buildGuidelineInstructions assembles the instruction text for a single
// guideline slot.
func buildGuidelineInstructions(systemPrompt string, slot GuidelineResult) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Guideline: ")
	b.WriteString(slot.Title)
	b.WriteString("\n\n")
	b.WriteString(slot.RegulationText)
	b.WriteString("\n\n")
	b.WriteString(outputContract)
	return b.String()
}

// buildPromptInstructions assembles the instruction text for a prompt-mode
// job, where the caller supplies the analysis question directly.
func buildPromptInstructions(generalPrompt, userPrompt string) string {
	var b strings.Builder
	if generalPrompt != "" {
		b.WriteString(generalPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString(userPrompt)
	return b.String()
}
