package executor

import "strings"

// planSentinel terminates the plan portion of a PLAN-mode agent's output
// (spec §4.3 step 2).
const planSentinel = "---PLAN END---"

const planPreamble = `Before doing any work, write a complete plan describing the changes you intend to make. Terminate the plan with the line:
` + planSentinel + `
Do not begin implementation before emitting that line.

`

const workflowSuffix = `

When you are done, commit your changes, merge your branch into the base branch, and push. Do not ask for confirmation before doing so.`

// composePrompt builds the text sent to the agent, per spec §4.3 step 2:
// PLAN mode prepends a preamble instructing a sentinel-terminated plan;
// every mode appends a workflow suffix instructing the agent to commit,
// merge, and push on success.
func composePrompt(mode string, userPrompt string) string {
	if mode == "PLAN" {
		return planPreamble + userPrompt + workflowSuffix
	}
	return userPrompt + workflowSuffix
}

// splitPlanAndOutput separates an agent's final text into plan and output
// portions per spec §4.3 step 7: if the sentinel is absent, the entire
// text is the plan and output is empty.
func splitPlanAndOutput(mode string, finalText string) (plan string, output string) {
	if mode != "PLAN" {
		return "", finalText
	}
	idx := strings.Index(finalText, planSentinel)
	if idx < 0 {
		return finalText, ""
	}
	plan = strings.TrimSpace(finalText[:idx])
	output = strings.TrimSpace(finalText[idx+len(planSentinel):])
	return plan, output
}
