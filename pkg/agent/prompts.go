package agent

import (
	"fmt"
	"strings"
)

const defaultPersona = "You are a careful research assistant. Answer using the knowledge base and tools; " +
	"cite which sources informed your answer when possible."

const formatInstructions = `Use this exact format:

Thought: reason about what to do next
Action: the tool to use, exactly one of the tool names above
Action Input: the input for the tool
Observation: the tool result (provided by the system)

Repeat Thought/Action/Action Input/Observation as many times as needed.
When you have enough information, finish with:

Thought: I now know the final answer
Final Answer: your complete answer`

// buildPrompt assembles the ReAct prompt for one iteration: persona, tool
// catalogue, format contract, optional plan and history, the question, and
// the serialised trajectory so far.
func buildPrompt(persona, toolList, plan, history, question, guidance string, steps []Step) string {
	var sb strings.Builder

	if persona == "" {
		persona = defaultPersona
	}
	sb.WriteString(persona)
	sb.WriteString("\n\nYou have access to the following tools:\n")
	sb.WriteString(toolList)
	sb.WriteString("\n")
	sb.WriteString(formatInstructions)
	sb.WriteString("\n")

	if plan != "" {
		sb.WriteString("\nYour plan:\n")
		sb.WriteString(plan)
		sb.WriteString("\n")
	}
	if history != "" {
		sb.WriteString("\nConversation so far:\n")
		sb.WriteString(history)
		sb.WriteString("\n")
	}
	if guidance != "" {
		sb.WriteString("\nGuidance from your last self-check: ")
		sb.WriteString(guidance)
		sb.WriteString("\n")
	}

	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)
	sb.WriteString("\n\n")

	for _, step := range steps {
		if step.Thought != "" {
			fmt.Fprintf(&sb, "Thought: %s\n", step.Thought)
		}
		if step.Tool != "" {
			fmt.Fprintf(&sb, "Action: %s\nAction Input: %s\nObservation: %s\n", step.Tool, step.ToolInput, step.Observation)
		}
	}
	sb.WriteString("Thought:")
	return sb.String()
}

// Reflection verdict prefixes.
const (
	verdictApproved = "APPROVED"
	verdictRetry    = "RETRY:"
)

func buildReflectionPrompt(question string, steps []Step) string {
	var sb strings.Builder
	sb.WriteString("You are reviewing an agent's progress on this question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nTrajectory so far:\n")
	for _, step := range steps {
		fmt.Fprintf(&sb, "Step %d: thought=%q", step.Step, step.Thought)
		if step.Tool != "" {
			fmt.Fprintf(&sb, " tool=%s input=%q", step.Tool, step.ToolInput)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nIs the agent on track to answer the question? Reply with exactly APPROVED if yes.\n")
	sb.WriteString("Otherwise reply RETRY: followed by one sentence of advice. Do not add anything else.")
	return sb.String()
}

// parseReflection splits a reflection reply into (approved, advice).
func parseReflection(reply string) (bool, string) {
	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, verdictApproved) {
		return true, ""
	}
	if strings.HasPrefix(reply, verdictRetry) {
		return false, strings.TrimSpace(strings.TrimPrefix(reply, verdictRetry))
	}
	// Anything off-format counts as approval; reflection must never stall
	// the run.
	return true, ""
}

func buildPlanningPrompt(question, toolList string) string {
	var sb strings.Builder
	sb.WriteString("Plan how to answer this question using the available tools.\n\nTools:\n")
	sb.WriteString(toolList)
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)
	sb.WriteString("\n\nWrite at most 4 lines, each of the form \"Step N: ...\". No other text.")
	return sb.String()
}

// parsePlan keeps only well-formed "Step N:" lines.
func parsePlan(reply string) string {
	var steps []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Step ") && strings.Contains(line, ":") {
			steps = append(steps, line)
		}
	}
	return strings.Join(steps, "\n")
}
