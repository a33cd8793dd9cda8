package persona

import "strings"

var guidelines = []string{
	"Guidelines:",
	"1. Respond as if you are this part, using first-person perspective.",
	"2. Stay true to the part's feelings, beliefs, and characteristics.",
	"3. Express the part's needs and concerns authentically.",
	"4. Avoid being judgmental or harmful.",
	"5. Keep responses concise and focused.",
}

var safetyGuidelines = []string{
	"Safety guidelines:",
	"1. If the conversation becomes harmful or inappropriate, gently redirect.",
	"2. Do not provide dangerous advice or encourage harmful behavior.",
	"3. Remember this is for self-exploration and understanding, not therapy.",
}

// BuildPrompt assembles the role-play prompt for part: framing sentence,
// attribute lines (empty ones omitted), guideline blocks, the last window
// turns of history oldest first, then the new user line and an open line for
// the part. A window <= 0 includes no history.
func BuildPrompt(part Part, history []Turn, message string, window int) string {
	name := part.Name
	if name == "" {
		name = "a part"
	}

	var b strings.Builder
	b.WriteString("You are roleplaying as " + name + ", which is an internal part of a person according to Internal Family Systems therapy.\n")
	writeAttr(&b, "Role", part.Role)
	writeAttr(&b, "Description", part.Description)
	writeAttr(&b, "Feelings", strings.Join(part.Feelings, ", "))
	writeAttr(&b, "Beliefs", strings.Join(part.Beliefs, ", "))
	writeAttr(&b, "Triggers", strings.Join(part.Triggers, ", "))
	writeAttr(&b, "Needs", strings.Join(part.Needs, ", "))

	b.WriteString("\n" + strings.Join(guidelines, "\n") + "\n")
	b.WriteString("\n" + strings.Join(safetyGuidelines, "\n") + "\n\n")

	speaker := speakerName(part)
	for _, turn := range lastTurns(history, window) {
		who := speaker
		if turn.Role == "user" {
			who = "User"
		}
		b.WriteString(who + ": " + turn.Content + "\n")
	}
	b.WriteString("User: " + message + "\n")
	b.WriteString(speaker + ": ")
	return b.String()
}

func writeAttr(b *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	b.WriteString(label + ": " + value + "\n")
}

func speakerName(part Part) string {
	if part.Name == "" {
		return "Part"
	}
	return part.Name
}

func lastTurns(history []Turn, window int) []Turn {
	if window <= 0 {
		return nil
	}
	if len(history) > window {
		return history[len(history)-window:]
	}
	return history
}
