package inference

import "strings"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	filterInstruction = `Decide whether the item below is relevant. ` +
		`Reply with a single JSON object {"verdict": "accept"|"reject", "reason": "<short reason>"} and nothing else.`
	analysisInstruction = `Analyse the item below. ` +
		`Reply with a single JSON object containing "verdict" and "reason" fields and any findings.`
)

// BuildMessages builds the request for one item. An empty shared prompt selects
// the mode's default instruction.
func BuildMessages(m Mode, sharedPrompt, item string) []Message {
	instr := strings.TrimSpace(sharedPrompt)
	if instr == "" {
		switch m {
		case ModeFilter:
			instr = filterInstruction
		case ModeAnalysis:
			instr = analysisInstruction
		}
	}
	if instr == "" {
		return []Message{{Role: "user", Content: item}}
	}
	return []Message{
		{Role: "system", Content: instr},
		{Role: "user", Content: item},
	}
}

// FlattenMessages collapses a conversation into a single instruction block,
// one "Role: content" paragraph per turn, ending with an assistant cue.
func FlattenMessages(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		role := strings.TrimSpace(m.Role)
		if role == "" {
			role = "user"
		}
		b.WriteString(strings.ToUpper(role[:1]))
		b.WriteString(role[1:])
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}
