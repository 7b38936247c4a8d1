package usecase

import (
	"fmt"
	"strings"

	"patient-sim/internal/domain"
)

// buildPersonaPrompt wraps the scripted patient persona with the rules
// that keep the model in character across the whole interview.
func buildPersonaPrompt(script string) string {
	return strings.Join([]string{
		"Role:",
		"You are playing a patient in a clinical interview with a trainee.",
		"Stay in character for the entire conversation.",
		"",
		"Patient Script:",
		strings.TrimSpace(script),
		"",
		"Behavior Rules:",
		"1) Answer only as the patient described in the script.",
		"2) Reveal details only when the trainee asks about them.",
		"3) Keep answers short and conversational, the way a patient speaks.",
		"4) Never break character, mention being an AI, or evaluate the trainee.",
		"5) If asked something the script does not cover, improvise a plausible answer consistent with the script.",
	}, "\n")
}

// buildCritiqueMessages assembles the one-shot critique request. Only
// trainee-authored turns are listed; patient replies are never
// attributed to the trainee.
func buildCritiqueMessages(template string, history []domain.Turn) []domain.ChatMessage {
	system := strings.Join([]string{
		strings.TrimSpace(template),
		"",
		"Address the trainee directly in first person, as \"you\".",
		"Base the critique only on the questions listed in the request.",
	}, "\n")

	questions := traineeQuestions(history)
	var b strings.Builder
	b.WriteString("The trainee asked the following questions during the interview:\n")
	for i, q := range questions {
		fmt.Fprintf(&b, "%d) %s\n", i+1, q)
	}

	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Content: b.String()},
	}
}

func traineeQuestions(history []domain.Turn) []string {
	var out []string
	for _, turn := range history {
		if turn.Role != domain.RoleUser {
			continue
		}
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		out = append(out, content)
	}
	return out
}
