package llm

// EstimateTokens approximates the token count of text without a tokenizer.
// ASCII runs about four characters per token; other scripts about one.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}

// TrimHistory keeps the newest messages that fit both limits. A limit <= 0
// disables that bound. The most recent message is always kept.
func TrimHistory(history []Message, tokenLimit, messageLimit int) []Message {
	if len(history) == 0 {
		return history
	}

	if messageLimit > 0 && len(history) > messageLimit {
		history = history[len(history)-messageLimit:]
	}
	if tokenLimit <= 0 {
		return history
	}

	total := 0
	for _, m := range history {
		total += EstimateTokens(m.Content)
	}
	for total > tokenLimit && len(history) > 1 {
		total -= EstimateTokens(history[0].Content)
		history = history[1:]
	}

	// Providers expect the conversation to open with a user turn.
	for len(history) > 1 && history[0].Role == RoleAssistant {
		history = history[1:]
	}
	return history
}
