// Package llmcontext keeps an inner-loop transcript within a token budget:
// a character-based token estimate plus an oldest-first trim that never drops
// pinned messages.
package llmcontext

// charsPerToken is the rough chars-to-tokens ratio used when no tokenizer is
// available. Deliberately conservative for English prose and JSON payloads.
const charsPerToken = 4

// perMessageOverhead accounts for the role/framing tokens each message costs
// beyond its content.
const perMessageOverhead = 4

// Message is one transcript entry as the trimmer sees it.
type Message struct {
	Role    string
	Content string
	// Pinned messages survive every trim (e.g. a node's seed prompt).
	Pinned bool
}

// EstimateTokens approximates the token cost of text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/charsPerToken + 1
}

func messageTokens(m Message) int {
	return EstimateTokens(m.Content) + perMessageOverhead
}

// TrimOldest drops the oldest unpinned messages until the transcript fits in
// maxTokens, preserving relative order. It returns the kept messages and how
// many were removed. A budget that even the pinned messages exceed returns
// just the pinned ones — the trimmer never invents room by dropping pins.
func TrimOldest(messages []Message, maxTokens int) ([]Message, int) {
	if maxTokens <= 0 || len(messages) == 0 {
		return messages, 0
	}

	total := 0
	for _, m := range messages {
		total += messageTokens(m)
	}
	if total <= maxTokens {
		return messages, 0
	}

	drop := make([]bool, len(messages))
	removed := 0
	for i := 0; i < len(messages) && total > maxTokens; i++ {
		if messages[i].Pinned {
			continue
		}
		drop[i] = true
		removed++
		total -= messageTokens(messages[i])
	}

	kept := make([]Message, 0, len(messages)-removed)
	for i, m := range messages {
		if !drop[i] {
			kept = append(kept, m)
		}
	}
	return kept, removed
}
