package contextstore

import "strings"

// pinnedExemptShare caps how much of the budget exempted old messages may
// occupy, so the recent tail always dominates.
const pinnedExemptShare = 4

// prune enforces the message budget. The most recent messages always survive;
// older messages are dropped oldest-first, except that pinned or code-bearing
// messages may be exempted into a small reserved share of the budget. With no
// exempt messages this is strict recency truncation.
func prune(history []Message, max int) []Message {
	if max <= 0 || len(history) <= max {
		return history
	}

	older := history[:len(history)-max]
	recent := history[len(history)-max:]

	var exempt []Message
	budget := max / pinnedExemptShare
	for i := len(older) - 1; i >= 0 && len(exempt) < budget; i-- {
		if isExempt(older[i]) {
			exempt = append(exempt, older[i])
		}
	}
	if len(exempt) == 0 {
		out := make([]Message, max)
		copy(out, recent)
		return out
	}

	// Exempted messages displace the oldest part of the recent tail, keeping
	// the total at the budget. Restore chronological order.
	keepRecent := recent[len(exempt):]
	out := make([]Message, 0, max)
	for i := len(exempt) - 1; i >= 0; i-- {
		out = append(out, exempt[i])
	}
	out = append(out, keepRecent...)
	return out
}

func isExempt(m Message) bool {
	if m.Metadata["pinned"] == "true" {
		return true
	}
	return strings.Contains(m.Content, "```")
}
