package orchestrator

import (
	"fmt"
	"time"
)

// ordinalLetters renders a zero-based ordinal in base-26 letters:
// 0 -> A, 25 -> Z, 26 -> AA.
func ordinalLetters(n int64) string {
	letters := ""

	for {
		letters = string(rune('A'+n%26)) + letters

		n = n/26 - 1
		if n < 0 {
			break
		}
	}

	return letters
}

// runName builds the human-readable run name: "{Month} {Day}-{Letter}",
// where the letter orders runs created for the same definition on the
// same calendar day. Final trials carry a " (Final)" suffix.
func runName(now time.Time, ordinal int64, finalTrial bool) string {
	name := fmt.Sprintf(
		"%s %d-%s", now.Month().String(), now.Day(), ordinalLetters(ordinal),
	)

	if finalTrial {
		name += " (Final)"
	}

	return name
}

// dayStart is midnight UTC of the instant's calendar day.
func dayStart(now time.Time) time.Time {
	y, m, d := now.UTC().Date()

	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
