// Package sampling selects which scenarios a run executes. Selection
// is deterministic: the same inputs and seed always produce the same
// subset, so a run can be replanned exactly during recovery.
package sampling

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Park-Miller parameters. The generator must not change: stored seeds
// only reproduce their original subsets under these exact constants.
const (
	lcgModulus    = 2147483647
	lcgMultiplier = 16807
)

// lcg is a minimal-standard linear congruential generator.
type lcg struct {
	state int64
}

// newLCG folds an arbitrary seed into the generator's (0, modulus)
// state range.
func newLCG(seed int64) *lcg {
	state := seed % lcgModulus
	if state <= 0 {
		state += lcgModulus - 1
	}

	return &lcg{state: state}
}

// next advances the generator and returns a value in [1, modulus).
func (g *lcg) next() int64 {
	g.state = g.state * lcgMultiplier % lcgModulus

	return g.state
}

// intn returns a value in [0, n).
func (g *lcg) intn(n int) int {
	return int(g.next() % int64(n))
}

// DefaultSeed derives the sampling seed from a definition id. Runs
// created without an explicit seed sample the same subset every time
// for the same definition.
func DefaultSeed(definitionID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(definitionID))

	return int64(h.Sum32())
}

// SamplePercentage selects floor(N*percentage/100) scenario ids, at
// least one, by Fisher-Yates shuffling the list with a seeded
// generator and keeping the prefix. A percentage of 100 or more
// returns the input unchanged.
func SamplePercentage(
	scenarioIDs []string, percentage int, seed int64,
) []string {
	if percentage >= 100 {
		out := make([]string, len(scenarioIDs))
		copy(out, scenarioIDs)

		return out
	}

	n := len(scenarioIDs)
	if n == 0 {
		return nil
	}

	target := n * percentage / 100
	if target < 1 {
		target = 1
	}

	shuffled := make([]string, n)
	copy(shuffled, scenarioIDs)

	g := newLCG(seed)

	for i := n - 1; i > 0; i-- {
		j := g.intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	return shuffled[:target]
}

// ValidateExplicit deduplicates an explicit scenario-id selection and
// verifies every id belongs to the definition. Order of first
// occurrence is preserved.
func ValidateExplicit(
	requested, available []string,
) ([]string, error) {
	known := make(map[string]struct{}, len(available))
	for _, id := range available {
		known[id] = struct{}{}
	}

	seen := make(map[string]struct{}, len(requested))
	out := make([]string, 0, len(requested))

	var unknown []string

	for _, id := range requested {
		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}

		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)

			continue
		}

		out = append(out, id)
	}

	if len(unknown) > 0 {
		sort.Strings(unknown)

		return nil, fmt.Errorf(
			"scenario ids not in definition: %v", unknown,
		)
	}

	return out, nil
}
