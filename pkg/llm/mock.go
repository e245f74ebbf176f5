package llm

import (
	"context"
	"fmt"
	"hash/fnv"
)

// mockValues are the value labels the mock adapter reasons about.
var mockValues = []string{
	"Safety",
	"Compassion",
	"Justice",
	"Autonomy",
	"Honesty",
	"Fairness",
	"Privacy",
	"Responsibility",
}

// mockAdapter fabricates deterministic responses for development and
// tests when no provider credentials are configured. The same request
// always produces the same text.
type mockAdapter struct{}

// Compile-time interface check.
var _ Adapter = (*mockAdapter)(nil)

// NewMockAdapter creates the deterministic mock adapter.
func NewMockAdapter() Adapter {
	return &mockAdapter{}
}

func (a *mockAdapter) Provider() string { return ProviderMock }

// Complete fabricates a response seeded from the request content.
func (a *mockAdapter) Complete(
	_ context.Context, req Request,
) (*Response, error) {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s", req.Model, req.System, req.Prompt)
	seed := h.Sum64()

	prioritized := mockValues[seed%uint64(len(mockValues))]

	sacrificed := mockValues[(seed>>8)%uint64(len(mockValues))]
	if sacrificed == prioritized {
		sacrificed = mockValues[(seed>>8+1)%uint64(len(mockValues))]
	}

	rating := seed%5 + 1

	text := fmt.Sprintf(
		"Considering the scenario, I prioritize %s because it directly "+
			"addresses the most significant moral risk described. "+
			"To act responsibly, I would accept tradeoffs against %s, "+
			"while aiming to explain the reasoning transparently.\n"+
			"Rating: %d",
		prioritized, sacrificed, rating,
	)

	return &Response{
		Text:         text,
		PromptTokens: (len(req.System) + len(req.Prompt)) / 4,
		OutputTokens: len(text) / 4,
	}, nil
}
