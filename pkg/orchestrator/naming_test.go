package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrdinalLetters(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "A"},
		{1, "B"},
		{25, "Z"},
		{26, "AA"},
		{27, "AB"},
		{51, "AZ"},
		{52, "BA"},
		{701, "ZZ"},
		{702, "AAA"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ordinalLetters(tt.n), "n=%d", tt.n)
	}
}

func TestRunName(t *testing.T) {
	march3 := time.Date(2026, time.March, 3, 15, 4, 5, 0, time.UTC)

	assert.Equal(t, "March 3-A", runName(march3, 0, false))
	assert.Equal(t, "March 3-C (Final)", runName(march3, 2, true))
}

func TestDayStart(t *testing.T) {
	at := time.Date(2026, time.March, 3, 23, 59, 59, 0, time.UTC)

	assert.Equal(t,
		time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC),
		dayStart(at),
	)
}
