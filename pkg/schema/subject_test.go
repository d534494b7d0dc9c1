package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSubject(t *testing.T) {
	valid := map[string]string{
		"aapl":       "AAPL",
		"  msft ":    "MSFT",
		"005930.KS":  "005930.KS",
		"brk.b":      "BRK.B",
		"GOOGL":      "GOOGL",
	}
	for in, want := range valid {
		got, err := NormalizeSubject(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", "   ", "AAPL$", "TOOLONGX", ".KS", "ABCDEFGHIJKLM"} {
		_, err := NormalizeSubject(in)
		assert.True(t, IsCode(err, ErrCodeInvalidInput), in)
	}
}

func TestNormalizeAction(t *testing.T) {
	assert.Equal(t, ActionProceed, NormalizeAction("proceed"))
	assert.Equal(t, ActionRejectCandidate, NormalizeAction(" Reject_Candidate "))
	assert.Equal(t, ActionNoAction, NormalizeAction("buy_now"))
	assert.Equal(t, ActionNoAction, NormalizeAction(""))
}

func TestParseSide(t *testing.T) {
	s, ok := ParseSide("buy")
	assert.True(t, ok)
	assert.Equal(t, SideBuy, s)
	assert.True(t, s.Tradable())

	_, ok = ParseSide("SHORT")
	assert.False(t, ok)
	assert.False(t, SideHold.Tradable())
}
