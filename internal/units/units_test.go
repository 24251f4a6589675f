package units

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals int
		expected int64
	}{
		{"deal amount", "100", 6, 100_000_000},
		{"fifty cents", "0.50", 6, 500_000},
		{"smallest unit", "0.000001", 6, 1},
		{"short frac", "1.5", 6, 1_500_000},
		{"leading dot", ".25", 6, 250_000},
		{"leading zeros in whole", "007.50", 6, 7_500_000},
		{"eighteen decimals", "1", 18, 1_000_000_000_000_000_000},
		{"zero decimals", "42", 0, 42},
		{"truncates extra decimals", "1.1234567890", 6, 1_123_456},
		{"padded whitespace", " 2 ", 6, 2_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input, tt.decimals)
			require.True(t, ok, "Parse(%q) returned ok=false", tt.input)
			assert.Equal(t, 0, big.NewInt(tt.expected).Cmp(got), "got %s", got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"-1", "+1", "1.2.3", "abc", "1,50", "1.x"} {
		t.Run(in, func(t *testing.T) {
			_, ok := Parse(in, StablecoinDecimals)
			assert.False(t, ok)
		})
	}
}

func TestParse_EmptyIsZero(t *testing.T) {
	got, ok := Parse("", StablecoinDecimals)
	require.True(t, ok)
	assert.Equal(t, 0, got.Sign())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1.500000", Format(big.NewInt(1_500_000), 6))
	assert.Equal(t, "0.000001", Format(big.NewInt(1), 6))
	assert.Equal(t, "-5.000000", Format(big.NewInt(-5_000_000), 6))
	assert.Equal(t, "0.000000", Format(nil, 6))
	assert.Equal(t, "42", Format(big.NewInt(42), 0))
}

func TestCovers(t *testing.T) {
	required := MustParseStable("100")

	assert.True(t, Covers(big.NewInt(100_000_000), required))
	assert.True(t, Covers(big.NewInt(100_000_001), required))
	assert.False(t, Covers(big.NewInt(99_999_999), required))
	assert.False(t, Covers(nil, required))
	assert.True(t, Covers(nil, big.NewInt(0)))
}
