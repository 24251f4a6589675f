package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	encoded := Encode("deal-7")
	assert.NotEmpty(t, encoded)

	key, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, "deal-7", key)
}

func TestDecode_Empty(t *testing.T) {
	key, err := Decode("")
	assert.NoError(t, err)
	assert.Empty(t, key)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"not base64", "not-base64!!!"},
		{"missing prefix", "bm9wcmVmaXg"}, // "noprefix"
		{"empty key", Encode("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.cursor)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit+1))
}

func TestPage(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}

	page, next, err := Page(keys, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, page)
	require.NotEmpty(t, next)

	page, next, err = Page(keys, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, page)

	page, next, err = Page(keys, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"e"}, page)
	assert.Empty(t, next)
}

func TestPage_CursorKeyGone(t *testing.T) {
	// The cursor's key was removed between pages; listing resumes after it.
	keys := []string{"a", "c", "d"}
	page, _, err := Page(keys, Encode("b"), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, page)
}

func TestPage_BadCursor(t *testing.T) {
	_, _, err := Page([]string{"a"}, "!!", 10)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}
