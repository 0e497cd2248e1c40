package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratedIdentifiersAreValid(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		tok, err := NewToken()
		require.NoError(t, err)
		assert.True(t, ValidToken(tok), tok)
		assert.False(t, seen[tok], "duplicate token %s", tok)
		seen[tok] = true

		code, err := NewShortCode()
		require.NoError(t, err)
		assert.True(t, ValidShortCode(code), code)
		assert.Equal(t, strings.ToUpper(code), code)
	}
}

func TestValidToken(t *testing.T) {
	assert.True(t, ValidToken("abcdefghij-_KLMNOPQ12"))
	assert.False(t, ValidToken(""))
	assert.False(t, ValidToken("short"))
	assert.False(t, ValidToken("abcdefghij-_KLMNOPQ123"))
	assert.False(t, ValidToken("abcdefghij-_KLMNOPQ1!"))
	assert.False(t, ValidToken("abcdefghij-_KLMNOPQ1é"))
}

func TestValidShortCode(t *testing.T) {
	assert.True(t, ValidShortCode("ABC234"))
	assert.True(t, ValidShortCode("abc234"))
	assert.False(t, ValidShortCode("ABC23"))
	assert.False(t, ValidShortCode("ABC2345"))
	assert.False(t, ValidShortCode("ABC230"), "0 is ambiguous")
	assert.False(t, ValidShortCode("ABCDEI"), "I is ambiguous")
	assert.False(t, ValidShortCode("abcdel"), "l is ambiguous")
	assert.Equal(t, "XYZ789", NormalizeShortCode("xyz789"))
}
