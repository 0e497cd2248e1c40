package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "", RedactToken(""))
	assert.Equal(t, "[TOKEN-REDACTED]", RedactToken("abc"))
	got := RedactToken("abcdefghij-_KLMNOPQ12")
	assert.True(t, strings.HasPrefix(got, "abcd..."))
	assert.NotContains(t, got, "ghij")
}

func TestRedactIP(t *testing.T) {
	assert.Equal(t, "192.168.1.0", RedactIP("192.168.1.77:5555"))
	assert.Equal(t, "2001:db8::", RedactIP("2001:db8:1:2::1"))
	assert.True(t, strings.HasPrefix(RedactIP("not-an-ip"), "hash:"))
}
