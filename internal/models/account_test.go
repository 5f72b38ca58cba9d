package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToken(t *testing.T) {
	token, err := ParseToken("DOV")
	require.NoError(t, err)
	assert.Equal(t, TokenDOV, token)

	token, err = ParseToken("DJR")
	require.NoError(t, err)
	assert.Equal(t, TokenDJR, token)

	for _, s := range []string{"", "dov", "BTC", "DOVX"} {
		_, err := ParseToken(s)
		assert.Error(t, err, "token %q should be rejected", s)
	}
}

func TestIsValidHandle(t *testing.T) {
	valid := []string{"ABC123", "ZZZ999", "AAA000"}
	for _, h := range valid {
		assert.True(t, IsValidHandle(h), h)
	}

	invalid := []string{"", "abc123", "AB1234", "ABCD12", "123ABC", "ABC12", "ABC1234", "AB C12"}
	for _, h := range invalid {
		assert.False(t, IsValidHandle(h), h)
	}
}
