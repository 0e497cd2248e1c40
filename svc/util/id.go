package util

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

const (
	TokenLength     = 21
	ShortCodeLength = 6
	tokenChars      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	// no 0, O, I, L or 1
	shortCodeChars = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

func NewToken() (string, error) {
	return randomString(tokenChars, TokenLength)
}

func NewShortCode() (string, error) {
	return randomString(shortCodeChars, ShortCodeLength)
}

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

func ValidToken(token string) bool {
	if len(token) != TokenLength {
		return false
	}
	return onlyFrom(token, tokenChars)
}

// ValidShortCode accepts codes in any case.
func ValidShortCode(code string) bool {
	if len(code) != ShortCodeLength {
		return false
	}
	return onlyFrom(NormalizeShortCode(code), shortCodeChars)
}

func NormalizeShortCode(code string) string {
	return strings.ToUpper(code)
}

func onlyFrom(s, alphabet string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
