package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const (
	MinCodeDigits   = 4
	MaxCodeDigits   = 10
	resetTokenBytes = 32
)

// NewNumericCode returns a fixed-width decimal code, each digit drawn from crypto/rand.
// Leading zeros are kept.
func NewNumericCode(digits int) (string, error) {
	if digits < MinCodeDigits || digits > MaxCodeDigits {
		return "", fmt.Errorf("code length %d out of range [%d,%d]", digits, MinCodeDigits, MaxCodeDigits)
	}
	ten := big.NewInt(10)
	var b strings.Builder
	b.Grow(digits)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// ResetToken is a raw reset token and the digest that gets persisted.
type ResetToken struct {
	Token string
	Hash  string
}

// NewResetToken returns 32 random bytes hex-encoded with their sha256 hex digest.
func NewResetToken() (ResetToken, error) {
	buf := make([]byte, resetTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return ResetToken{}, err
	}
	token := hex.EncodeToString(buf)
	return ResetToken{Token: token, Hash: HashResetToken(token)}, nil
}

// HashResetToken is the lookup digest for a raw reset token.
func HashResetToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
