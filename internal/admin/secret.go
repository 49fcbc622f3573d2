package admin

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// DefaultSecretPrefix starts every generated key secret.
const DefaultSecretPrefix = "DGK"

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateSecret returns a secret of the form PREFIX-XXXX-XXXX-XXXX drawn
// from upper-case letters and digits.
func GenerateSecret(prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultSecretPrefix
	}
	var b strings.Builder
	b.WriteString(prefix)
	max := big.NewInt(int64(len(secretAlphabet)))
	for group := 0; group < 3; group++ {
		b.WriteByte('-')
		for i := 0; i < 4; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("generate secret: %w", err)
			}
			b.WriteByte(secretAlphabet[n.Int64()])
		}
	}
	return b.String(), nil
}
