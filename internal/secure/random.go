package secure

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// RandomBytes returns n bytes from the operating system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("random length must be positive")
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// RandomToken returns an unpadded URL-safe encoding of n random bytes.
func RandomToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RandomCode returns a human-typable code of the given length drawn from the
// RFC 4648 base32 alphabet, grouped with a dash every four characters.
func RandomCode(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("code length must be positive")
	}
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, 0, length+length/4)
	for i := 0; i < length; i++ {
		if i > 0 && i%4 == 0 {
			out = append(out, '-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		out = append(out, alphabet[n.Int64()])
	}
	return string(out), nil
}
