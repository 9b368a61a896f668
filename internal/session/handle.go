package session

import (
	"crypto/rand"
	"fmt"
)

// Participant handles are 10-character opaque ids from a URL-safe alphabet,
// generated with the crypto RNG. 64 symbols over 10 positions is ~60 bits,
// far beyond what a 5-person room can collide on.
const handleAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

const handleLength = 10

func newParticipantHandle() (string, error) {
	buf := make([]byte, handleLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate participant handle: %w", err)
	}
	for i, b := range buf {
		buf[i] = handleAlphabet[int(b)%len(handleAlphabet)]
	}
	return string(buf), nil
}
