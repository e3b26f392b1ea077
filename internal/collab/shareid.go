package collab

import "crypto/rand"

const (
	shareIDLength   = 8
	shareIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// NewShareID returns a short random identifier for share links, e.g.
// "ab12cd34". Eight base-36 characters give ~41 bits of entropy: enough to
// make collisions astronomically unlikely and casual guessing infeasible.
// This is a capability token for link sharing, not a secret-grade
// credential - anyone holding the link holds the session.
func NewShareID() string {
	buf := make([]byte, shareIDLength)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = shareIDAlphabet[int(b)%len(shareIDAlphabet)]
	}
	return string(buf)
}
