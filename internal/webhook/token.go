// ABOUTME: Bearer-app-token channel
// ABOUTME: Validates a static token header in constant time before parsing the payload

package webhook

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// TokenChannel verifies requests carrying a bearer app token.
type TokenChannel struct {
	name  string
	token []byte
}

// NewTokenChannel creates a token channel with the expected app token.
func NewTokenChannel(appToken string) *TokenChannel {
	return &TokenChannel{name: "token", token: []byte(appToken)}
}

// Name returns the channel identifier.
func (c *TokenChannel) Name() string { return c.name }

// Verify compares the bearer token in constant time.
func (c *TokenChannel) Verify(header http.Header, body []byte) (*InboundMessage, error) {
	auth := header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrVerificationFailed)
	}

	if subtle.ConstantTimeCompare([]byte(token), c.token) != 1 {
		return nil, fmt.Errorf("%w: bad app token", ErrVerificationFailed)
	}

	return decodePayload(c.name, body)
}
