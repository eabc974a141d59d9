// ABOUTME: Encrypted-envelope channel using NaCl secretbox
// ABOUTME: The request body carries a sealed payload that must open cleanly with the configured key

package webhook

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/crypto/nacl/secretbox"
)

// secretbox parameters
const (
	sealedKeySize   = 32
	sealedNonceSize = 24
)

// SealedChannel verifies requests by decrypting a secretbox envelope with
// a pre-shared 32-byte key. Secretbox is authenticated encryption, so a
// successful open doubles as the integrity check.
type SealedChannel struct {
	name string
	key  [sealedKeySize]byte
}

// NewSealedChannel creates a sealed channel from a base64-encoded key.
func NewSealedChannel(encodedKey string) (*SealedChannel, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed channel key: %w", err)
	}
	if len(raw) != sealedKeySize {
		return nil, fmt.Errorf("sealed channel key must be %d bytes, got %d", sealedKeySize, len(raw))
	}

	c := &SealedChannel{name: "sealed"}
	copy(c.key[:], raw)
	return c, nil
}

// Name returns the channel identifier.
func (c *SealedChannel) Name() string { return c.name }

// envelope is the wire shape of a sealed request body.
type envelope struct {
	// Sealed is base64(nonce || box)
	Sealed string `json:"sealed"`
}

// Verify opens the envelope and parses the decrypted payload.
func (c *SealedChannel) Verify(header http.Header, body []byte) (*InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrVerificationFailed)
	}

	sealed, err := base64.StdEncoding.DecodeString(env.Sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope not base64", ErrVerificationFailed)
	}
	if len(sealed) < sealedNonceSize {
		return nil, fmt.Errorf("%w: envelope too short", ErrVerificationFailed)
	}

	var nonce [sealedNonceSize]byte
	copy(nonce[:], sealed[:sealedNonceSize])

	plain, ok := secretbox.Open(nil, sealed[sealedNonceSize:], &nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("%w: envelope did not open", ErrVerificationFailed)
	}

	return decodePayload(c.name, plain)
}

// Seal encrypts a payload into the envelope body shape.
// Exported so senders (and tests) can produce valid requests.
func Seal(key *[sealedKeySize]byte, nonce *[sealedNonceSize]byte, payload []byte) ([]byte, error) {
	sealed := secretbox.Seal(nonce[:], payload, nonce, key)
	return json.Marshal(envelope{Sealed: base64.StdEncoding.EncodeToString(sealed)})
}
