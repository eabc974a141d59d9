// ABOUTME: Channel variant interface and the normalized inbound message shape
// ABOUTME: Each external messaging channel verifies its own auth scheme and produces an InboundMessage

package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrVerificationFailed means a request's signature, envelope, or token
// did not check out. Handlers translate it to 401 and never forward the
// request to the router.
var ErrVerificationFailed = errors.New("verification failed")

// InboundMessage is the normalized envelope every channel reduces to.
// It is ephemeral: translated into or appended to a task, then discarded.
type InboundMessage struct {
	// Channel identifies the source channel variant (e.g. "signed")
	Channel string

	// MessageID is the channel's unique message identifier, used for
	// deduplicating provider redeliveries
	MessageID string

	// ConversationID is the external conversation identity on the channel
	ConversationID string

	// Sender is the user identity on the channel
	Sender string

	// Text is the message content
	Text string

	// Raw preserves the channel-specific payload for audit logging
	Raw json.RawMessage
}

// Channel is one inbound messaging integration. Verify authenticates the
// raw request and normalizes its payload; adding a channel means adding a
// variant, not branching in shared logic.
type Channel interface {
	// Name returns the channel identifier used in the webhook path.
	Name() string

	// Verify authenticates the request against the channel's scheme and
	// returns the normalized message, or an error wrapping
	// ErrVerificationFailed. body is the exact received bytes.
	Verify(header http.Header, body []byte) (*InboundMessage, error)
}

// payload is the common JSON body shape shared by the shipped channels.
// Real platforms differ; each variant decodes its own scheme first and
// converges here.
type payload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	Text           string `json:"text"`
}

// decodePayload parses the common body shape into an InboundMessage.
func decodePayload(channel string, body []byte) (*InboundMessage, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}
	if p.ConversationID == "" {
		return nil, fmt.Errorf("payload missing conversation_id")
	}

	return &InboundMessage{
		Channel:        channel,
		MessageID:      p.MessageID,
		ConversationID: p.ConversationID,
		Sender:         p.Sender,
		Text:           p.Text,
		Raw:            json.RawMessage(body),
	}, nil
}
