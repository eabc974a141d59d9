// ABOUTME: HTTP handler set for inbound channel webhooks
// ABOUTME: One path per channel variant; verification failures stop at the boundary

package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/flockhq/flock-gateway/internal/dedupe"
)

// maxRequestBody bounds a webhook request body (1 MB).
const maxRequestBody = 1 << 20

// defaultRatePerSecond is the per-channel token bucket refill rate when
// no rate is configured.
const defaultRatePerSecond = 10

// Router forwards verified inbound messages to the conversation router.
type Router interface {
	Route(ctx context.Context, msg *InboundMessage) error
}

// Handler serves the per-channel webhook endpoints. Each request is
// handled independently: one channel's malformed payload or verification
// failure never affects another channel or conversation.
type Handler struct {
	router   Router
	dedupe   *dedupe.Cache
	limiters map[string]*rate.Limiter
	logger   *slog.Logger
}

// NewHandler creates a webhook handler for the given channel set.
// ratePerSecond bounds each channel's inbound request rate (0 = default).
func NewHandler(router Router, channels []Channel, ratePerSecond float64, logger *slog.Logger) *Handler {
	if ratePerSecond <= 0 {
		ratePerSecond = defaultRatePerSecond
	}

	h := &Handler{
		router:   router,
		dedupe:   dedupe.New(5*time.Minute, 100_000),
		limiters: make(map[string]*rate.Limiter, len(channels)),
		logger:   logger,
	}
	for _, ch := range channels {
		h.limiters[ch.Name()] = rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)*2)
	}
	return h
}

// RegisterRoutes mounts one POST endpoint per channel on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, channels []Channel) {
	for _, ch := range channels {
		mux.HandleFunc("POST /webhooks/"+ch.Name(), h.handle(ch))
	}
}

// Close releases the dedupe cache.
func (h *Handler) Close() {
	h.dedupe.Close()
}

// handle builds the request handler for one channel. The response is a
// fast transport-level acknowledgment: senders never learn task outcomes.
func (h *Handler) handle(ch Channel) http.HandlerFunc {
	logger := h.logger.With("channel", ch.Name())

	return func(w http.ResponseWriter, r *http.Request) {
		limiter := h.limiters[ch.Name()]
		if limiter != nil && !limiter.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}

		msg, err := ch.Verify(r.Header, body)
		if err != nil {
			if errors.Is(err, ErrVerificationFailed) {
				logger.Warn("webhook verification failed", "error", err)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			logger.Warn("webhook payload rejected", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		// Providers redeliver on slow acks; seen messages are acked
		// without reprocessing.
		dedupeKey := msg.Channel + ":" + msg.MessageID
		if msg.MessageID != "" && h.dedupe.Check(dedupeKey) {
			logger.Debug("duplicate webhook message ignored",
				"message_id", msg.MessageID,
			)
			w.WriteHeader(http.StatusOK)
			return
		}

		if err := h.router.Route(r.Context(), msg); err != nil {
			// The ack contract is transport-level only. Routing
			// failures are logged and the provider still gets its
			// 200; asynchronous channels have no use for the error.
			logger.Error("routing inbound message failed",
				"conversation_id", msg.ConversationID,
				"error", err,
			)
			w.WriteHeader(http.StatusOK)
			return
		}

		if msg.MessageID != "" {
			h.dedupe.Mark(dedupeKey)
		}
		w.WriteHeader(http.StatusOK)
	}
}
