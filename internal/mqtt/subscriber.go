package mqtt

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// Stopper ends a conversation's active run. *stream.Multiplexer
// implements it.
type Stopper interface {
	Stop(conversationID string) bool
}

// stopRequest is the JSON form of a stop command. A plain-text payload
// is taken as the conversation ID.
type stopRequest struct {
	ConversationID string `json:"conversationId"`
}

// parseStop extracts the conversation ID from a stop payload.
func parseStop(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if strings.HasPrefix(text, "{") {
		var req stopRequest
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return ""
		}
		return strings.TrimSpace(req.ConversationID)
	}
	return text
}

// stopHandler returns a [MessageHandler] that stops the run named by
// each message. Messages the limiter refuses are dropped, with at most
// one warning per minute reporting how many.
func stopHandler(stopper Stopper, limiter *rate.Limiter, logger *slog.Logger) MessageHandler {
	var (
		dropped atomic.Int64
		warn    = rate.Sometimes{First: 1, Interval: time.Minute}
	)
	return func(topic string, payload []byte) {
		if limiter != nil && !limiter.Allow() {
			n := dropped.Add(1)
			warn.Do(func() {
				logger.Warn("mqtt messages dropped due to rate limit",
					"topic", topic,
					"dropped", n,
					"limit", limiter.Burst(),
					"interval", time.Minute.String(),
				)
			})
			return
		}
		id := parseStop(payload)
		if id == "" {
			logger.Warn("mqtt stop command without conversation", "topic", topic, "payload_size", len(payload))
			return
		}
		stopped := stopper.Stop(id)
		logger.Info("mqtt stop command", "conversation", id, "stopped", stopped)
	}
}

// newCommandLimiter allows perMinute commands a minute, all of which may
// arrive at once.
func newCommandLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}
