package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// EventSub webhook headers.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
	HeaderSignature        = "Twitch-Eventsub-Message-Signature"
	HeaderSubscriptionType = "Twitch-Eventsub-Subscription-Type"
)

// Message type values carried in Twitch-Eventsub-Message-Type.
const (
	messageTypeVerification = "webhook_callback_verification"
	messageTypeNotification = "notification"
	messageTypeRevocation   = "revocation"
)

// maxBodyBytes caps webhook reads; EventSub payloads are small.
const maxBodyBytes = 1 << 20

// ComputeSignature returns the expected value of the signature header:
// "sha256=" + hex(HMAC-SHA256(secret, messageID || timestamp || rawBody)).
func ComputeSignature(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Notification is the envelope of a verified EventSub delivery.
type Notification struct {
	Subscription struct {
		ID        string            `json:"id"`
		Type      string            `json:"type"`
		Version   string            `json:"version"`
		Condition map[string]string `json:"condition"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// Handler consumes one verified notification. The dispatcher acks regardless
// of handler errors; the handler owns its own failure handling (retry, status
// rows, logging).
type Handler func(n *Notification)

// Dispatcher is the HTTP endpoint for EventSub webhook deliveries. It verifies
// the HMAC over the exact raw body bytes before any parsing, answers challenge
// handshakes, and routes notifications to registered handlers by event type.
//
// Delivery is at-least-once and redeliveries carry the same message id;
// handlers must tolerate duplicates.
type Dispatcher struct {
	Secret   string
	handlers map[string]Handler

	// Observability hooks, wired to counter metrics.
	OnNotification     func(eventType string)
	OnSignatureFailure func()
}

// Handle registers the handler for an event type. Not safe to call after the
// dispatcher starts serving.
func (d *Dispatcher) Handle(eventType string, h Handler) {
	if d.handlers == nil {
		d.handlers = make(map[string]Handler)
	}
	d.handlers[eventType] = h
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Error("webhook body read failed", slog.Any("err", err))
		http.Error(w, "read error", http.StatusInternalServerError)
		return
	}

	msgID := r.Header.Get(HeaderMessageID)
	timestamp := r.Header.Get(HeaderMessageTimestamp)
	got := r.Header.Get(HeaderSignature)
	want := ComputeSignature(d.Secret, msgID, timestamp, body)
	if !hmac.Equal([]byte(got), []byte(want)) {
		if d.OnSignatureFailure != nil {
			d.OnSignatureFailure()
		}
		slog.Warn("webhook signature rejected",
			slog.String("message_id", msgID),
			slog.String("remote", r.RemoteAddr))
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	switch r.Header.Get(HeaderMessageType) {
	case messageTypeVerification:
		var challenge struct {
			Challenge string `json:"challenge"`
		}
		if err := json.Unmarshal(body, &challenge); err != nil || challenge.Challenge == "" {
			// Without the challenge string the handshake cannot complete.
			slog.Error("verification challenge unreadable", slog.Any("err", err))
			http.Error(w, "bad challenge", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge.Challenge))

	case messageTypeNotification:
		// Always 200 from here on: the delivery is authentic, and a non-2xx
		// would only make Twitch redeliver a payload we already cannot use.
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil {
			slog.Error("notification payload unreadable",
				slog.String("message_id", msgID), slog.Any("err", err))
			w.WriteHeader(http.StatusOK)
			return
		}
		if d.OnNotification != nil {
			d.OnNotification(n.Subscription.Type)
		}
		if h, ok := d.handlers[n.Subscription.Type]; ok {
			h(&n)
		} else {
			slog.Warn("no handler for event type", slog.String("type", n.Subscription.Type))
		}
		w.WriteHeader(http.StatusOK)

	case messageTypeRevocation:
		var n Notification
		if err := json.Unmarshal(body, &n); err == nil {
			slog.Warn("subscription revoked",
				slog.String("type", n.Subscription.Type),
				slog.String("subscription_id", n.Subscription.ID))
		} else {
			slog.Warn("subscription revoked, payload unreadable", slog.Any("err", err))
		}
		w.WriteHeader(http.StatusOK)

	default:
		slog.Warn("unknown webhook message type",
			slog.String("message_type", r.Header.Get(HeaderMessageType)),
			slog.String("message_id", msgID))
		w.WriteHeader(http.StatusOK)
	}
}
