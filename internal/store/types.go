package store

import "time"

// SubscriptionStatus is the lifecycle state of a Subscription.
type SubscriptionStatus string

const (
	StatusActive SubscriptionStatus = "active"
	StatusPaused SubscriptionStatus = "paused"
)

// VerificationResult records whether an Event's signature check passed.
type VerificationResult string

const (
	VerificationAccepted VerificationResult = "accepted"
	VerificationRejected VerificationResult = "rejected"
)

// DefaultSignatureHeader is used when a Subscription doesn't name one.
const DefaultSignatureHeader = "X-Hub-Signature-256"

// Subscription is a configured recipient binding: a secret, a pair of jq
// filters, and a target session.
type Subscription struct {
	ID               string             `json:"id"`
	SessionID        string             `json:"session_id"`
	WebhookURL       string             `json:"webhook_url"`
	Secret           string             `json:"secret,omitempty"`
	SignatureHeader  string             `json:"signature_header,omitempty"`
	DisplayName      string             `json:"display_name,omitempty"`
	ServiceTag       string             `json:"service_tag,omitempty"`
	Prompt           string             `json:"prompt,omitempty"`
	GateExpr         string             `json:"gate_expr,omitempty"`
	SummaryExpr      string             `json:"summary_expr,omitempty"`
	OneShot          bool               `json:"one_shot"`
	Status           SubscriptionStatus `json:"status"`
	CreatedAt        time.Time          `json:"created_at"`
	EventCount       int64              `json:"event_count"`
}

// Event is one audit-log row: a single delivery attempt.
type Event struct {
	ID                 string              `json:"id"`
	SubscriptionID      string              `json:"subscription_id"`
	ReceivedAt          time.Time           `json:"received_at"`
	Payload             string              `json:"payload"`
	VerificationResult VerificationResult  `json:"verification_result"`
	Injected            bool                `json:"injected"`
}

// QueuedEvent is a framed delivery waiting for its session to reappear.
type QueuedEvent struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	SessionID      string    `json:"session_id"`
	FramedPayload  []byte    `json:"framed_payload"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}
