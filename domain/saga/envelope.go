package saga

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps an event with the stream metadata the store persists:
// a process-assigned timestamp, a monotonically increasing stream version,
// correlation/causation identifiers and an optional content address.
type Envelope struct {
	EventID        string          `json:"event_id"`
	SagaID         SagaID          `json:"saga_id"`
	Version        uint64          `json:"version"`
	EventKind      EventKind       `json:"kind"`
	CorrelationID  CorrelationID   `json:"correlation_id"`
	CausationID    CausationID     `json:"causation_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	ContentAddress string          `json:"content_address,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// VerificationResult is the tri-state outcome of checking an envelope's
// content address. Envelopes written before the feature existed carry no
// address; verifying against a missing address reports Unverifiable, never
// Invalid.
type VerificationResult string

const (
	Verified     VerificationResult = "verified"
	Invalid      VerificationResult = "invalid"
	Unverifiable VerificationResult = "unverifiable"
)

// NewEnvelope seals an event into an envelope at the given stream version.
// The payload is the event's canonical JSON and the content address is its
// SHA-256 digest, used for integrity checks and duplicate detection once the
// envelope crosses the message-bus boundary.
func NewEnvelope(id SagaID, version uint64, event Event, correlationID CorrelationID, causationID CausationID, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event.Kind(), err)
	}
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return Envelope{}, fmt.Errorf("canonicalize %s payload: %w", event.Kind(), err)
	}
	sum := sha256.Sum256(canonical)

	return Envelope{
		EventID:        newEventID(),
		SagaID:         id,
		Version:        version,
		EventKind:      event.Kind(),
		CorrelationID:  correlationID,
		CausationID:    causationID,
		Timestamp:      now.UTC(),
		ContentAddress: hex.EncodeToString(sum[:]),
		Payload:        canonical,
	}, nil
}

// Event decodes the envelope's payload into its typed event.
// Unrecognized kinds decode to UnknownEvent.
func (e Envelope) Event() (Event, error) {
	return DecodeEvent(e.EventKind, e.Payload)
}

// Verify checks the payload against the content address
func (e Envelope) Verify() VerificationResult {
	if e.ContentAddress == "" {
		return Unverifiable
	}
	canonical, err := CanonicalJSON(e.Payload)
	if err != nil {
		return Invalid
	}
	sum := sha256.Sum256(canonical)
	if hex.EncodeToString(sum[:]) != e.ContentAddress {
		return Invalid
	}
	return Verified
}

// IsTerminal reports whether this envelope closes its stream
func (e Envelope) IsTerminal() bool {
	return e.EventKind.IsTerminal()
}
