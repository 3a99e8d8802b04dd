package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentID identifies a participant on the communication bus.
type AgentID string

// Broadcast addresses a message to every currently subscribed participant.
const Broadcast AgentID = "*"

// MessageType enumerates the bus protocol message types.
type MessageType string

const (
	MsgStatusUpdate   MessageType = "STATUS_UPDATE"
	MsgAlert          MessageType = "ALERT"
	MsgPlanProposal   MessageType = "PLAN_PROPOSAL"
	MsgPlanAck        MessageType = "PLAN_ACK"
	MsgPlanReject     MessageType = "PLAN_REJECT"
	MsgCollabRequest  MessageType = "COLLAB_REQUEST"
	MsgCollabResponse MessageType = "COLLAB_RESPONSE"
)

var knownMessageTypes = map[MessageType]struct{}{
	MsgStatusUpdate:   {},
	MsgAlert:          {},
	MsgPlanProposal:   {},
	MsgPlanAck:        {},
	MsgPlanReject:     {},
	MsgCollabRequest:  {},
	MsgCollabResponse: {},
}

// Message is one immutable unit of inter-agent communication.
// CausationID links a reply to the message that provoked it; the chain
// must never cycle (enforced by the bus at publish time).
type Message struct {
	ID          uuid.UUID       `json:"id"`
	Type        MessageType     `json:"type"`
	Sender      AgentID         `json:"sender"`
	Recipients  []AgentID       `json:"recipients"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CausationID *uuid.UUID      `json:"causation_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// IsBroadcast reports whether any recipient is the broadcast address.
func (m Message) IsBroadcast() bool {
	for _, r := range m.Recipients {
		if r == Broadcast {
			return true
		}
	}
	return false
}

// Validate checks structural well-formedness. Recipient existence and
// causation acyclicity are bus concerns, not checked here.
func (m Message) Validate() error {
	if _, ok := knownMessageTypes[m.Type]; !ok {
		return fmt.Errorf("model: unknown message type %q", m.Type)
	}
	if m.Sender == "" {
		return fmt.Errorf("model: message sender is required")
	}
	if len(m.Recipients) == 0 {
		return fmt.Errorf("model: message requires at least one recipient")
	}
	return nil
}

// AlertPayload is carried by ALERT messages. Baseline and Threshold let the
// escalation controller judge recovery without re-deriving the anomaly.
type AlertPayload struct {
	Domain    Domain   `json:"domain"`
	Metric    Metric   `json:"metric"`
	Severity  Severity `json:"severity"`
	Deviation float64  `json:"deviation"`
	Baseline  float64  `json:"baseline"`
	Threshold float64  `json:"threshold"`
	Current   float64  `json:"current"`
}

// StatusUpdatePayload is carried by STATUS_UPDATE messages.
type StatusUpdatePayload struct {
	State          AgentState     `json:"state"`
	PlanID         *uuid.UUID     `json:"plan_id,omitempty"`
	PlanStatus     PlanStatus     `json:"plan_status,omitempty"`
	AppliedActions int            `json:"applied_actions,omitempty"`
	Note           string         `json:"note,omitempty"`
	KPIDeltas      map[string]any `json:"kpi_deltas,omitempty"`
}

// PlanProposalPayload is carried by PLAN_PROPOSAL messages.
type PlanProposalPayload struct {
	Plan Plan `json:"plan"`
}

// PlanReplyPayload is carried by PLAN_ACK and PLAN_REJECT messages.
type PlanReplyPayload struct {
	PlanID uuid.UUID `json:"plan_id"`
	Reason string    `json:"reason,omitempty"`
}

// CollabRequestPayload is carried by COLLAB_REQUEST messages.
type CollabRequestPayload struct {
	Topic  string `json:"topic"`
	Metric Metric `json:"metric,omitempty"`
}

// CollabResponsePayload is carried by COLLAB_RESPONSE messages.
type CollabResponsePayload struct {
	Domain  Domain               `json:"domain"`
	Records map[Metric]KPIRecord `json:"records"`
}

// EncodePayload marshals a payload struct for embedding in a Message.
// Panics on marshal failure; payload types contain no unmarshalable fields.
func EncodePayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("model: encode payload: %v", err))
	}
	return b
}

// DecodePayload unmarshals a message payload into the given struct.
func DecodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("model: empty payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("model: decode payload: %w", err)
	}
	return nil
}
