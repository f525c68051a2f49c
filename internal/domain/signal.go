package domain

import "encoding/json"

// SignalKind is the wire-level message kind exchanged over the per-user
// signaling topics.
type SignalKind string

const (
	KindOffer     SignalKind = "offer"
	KindAnswer    SignalKind = "answer"
	KindTerminate SignalKind = "terminate"
)

// TerminateReason travels with a terminate envelope so the receiving side
// can map the end of the call to the right outcome. An empty reason is
// treated as a plain cancel.
type TerminateReason string

const (
	ReasonDeclined TerminateReason = "declined"
	ReasonBusy     TerminateReason = "busy"
	ReasonCancel   TerminateReason = "cancelled"
	ReasonNoAnswer TerminateReason = "no-answer"
	ReasonHangUp   TerminateReason = "hangup"
	ReasonFailed   TerminateReason = "failed"
)

// Rejection reports whether the reason is an explicit refusal by the peer,
// as opposed to the peer giving up.
func (r TerminateReason) Rejection() bool {
	return r == ReasonDeclined || r == ReasonBusy
}

// Envelope is the signaling message carried over the pub/sub channel.
// Payload is the opaque negotiation blob; the core never inspects it.
// Sender and receiver are resolved from the body, not the topic.
type Envelope struct {
	Kind       SignalKind      `json:"kind"`
	CallID     CallID          `json:"call_id"`
	SenderID   UserID          `json:"sender_id"`
	ReceiverID UserID          `json:"receiver_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reason     TerminateReason `json:"reason,omitempty"`
}
