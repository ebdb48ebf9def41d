package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps every event regardless of the transport that carried it.
// Envelopes are values and are never modified after construction.
type Envelope struct {
	Type      Kind
	Payload   Payload
	Timestamp time.Time
}

// New stamps p with the current time.
func New(p Payload) Envelope {
	return NewAt(p, time.Now())
}

func NewAt(p Payload, ts time.Time) Envelope {
	return Envelope{
		Type:      p.Kind(),
		Payload:   p,
		Timestamp: ts.UTC(),
	}
}

type wireEnvelope struct {
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, &ProtocolError{Kind: e.Type, Reason: "missing payload"}
	}

	if e.Payload.Kind() != e.Type {
		return nil, &ProtocolError{Kind: e.Type, Reason: fmt.Sprintf("payload is %s", e.Payload.Kind())}
	}

	raw, err := json.Marshal(e.Payload)

	if err != nil {
		return nil, err
	}

	w := wireEnvelope{Type: e.Type, Payload: raw}

	if !e.Timestamp.IsZero() {
		w.Timestamp = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form. A missing timestamp is filled with
// the receive time; unknown kinds yield a *ProtocolError.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope

	if err := json.Unmarshal(data, &w); err != nil {
		return &ProtocolError{Reason: "malformed envelope", Err: err}
	}

	p, err := Decode(w.Type, w.Payload)

	if err != nil {
		return err
	}

	ts := time.Now().UTC()

	if w.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, w.Timestamp)

		if err != nil {
			return &ProtocolError{Kind: w.Type, Reason: "malformed timestamp", Err: err}
		}

		ts = parsed.UTC()
	}

	*e = Envelope{Type: w.Type, Payload: p, Timestamp: ts}

	return nil
}

// Parse decodes one wire envelope.
func Parse(data []byte) (Envelope, error) {
	var e Envelope

	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}

	return e, nil
}

// Decode maps a kind and its raw payload to the payload type registered
// for that kind.
func Decode(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case PostCreated:
		return decodeAs[PostCreatedPayload](kind, raw)
	case PostUpdated:
		return decodeAs[PostUpdatedPayload](kind, raw)
	case PostDeleted:
		return decodeAs[PostDeletedPayload](kind, raw)
	case PostLiked:
		return decodeAs[PostLikedPayload](kind, raw)
	case PostUnliked:
		return decodeAs[PostUnlikedPayload](kind, raw)
	case NotificationNew:
		return decodeAs[NotificationNewPayload](kind, raw)
	case NotificationRead:
		return decodeAs[NotificationReadPayload](kind, raw)
	case UserTyping:
		return decodeAs[UserTypingPayload](kind, raw)
	case UserStoppedTyping:
		return decodeAs[UserStoppedTypingPayload](kind, raw)
	case UserOnline:
		return decodeAs[UserOnlinePayload](kind, raw)
	case UserOffline:
		return decodeAs[UserOfflinePayload](kind, raw)
	case SyncRequest:
		return decodeAs[SyncRequestPayload](kind, raw)
	case SyncResponse:
		return decodeAs[SyncResponsePayload](kind, raw)
	case Heartbeat:
		return decodeAs[HeartbeatPayload](kind, raw)
	case Connected:
		return decodeAs[ConnectedPayload](kind, raw)
	case RoomJoin:
		return decodeAs[RoomJoinPayload](kind, raw)
	case RoomLeave:
		return decodeAs[RoomLeavePayload](kind, raw)
	case Error:
		return decodeAs[ErrorPayload](kind, raw)
	}

	return nil, &ProtocolError{Kind: kind, Reason: "unknown event kind"}
}

func decodeAs[P Payload](kind Kind, raw json.RawMessage) (Payload, error) {
	var p P

	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}

	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ProtocolError{Kind: kind, Reason: "malformed payload", Err: err}
	}

	return p, nil
}
