package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types.
const (
	TypeSession     = "session"
	TypeAck         = "ack"
	TypeError       = "error"
	TypeTyping      = "typing"
	TypeReaction    = "reaction"
	TypeMessageSend = "message.send"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Error codes carried by error frames.
const (
	CodeRateLimited = "rate_limited"
	CodeBadRequest  = "bad_request"
	CodeInternal    = "internal"
)

// A Frame is one JSON text message in either direction. Ref is chosen by the
// client and echoed on the ack or error frame answering it.
type Frame struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// ErrorBody is the body of an error frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// SessionBody is the body of the session frame sent once a connection is
// registered.
type SessionBody struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// ErrBadRequest marks handler errors caused by the client.
var ErrBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

func encodeFrame(typ, ref string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", typ, err)
	}
	f, err := json.Marshal(Frame{Type: typ, Ref: ref, Body: b})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", typ, err)
	}
	return f, nil
}

func decodeBody(f Frame, v any) error {
	if len(f.Body) == 0 {
		return badRequest("%s: missing body", f.Type)
	}
	if err := json.Unmarshal(f.Body, v); err != nil {
		return badRequest("%s: %v", f.Type, err)
	}
	return nil
}
