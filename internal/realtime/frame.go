// Package realtime pushes censored state snapshots to websocket clients and
// keeps them current as the shared state changes.
package realtime

import "encoding/json"

// FrameType tags a websocket frame.
type FrameType string

const (
	// FrameLoading tells the client a snapshot is being computed.
	FrameLoading FrameType = "loading"
	// FrameOK carries a full censored state snapshot.
	FrameOK FrameType = "ok"
	// FrameErr reports a terminal error; the connection closes after it.
	FrameErr FrameType = "err"
)

// ErrType classifies err frames for the client.
type ErrType string

const (
	ErrUnauthorized  ErrType = "UNAUTHORIZED"
	ErrNotFound      ErrType = "NOT_FOUND"
	ErrBadRequest    ErrType = "BAD_REQUEST"
	ErrDisconnected  ErrType = "DISCONNECTED"
	ErrInternalError ErrType = "INTERNAL_ERROR"
)

// Frame is the websocket envelope. Exactly one of Data or the error fields
// is populated, depending on Type.
type Frame struct {
	Type    FrameType       `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	ErrType ErrType         `json:"errType,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Loading builds the initial frame sent while the first snapshot computes.
func Loading() Frame {
	return Frame{Type: FrameLoading}
}

// OK wraps a snapshot payload.
func OK(data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameOK, Data: raw}, nil
}

// Err builds an error frame.
func Err(t ErrType, message string) Frame {
	return Frame{Type: FrameErr, ErrType: t, Message: message}
}
