package relay

import (
	"encoding/json"
	"fmt"
)

// Frame type vocabulary for the relay wire protocol. Frames are JSON objects
// exchanged over the WebSocket transport; unset fields are omitted.
const (
	FrameAuth           = "AUTH"
	FrameAuthAck        = "AUTH_ACK"
	FrameRegisterRole   = "REGISTER_ROLE"
	FrameJoinSession    = "JOIN_SESSION"
	FrameLeaveSession   = "LEAVE_SESSION"
	FrameSessionMessage = "SESSION_MESSAGE"
	FrameAck            = "ACK"
	FrameError          = "ERROR"
)

// Error codes carried in ERROR frames.
const (
	CodeInvalidFrame         = "INVALID_FRAME"
	CodeAuthFailed           = "AUTH_FAILED"
	CodeAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	CodeNotAuthenticated     = "NOT_AUTHENTICATED"
	CodeNotTrusted           = "NOT_TRUSTED"
	CodeNoRole               = "NO_ROLE"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodePermissionDenied     = "PERMISSION_DENIED"
	CodeNoExecutor           = "NO_EXECUTOR"
	CodeBackpressure         = "BACKPRESSURE"
)

// Frame is the single wire envelope for all relay commands. Which fields are
// meaningful depends on Type.
type Frame struct {
	Type         string          `json:"type"`
	DeviceID     string          `json:"deviceId,omitempty"`
	Token        string          `json:"token,omitempty"`
	Role         string          `json:"role,omitempty"`
	AccountID    string          `json:"accountId,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Permission   string          `json:"permission,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Code         string          `json:"code,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// DecodeFrame parses a raw wire frame and checks the type is set.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame type is required")
	}
	return &f, nil
}

// ErrorFrame builds an ERROR frame for the given route error.
func ErrorFrame(code, message string) *Frame {
	return &Frame{Type: FrameError, Code: code, Message: message}
}

// AckFrame acknowledges a command of the given type.
func AckFrame(of string, sessionID string) *Frame {
	return &Frame{Type: FrameAck, Message: of, SessionID: sessionID}
}
