// Package collab implements the real-time collaboration core: the wire
// protocol spoken over websockets, the per-document room actor that
// serializes CRDT merges, and the registry that owns room lifecycles.
package collab

import (
	"encoding/json"
	"fmt"

	"collab.evalgo.org/auth"
	"collab.evalgo.org/store"
)

// MessageType identifies a control frame.
type MessageType string

const (
	// Client → server
	TypeAuthenticate  MessageType = "authenticate"
	TypeJoinDocument  MessageType = "join-document"
	TypeLeaveDocument MessageType = "leave-document"
	TypePing          MessageType = "ping"

	// Both directions
	TypeDocumentUpdate MessageType = "document-update"
	TypeCursorUpdate   MessageType = "cursor-update"

	// Server → client
	TypeAuthenticated     MessageType = "authenticated"
	TypeAuthError         MessageType = "auth-error"
	TypeDocumentJoined    MessageType = "document-joined"
	TypeDocumentLeft      MessageType = "document-left"
	TypeDocumentUpdateAck MessageType = "document-update-ack"
	TypeUserJoined        MessageType = "user-joined"
	TypeUserLeft          MessageType = "user-left"
	TypeAccessRevoked     MessageType = "access-revoked"
	TypePermissionChanged MessageType = "permission-changed"
	TypeError             MessageType = "error"
	TypePong              MessageType = "pong"
	TypeShuttingDown      MessageType = "shutting-down"
)

// Wire error codes (closed set).
const (
	CodeAuthRequired            = "AUTH_REQUIRED"
	CodeAuthInvalid             = "AUTH_INVALID"
	CodeAuthExpired             = "AUTH_EXPIRED"
	CodeDocumentNotFound        = "DOCUMENT_NOT_FOUND"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodeJoinFailed              = "JOIN_FAILED"
	CodeInvalidUpdateData       = "INVALID_UPDATE_DATA"
	CodeUpdateProcessingError   = "UPDATE_PROCESSING_ERROR"
	CodeSlowConsumer            = "SLOW_CONSUMER"
	CodeProtocolError           = "PROTOCOL_ERROR"
	CodeUnavailable             = "UNAVAILABLE"
	CodeShuttingDown            = "SHUTTING_DOWN"
)

// Message is the JSON control frame exchanged over the websocket. All
// fields beyond Type are optional and depend on the message type; update
// bytes travel base64-encoded through the standard json encoding of
// []byte.
type Message struct {
	Type MessageType `json:"type"`

	Token      string `json:"token,omitempty"`
	DocumentID string `json:"documentId,omitempty"`

	Update []byte          `json:"update,omitempty"`
	Cursor json.RawMessage `json:"cursor,omitempty"`
	Seq    uint64          `json:"seq,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`

	PrincipalID       string    `json:"principalId,omitempty"`
	DisplayName       string    `json:"displayName,omitempty"`
	Role              auth.Role `json:"role,omitempty"`
	Permissions       []string  `json:"permissions,omitempty"`
	OriginPrincipalID string    `json:"originPrincipalId,omitempty"`

	Metadata       *store.Metadata `json:"metadata,omitempty"`
	HasWriteAccess *bool           `json:"hasWriteAccess,omitempty"`
	Users          []auth.Summary  `json:"users,omitempty"`
	User           *auth.Summary   `json:"user,omitempty"`
	DocumentState  []byte          `json:"documentState,omitempty"`
}

// JSON serializes the message.
func (m *Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage deserializes a JSON control frame.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	return &msg, nil
}

// ErrorMessage builds an error frame.
func ErrorMessage(code, message string) *Message {
	return &Message{Type: TypeError, Code: code, Message: message}
}

// WireError is an error that maps directly onto a wire error code. Rooms
// and the registry return it so sessions can forward the code verbatim.
type WireError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func wireErrorf(code, format string, args ...interface{}) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func boolPtr(b bool) *bool { return &b }
