// Package protocol defines the wire frames exchanged over the bidirectional
// endpoint and the validation rules that gate them before the rest of the
// relay ever sees them.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the shape of an inbound or outbound frame.
type Type string

const (
	TypeConnectionInit Type = "connection_init"
	TypeBrowserConnect Type = "browser_connect"
	TypeDesktopConnect Type = "desktop_connect"
	TypeStatusConnect  Type = "status_connect"
	TypeEditRequest    Type = "edit_request"
	TypeCodeUpdate     Type = "code_update"
	TypeInfo           Type = "info"
	TypePing           Type = "ping"
	TypeConnectionAck  Type = "connection_ack"
	TypeStatusUpdate   Type = "status_update"
	TypeStatus         Type = "status"
	TypePong           Type = "pong"
	TypeError          Type = "error"
)

// MaxUserIDLen is the limit on userId length (§4.1).
const MaxUserIDLen = 255

// MaxCodeBytes is the limit on a code payload (§4.1).
const MaxCodeBytes = 10 * 1024 * 1024

// MaxFrameBytes is the transport-level oversize cutoff (§4.1).
const MaxFrameBytes = 10 * 1024 * 1024

// head is the minimal shape every inbound frame must parse as: a type and a
// connection id, plus the rest of the object kept raw for per-type decoding.
type head struct {
	Type         Type   `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// InfoPayload is the nested shape of a legacy `info` frame (§9 Open Question).
type InfoPayload struct {
	SnippetID string `json:"snippetId"`
	Message   string `json:"message"`
}

// Inbound frame shapes, one struct per type, decoded on demand by Decode.

type ConnectionInitIn struct {
	ConnectionID string `json:"connectionId"`
}

type BrowserConnectIn struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type DesktopConnectIn struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type StatusConnectIn struct {
	ConnectionID string `json:"connectionId"`
}

type EditRequestIn struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	SnippetID    string `json:"snippetId"`
	Code         string `json:"code"`
	FileType     string `json:"fileType"`
}

type CodeUpdateIn struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	SnippetID    string `json:"snippetId"`
	Code         string `json:"code"`
	FileType     string `json:"fileType"`
}

// InfoIn accepts both the flat shape (snippetId/message at top level) and
// the legacy nested shape (payload.snippetId / payload.message); see §9.
type InfoIn struct {
	ConnectionID string       `json:"connectionId"`
	UserID       string       `json:"userId"`
	SnippetID    string       `json:"snippetId"`
	Message      string       `json:"message"`
	Payload      *InfoPayload `json:"payload"`
}

// Flatten resolves the legacy nested shape into the flat fields.
func (i *InfoIn) Flatten() {
	if i.Payload == nil {
		return
	}
	if i.SnippetID == "" {
		i.SnippetID = i.Payload.SnippetID
	}
	if i.Message == "" {
		i.Message = i.Payload.Message
	}
}

type PingIn struct {
	ConnectionID string          `json:"connectionId"`
	Timestamp    json.RawMessage `json:"timestamp,omitempty"`
}

// Outbound frame shapes.

type ConnectionAckOut struct {
	Type         Type   `json:"type"`
	ConnectionID string `json:"connectionId"`
	Status       string `json:"status"`
	Role         string `json:"role"`
}

type StatusUpdateOut struct {
	Type             Type  `json:"type"`
	DesktopConnected *bool `json:"desktopConnected,omitempty"`
	BrowserConnected *bool `json:"browserConnected,omitempty"`
}

type StatusOut struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

type PongOut struct {
	Type      Type            `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type ErrorOut struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type EditRequestOut struct {
	Type      Type   `json:"type"`
	UserID    string `json:"userId"`
	SnippetID string `json:"snippetId"`
	Code      string `json:"code"`
	FileType  string `json:"fileType"`
}

type CodeUpdateOut struct {
	Type      Type   `json:"type"`
	SnippetID string `json:"snippetId"`
	Code      string `json:"code"`
}

type InfoOut struct {
	Type      Type   `json:"type"`
	SnippetID string `json:"snippetId"`
	Message   string `json:"message"`
}

// ProtocolError is returned by Validate and carries enough detail to build
// an outbound `error` frame (§7: a malformed frame never closes the
// connection).
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newErr(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// MarshalError builds the outbound `error` envelope bytes for a ProtocolError.
func MarshalError(perr *ProtocolError) []byte {
	b, _ := json.Marshal(ErrorOut{Type: TypeError, Message: perr.Message, Code: perr.Code})
	return b
}

// MarshalConnectionAck builds the outbound connection_ack frame (§4.2).
func MarshalConnectionAck(connectionID, role string) []byte {
	b, _ := json.Marshal(ConnectionAckOut{
		Type:         TypeConnectionAck,
		ConnectionID: connectionID,
		Status:       "connected",
		Role:         role,
	})
	return b
}

// MarshalStatusUpdate builds the outbound status_update frame. Exactly one
// of desktopConnected/browserConnected should be non-nil per call (§4.1).
func MarshalStatusUpdate(desktopConnected, browserConnected *bool) []byte {
	b, _ := json.Marshal(StatusUpdateOut{
		Type:             TypeStatusUpdate,
		DesktopConnected: desktopConnected,
		BrowserConnected: browserConnected,
	})
	return b
}

// MarshalStatus builds the outbound `status` frame delivered to status
// observers, both on status_connect and on every tick of the shared
// ticker (§4.6).
func MarshalStatus(data any) []byte {
	b, _ := json.Marshal(StatusOut{Type: TypeStatus, Data: data})
	return b
}

// MarshalPong builds the outbound pong frame, echoing the inbound
// timestamp verbatim, or the current time if the ping carried none (§4.3).
func MarshalPong(ts json.RawMessage) []byte {
	if len(ts) == 0 {
		now, _ := json.Marshal(time.Now().UnixMilli())
		ts = now
	}
	b, _ := json.Marshal(PongOut{Type: TypePong, Timestamp: ts})
	return b
}

// MarshalEditRequest builds the outbound edit_request frame forwarded to
// the desktop (§4.3 step 3).
func MarshalEditRequest(userID, snippetID, code, fileType string) []byte {
	b, _ := json.Marshal(EditRequestOut{
		Type:      TypeEditRequest,
		UserID:    userID,
		SnippetID: snippetID,
		Code:      code,
		FileType:  fileType,
	})
	return b
}

// MarshalCodeUpdate builds the outbound code_update frame delivered to the
// pinned browser (§4.3 step 3).
func MarshalCodeUpdate(snippetID, code string) []byte {
	b, _ := json.Marshal(CodeUpdateOut{Type: TypeCodeUpdate, SnippetID: snippetID, Code: code})
	return b
}

// MarshalInfo builds the outbound info frame (flat shape, per §9).
func MarshalInfo(snippetID, message string) []byte {
	b, _ := json.Marshal(InfoOut{Type: TypeInfo, SnippetID: snippetID, Message: message})
	return b
}

// BoolPtr is a small helper for building the optional *bool fields of
// StatusUpdateOut.
func BoolPtr(b bool) *bool { return &b }
