package protocol

import (
	"encoding/json"
)

// ErrCodeMalformed etc. are the `code` values carried on outbound error
// frames. They are stable strings, not typed constants, so a future frame
// kind can introduce its own without touching this list.
const (
	ErrCodeMalformed    = "malformed_frame"
	ErrCodeUnknownType  = "unknown_type"
	ErrCodeMissingField = "missing_field"
	ErrCodeTooLarge     = "payload_too_large"
	ErrCodeBadID        = "connection_id_mismatch"
)

// Parsed is the result of decoding and validating one inbound frame: the
// type, and a pointer to exactly one of the typed *In structs.
type Parsed struct {
	Type           Type
	ConnectionInit *ConnectionInitIn
	BrowserConnect *BrowserConnectIn
	DesktopConnect *DesktopConnectIn
	StatusConnect  *StatusConnectIn
	EditRequest    *EditRequestIn
	CodeUpdate     *CodeUpdateIn
	Info           *InfoIn
	Ping           *PingIn
}

// Decode parses a raw frame and validates it against the per-type schema of
// §4.1. establishedID is the connection's already-established id, or "" if
// this is the connection's first frame (in which case the frame's
// connectionId establishes it). normalize, when true, applies CRLF/CR
// normalization to any `code` field (§4.1).
func Decode(raw []byte, establishedID string, normalize bool) (*Parsed, *ProtocolError) {
	if len(raw) > MaxFrameBytes {
		return nil, newErr(ErrCodeTooLarge, "frame exceeds %d bytes", MaxFrameBytes)
	}

	var h head
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, newErr(ErrCodeMalformed, "invalid JSON: %v", err)
	}
	if h.Type == "" {
		return nil, newErr(ErrCodeMissingField, "missing required field %q", "type")
	}
	if h.ConnectionID == "" {
		return nil, newErr(ErrCodeMissingField, "missing required field %q", "connectionId")
	}
	if establishedID != "" && h.ConnectionID != establishedID {
		return nil, newErr(ErrCodeBadID, "connectionId does not match established connection")
	}

	switch h.Type {
	case TypeConnectionInit:
		var m ConnectionInitIn
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newErr(ErrCodeMalformed, "invalid connection_init: %v", err)
		}
		return &Parsed{Type: h.Type, ConnectionInit: &m}, nil

	case TypeBrowserConnect:
		var m BrowserConnectIn
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newErr(ErrCodeMalformed, "invalid browser_connect: %v", err)
		}
		if m.UserID == "" {
			return nil, newErr(ErrCodeMissingField, "browser_connect requires %q", "userId")
		}
		if len(m.UserID) > MaxUserIDLen {
			return nil, newErr(ErrCodeTooLarge, "userId exceeds %d characters", MaxUserIDLen)
		}
		return &Parsed{Type: h.Type, BrowserConnect: &m}, nil

	case TypeDesktopConnect:
		var m DesktopConnectIn
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newErr(ErrCodeMalformed, "invalid desktop_connect: %v", err)
		}
		if m.UserID == "" {
			return nil, newErr(ErrCodeMissingField, "desktop_connect requires %q", "userId")
		}
		if len(m.UserID) > MaxUserIDLen {
			return nil, newErr(ErrCodeTooLarge, "userId exceeds %d characters", MaxUserIDLen)
		}
		return &Parsed{Type: h.Type, DesktopConnect: &m}, nil

	case TypeStatusConnect:
		var m StatusConnectIn
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newErr(ErrCodeMalformed, "invalid status_connect: %v", err)
		}
		return &Parsed{Type: h.Type, StatusConnect: &m}, nil

	case TypeEditRequest:
		var m EditRequestIn
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newErr(ErrCodeMalformed, "invalid edit_request: %v", err)
		}
		if err := requireFields(
			field{"userId", m.UserID}, field{"snippetId", m.SnippetID}, field{"fileType", m.FileType},
		); err != nil {
			return nil, err
		}
		if len(m.UserID) > MaxUserIDLen {
			return nil, newErr(ErrCodeTooLarge, "userId exceeds %d characters", MaxUserIDLen)
		}
		if len(m.Code) > MaxCodeBytes {
			return nil, newErr(ErrCodeTooLarge, "code exceeds %d bytes", MaxCodeBytes)
		}
		if normalize {
			m.Code = NormalizeLineEndings(m.Code)
		}
		return &Parsed{Type: h.Type, EditRequest: &m}, nil

	case TypeCodeUpdate:
		var m CodeUpdateIn
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newErr(ErrCodeMalformed, "invalid code_update: %v", err)
		}
		if err := requireFields(
			field{"userId", m.UserID}, field{"snippetId", m.SnippetID},
		); err != nil {
			return nil, err
		}
		if len(m.Code) > MaxCodeBytes {
			return nil, newErr(ErrCodeTooLarge, "code exceeds %d bytes", MaxCodeBytes)
		}
		if normalize {
			m.Code = NormalizeLineEndings(m.Code)
		}
		return &Parsed{Type: h.Type, CodeUpdate: &m}, nil

	case TypeInfo:
		var m InfoIn
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newErr(ErrCodeMalformed, "invalid info: %v", err)
		}
		m.Flatten()
		if err := requireFields(
			field{"userId", m.UserID}, field{"snippetId", m.SnippetID}, field{"message", m.Message},
		); err != nil {
			return nil, err
		}
		return &Parsed{Type: h.Type, Info: &m}, nil

	case TypePing:
		var m PingIn
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, newErr(ErrCodeMalformed, "invalid ping: %v", err)
		}
		return &Parsed{Type: h.Type, Ping: &m}, nil

	default:
		return nil, newErr(ErrCodeUnknownType, "unrecognized frame type %q", h.Type)
	}
}

type field struct {
	name, value string
}

func requireFields(fields ...field) *ProtocolError {
	for _, f := range fields {
		if f.value == "" {
			return newErr(ErrCodeMissingField, "missing required field %q", f.name)
		}
	}
	return nil
}
