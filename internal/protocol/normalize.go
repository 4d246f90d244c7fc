package protocol

import "strings"

// NormalizeLineEndings converts CRLF to LF and then any remaining CR to LF
// (§4.1). Applied to inbound `code` fields on edit_request and code_update
// when server.normalizeLineEndings is enabled.
func NormalizeLineEndings(s string) string {
	if !strings.ContainsAny(s, "\r") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}
