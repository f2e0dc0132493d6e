package types

import "encoding/json"

// Envelope is the one frame shape on the wire: a named event plus its JSON
// payload. Request replies echo the correlation id of the request that caused
// them; unsolicited pushes carry no cid.
type Envelope struct {
	Event string          `json:"event"`
	CID   string          `json:"cid,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SuccessEvent and ErrorEvent derive the two reply names for a request event.
func SuccessEvent(request string) string { return request + ":success" }
func ErrorEvent(request string) string   { return request + ":error" }

// ErrorPayload is the body of every `*:error` reply.
type ErrorPayload struct {
	Message string `json:"message"`
}
