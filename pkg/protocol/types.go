// Package protocol models the device's line-delimited JSON-RPC wire format.
//
// Two message kinds arrive on the same socket and may interleave arbitrarily:
//
//	Response: {"jsonrpc":"2.0","Timestamp":"9507.24","method":"scope_get_equ_coord","result":{...},"code":0,"id":83}
//	Event:    {"Event":"PlateSolve","Timestamp":"15221.31","state":"complete","result":{"ra_dec":[3.25,41.86],...}}
//
// Outgoing requests are {"id":<int>,"method":<string>,"params":<any>} followed
// by CRLF. Method and field names are part of the device contract and must be
// preserved exactly.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Request is a client→device JSON-RPC call.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response is a device→client reply correlated to a Request by ID.
// Code 0 means success; a nonzero code or a populated Error field means the
// device rejected the call.
type Response struct {
	Jsonrpc   string `json:"jsonrpc"`
	Timestamp string `json:"Timestamp,omitempty"`
	Method    string `json:"method,omitempty"`
	Result    any    `json:"result,omitempty"`
	Code      int    `json:"code,omitempty"`
	ID        int64  `json:"id"`
	Error     string `json:"error,omitempty"`
}

// Err returns a non-nil error when the device reported a failure.
func (r *Response) Err() error {
	if r == nil {
		return fmt.Errorf("no response")
	}
	if r.Error != "" {
		return fmt.Errorf("device error (code %d): %s", r.Code, r.Error)
	}
	if r.Code != 0 {
		return fmt.Errorf("device error code %d", r.Code)
	}
	return nil
}

// ResultMap returns the result as an object, or nil when the result is
// absent or of another JSON type.
func (r *Response) ResultMap() map[string]any {
	if r == nil {
		return nil
	}
	m, _ := r.Result.(map[string]any)
	return m
}

// SyntheticError builds a local pseudo-response for failures that never
// reached the device (send failure, sync wait timeout).
func SyntheticError(method, reason string) *Response {
	return &Response{Method: method, Result: reason, Code: -1, Error: reason}
}

// Event is a device-pushed notification. The payload shape varies per event
// name, so it is kept as a decoded JSON object.
type Event map[string]any

// Name returns the value of the "Event" discriminator field.
func (e Event) Name() string {
	s, _ := e["Event"].(string)
	return s
}

// State returns the lifecycle state field ("start", "working", "complete",
// "fail", ...), or "" when absent.
func (e Event) State() string {
	s, _ := e["state"].(string)
	return s
}

// Percent returns the progress field carried by 3PPA events.
func (e Event) Percent() (float64, bool) {
	f, ok := e["percent"].(float64)
	return f, ok
}

// SolveRADec extracts result.ra_dec from a PlateSolve event.
func (e Event) SolveRADec() (ra, dec float64, ok bool) {
	result, ok := e["result"].(map[string]any)
	if !ok {
		return 0, 0, false
	}
	pair, ok := result["ra_dec"].([]any)
	if !ok || len(pair) != 2 {
		return 0, 0, false
	}
	ra, ok1 := pair[0].(float64)
	dec, ok2 := pair[1].(float64)
	return ra, dec, ok1 && ok2
}

// Decode classifies one complete frame. Exactly one of the returns is
// non-nil for a recognized message; both are nil for payloads that are valid
// JSON objects but neither response nor event (callers log and discard).
func Decode(frame []byte) (*Response, Event, error) {
	var probe map[string]any
	if err := json.Unmarshal(frame, &probe); err != nil {
		return nil, nil, fmt.Errorf("malformed frame: %w", err)
	}
	if _, ok := probe["jsonrpc"]; ok {
		var resp Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			return nil, nil, fmt.Errorf("malformed response frame: %w", err)
		}
		return &resp, nil, nil
	}
	if _, ok := probe["Event"]; ok {
		return nil, Event(probe), nil
	}
	return nil, nil, nil
}
