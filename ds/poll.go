package ds

import (
	"encoding/json"
	"fmt"
	"maps"
)

// State is an opaque document attached to a subscribed object. It is passed
// through to the server without inspection.
type State map[string]any

// PollRequest is everything a transport needs to issue one long-poll call.
type PollRequest struct {
	Channels      []string
	ChannelGroups []string
	Cursor        TimeToken
	State         map[string]State
}

// RequestDescriptor describes an outgoing request for status reporting.
type RequestDescriptor struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query,omitempty"`
}

func (r RequestDescriptor) clone() RequestDescriptor {
	r.Query = maps.Clone(r.Query)
	return r
}

// PollResponse is one decoded long-poll batch.
type PollResponse struct {
	Cursor     TimeToken         `json:"t"`
	Events     []Event           `json:"m"`
	StatusCode int               `json:"-"`
	Request    RequestDescriptor `json:"-"`
}

// DecodePollResponse parses a long-poll body. Any failure wraps
// ErrMalformedResponse.
func DecodePollResponse(body []byte) (*PollResponse, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if _, ok := probe["t"]; !ok {
		return nil, fmt.Errorf("%w: missing cursor", ErrMalformedResponse)
	}
	var resp PollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &resp, nil
}
