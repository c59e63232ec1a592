package ds

import (
	"encoding/json"
	"fmt"
)

type Operation int

const (
	OperationSubscribe Operation = iota
	OperationUnsubscribe
	OperationLeave
)

func (o Operation) String() string {
	switch o {
	case OperationSubscribe:
		return "subscribe"
	case OperationUnsubscribe:
		return "unsubscribe"
	case OperationLeave:
		return "leave"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// Identity is who the client talks to the network as.
type Identity struct {
	UUID    string
	AuthKey string
	Origin  string
	TLS     bool
}

// Result is an immutable record of a processed request. The only way to
// derive a different Result is WithData.
type Result struct {
	operation  Operation
	statusCode int
	identity   Identity
	request    RequestDescriptor
	data       any
}

func NewResult(op Operation, statusCode int, identity Identity, request RequestDescriptor, data any) *Result {
	return &Result{
		operation:  op,
		statusCode: statusCode,
		identity:   identity,
		request:    request.clone(),
		data:       data,
	}
}

func (r *Result) Operation() Operation { return r.operation }
func (r *Result) StatusCode() int       { return r.statusCode }
func (r *Result) TLSEnabled() bool      { return r.identity.TLS }
func (r *Result) UUID() string          { return r.identity.UUID }
func (r *Result) AuthKey() string       { return r.identity.AuthKey }
func (r *Result) Origin() string        { return r.identity.Origin }
func (r *Result) Data() any             { return r.data }

// Request returns a copy of the request descriptor.
func (r *Result) Request() RequestDescriptor {
	return r.request.clone()
}

// WithData returns a copy of r carrying data instead of the original payload.
func (r *Result) WithData(data any) *Result {
	cp := *r
	cp.request = r.request.clone()
	cp.data = data
	return &cp
}

// Map is the structured debug form of the result.
func (r *Result) Map() map[string]any {
	m := map[string]any{
		"operation":  r.operation.String(),
		"statusCode": r.statusCode,
		"TLS":        r.identity.TLS,
		"uuid":       r.identity.UUID,
		"origin":     r.identity.Origin,
		"request":    r.request.clone(),
	}
	if r.identity.AuthKey != "" {
		m["authKey"] = r.identity.AuthKey
	}
	if r.data != nil {
		m["data"] = r.data
	}
	return m
}

// String is the stringified debug form of the result.
func (r *Result) String() string {
	b, err := json.Marshal(r.Map())
	if err != nil {
		return fmt.Sprintf("%v", r.Map())
	}
	return string(b)
}

// FanOut turns one long-poll batch into one Result per event. base is not
// modified.
func FanOut(base *Result, events []Event) []*Result {
	if base == nil || len(events) == 0 {
		return nil
	}
	out := make([]*Result, 0, len(events))
	for i := range events {
		out = append(out, base.WithData(events[i]))
	}
	return out
}
