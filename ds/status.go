package ds

import "fmt"

type Category int

const (
	CategoryAcknowledgment Category = iota
	CategoryConnected
	CategoryReconnected
	CategoryDisconnected
	CategoryUnexpectedDisconnect
	CategoryMalformedResponse
	CategoryNoSubscriptions
)

func (c Category) String() string {
	switch c {
	case CategoryAcknowledgment:
		return "acknowledgment"
	case CategoryConnected:
		return "connected"
	case CategoryReconnected:
		return "reconnected"
	case CategoryDisconnected:
		return "disconnected"
	case CategoryUnexpectedDisconnect:
		return "unexpected-disconnect"
	case CategoryMalformedResponse:
		return "malformed-response"
	case CategoryNoSubscriptions:
		return "no-subscriptions"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Status reports the outcome of a loop transition or of a caller request.
type Status struct {
	Operation             Operation
	Category              Category
	IsError               bool
	Cursor                TimeToken
	Err                   error
	AffectedChannels      []string
	AffectedChannelGroups []string
	Result                *Result
}

func (s *Status) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s/%s cursor=%s error=%v", s.Operation, s.Category, s.Cursor, s.Err)
	}
	return fmt.Sprintf("%s/%s cursor=%s", s.Operation, s.Category, s.Cursor)
}
