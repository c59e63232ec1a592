package ds

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kychandar/pollsub/common"
)

type EventKind int

const (
	EventMessage EventKind = iota
	EventPresence
)

func (k EventKind) String() string {
	if k == EventPresence {
		return "presence"
	}
	return "message"
}

// Event is one entry of a long-poll batch.
type Event struct {
	Shard        string          `json:"a,omitempty"`
	Flags        int             `json:"f"`
	Publisher    string          `json:"i,omitempty"`
	PublishToken TimeToken       `json:"p"`
	SubscribeKey string          `json:"k,omitempty"`
	Channel      string          `json:"c"`
	Subscription string          `json:"b,omitempty"`
	Payload      json.RawMessage `json:"d,omitempty"`
}

// PresenceEvent is the payload carried on presence channels.
type PresenceEvent struct {
	Action    string         `json:"action"`
	UUID      string         `json:"uuid"`
	Timestamp int64          `json:"timestamp"`
	Occupancy int            `json:"occupancy"`
	Data      map[string]any `json:"data,omitempty"`
}

func (e *Event) Kind() EventKind {
	if common.IsPresenceChannel(e.Channel) {
		return EventPresence
	}
	return EventMessage
}

// Presence decodes the payload of a presence event.
func (e *Event) Presence() (*PresenceEvent, error) {
	if e.Kind() != EventPresence {
		return nil, fmt.Errorf("channel %q does not carry presence events", e.Channel)
	}
	var p PresenceEvent
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode presence payload: %w", err)
	}
	return &p, nil
}

func (e *Event) GetChannelName() common.ChannelName {
	return common.ChannelName(e.Channel)
}

func (e *Event) GetPublishedTime() time.Time {
	return e.PublishToken.Time()
}

func (e *Event) GetMsgID() string {
	return e.PublishToken.String()
}

func (e *Event) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

func (e *Event) DeserializeFrom(b []byte) error {
	return json.Unmarshal(b, e)
}
