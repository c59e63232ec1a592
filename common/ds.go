package common

import (
	"time"

	"github.com/gorilla/websocket"
)

// IntermittenMsg is one delivered event, encoded once and shared by every
// local websocket writer.
type IntermittenMsg struct {
	PublishedTime time.Time
	Id            string
	Channel       string
	// Data          []byte
	PreparedMessage *websocket.PreparedMessage
}
