package ds

// Messages exchanged with local websocket clients of the broadcaster.

type ControlPlaneOp uint32

const (
	StartSubscription ControlPlaneOp = iota
	StopSubscription
)

func (op ControlPlaneOp) String() string {
	switch op {
	case StartSubscription:
		return "start"
	case StopSubscription:
		return "stop"
	default:
		return "unknown"
	}
}

// ControlPlaneMessage asks the bridge to start or stop forwarding a channel
// to the sending websocket client.
type ControlPlaneMessage struct {
	Version        uint32         `json:"version"`
	Id             string         `json:"id"`
	ControlPlaneOp ControlPlaneOp `json:"op"`
	Channel        string         `json:"channel"`
	WithPresence   bool           `json:"with_presence,omitempty"`
}

// ControlPlaneAck answers a ControlPlaneMessage.
type ControlPlaneAck struct {
	Id    string `json:"id"`
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
