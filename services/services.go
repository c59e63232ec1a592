package services

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/services/registry"
)

// StatusCallback receives the outcome of one asynchronous request.
type StatusCallback func(status *ds.Status)

// Transport issues one long-poll call. It must return when ctx is cancelled
// or the server answers, whichever comes first.
type Transport interface {
	LongPoll(ctx context.Context, req ds.PollRequest) (*ds.PollResponse, error)
}

// PresenceNotifier tells the network that the client left objects. Calls are
// fire-and-forget.
type PresenceNotifier interface {
	NotifyLeave(objects []registry.SubscribedObject, cursor ds.TimeToken)
}

// CursorStore persists the last received cursor outside the process.
type CursorStore interface {
	SaveCursor(ctx context.Context, clientID common.ClientID, cursor ds.TimeToken) error
	LoadCursor(ctx context.Context, clientID common.ClientID) (ds.TimeToken, bool, error)
	DeleteCursor(ctx context.Context, clientID common.ClientID) error
	Close()
}

// EventSink receives every delivered event.
type EventSink interface {
	Publish(ctx context.Context, result *ds.Result) error
	Close() error
}

// Subscriber is the subscribe loop as seen by the owning client.
type Subscriber interface {
	Subscribe(initial bool, state map[string]ds.State, completion StatusCallback)
	RestoreSubscriptionCycleIfRequired()
	Suspend()
	Unsubscribe(objects []string, fromChannels bool, completion StatusCallback)
	UnsubscribeAll(completion StatusCallback)
	SeedCursor(cursor ds.TimeToken) bool

	AddChannels(channels ...string)
	RemoveChannels(channels ...string)
	AddChannelGroups(groups ...string)
	RemoveChannelGroups(groups ...string)
	AddPresenceChannels(channels ...string)
	RemovePresenceChannels(channels ...string)

	AllObjects() []string
	Channels() []string
	ChannelGroups() []string
	PresenceChannels() []string
	Cursor() ds.TimeToken

	Close()
}

type MetricsRegistry interface {
	GetHandler() http.Handler
	ObserveLongPoll(outcome string, took time.Duration)
	IncEventsDelivered(kind ds.EventKind, n int)
	ObserveDeliveryLatency(layer string, published time.Time)
	SetBackoffDelay(d time.Duration)
	SetLoopState(state int)
	IncWsConnectionCount()
	DecWsConnectionCount()
}

// WsWriteChanManager owns the local websocket connections and their writers.
type WsWriteChanManager interface {
	GetConnectionForClientID(clientID string) (*websocket.Conn, bool)
	SetConnectionForClientID(clientID string, conn *websocket.Conn)
	DeleteClientID(clientID string)
	WritePreparedMessage(clientID string, pm *websocket.PreparedMessage) error
	WriteJSON(clientID string, v any) error
}

// CentralisedSubscriber maps local websocket clients to upstream channels.
type CentralisedSubscriber interface {
	Subscribe(ctx context.Context, clientID string, channelName common.ChannelName) error
	UnSubscribe(ctx context.Context, clientID string, channelName common.ChannelName) error
	UnsubscribeAll(ctx context.Context, clientID string) error

	Deliver(ctx context.Context, result *ds.Result)
}

type WebSocketBridge interface {
	ProcessMessagesFromClient(ctx context.Context)
}
