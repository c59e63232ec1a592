package websocketbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/services"
	"github.com/kychandar/pollsub/services/pool"
	slogctx "github.com/veqryn/slog-context"
)

var ErrEmptyChannel = errors.New("channel is required")

type Factory func(centSubscriber services.CentralisedSubscriber, writer services.WsWriteChanManager,
	wsConnID string, conn *websocket.Conn) services.WebSocketBridge

func NewWsBridgeFactory() Factory {
	return func(centSubscriber services.CentralisedSubscriber, writer services.WsWriteChanManager,
		wsConnID string, conn *websocket.Conn) services.WebSocketBridge {
		return &websocketBridge{
			wsConnID:       wsConnID,
			conn:           conn,
			centSubscriber: centSubscriber,
			writer:         writer,
		}
	}
}

type websocketBridge struct {
	wsConnID       string
	conn           *websocket.Conn
	centSubscriber services.CentralisedSubscriber
	writer         services.WsWriteChanManager
}

// ProcessMessagesFromClient reads control messages until the connection
// fails, then drops every subscription the client held.
func (w *websocketBridge) ProcessMessagesFromClient(ctx context.Context) {
	logger := slogctx.FromCtx(ctx).With("component", "websocketBridge", "ws-conn-id", w.wsConnID)
	objPool := pool.GetGlobalPool()

	defer func() {
		if err := w.centSubscriber.UnsubscribeAll(ctx, w.wsConnID); err != nil {
			logger.ErrorContext(ctx, "failed to drop client subscriptions", "err", err)
		}
	}()

	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.WarnContext(ctx, "unexpected close", "err", err)
			} else {
				logger.DebugContext(ctx, "read loop finished", "err", err)
			}
			return
		}

		controlPlaneMsg := objPool.ControlPlaneMsg.Get()
		if err := json.Unmarshal(message, controlPlaneMsg); err != nil {
			objPool.ResetControlPlaneMessage(controlPlaneMsg)
			logger.WarnContext(ctx, "invalid control message", "err", err)
			w.ack(ctx, "", err)
			continue
		}

		err = w.HandleControlOp(ctx, controlPlaneMsg)
		if err != nil {
			logger.WarnContext(ctx, "control op failed", "op", controlPlaneMsg.ControlPlaneOp.String(), "channel", controlPlaneMsg.Channel, "err", err)
		}
		w.ack(ctx, controlPlaneMsg.Id, err)
		objPool.ResetControlPlaneMessage(controlPlaneMsg)
	}
}

func (w *websocketBridge) HandleControlOp(ctx context.Context, msg *ds.ControlPlaneMessage) error {
	if msg.Channel == "" {
		return ErrEmptyChannel
	}
	names := []common.ChannelName{common.ChannelName(msg.Channel)}
	if msg.WithPresence && !common.IsPresenceChannel(msg.Channel) {
		names = append(names, common.ChannelName(common.PresenceChannelFor(msg.Channel)))
	}

	var op func(context.Context, string, common.ChannelName) error
	switch msg.ControlPlaneOp {
	case ds.StartSubscription:
		op = w.centSubscriber.Subscribe
	case ds.StopSubscription:
		op = w.centSubscriber.UnSubscribe
	default:
		return fmt.Errorf("unknown control op: %d", msg.ControlPlaneOp)
	}

	for _, name := range names {
		if err := op(ctx, w.wsConnID, name); err != nil {
			return err
		}
	}
	return nil
}

func (w *websocketBridge) ack(ctx context.Context, id string, err error) {
	ack := ds.ControlPlaneAck{Id: id, Ok: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	if werr := w.writer.WriteJSON(w.wsConnID, ack); werr != nil {
		slogctx.FromCtx(ctx).DebugContext(ctx, "ack not sent", "ws-conn-id", w.wsConnID, "err", werr)
	}
}
