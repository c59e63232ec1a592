package wswritechannelmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/gorilla/websocket"
	"github.com/kychandar/pollsub/services"
)

const (
	writeQueueSize = 1000
	writeTimeout   = 10 * time.Second
)

var (
	ErrUnknownClient = errors.New("no websocket connection for client")
	// ErrSlowConsumer is returned when the write queue of a connection is
	// full. The frame is dropped.
	ErrSlowConsumer = errors.New("websocket write queue full")
)

// writeRequest represents a write operation to be performed
type writeRequest struct {
	msgType     int
	data        []byte
	preparedMsg *websocket.PreparedMessage
}

// connWithWriter wraps a WebSocket connection with a dedicated writer channel
type connWithWriter struct {
	conn      *websocket.Conn
	writeCh   chan writeRequest
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (cw *connWithWriter) stop() {
	cw.closeOnce.Do(func() { close(cw.closeCh) })
}

// wsWriteChanManager is a thread-safe manager for WebSocket connections.
type wsWriteChanManager struct {
	connections *haxmap.Map[string, *connWithWriter]
}

func NewClientWriterManager() services.WsWriteChanManager {
	return &wsWriteChanManager{
		connections: haxmap.New[string, *connWithWriter](),
	}
}

func (m *wsWriteChanManager) GetConnectionForClientID(clientID string) (*websocket.Conn, bool) {
	connInfo, ok := m.connections.Get(clientID)
	if !ok {
		return nil, false
	}
	return connInfo.conn, true
}

// SetConnectionForClientID registers conn and starts its writer goroutine. A
// previous connection under the same id loses its writer.
func (m *wsWriteChanManager) SetConnectionForClientID(clientID string, conn *websocket.Conn) {
	connWriter := &connWithWriter{
		conn:    conn,
		writeCh: make(chan writeRequest, writeQueueSize),
		closeCh: make(chan struct{}),
	}

	if prev, ok := m.connections.Get(clientID); ok {
		prev.stop()
	}
	m.connections.Set(clientID, connWriter)

	go m.writerLoop(connWriter)
}

// writerLoop is the only goroutine writing to cw.conn.
func (m *wsWriteChanManager) writerLoop(cw *connWithWriter) {
	for {
		select {
		case <-cw.closeCh:
			return
		case req := <-cw.writeCh:
			_ = cw.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if req.preparedMsg != nil {
				err = cw.conn.WritePreparedMessage(req.preparedMsg)
			} else {
				err = cw.conn.WriteMessage(req.msgType, req.data)
			}
			if err != nil {
				// the reader side notices the broken connection and cleans up
				cw.stop()
				return
			}
		}
	}
}

// DeleteClientID deletes the client ID and stops the writer goroutine
func (m *wsWriteChanManager) DeleteClientID(clientID string) {
	if connInfo, ok := m.connections.Get(clientID); ok {
		connInfo.stop()
		m.connections.Del(clientID)
	}
}

func (m *wsWriteChanManager) enqueue(clientID string, req writeRequest) error {
	connInfo, ok := m.connections.Get(clientID)
	if !ok {
		return ErrUnknownClient
	}

	select {
	case <-connInfo.closeCh:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case connInfo.writeCh <- req:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// WritePreparedMessage queues pm without blocking.
func (m *wsWriteChanManager) WritePreparedMessage(clientID string, pm *websocket.PreparedMessage) error {
	return m.enqueue(clientID, writeRequest{preparedMsg: pm})
}

// WriteJSON queues v as a text frame without blocking.
func (m *wsWriteChanManager) WriteJSON(clientID string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return m.enqueue(clientID, writeRequest{msgType: websocket.TextMessage, data: b})
}
