package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/services"
	"github.com/nats-io/nats.go"
)

var ErrNotAnEvent = errors.New("result does not carry an event")

// Envelope is the JSON document forwarded for every delivered event.
type Envelope struct {
	Kind         string          `json:"kind"`
	Channel      string          `json:"channel"`
	Subscription string          `json:"subscription,omitempty"`
	Publisher    string          `json:"publisher,omitempty"`
	Timetoken    string          `json:"timetoken"`
	Region       int             `json:"region"`
	Origin       string          `json:"origin,omitempty"`
	UUID         string          `json:"uuid,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// NatsEventSink forwards delivered events into a JetStream stream. Messages
// go to <prefix>.ch.<channel> and presence events to <prefix>.pres.<channel>.
type NatsEventSink struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	prefix   string
	subs     map[string]*nats.Subscription
	mu       sync.Mutex
	streamMu sync.Mutex
}

var _ services.EventSink = (*NatsEventSink)(nil)

func NewNatsEventSink(natsURL, prefix string) (*NatsEventSink, error) {
	if prefix == "" {
		prefix = common.DefaultSubjectPrefix
	}
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream: %w", err)
	}

	return &NatsEventSink{
		nc:     nc,
		js:     js,
		prefix: prefix,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// StreamName is the stream the sink writes into.
func (n *NatsEventSink) StreamName() string {
	return strings.ToUpper(subjSafe(n.prefix)) + "_EVENTS"
}

// EnsureStream creates the stream covering every subject of the sink, or
// fixes its subjects if they drifted.
func (n *NatsEventSink) EnsureStream() error {
	return n.CreateStream(n.StreamName(), []string{n.prefix + ".>"})
}

func (n *NatsEventSink) CreateStream(streamName string, subjects []string) error {
	n.streamMu.Lock()
	defer n.streamMu.Unlock()

	streamInfo, err := n.js.StreamInfo(streamName)
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			cfg := &nats.StreamConfig{
				Name:     streamName,
				Subjects: subjects,
			}
			if _, err := n.js.AddStream(cfg); err != nil {
				return fmt.Errorf("create stream: %w", err)
			}
			return nil
		}
		return fmt.Errorf("get stream info: %w", err)
	}

	if !subjectsMatch(streamInfo.Config.Subjects, subjects) {
		updated := streamInfo.Config
		updated.Subjects = subjects
		if _, err := n.js.UpdateStream(&updated); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
	}

	return nil
}

func subjectsMatch(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Subject is where an event on channel is forwarded to.
func (n *NatsEventSink) Subject(channel string) string {
	if common.IsPresenceChannel(channel) {
		return common.PresenceSubjFormat(n.prefix, channel)
	}
	return common.EventSubjFormat(n.prefix, channel)
}

// Publish forwards one delivered event. The message id is derived from the
// event so a replay after catch-up is deduplicated by the stream.
func (n *NatsEventSink) Publish(ctx context.Context, result *ds.Result) error {
	ev, ok := result.Data().(ds.Event)
	if !ok {
		return ErrNotAnEvent
	}
	data, err := json.Marshal(Envelope{
		Kind:         ev.Kind().String(),
		Channel:      ev.Channel,
		Subscription: ev.Subscription,
		Publisher:    ev.Publisher,
		Timetoken:    ev.PublishToken.String(),
		Region:       ev.PublishToken.Region,
		Origin:       result.Origin(),
		UUID:         result.UUID(),
		Payload:      ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	msgID := ev.Channel + "/" + ev.PublishToken.String()
	if _, err := n.js.Publish(n.Subject(ev.Channel), data, nats.Context(ctx), nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe attaches a durable consumer to subjectName. Used by whoever
// reads the forwarded events back.
func (n *NatsEventSink) Subscribe(consumerName string, subjectName string, callBack func(msg []byte)) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[consumerName]; ok {
		return fmt.Errorf("consumer %s already subscribed", consumerName)
	}

	sub, err := n.js.Subscribe(subjectName, func(m *nats.Msg) {
		callBack(m.Data)
		_ = m.Ack()
	}, nats.Durable(consumerName), nats.AckExplicit())
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	n.subs[consumerName] = sub
	return nil
}

func (n *NatsEventSink) UnSubscribe(consumerName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, ok := n.subs[consumerName]
	if !ok {
		return fmt.Errorf("no subscription for consumer %s", consumerName)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	delete(n.subs, consumerName)
	return nil
}

func (n *NatsEventSink) Close() error {
	done := make(chan struct{})

	n.nc.SetClosedHandler(func(_ *nats.Conn) {
		close(done) // signal that drain is done
	})

	if err := n.nc.Drain(); err != nil {
		return err
	}

	<-done
	return nil
}

func subjSafe(s string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(s)
}
