package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"weak"

	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/config"
	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/services"
	"github.com/kychandar/pollsub/services/subscriber"
	"github.com/kychandar/pollsub/services/transport/longpoll"
	slogctx "github.com/veqryn/slog-context"
)

const cursorStoreTimeout = 2 * time.Second

// Listener receives what the subscribe loop reports. Both methods run on the
// loop's dispatcher goroutine, in order.
type Listener interface {
	Status(status *ds.Status)
	Message(result *ds.Result)
}

// ListenerFuncs adapts two funcs to a Listener. Nil funcs are skipped.
type ListenerFuncs struct {
	OnStatus  func(status *ds.Status)
	OnMessage func(result *ds.Result)
}

func (l ListenerFuncs) Status(status *ds.Status) {
	if l.OnStatus != nil {
		l.OnStatus(status)
	}
}

func (l ListenerFuncs) Message(result *ds.Result) {
	if l.OnMessage != nil {
		l.OnMessage(result)
	}
}

type Option func(*Client)

// WithCursorStore persists the cursor after every delivered batch.
func WithCursorStore(store services.CursorStore) Option {
	return func(c *Client) { c.cursorStore = store }
}

// WithEventSink forwards every delivered event.
func WithEventSink(sink services.EventSink) Option {
	return func(c *Client) { c.sink = sink }
}

// WithFanOut hands every delivered event to local websocket clients.
func WithFanOut(fanout services.CentralisedSubscriber) Option {
	return func(c *Client) { c.fanout = fanout }
}

func WithMetrics(metrics services.MetricsRegistry) Option {
	return func(c *Client) { c.metrics = metrics }
}

// Client owns one subscribe loop. The loop only holds a weak reference back,
// so dropping the last reference to a Client stops its loop.
type Client struct {
	ctx    context.Context
	cfg    *config.Config
	id     common.ClientID
	logger *slog.Logger

	sub         *subscriber.Subscriber
	cursorStore services.CursorStore
	sink        services.EventSink
	fanout      services.CentralisedSubscriber
	metrics     services.MetricsRegistry

	mu        sync.RWMutex
	listeners []Listener
}

func New(
	ctx context.Context,
	cfg *config.Config,
	transport services.Transport,
	presence services.PresenceNotifier,
	opts ...Option,
) *Client {
	logger := slogctx.FromCtx(ctx).With("component", "client", "uuid", cfg.Client.UUID)
	c := &Client{
		ctx:    slogctx.NewCtx(ctx, logger),
		cfg:    cfg,
		id:     common.ClientID(cfg.Client.UUID),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	ref := weak.Make(c)
	owner := func() (subscriber.Owner, bool) {
		if o := ref.Value(); o != nil {
			return o, true
		}
		return nil, false
	}
	c.sub = subscriber.New(c.ctx, owner, transport, presence, c.metrics)
	return c
}

// TransportConfig is the endpoint and identity part of cfg.
func TransportConfig(cfg *config.Config) longpoll.Config {
	return longpoll.Config{
		Origin:         cfg.Client.Origin,
		SubscribeKey:   cfg.Client.SubscribeKey,
		UUID:           cfg.Client.UUID,
		AuthKey:        cfg.Client.AuthKey,
		TLS:            cfg.Client.TLS,
		Heartbeat:      cfg.Client.Heartbeat,
		RequestTimeout: cfg.Client.RequestTimeout,
	}
}

// Loop is the subscribe loop itself, for components that manage
// subscriptions on the client's behalf.
func (c *Client) Loop() *subscriber.Subscriber { return c.sub }

// SetFanOut replaces the local websocket fan-out.
func (c *Client) SetFanOut(fanout services.CentralisedSubscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fanout = fanout
}

func (c *Client) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Resume seeds the loop with the cursor saved by a previous run, if any. It
// reports whether a cursor was applied.
func (c *Client) Resume(ctx context.Context) (bool, error) {
	if c.cursorStore == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, cursorStoreTimeout)
	defer cancel()

	cursor, found, err := c.cursorStore.LoadCursor(ctx, c.id)
	if err != nil || !found {
		return false, err
	}
	applied := c.sub.SeedCursor(cursor)
	c.logger.InfoContext(ctx, "resuming from saved cursor", "cursor", cursor.String(), "applied", applied)
	return applied, nil
}

// ForgetCursor drops the cursor saved by a previous run so the next cycle
// starts from now.
func (c *Client) ForgetCursor(ctx context.Context) error {
	if c.cursorStore == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, cursorStoreTimeout)
	defer cancel()
	if err := c.cursorStore.DeleteCursor(ctx, c.id); err != nil {
		return fmt.Errorf("deleting saved cursor: %w", err)
	}
	c.logger.InfoContext(ctx, "saved cursor discarded")
	return nil
}

// Subscribe adds channels and groups and starts or restarts the loop.
// withPresence also subscribes to the presence channel of every channel.
func (c *Client) Subscribe(channels, groups []string, withPresence bool, state map[string]ds.State, completion services.StatusCallback) {
	if len(channels) > 0 {
		c.sub.AddChannels(channels...)
	}
	if len(groups) > 0 {
		c.sub.AddChannelGroups(groups...)
	}
	if withPresence && len(channels) > 0 {
		presence := make([]string, 0, len(channels))
		for _, ch := range channels {
			presence = append(presence, common.PresenceChannelFor(ch))
		}
		c.sub.AddPresenceChannels(presence...)
	}
	c.sub.Subscribe(false, state, completion)
}

// Unsubscribe leaves channels. Presence channel names are accepted too.
func (c *Client) Unsubscribe(channels []string, completion services.StatusCallback) {
	c.sub.Unsubscribe(channels, true, completion)
}

func (c *Client) UnsubscribeGroups(groups []string, completion services.StatusCallback) {
	c.sub.Unsubscribe(groups, false, completion)
}

func (c *Client) UnsubscribeAll(completion services.StatusCallback) {
	c.sub.UnsubscribeAll(completion)
}

// Disconnect stops the loop but keeps subscriptions and the cursor.
func (c *Client) Disconnect() { c.sub.Suspend() }

// Reconnect restarts a loop stopped by Disconnect or a network failure.
func (c *Client) Reconnect() { c.sub.RestoreSubscriptionCycleIfRequired() }

func (c *Client) State() subscriber.State    { return c.sub.State() }
func (c *Client) Cursor() ds.TimeToken       { return c.sub.Cursor() }
func (c *Client) Channels() []string         { return c.sub.Channels() }
func (c *Client) ChannelGroups() []string    { return c.sub.ChannelGroups() }
func (c *Client) PresenceChannels() []string { return c.sub.PresenceChannels() }

// Ready reports whether the loop is streaming.
func (c *Client) Ready() bool { return c.sub.State() == subscriber.StateStreaming }

// Close stops the loop. Pending completions are answered with
// subscriber.ErrClosed.
func (c *Client) Close() {
	c.sub.Close()
}

// SubscriberOptions implements subscriber.Owner.
func (c *Client) SubscriberOptions() subscriber.Options {
	s := c.cfg.Subscribe
	return subscriber.Options{
		Identity: TransportConfig(c.cfg).Identity(),
		CatchUp:  subscriber.CatchUpPolicy{Enabled: s.CatchUp, MaxAge: s.CatchUpMaxAge},
		Backoff: subscriber.BackoffConfig{
			Initial:    s.BackoffInitial,
			Max:        s.BackoffMax,
			Multiplier: s.BackoffMultiplier,
			Jitter:     s.BackoffJitter,
		},
		CoalesceWindow: s.CoalesceWindow,
	}
}

// HandleStatus implements subscriber.Owner.
func (c *Client) HandleStatus(status *ds.Status) {
	if status.IsError {
		c.logger.WarnContext(c.ctx, "subscribe status", "status", status.String())
	} else {
		c.logger.InfoContext(c.ctx, "subscribe status", "status", status.String())
	}
	for _, l := range c.snapshotListeners() {
		l.Status(status)
	}
}

// HandleResults implements subscriber.Owner.
func (c *Client) HandleResults(results []*ds.Result, cursor ds.TimeToken) {
	c.mu.RLock()
	fanout := c.fanout
	c.mu.RUnlock()
	listeners := c.snapshotListeners()
	for _, r := range results {
		for _, l := range listeners {
			l.Message(r)
		}
		if c.sink != nil {
			if err := c.sink.Publish(c.ctx, r); err != nil {
				c.logger.ErrorContext(c.ctx, "failed to forward event", "err", err)
			}
		}
		if fanout != nil {
			fanout.Deliver(c.ctx, r)
		}
	}
	c.saveCursor(cursor)
}

// saveCursor persists the cursor following a batch that has been handed to
// every consumer.
func (c *Client) saveCursor(cursor ds.TimeToken) {
	if c.cursorStore == nil {
		return
	}
	if cursor.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, cursorStoreTimeout)
	defer cancel()
	if err := c.cursorStore.SaveCursor(ctx, c.id, cursor); err != nil {
		c.logger.ErrorContext(ctx, "failed to save cursor", "err", err, "cursor", cursor.String())
	}
}

func (c *Client) snapshotListeners() []Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Listener(nil), c.listeners...)
}
