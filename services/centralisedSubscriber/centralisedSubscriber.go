package centralisedSubscriber

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alphadose/haxmap"
	set "github.com/duke-git/lancet/v2/datastructure/set"
	"github.com/gorilla/websocket"
	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/services"
	"github.com/kychandar/pollsub/services/pool"
	slogctx "github.com/veqryn/slog-context"
)

const (
	numWorkers   = 16
	fanoutBuffer = 1000
)

// Upstream is the part of the subscribe loop the fan-out drives.
type Upstream interface {
	AddChannels(channels ...string)
	RemoveChannels(channels ...string)
	AddPresenceChannels(channels ...string)
	RemovePresenceChannels(channels ...string)
	Subscribe(initial bool, state map[string]ds.State, completion services.StatusCallback)
	AllObjects() []string
	Channels() []string
	PresenceChannels() []string
}

// centralisedSubscriber tracks which local websocket clients want which
// channel and keeps the upstream registry in line with the union of them.
type centralisedSubscriber struct {
	lock               sync.RWMutex
	channelsTracker    *haxmap.Map[common.ChannelName, *haxmap.Map[string, struct{}]]
	upstream           Upstream
	wsWriteChanManager services.WsWriteChanManager
	metrics            services.MetricsRegistry
	fanoutCh           chan *fanoutJob
	subscriptionSyncer chan struct{}
	logger             *slog.Logger
}

type fanoutJob struct {
	intMsg *common.IntermittenMsg
	set    *haxmap.Map[string, struct{}]
}

func New(
	ctx context.Context,
	upstream Upstream,
	wsWriteChanManager services.WsWriteChanManager,
	metrics services.MetricsRegistry,
) *centralisedSubscriber {
	return &centralisedSubscriber{
		channelsTracker:    haxmap.New[common.ChannelName, *haxmap.Map[string, struct{}]](),
		upstream:           upstream,
		wsWriteChanManager: wsWriteChanManager,
		metrics:            metrics,
		fanoutCh:           make(chan *fanoutJob, fanoutBuffer),
		subscriptionSyncer: make(chan struct{}, 1),
		logger:             slogctx.FromCtx(ctx).With("component", "centralisedSubscriber"),
	}
}

var _ services.CentralisedSubscriber = (*centralisedSubscriber)(nil)

// Run starts the fan-out workers and the subscription syncer. It returns
// when ctx is done.
func (c *centralisedSubscriber) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.fanoutWorker(ctx)
		}()
	}
	c.SubscriptionSyncer(ctx)
	wg.Wait()
}

// SubscriptionSyncer applies the difference between the channels local
// clients want and the ones already added upstream. Channels the upstream
// registry held before a client asked for them belong to someone else and
// are never removed here.
func (c *centralisedSubscriber) SubscriptionSyncer(ctx context.Context) {
	c.logger.DebugContext(ctx, "starting subscription syncer")
	actualSubsSet := set.New[common.ChannelName]()
	ownedSubsSet := set.New[common.ChannelName]()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.subscriptionSyncer:
			requiredSubsSet := set.New[common.ChannelName]()
			for x := range c.channelsTracker.Keys() {
				requiredSubsSet.Add(x)
			}
			if actualSubsSet.Equal(requiredSubsSet) {
				continue
			}

			toAdd := requiredSubsSet.Minus(actualSubsSet).Minus(c.upstreamChannels())
			toRemove := actualSubsSet.Minus(requiredSubsSet).Intersection(ownedSubsSet)
			wasEmpty := len(c.upstream.AllObjects()) == 0

			c.apply(toAdd, c.upstream.AddChannels, c.upstream.AddPresenceChannels)
			c.apply(toRemove, c.upstream.RemoveChannels, c.upstream.RemovePresenceChannels)
			ownedSubsSet = ownedSubsSet.Union(toAdd).Minus(toRemove)
			if wasEmpty && toAdd.Size() > 0 {
				c.upstream.Subscribe(false, nil, nil)
			}
			c.logger.InfoContext(ctx, "upstream subscriptions synced", "added", toAdd.Size(), "removed", toRemove.Size(), "total", requiredSubsSet.Size())
			actualSubsSet = requiredSubsSet
		}
	}
}

func (c *centralisedSubscriber) upstreamChannels() set.Set[common.ChannelName] {
	existing := set.New[common.ChannelName]()
	for _, n := range c.upstream.Channels() {
		existing.Add(common.ChannelName(n))
	}
	for _, n := range c.upstream.PresenceChannels() {
		existing.Add(common.ChannelName(n))
	}
	return existing
}

func (c *centralisedSubscriber) apply(names set.Set[common.ChannelName], channels, presence func(...string)) {
	var plain, pres []string
	for n := range names {
		if common.IsPresenceChannel(string(n)) {
			pres = append(pres, string(n))
		} else {
			plain = append(plain, string(n))
		}
	}
	if len(plain) > 0 {
		channels(plain...)
	}
	if len(pres) > 0 {
		presence(pres...)
	}
}

func (c *centralisedSubscriber) triggerSync() {
	select {
	case c.subscriptionSyncer <- struct{}{}:
	default:
	}
}

// Deliver hands one event to every local client subscribed to its channel.
// It never blocks; when the fan-out queue is full the event is dropped.
func (c *centralisedSubscriber) Deliver(ctx context.Context, result *ds.Result) {
	ev, ok := result.Data().(ds.Event)
	if !ok {
		return
	}
	clients, exist := c.channelsTracker.Get(ev.GetChannelName())
	if !exist {
		return
	}

	msgBytes, err := ev.Serialize()
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to encode event", "err", err, "channel", ev.Channel)
		return
	}
	pm, err := websocket.NewPreparedMessage(websocket.TextMessage, msgBytes)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to prepare ws message", "err", err, "channel", ev.Channel)
		return
	}

	objPool := pool.GetGlobalPool()
	intMsg := objPool.IntermittenMsg.Get()
	intMsg.PublishedTime = ev.GetPublishedTime()
	intMsg.Id = ev.GetMsgID()
	intMsg.Channel = ev.Channel
	intMsg.PreparedMessage = pm

	select {
	case c.fanoutCh <- &fanoutJob{intMsg: intMsg, set: clients}:
	default:
		c.logger.WarnContext(ctx, "fan-out queue full, dropping event", "channel", ev.Channel, "msg-id", intMsg.Id)
		objPool.ResetIntermittenMsg(intMsg)
	}
}

func (c *centralisedSubscriber) fanoutWorker(ctx context.Context) {
	objPool := pool.GetGlobalPool()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.fanoutCh:
			preparedMsg := job.intMsg.PreparedMessage
			job.set.ForEach(func(clientID string, _ struct{}) bool {
				if err := c.wsWriteChanManager.WritePreparedMessage(clientID, preparedMsg); err != nil {
					c.logger.DebugContext(ctx, "ws write skipped", "client", clientID, "err", err)
				}
				return true
			})
			if c.metrics != nil && !job.intMsg.PublishedTime.IsZero() {
				c.metrics.ObserveDeliveryLatency("ws_fanout", job.intMsg.PublishedTime)
			}
			objPool.ResetIntermittenMsg(job.intMsg)
		}
	}
}

// Subscribe adds a client to a channel
func (s *centralisedSubscriber) Subscribe(ctx context.Context, clientID string, channelName common.ChannelName) error {
	s.lock.RLock()
	if subMap, exist := s.channelsTracker.Get(channelName); exist {
		subMap.Set(clientID, struct{}{})
		s.lock.RUnlock()
		return nil
	}
	s.lock.RUnlock()

	s.lock.Lock()
	defer s.lock.Unlock()
	subMap, exist := s.channelsTracker.Get(channelName)
	if !exist {
		subMap = haxmap.New[string, struct{}]()
		s.channelsTracker.Set(channelName, subMap)
		s.triggerSync()
	}
	subMap.Set(clientID, struct{}{})
	return nil
}

// UnSubscribe removes a client from a specific channel
func (s *centralisedSubscriber) UnSubscribe(ctx context.Context, clientID string, channelName common.ChannelName) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	subMap, exist := s.channelsTracker.Get(channelName)
	if !exist {
		return nil
	}
	if _, exist := subMap.Get(clientID); !exist {
		return nil
	}
	if subMap.Len() == 1 {
		s.channelsTracker.Del(channelName)
		s.triggerSync()
	} else {
		subMap.Del(clientID)
	}
	return nil
}

// UnsubscribeAll removes the client from all channels
func (s *centralisedSubscriber) UnsubscribeAll(ctx context.Context, clientID string) error {
	var names []common.ChannelName
	s.channelsTracker.ForEach(func(channelName common.ChannelName, _ *haxmap.Map[string, struct{}]) bool {
		names = append(names, channelName)
		return true
	})
	for _, n := range names {
		if err := s.UnSubscribe(ctx, clientID, n); err != nil {
			return err
		}
	}
	return nil
}
