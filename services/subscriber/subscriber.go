package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/services"
	"github.com/kychandar/pollsub/services/registry"
	slogctx "github.com/veqryn/slog-context"
)

// DefaultCoalesceWindow is how long a restart caused by a registry change
// waits for further changes before the new request departs.
const DefaultCoalesceWindow = 20 * time.Millisecond

var ErrClosed = errors.New("subscriber closed")

// Options is the part of the client configuration the loop reads. It is
// fetched from the owner every time it is needed.
type Options struct {
	Identity       ds.Identity
	CatchUp        CatchUpPolicy
	Backoff        BackoffConfig
	CoalesceWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		Backoff:        DefaultBackoffConfig(),
		CoalesceWindow: DefaultCoalesceWindow,
	}
}

// Owner is the client the loop works for.
type Owner interface {
	SubscriberOptions() Options
	HandleStatus(status *ds.Status)
	// HandleResults receives one batch together with the cursor that
	// follows it.
	HandleResults(results []*ds.Result, cursor ds.TimeToken)
}

// OwnerRef resolves the owner without keeping it alive. A false result means
// the owner is gone and the loop stops.
type OwnerRef func() (Owner, bool)

// StaticOwner wraps an owner that outlives the loop.
func StaticOwner(o Owner) OwnerRef {
	return func() (Owner, bool) { return o, o != nil }
}

type waiter struct {
	op       ds.Operation
	callback services.StatusCallback
	channels []string
	groups   []string
}

type attempt struct {
	id          uint64
	cursor      ds.TimeToken
	cancel      context.CancelFunc
	started     time.Time
	completions []waiter
}

// Subscriber drives the long-poll loop for one client.
type Subscriber struct {
	mu        sync.Mutex
	owner     OwnerRef
	registry  *registry.Registry
	transport services.Transport
	presence  services.PresenceNotifier
	metrics   services.MetricsRegistry
	backoff   *Backoff
	dispatch  *dispatcher
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state        State
	cursor       ds.TimeToken
	lastCursor   ds.TimeToken
	disconnected bool
	suspended    bool
	closed       bool

	inflight *attempt
	waiting  []waiter
	seq      uint64
	timer    *time.Timer
	timerSeq uint64
}

var _ services.Subscriber = (*Subscriber)(nil)

// New builds an idle loop. presence and metrics may be nil.
func New(
	ctx context.Context,
	owner OwnerRef,
	transport services.Transport,
	presence services.PresenceNotifier,
	metrics services.MetricsRegistry,
) *Subscriber {
	logger := slogctx.FromCtx(ctx).With("component", "subscriber")
	ctx, cancel := context.WithCancel(slogctx.NewCtx(ctx, logger))
	if metrics == nil {
		metrics = noopMetrics{}
	}

	opts := DefaultOptions()
	if o, ok := owner(); ok {
		opts = o.SubscriberOptions()
	}

	return &Subscriber{
		owner:     owner,
		registry:  registry.New(),
		transport: transport,
		presence:  presence,
		metrics:   metrics,
		backoff:   NewBackoff(opts.Backoff),
		dispatch:  newDispatcher(logger),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
	}
}

// Subscribe starts or continues the loop for whatever the registry holds.
// initial resets the cursor to zero. completion fires once, when the attempt
// carrying this request resolves.
func (s *Subscriber) Subscribe(initial bool, state map[string]ds.State, completion services.StatusCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := newCompletion(ds.OperationSubscribe, completion, nil, nil)
	if s.closed {
		// the dispatcher is gone
		if completion != nil {
			go completion(&ds.Status{Operation: ds.OperationSubscribe, Category: ds.CategoryDisconnected, IsError: true, Err: ErrClosed})
		}
		return
	}

	s.registry.SetState(state)
	if s.registry.IsEmpty() {
		s.completeNowLocked(req, &ds.Status{Category: ds.CategoryNoSubscriptions, IsError: true, Cursor: s.cursor})
		return
	}

	if initial {
		s.resetCursorLocked()
	}
	s.suspended = false
	if s.state == StateStopped {
		s.setStateLocked(StateIdle)
	}
	if req.callback != nil {
		s.waiting = append(s.waiting, req)
	}
	s.abortLocked()
	s.scheduleLocked(0)
}

// RestoreSubscriptionCycleIfRequired restarts a suspended or reconnecting
// loop, resuming from the last cursor when the catch-up policy allows it.
func (s *Subscriber) RestoreSubscriptionCycleIfRequired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed, s.state == StateStopped:
		return
	case s.state == StateAwaitingFirstResponse, s.state == StateStreaming:
		return
	case s.state == StateIdle && !s.suspended:
		return
	case s.registry.IsEmpty():
		return
	}

	last := s.cursor
	if last.IsZero() {
		last = s.lastCursor
	}
	s.cursor = s.options().CatchUp.Resolve(last, time.Now())
	if s.cursor.IsZero() && !last.IsZero() {
		s.lastCursor = last
	}
	s.logger.Info("restoring subscription cycle", "cursor", s.cursor.String(), "catch_up", !s.cursor.IsZero())

	s.suspended = false
	s.backoff.Reset()
	s.abortLocked()
	s.scheduleLocked(0)
}

// Suspend stops polling but keeps the registry and cursor so that
// RestoreSubscriptionCycleIfRequired can pick up later.
func (s *Subscriber) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.active() {
		return
	}
	s.abortLocked()
	if !s.cursor.IsZero() {
		s.lastCursor = s.cursor
	}
	s.suspended = true
	s.setStateLocked(StateIdle)
	s.logger.Info("subscription cycle suspended", "cursor", s.cursor.String())
}

// SeedCursor sets the cursor an idle loop continues from, typically one
// persisted by a previous process. The catch-up policy may reject it.
func (s *Subscriber) SeedCursor(cursor ds.TimeToken) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || (s.state != StateIdle && s.state != StateStopped) {
		return false
	}
	resolved := s.options().CatchUp.Resolve(cursor, time.Now())
	if resolved.IsZero() {
		return false
	}
	s.cursor = resolved
	return true
}

// Unsubscribe removes objects. fromChannels selects channels (presence
// channel names included) over channel groups.
func (s *Subscriber) Unsubscribe(objects []string, fromChannels bool, completion services.StatusCallback) {
	var muts []registry.Mutation
	var channels, groups []string
	if fromChannels {
		var plain, presence []string
		for _, n := range objects {
			if common.IsPresenceChannel(n) {
				presence = append(presence, n)
			} else {
				plain = append(plain, n)
			}
		}
		muts = append(muts,
			registry.RemoveMutation(common.KindChannel, plain...),
			registry.RemoveMutation(common.KindPresenceChannel, presence...))
		channels = objects
	} else {
		muts = append(muts, registry.RemoveMutation(common.KindChannelGroup, objects...))
		groups = objects
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req := newCompletion(ds.OperationUnsubscribe, completion, channels, groups)
	removed, _ := s.registry.Apply(muts...)
	if len(removed) == 0 || !s.state.active() {
		s.completeNowLocked(req, &ds.Status{Category: ds.CategoryAcknowledgment, Cursor: s.cursor})
		return
	}

	s.leaveLocked(removed)
	if req.callback != nil {
		s.waiting = append(s.waiting, req)
	}
	if s.registry.IsEmpty() {
		s.haltLocked(StateIdle)
		return
	}
	s.restartIfPollingLocked()
}

// UnsubscribeAll leaves everything and stops the loop.
func (s *Subscriber) UnsubscribeAll(completion services.StatusCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.registry.Clear()
	var channels, groups []string
	for _, o := range removed {
		if o.Kind == common.KindChannelGroup {
			groups = append(groups, o.Name)
		} else {
			channels = append(channels, o.Name)
		}
	}
	if s.state.active() {
		s.leaveLocked(removed)
	}
	if req := newCompletion(ds.OperationUnsubscribe, completion, channels, groups); req.callback != nil {
		s.waiting = append(s.waiting, req)
	}
	s.haltLocked(StateStopped)
}

func (s *Subscriber) AddChannels(channels ...string) {
	s.add(common.KindChannel, channels)
}

func (s *Subscriber) RemoveChannels(channels ...string) {
	s.remove(common.KindChannel, channels)
}

func (s *Subscriber) AddChannelGroups(groups ...string) {
	s.add(common.KindChannelGroup, groups)
}

func (s *Subscriber) RemoveChannelGroups(groups ...string) {
	s.remove(common.KindChannelGroup, groups)
}

func (s *Subscriber) AddPresenceChannels(channels ...string) {
	s.add(common.KindPresenceChannel, channels)
}

func (s *Subscriber) RemovePresenceChannels(channels ...string) {
	s.remove(common.KindPresenceChannel, channels)
}

func (s *Subscriber) AllObjects() []string       { return s.registry.Snapshot().AllObjects() }
func (s *Subscriber) Channels() []string         { return s.registry.Snapshot().Channels }
func (s *Subscriber) ChannelGroups() []string    { return s.registry.Snapshot().ChannelGroups }
func (s *Subscriber) PresenceChannels() []string { return s.registry.Snapshot().PresenceChannels }

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) Cursor() ds.TimeToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close stops the loop for good. Pending completions are answered.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.haltLocked(StateStopped)
	s.cancel()
	s.mu.Unlock()

	s.dispatch.close()
}

func (s *Subscriber) add(kind common.ObjectKind, names []string) {
	objs := make([]registry.SubscribedObject, 0, len(names))
	for _, n := range names {
		objs = append(objs, registry.SubscribedObject{Name: n, Kind: kind})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registry.Add(objs...) {
		return
	}
	s.restartIfPollingLocked()
}

func (s *Subscriber) remove(kind common.ObjectKind, names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.registry.Remove(kind, names...)
	if len(removed) == 0 || !s.state.active() {
		return
	}
	s.leaveLocked(removed)
	if s.registry.IsEmpty() {
		s.haltLocked(StateIdle)
		return
	}
	s.restartIfPollingLocked()
}

// restartIfPollingLocked cancels the in-flight call and lets the coalescing
// window collect further changes before issuing again. With no call in
// flight the next scheduled issue picks the change up by itself.
func (s *Subscriber) restartIfPollingLocked() {
	if s.inflight == nil {
		return
	}
	s.logger.Debug("registry changed, restarting long-poll", "attempt", s.inflight.id, "cursor", s.cursor.String())
	s.abortLocked()
	s.scheduleLocked(s.options().CoalesceWindow)
}

// leaveLocked announces removed channels and groups, attributed to the
// cursor in effect right now.
func (s *Subscriber) leaveLocked(removed []registry.SubscribedObject) {
	if s.presence == nil {
		return
	}
	var objs []registry.SubscribedObject
	for _, o := range removed {
		if o.Kind != common.KindPresenceChannel {
			objs = append(objs, o)
		}
	}
	if len(objs) == 0 {
		return
	}
	cursor := s.cursor
	presence := s.presence
	s.dispatch.enqueue(func() { presence.NotifyLeave(objs, cursor) })
}

// haltLocked ends the cycle: Idle when the registry ran empty, Stopped on
// explicit request.
func (s *Subscriber) haltLocked(next State) {
	wasActive := s.state.active()
	s.abortLocked()

	status := &ds.Status{Category: ds.CategoryDisconnected, Cursor: s.cursor}
	if s.closed {
		status.IsError = true
		status.Err = ErrClosed
	}
	s.resetCursorLocked()
	s.suspended = false
	s.disconnected = false
	s.setStateLocked(next)

	waiting := s.waiting
	s.waiting = nil
	s.completeAllLocked(waiting, status)
	if wasActive {
		s.notifyOwnerLocked(status)
	}
}

// resetCursorLocked starts the next cycle from zero. The cursor kept for a
// later restore goes with it.
func (s *Subscriber) resetCursorLocked() {
	s.cursor = ds.TimeToken{}
	s.lastCursor = ds.TimeToken{}
}

// abortLocked cancels any scheduled issue and the in-flight call. The
// cancelled call's completions move on to the next attempt.
func (s *Subscriber) abortLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++

	if s.inflight != nil {
		s.inflight.cancel()
		s.waiting = append(s.inflight.completions, s.waiting...)
		s.metrics.ObserveLongPoll("superseded", time.Since(s.inflight.started))
		s.inflight = nil
	}
}

func (s *Subscriber) scheduleLocked(delay time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerSeq++
	seq := s.timerSeq
	s.timer = time.AfterFunc(delay, func() { s.fire(seq) })
}

func (s *Subscriber) fire(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.timerSeq || s.closed {
		return
	}
	s.timer = nil
	s.issueLocked()
}

// issueLocked sends the next long-poll for the current registry and cursor.
func (s *Subscriber) issueLocked() {
	if _, ok := s.owner(); !ok {
		s.ownerGoneLocked()
		return
	}
	if s.state == StateStopped || s.inflight != nil {
		return
	}

	snap := s.registry.Snapshot()
	if snap.IsEmpty() {
		s.haltLocked(StateIdle)
		return
	}

	if s.cursor.IsZero() {
		s.setStateLocked(StateAwaitingFirstResponse)
	} else {
		s.setStateLocked(StateStreaming)
	}

	s.seq++
	ctx, cancel := context.WithCancel(s.ctx)
	att := &attempt{
		id:          s.seq,
		cursor:      s.cursor,
		cancel:      cancel,
		started:     time.Now(),
		completions: s.waiting,
	}
	s.waiting = nil
	s.inflight = att

	req := ds.PollRequest{
		Channels:      snap.SubscribeChannels(),
		ChannelGroups: snap.ChannelGroups,
		Cursor:        s.cursor,
		State:         snap.State(),
	}
	s.logger.Debug("issuing long-poll", "attempt", att.id, "cursor", s.cursor.String(), "region", s.cursor.Region, "objects", snap.AllObjects())

	go s.poll(ctx, att.id, req)
}

func (s *Subscriber) poll(ctx context.Context, id uint64, req ds.PollRequest) {
	resp, err := s.transport.LongPoll(ctx, req)
	s.handleResponse(id, resp, err)
}

func (s *Subscriber) handleResponse(id uint64, resp *ds.PollResponse, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	att := s.inflight
	if att == nil || att.id != id {
		// superseded by a restart; whatever it carries is older than what
		// the current attempt will bring
		s.logger.Debug("dropping superseded long-poll response", "attempt", id)
		return
	}
	s.inflight = nil
	att.cancel()

	owner, ok := s.owner()
	if !ok {
		s.waiting = append(att.completions, s.waiting...)
		s.ownerGoneLocked()
		return
	}

	if err == nil && resp == nil {
		err = fmt.Errorf("%w: empty response", ds.ErrMalformedResponse)
	}
	if err != nil {
		s.failLocked(att, err)
		return
	}
	s.succeedLocked(owner, att, resp)
}

func (s *Subscriber) failLocked(att *attempt, err error) {
	malformed := errors.Is(err, ds.ErrMalformedResponse)
	outcome := "failure"
	category := ds.CategoryUnexpectedDisconnect
	if malformed {
		outcome = "malformed"
		category = ds.CategoryMalformedResponse
	}
	s.metrics.ObserveLongPoll(outcome, time.Since(att.started))

	delay := s.backoff.Next()
	s.metrics.SetBackoffDelay(delay)
	s.setStateLocked(StateReconnecting)
	s.logger.Warn("long-poll failed", "err", err, "attempt", att.id, "retry_in", delay.String(), "cursor", s.cursor.String())

	status := &ds.Status{
		Operation: ds.OperationSubscribe,
		Category:  category,
		IsError:   true,
		Cursor:    s.cursor,
		Err:       err,
	}
	s.completeAllLocked(att.completions, status)
	if malformed || !s.disconnected {
		s.notifyOwnerLocked(status)
	}
	s.disconnected = true
	s.scheduleLocked(delay)
}

func (s *Subscriber) succeedLocked(owner Owner, att *attempt, resp *ds.PollResponse) {
	s.metrics.ObserveLongPoll("success", time.Since(att.started))
	s.backoff.Reset()
	s.metrics.SetBackoffDelay(0)

	next := resp.Cursor
	if !att.cursor.IsZero() && next.Before(att.cursor) {
		s.logger.Warn("server returned an older cursor, keeping current", "current", att.cursor.String(), "received", next.String())
		next = att.cursor
	}
	s.cursor = next
	s.setStateLocked(StateStreaming)

	category := ds.CategoryAcknowledgment
	switch {
	case s.disconnected:
		category = ds.CategoryReconnected
	case att.cursor.IsZero():
		category = ds.CategoryConnected
	}
	s.disconnected = false

	snap := s.registry.Snapshot()
	base := ds.NewResult(ds.OperationSubscribe, statusCode(resp), owner.SubscriberOptions().Identity, resp.Request, nil)
	status := &ds.Status{
		Operation:             ds.OperationSubscribe,
		Category:              category,
		Cursor:                s.cursor,
		AffectedChannels:      snap.SubscribeChannels(),
		AffectedChannelGroups: snap.ChannelGroups,
		Result:                base,
	}
	s.completeAllLocked(att.completions, status)
	if category != ds.CategoryAcknowledgment {
		s.logger.Info("subscription cycle "+category.String(), "cursor", s.cursor.String())
		s.notifyOwnerLocked(status)
	}

	if results := ds.FanOut(base, resp.Events); len(results) > 0 {
		s.countEvents(resp.Events)
		cursor := s.cursor
		s.dispatch.enqueue(func() { owner.HandleResults(results, cursor) })
	}

	s.issueLocked()
}

func (s *Subscriber) countEvents(events []ds.Event) {
	var messages, presence int
	for i := range events {
		if events[i].Kind() == ds.EventPresence {
			presence++
		} else {
			messages++
		}
	}
	if messages > 0 {
		s.metrics.IncEventsDelivered(ds.EventMessage, messages)
	}
	if presence > 0 {
		s.metrics.IncEventsDelivered(ds.EventPresence, presence)
	}
}

func (s *Subscriber) ownerGoneLocked() {
	s.logger.Info("owning client is gone, stopping subscribe loop")
	s.closed = true
	s.haltLocked(StateStopped)
	s.cancel()
	s.dispatch.close()
}

func (s *Subscriber) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug("state change", "from", s.state.String(), "to", next.String())
	s.state = next
	s.metrics.SetLoopState(int(next))
}

func (s *Subscriber) options() Options {
	if o, ok := s.owner(); ok {
		return o.SubscriberOptions()
	}
	return DefaultOptions()
}

func (s *Subscriber) notifyOwnerLocked(status *ds.Status) {
	owner, ok := s.owner()
	if !ok {
		return
	}
	cp := *status
	s.dispatch.enqueue(func() { owner.HandleStatus(&cp) })
}

func (s *Subscriber) completeNowLocked(c waiter, status *ds.Status) {
	if c.callback == nil {
		return
	}
	s.completeAllLocked([]waiter{c}, status)
}

// completeAllLocked hands every callback its own copy of status, stamped
// with the operation it asked for.
func (s *Subscriber) completeAllLocked(cs []waiter, status *ds.Status) {
	for _, c := range cs {
		if c.callback == nil {
			continue
		}
		cp := *status
		cp.Operation = c.op
		if c.op == ds.OperationUnsubscribe {
			cp.AffectedChannels = c.channels
			cp.AffectedChannelGroups = c.groups
		}
		cb := c.callback
		s.dispatch.enqueue(func() { cb(&cp) })
	}
}

func newCompletion(op ds.Operation, cb services.StatusCallback, channels, groups []string) waiter {
	return waiter{op: op, callback: cb, channels: channels, groups: groups}
}

func statusCode(resp *ds.PollResponse) int {
	if resp.StatusCode == 0 {
		return http.StatusOK
	}
	return resp.StatusCode
}

type noopMetrics struct{}

func (noopMetrics) GetHandler() http.Handler                 { return http.NotFoundHandler() }
func (noopMetrics) ObserveLongPoll(string, time.Duration)    {}
func (noopMetrics) IncEventsDelivered(ds.EventKind, int)     {}
func (noopMetrics) ObserveDeliveryLatency(string, time.Time) {}
func (noopMetrics) SetBackoffDelay(time.Duration)            {}
func (noopMetrics) SetLoopState(int)                         {}
func (noopMetrics) IncWsConnectionCount()                    {}
func (noopMetrics) DecWsConnectionCount()                    {}
