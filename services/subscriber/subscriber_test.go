package subscriber

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/mocks"
	"github.com/kychandar/pollsub/services"
	"github.com/kychandar/pollsub/services/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type pollReply struct {
	resp *ds.PollResponse
	err  error
}

type pendingPoll struct {
	ctx   context.Context
	req   ds.PollRequest
	reply chan pollReply
}

func (p *pendingPoll) respond(cursor uint64, events ...ds.Event) {
	p.reply <- pollReply{resp: &ds.PollResponse{
		Cursor:     ds.TimeToken{Timestamp: cursor, Region: 1},
		Events:     events,
		StatusCode: http.StatusOK,
		Request:    ds.RequestDescriptor{Method: http.MethodGet, Path: "/v2/subscribe"},
	}}
}

func (p *pendingPoll) fail(err error) {
	p.reply <- pollReply{err: err}
}

func (p *pendingPoll) cancelled() bool {
	select {
	case <-p.ctx.Done():
		return true
	default:
		return false
	}
}

// fakeTransport hands every long-poll to the test, which answers it.
type fakeTransport struct {
	calls        chan *pendingPoll
	ignoreCancel bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: make(chan *pendingPoll, 64)}
}

func (f *fakeTransport) LongPoll(ctx context.Context, req ds.PollRequest) (*ds.PollResponse, error) {
	p := &pendingPoll{ctx: ctx, req: req, reply: make(chan pollReply, 1)}
	f.calls <- p
	if f.ignoreCancel {
		r := <-p.reply
		return r.resp, r.err
	}
	select {
	case r := <-p.reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) next(t *testing.T) *pendingPoll {
	t.Helper()
	select {
	case p := <-f.calls:
		return p
	case <-time.After(waitFor):
		require.FailNow(t, "expected a long-poll call")
		return nil
	}
}

func (f *fakeTransport) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case p := <-f.calls:
		require.FailNowf(t, "unexpected long-poll call", "channels=%v cursor=%s", p.req.Channels, p.req.Cursor)
	case <-time.After(within):
	}
}

type fakeOwner struct {
	mu       sync.Mutex
	opts     Options
	statuses []*ds.Status
	results  []*ds.Result
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{opts: Options{
		Identity:       ds.Identity{UUID: "test-uuid", Origin: "ps.example.com"},
		Backoff:        BackoffConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 2},
		CoalesceWindow: 15 * time.Millisecond,
	}}
}

func (o *fakeOwner) SubscriberOptions() Options {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opts
}

func (o *fakeOwner) HandleStatus(status *ds.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *fakeOwner) HandleResults(results []*ds.Result, _ ds.TimeToken) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, results...)
}

func (o *fakeOwner) categories() []ds.Category {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ds.Category, 0, len(o.statuses))
	for _, s := range o.statuses {
		out = append(out, s.Category)
	}
	return out
}

func (o *fakeOwner) resultCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.results)
}

type fakeMetrics struct {
	noopMetrics
	mu     sync.Mutex
	delays []time.Duration
}

func (m *fakeMetrics) SetBackoffDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
}

func (m *fakeMetrics) recorded() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.delays...)
}

type statusRecorder struct {
	ch chan *ds.Status
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{ch: make(chan *ds.Status, 16)}
}

func (r *statusRecorder) callback(s *ds.Status) {
	r.ch <- s
}

func (r *statusRecorder) next(t *testing.T) *ds.Status {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(waitFor):
		require.FailNow(t, "expected a completion")
		return nil
	}
}

func (r *statusRecorder) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case s := <-r.ch:
		require.FailNowf(t, "unexpected completion", "status=%s", s)
	case <-time.After(within):
	}
}

func newTestSubscriber(t *testing.T, transport *fakeTransport, presence services.PresenceNotifier, metrics services.MetricsRegistry) (*Subscriber, *fakeOwner) {
	t.Helper()
	owner := newFakeOwner()
	s := New(context.Background(), StaticOwner(owner), transport, presence, metrics)
	t.Cleanup(s.Close)
	return s, owner
}

func (o *fakeOwner) setCatchUp(p CatchUpPolicy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opts.CatchUp = p
}

// expectLeaves makes presence record every leave on the returned channel.
func expectLeaves(presence *mocks.MockPresenceNotifier) chan []registry.SubscribedObject {
	left := make(chan []registry.SubscribedObject, 8)
	presence.On("NotifyLeave", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { left <- args.Get(0).([]registry.SubscribedObject) })
	return left
}

func nextLeave(t *testing.T, left chan []registry.SubscribedObject) []registry.SubscribedObject {
	t.Helper()
	select {
	case objs := <-left:
		return objs
	case <-time.After(waitFor):
		require.FailNow(t, "expected a leave")
		return nil
	}
}

// streaming brings s to Streaming with cursor 100 and returns the poll made
// from that cursor.
func streaming(t *testing.T, s *Subscriber, transport *fakeTransport) *pendingPoll {
	t.Helper()
	s.Subscribe(true, nil, nil)
	first := transport.next(t)
	require.True(t, first.req.Cursor.IsZero())
	first.respond(100)
	second := transport.next(t)
	require.Equal(t, uint64(100), second.req.Cursor.Timestamp)
	require.Equal(t, StateStreaming, s.State())
	return second
}

func TestSubscribe_FirstPollThenStreaming(t *testing.T) {
	transport := newFakeTransport()
	s, owner := newTestSubscriber(t, transport, nil, nil)
	rec := newStatusRecorder()

	s.AddChannels("a")
	s.Subscribe(true, map[string]ds.State{"a": {"mood": "ok"}}, rec.callback)

	first := transport.next(t)
	assert.True(t, first.req.Cursor.IsZero())
	assert.Equal(t, []string{"a"}, first.req.Channels)
	assert.Equal(t, ds.State{"mood": "ok"}, first.req.State["a"])
	assert.Equal(t, StateAwaitingFirstResponse, s.State())

	first.respond(100, ds.Event{Channel: "a", PublishToken: ds.TimeToken{Timestamp: 99}})

	status := rec.next(t)
	assert.Equal(t, ds.OperationSubscribe, status.Operation)
	assert.Equal(t, ds.CategoryConnected, status.Category)
	assert.False(t, status.IsError)
	assert.Equal(t, uint64(100), status.Cursor.Timestamp)
	require.NotNil(t, status.Result)
	assert.Equal(t, "test-uuid", status.Result.UUID())

	second := transport.next(t)
	assert.Equal(t, uint64(100), second.req.Cursor.Timestamp)
	assert.Equal(t, 1, second.req.Cursor.Region)
	assert.Equal(t, StateStreaming, s.State())

	require.Eventually(t, func() bool { return owner.resultCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []ds.Category{ds.CategoryConnected}, owner.categories())

	owner.mu.Lock()
	ev, ok := owner.results[0].Data().(ds.Event)
	owner.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "a", ev.Channel)

	rec.none(t, 30*time.Millisecond)
}

func TestSubscribe_EmptyRegistry(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSubscriber(t, transport, nil, nil)
	rec := newStatusRecorder()

	s.Subscribe(true, nil, rec.callback)

	status := rec.next(t)
	assert.Equal(t, ds.CategoryNoSubscriptions, status.Category)
	assert.True(t, status.IsError)
	assert.Equal(t, StateIdle, s.State())
	transport.none(t, 30*time.Millisecond)
}

func TestMutations_AreCoalesced(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSubscriber(t, transport, nil, nil)

	s.AddChannels("a")
	current := streaming(t, s, transport)

	s.AddChannels("b")
	s.AddChannels("c")
	s.AddChannelGroups("g")
	s.AddPresenceChannels(common.PresenceChannelFor("a"))

	require.Eventually(t, current.cancelled, waitFor, time.Millisecond)

	restarted := transport.next(t)
	assert.Equal(t, []string{"a", "b", "c", "a-pnpres"}, restarted.req.Channels)
	assert.Equal(t, []string{"g"}, restarted.req.ChannelGroups)
	assert.Equal(t, uint64(100), restarted.req.Cursor.Timestamp)
	transport.none(t, 50*time.Millisecond)
}

func TestMutation_AddingKnownObjectDoesNotRestart(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSubscriber(t, transport, nil, nil)

	s.AddChannels("a")
	current := streaming(t, s, transport)

	s.AddChannels("a")
	transport.none(t, 50*time.Millisecond)
	assert.False(t, current.cancelled())
}

func TestStaleResponse_IsDiscarded(t *testing.T) {
	transport := newFakeTransport()
	transport.ignoreCancel = true
	s, owner := newTestSubscriber(t, transport, nil, nil)

	s.AddChannels("a")
	stale := streaming(t, s, transport)

	s.AddChannels("b")
	fresh := transport.next(t)
	assert.Equal(t, []string{"a", "b"}, fresh.req.Channels)

	stale.respond(999, ds.Event{Channel: "a"})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, uint64(100), s.Cursor().Timestamp)
	assert.Equal(t, 0, owner.resultCount())

	fresh.respond(200, ds.Event{Channel: "b"})
	next := transport.next(t)
	assert.Equal(t, uint64(200), next.req.Cursor.Timestamp)
	require.Eventually(t, func() bool { return owner.resultCount() == 1 }, waitFor, 5*time.Millisecond)
}

func TestCursor_NeverRegresses(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSubscriber(t, transport, nil, nil)

	s.AddChannels("a")
	current := streaming(t, s, transport)

	current.respond(50)
	next := transport.next(t)
	assert.Equal(t, uint64(100), next.req.Cursor.Timestamp)
	assert.Equal(t, uint64(100), s.Cursor().Timestamp)
}

func TestFailures_BackOffAndReconnect(t *testing.T) {
	transport := newFakeTransport()
	metrics := &fakeMetrics{}
	s, owner := newTestSubscriber(t, transport, nil, metrics)

	s.AddChannels("a")
	current := streaming(t, s, transport)

	boom := errors.New("connection reset")
	for i := 0; i < 3; i++ {
		current.fail(boom)
		current = transport.next(t)
		assert.Equal(t, uint64(100), current.req.Cursor.Timestamp, "retry keeps the cursor")
	}
	current.respond(150)
	transport.next(t)

	delays := metrics.recorded()
	require.GreaterOrEqual(t, len(delays), 5)
	// first success, three failures, recovery
	assert.Equal(t, []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 0}, delays[:5])

	require.Eventually(t, func() bool { return len(owner.categories()) == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []ds.Category{
		ds.CategoryConnected,
		ds.CategoryUnexpectedDisconnect,
		ds.CategoryReconnected,
	}, owner.categories())
	assert.Equal(t, StateStreaming, s.State())
}

func TestFailures_DelayStaysAtCeiling(t *testing.T) {
	transport := newFakeTransport()
	metrics := &fakeMetrics{}
	s, _ := newTestSubscriber(t, transport, nil, metrics)

	s.AddChannels("a")
	current := streaming(t, s, transport)
	for i := 0; i < 5; i++ {
		current.fail(errors.New("timeout"))
		current = transport.next(t)
	}
	delays := metrics.recorded()
	require.Len(t, delays, 6)
	for _, d := range delays {
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}
	assert.Equal(t, []time.Duration{40 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}, delays[3:])
}

func TestMalformedResponse_SurfacedAndRetried(t *testing.T) {
	transport := newFakeTransport()
	s, owner := newTestSubscriber(t, transport, nil, nil)
	rec := newStatusRecorder()

	s.AddChannels("a")
	s.Subscribe(true, nil, rec.callback)
	first := transport.next(t)
	first.fail(fmt.Errorf("%w: unexpected token", ds.ErrMalformedResponse))

	status := rec.next(t)
	assert.Equal(t, ds.CategoryMalformedResponse, status.Category)
	assert.True(t, status.IsError)
	assert.ErrorIs(t, status.Err, ds.ErrMalformedResponse)

	retry := transport.next(t)
	assert.True(t, retry.req.Cursor.IsZero())
	retry.respond(100)
	transport.next(t)

	require.Eventually(t, func() bool { return len(owner.categories()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []ds.Category{ds.CategoryMalformedResponse, ds.CategoryReconnected}, owner.categories())
}

func TestUnsubscribe_LastObjectGoesIdle(t *testing.T) {
	transport := newFakeTransport()
	presence := new(mocks.MockPresenceNotifier)
	left := expectLeaves(presence)
	s, owner := newTestSubscriber(t, transport, presence, nil)
	rec := newStatusRecorder()

	s.AddChannels("a")
	current := streaming(t, s, transport)

	s.Unsubscribe([]string{"a"}, true, rec.callback)

	assert.Equal(t, []registry.SubscribedObject{{Name: "a", Kind: common.KindChannel}}, nextLeave(t, left))

	status := rec.next(t)
	assert.Equal(t, ds.OperationUnsubscribe, status.Operation)
	assert.Equal(t, []string{"a"}, status.AffectedChannels)
	assert.Equal(t, StateIdle, s.State())
	assert.True(t, s.Cursor().IsZero())
	assert.True(t, current.cancelled())
	transport.none(t, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		cats := owner.categories()
		return len(cats) == 2 && cats[1] == ds.CategoryDisconnected
	}, waitFor, 5*time.Millisecond)
	presence.AssertCalled(t, "NotifyLeave", mock.Anything, ds.TimeToken{Timestamp: 100, Region: 1})
}

func TestUnsubscribe_UnknownObjectSendsNoLeave(t *testing.T) {
	transport := newFakeTransport()
	presence := new(mocks.MockPresenceNotifier)
	s, _ := newTestSubscriber(t, transport, presence, nil)
	rec := newStatusRecorder()

	s.AddChannels("a")
	current := streaming(t, s, transport)

	s.Unsubscribe([]string{"nope"}, true, rec.callback)
	status := rec.next(t)
	assert.Equal(t, ds.CategoryAcknowledgment, status.Category)
	assert.False(t, current.cancelled())
	transport.none(t, 30*time.Millisecond)
	presence.AssertNotCalled(t, "NotifyLeave", mock.Anything, mock.Anything)
}

func TestUnsubscribe_PartialRestartsWithRemainder(t *testing.T) {
	transport := newFakeTransport()
	presence := new(mocks.MockPresenceNotifier)
	left := expectLeaves(presence)
	s, _ := newTestSubscriber(t, transport, presence, nil)
	rec := newStatusRecorder()

	s.AddChannels("a", "b")
	streaming(t, s, transport)

	s.Unsubscribe([]string{"b"}, true, rec.callback)
	restarted := transport.next(t)
	assert.Equal(t, []string{"a"}, restarted.req.Channels)
	rec.none(t, 20*time.Millisecond)

	restarted.respond(120)
	status := rec.next(t)
	assert.Equal(t, ds.OperationUnsubscribe, status.Operation)
	assert.Equal(t, []string{"b"}, status.AffectedChannels)
	assert.Equal(t, []registry.SubscribedObject{{Name: "b", Kind: common.KindChannel}}, nextLeave(t, left))
}

func TestUnsubscribeAll_Stops(t *testing.T) {
	transport := newFakeTransport()
	presence := new(mocks.MockPresenceNotifier)
	left := expectLeaves(presence)
	s, _ := newTestSubscriber(t, transport, presence, nil)
	rec := newStatusRecorder()

	s.AddChannels("a")
	s.AddChannelGroups("g")
	s.AddPresenceChannels("a-pnpres")
	current := streaming(t, s, transport)

	s.UnsubscribeAll(rec.callback)
	status := rec.next(t)
	assert.Equal(t, ds.OperationUnsubscribe, status.Operation)
	assert.Equal(t, []string{"a", "a-pnpres"}, status.AffectedChannels)
	assert.Equal(t, []string{"g"}, status.AffectedChannelGroups)
	assert.Equal(t, StateStopped, s.State())
	assert.Empty(t, s.AllObjects())
	assert.True(t, current.cancelled())
	transport.none(t, 30*time.Millisecond)

	assert.Equal(t, []registry.SubscribedObject{
		{Name: "a", Kind: common.KindChannel},
		{Name: "g", Kind: common.KindChannelGroup},
	}, nextLeave(t, left), "presence channels are not left")
}

func TestSubscribe_SupersededCompletionFiresOnce(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSubscriber(t, transport, nil, nil)
	rec := newStatusRecorder()

	s.AddChannels("a")
	s.Subscribe(true, nil, rec.callback)
	first := transport.next(t)

	s.AddChannels("b")
	require.Eventually(t, first.cancelled, waitFor, time.Millisecond)
	rec.none(t, 5*time.Millisecond)

	restarted := transport.next(t)
	restarted.respond(100)
	status := rec.next(t)
	assert.Equal(t, ds.CategoryConnected, status.Category)
	assert.False(t, status.IsError)
	rec.none(t, 30*time.Millisecond)
}

func TestSuspendAndRestore(t *testing.T) {
	transport := newFakeTransport()
	s, owner := newTestSubscriber(t, transport, nil, nil)
	owner.setCatchUp(CatchUpPolicy{Enabled: true})

	s.AddChannels("a")
	current := streaming(t, s, transport)

	s.Suspend()
	assert.Equal(t, StateIdle, s.State())
	assert.True(t, current.cancelled())
	transport.none(t, 30*time.Millisecond)

	s.RestoreSubscriptionCycleIfRequired()
	resumed := transport.next(t)
	assert.Equal(t, uint64(100), resumed.req.Cursor.Timestamp)

	s.RestoreSubscriptionCycleIfRequired()
	transport.none(t, 30*time.Millisecond)
	assert.False(t, resumed.cancelled())
}

func TestRestore_WithoutCatchUpStartsOver(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSubscriber(t, transport, nil, nil)

	s.AddChannels("a")
	streaming(t, s, transport)

	s.Suspend()
	s.RestoreSubscriptionCycleIfRequired()
	resumed := transport.next(t)
	assert.True(t, resumed.req.Cursor.IsZero())
	assert.Equal(t, StateAwaitingFirstResponse, s.State())
}

func TestRestore_NoopWhenIdleAndNotSuspended(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newTestSubscriber(t, transport, nil, nil)

	s.AddChannels("a")
	s.RestoreSubscriptionCycleIfRequired()
	transport.none(t, 30*time.Millisecond)
	assert.Equal(t, StateIdle, s.State())
}

// newSlowRetrySubscriber waits a second between retries so a test can act
// while the loop sits in Reconnecting.
func newSlowRetrySubscriber(t *testing.T, transport *fakeTransport) (*Subscriber, *fakeOwner) {
	t.Helper()
	owner := newFakeOwner()
	owner.opts.Backoff = BackoffConfig{Initial: time.Second, Max: time.Second, Multiplier: 2}
	owner.opts.CatchUp = CatchUpPolicy{Enabled: true}
	s := New(context.Background(), StaticOwner(owner), transport, nil, nil)
	t.Cleanup(s.Close)
	return s, owner
}

func TestRestore_AfterInitialSubscribeKeepsZeroCursor(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newSlowRetrySubscriber(t, transport)

	s.AddChannels("a")
	streaming(t, s, transport)

	s.Subscribe(true, nil, nil)
	joined := transport.next(t)
	require.True(t, joined.req.Cursor.IsZero())
	joined.fail(errors.New("connection reset"))
	require.Eventually(t, func() bool { return s.State() == StateReconnecting }, waitFor, time.Millisecond)

	s.RestoreSubscriptionCycleIfRequired()
	restored := transport.next(t)
	assert.True(t, restored.req.Cursor.IsZero(), "restored on cursor %s", restored.req.Cursor)
	assert.Equal(t, StateAwaitingFirstResponse, s.State())
}

func TestRestore_AfterUnsubscribeAllKeepsZeroCursor(t *testing.T) {
	transport := newFakeTransport()
	s, _ := newSlowRetrySubscriber(t, transport)

	s.AddChannels("a")
	streaming(t, s, transport)
	s.UnsubscribeAll(nil)
	require.Equal(t, StateStopped, s.State())

	s.AddChannels("z")
	s.Subscribe(false, nil, nil)
	fresh := transport.next(t)
	require.True(t, fresh.req.Cursor.IsZero())
	fresh.fail(errors.New("connection reset"))
	require.Eventually(t, func() bool { return s.State() == StateReconnecting }, waitFor, time.Millisecond)

	s.RestoreSubscriptionCycleIfRequired()
	restored := transport.next(t)
	assert.True(t, restored.req.Cursor.IsZero(), "restored on cursor %s", restored.req.Cursor)
	assert.Equal(t, []string{"z"}, restored.req.Channels)
}

func TestSubscribe_InitialWhileStreamingStartsOver(t *testing.T) {
	transport := newFakeTransport()
	s, owner := newTestSubscriber(t, transport, nil, nil)

	s.AddChannels("a")
	current := streaming(t, s, transport)
	require.Equal(t, uint64(100), s.Cursor().Timestamp)

	s.Subscribe(true, nil, nil)
	assert.True(t, s.Cursor().IsZero())

	joined := transport.next(t)
	assert.True(t, current.cancelled())
	assert.True(t, joined.req.Cursor.IsZero())
	assert.Equal(t, StateAwaitingFirstResponse, s.State())

	current.respond(150)
	joined.respond(90)
	next := transport.next(t)
	assert.Equal(t, uint64(90), next.req.Cursor.Timestamp)
	assert.Equal(t, uint64(90), s.Cursor().Timestamp)
	require.Eventually(t, func() bool {
		return len(owner.categories()) == 2
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []ds.Category{ds.CategoryConnected, ds.CategoryConnected}, owner.categories())
}

func TestSeedCursor(t *testing.T) {
	transport := newFakeTransport()
	s, owner := newTestSubscriber(t, transport, nil, nil)

	seed := ds.TimeTokenFromTime(time.Now().Add(-time.Second))
	assert.False(t, s.SeedCursor(seed), "catch-up disabled")

	owner.setCatchUp(CatchUpPolicy{Enabled: true, MaxAge: time.Minute})
	assert.False(t, s.SeedCursor(ds.TimeTokenFromTime(time.Now().Add(-time.Hour))), "too old")
	require.True(t, s.SeedCursor(seed))

	s.AddChannels("a")
	s.Subscribe(false, nil, nil)
	first := transport.next(t)
	assert.Equal(t, seed, first.req.Cursor)
	assert.Equal(t, StateStreaming, s.State())
	assert.False(t, s.SeedCursor(seed), "only while idle")
}

func TestOwnerGone_StopsSilently(t *testing.T) {
	transport := newFakeTransport()
	owner := newFakeOwner()
	var mu sync.Mutex
	alive := true
	ref := func() (Owner, bool) {
		mu.Lock()
		defer mu.Unlock()
		return owner, alive
	}
	s := New(context.Background(), ref, transport, nil, nil)
	t.Cleanup(s.Close)

	s.AddChannels("a")
	s.Subscribe(true, nil, nil)
	first := transport.next(t)

	mu.Lock()
	alive = false
	mu.Unlock()

	first.respond(100, ds.Event{Channel: "a"})
	transport.none(t, 50*time.Millisecond)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 0, owner.resultCount())
}

func TestClose_AnswersPending(t *testing.T) {
	transport := newFakeTransport()
	owner := newFakeOwner()
	s := New(context.Background(), StaticOwner(owner), transport, nil, nil)
	rec := newStatusRecorder()

	s.AddChannels("a")
	s.Subscribe(true, nil, rec.callback)
	first := transport.next(t)

	s.Close()
	status := rec.next(t)
	assert.Equal(t, ds.CategoryDisconnected, status.Category)
	assert.ErrorIs(t, status.Err, ErrClosed)
	assert.True(t, first.cancelled())
	assert.Equal(t, StateStopped, s.State())

	s.Subscribe(true, nil, rec.callback)
	status = rec.next(t)
	assert.ErrorIs(t, status.Err, ErrClosed)
}

func TestAccessors(t *testing.T) {
	s, _ := newTestSubscriber(t, newFakeTransport(), nil, nil)

	s.AddChannels("b", "a")
	s.AddChannelGroups("g")
	s.AddPresenceChannels("a-pnpres")

	assert.Equal(t, []string{"a", "b"}, s.Channels())
	assert.Equal(t, []string{"g"}, s.ChannelGroups())
	assert.Equal(t, []string{"a-pnpres"}, s.PresenceChannels())
	assert.Equal(t, []string{"a", "a-pnpres", "b", "g"}, s.AllObjects())

	s.RemoveChannels("b")
	s.RemovePresenceChannels("a-pnpres")
	s.RemoveChannelGroups("g")
	assert.Equal(t, []string{"a"}, s.AllObjects())
}
