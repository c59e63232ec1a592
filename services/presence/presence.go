package presence

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/services"
	"github.com/kychandar/pollsub/services/registry"
	"github.com/kychandar/pollsub/services/transport/longpoll"
	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/time/rate"
)

const (
	LeavePath = "/v2/presence/sub-key/{sub-key}/channel/{channels}/leave"

	DefaultLeavesPerSecond = 5
	DefaultLeaveTimeout    = 10 * time.Second
)

// Notifier announces leaves over HTTP. Each call runs on its own goroutine
// and failures are only logged.
type Notifier struct {
	httpClient *http.Client
	cfg        longpoll.Config
	limiter    *rate.Limiter
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ services.PresenceNotifier = (*Notifier)(nil)

func New(ctx context.Context, cfg longpoll.Config, perSecond int, httpClient *http.Client) *Notifier {
	if perSecond <= 0 {
		perSecond = DefaultLeavesPerSecond
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultLeaveTimeout}
	}
	logger := slogctx.FromCtx(ctx).With("component", "presence")
	ctx, cancel := context.WithCancel(ctx)
	return &Notifier{
		httpClient: httpClient,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(perSecond), perSecond*2),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (n *Notifier) NotifyLeave(objects []registry.SubscribedObject, cursor ds.TimeToken) {
	var channels, groups []string
	for _, o := range objects {
		switch o.Kind {
		case common.KindChannel:
			channels = append(channels, o.Name)
		case common.KindChannelGroup:
			groups = append(groups, o.Name)
		}
	}
	if len(channels) == 0 && len(groups) == 0 {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.leave(n.ctx, channels, groups); err != nil {
			n.logger.Warn("leave failed", "err", err, "channels", channels, "groups", groups, "cursor", cursor.String())
			return
		}
		n.logger.Debug("left", "channels", channels, "groups", groups, "cursor", cursor.String())
	}()
}

func (n *Notifier) leave(ctx context.Context, channels, groups []string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	p := ds.NewRequestParameters()
	p.AddPathComponent(n.cfg.SubscribeKey, "{sub-key}")
	p.AddPathComponent(longpoll.JoinNames(channels), "{channels}")
	if len(groups) > 0 {
		p.AddQueryParameter(strings.Join(groups, ","), "channel-group")
	}
	if n.cfg.UUID != "" {
		p.AddQueryParameter(n.cfg.UUID, "uuid")
	}
	if n.cfg.AuthKey != "" {
		p.AddQueryParameter(n.cfg.AuthKey, "auth")
	}

	url := n.cfg.BaseURL() + p.Expand(LeavePath) + "?" + p.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ds.HTTPStatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Close abandons leaves still waiting on the limiter and waits for the
// rest.
func (n *Notifier) Close() {
	n.cancel()
	n.wg.Wait()
}

// Flush waits for every leave issued so far.
func (n *Notifier) Flush() {
	n.wg.Wait()
}
