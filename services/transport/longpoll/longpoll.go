package longpoll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/services"
	slogctx "github.com/veqryn/slog-context"
)

const (
	SubscribePath = "/v2/subscribe/{sub-key}/{channels}/0"

	// DefaultRequestTimeout leaves room above the server's own long-poll hold.
	DefaultRequestTimeout = 310 * time.Second

	maxErrorBody = 512
)

// Config is the network endpoint and identity every request is made with.
type Config struct {
	Origin         string
	SubscribeKey   string
	UUID           string
	AuthKey        string
	TLS            bool
	Heartbeat      time.Duration
	RequestTimeout time.Duration
}

// BaseURL is Origin with a scheme. An origin that already carries one is
// used as is.
func (c Config) BaseURL() string {
	origin := strings.TrimRight(c.Origin, "/")
	if strings.Contains(origin, "://") {
		return origin
	}
	if c.TLS {
		return "https://" + origin
	}
	return "http://" + origin
}

// Identity is what results report the client as.
func (c Config) Identity() ds.Identity {
	return ds.Identity{UUID: c.UUID, AuthKey: c.AuthKey, Origin: c.Origin, TLS: c.TLS}
}

// JoinNames renders a name list as one path segment. An empty list becomes
// "," which the server reads as "no channels".
func JoinNames(names []string) string {
	if len(names) == 0 {
		return ","
	}
	return strings.Join(names, ",")
}

// Transport issues long-poll calls over HTTP.
type Transport struct {
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

var _ services.Transport = (*Transport)(nil)

func New(ctx context.Context, cfg Config, httpClient *http.Client) *Transport {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    100,
				MaxConnsPerHost: 10,
				IdleConnTimeout: 90 * time.Second,
			},
			Timeout: cfg.RequestTimeout,
		}
	}
	return &Transport{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     slogctx.FromCtx(ctx).With("component", "longpoll"),
	}
}

// Params builds the path and query of one long-poll request.
func (t *Transport) Params(req ds.PollRequest) (*ds.RequestParameters, error) {
	p := ds.NewRequestParameters()
	p.AddPathComponent(t.cfg.SubscribeKey, "{sub-key}")
	p.AddPathComponent(JoinNames(req.Channels), "{channels}")

	p.AddQueryParameter(req.Cursor.String(), "tt")
	if !req.Cursor.IsZero() {
		p.AddQueryParameter(strconv.Itoa(req.Cursor.Region), "tr")
	}
	if len(req.ChannelGroups) > 0 {
		p.AddQueryParameter(strings.Join(req.ChannelGroups, ","), "channel-group")
	}
	if t.cfg.UUID != "" {
		p.AddQueryParameter(t.cfg.UUID, "uuid")
	}
	if t.cfg.AuthKey != "" {
		p.AddQueryParameter(t.cfg.AuthKey, "auth")
	}
	if t.cfg.Heartbeat > 0 {
		p.AddQueryParameter(strconv.Itoa(int(t.cfg.Heartbeat.Seconds())), "heartbeat")
	}
	if len(req.State) > 0 {
		state, err := json.Marshal(req.State)
		if err != nil {
			return nil, fmt.Errorf("encoding state: %w", err)
		}
		p.AddQueryParameter(string(state), "state")
	}
	return p, nil
}

func (t *Transport) LongPoll(ctx context.Context, req ds.PollRequest) (*ds.PollResponse, error) {
	params, err := t.Params(req)
	if err != nil {
		return nil, err
	}
	path := params.Expand(SubscribePath)
	url := t.cfg.BaseURL() + path + "?" + params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	t.logger.Debug("long-poll request", "path", path, "tt", req.Cursor.String())
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &ds.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	out, err := ds.DecodePollResponse(body)
	if err != nil {
		return nil, err
	}
	out.StatusCode = resp.StatusCode
	out.Request = Describe(http.MethodGet, t.cfg.BaseURL(), path, params)
	return out, nil
}

// Describe builds the request descriptor reported with results. The auth
// key is left out.
func Describe(method, baseURL, path string, params *ds.RequestParameters) ds.RequestDescriptor {
	query := params.Query()
	delete(query, "auth")
	return ds.RequestDescriptor{
		Method: method,
		URL:    baseURL + path,
		Path:   path,
		Query:  query,
	}
}
