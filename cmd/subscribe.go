package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kychandar/pollsub/client"
	"github.com/kychandar/pollsub/config"
	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/http"
	"github.com/kychandar/pollsub/services/centralisedSubscriber"
	valkey "github.com/kychandar/pollsub/services/cursorStore/valKey"
	metricsregistry "github.com/kychandar/pollsub/services/metricsRegistry"
	"github.com/kychandar/pollsub/services/presence"
	natsSink "github.com/kychandar/pollsub/services/pubsub/nats"
	"github.com/kychandar/pollsub/services/transport/longpoll"
	websocketbridge "github.com/kychandar/pollsub/services/websocketBridge"
	wswritechannelmanager "github.com/kychandar/pollsub/services/wsWriteChanManager"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"
)

const version = "0.1.0"

var (
	channels     []string
	groups       []string
	withPresence bool
	fresh        bool
	quiet        bool
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe to channels and stream their events",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile, env)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		applyFlags(cmd, cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		if quiet {
			out = io.Discard
		}
		if err := runSubscribe(ctx, cfg, out); err != nil {
			log.Fatalf("subscribe: %v", err)
		}
	},
}

func init() {
	subscribeCmd.Flags().StringSliceVar(&channels, "channels", nil, "channels to subscribe to (overrides subscribe.channels)")
	subscribeCmd.Flags().StringSliceVar(&groups, "groups", nil, "channel groups to subscribe to (overrides subscribe.channel_groups)")
	subscribeCmd.Flags().BoolVar(&withPresence, "presence", false, "also subscribe to the presence channel of every channel")
	subscribeCmd.Flags().BoolVar(&fresh, "fresh", false, "discard the saved cursor and start from now")
	subscribeCmd.Flags().BoolVar(&quiet, "quiet", false, "do not print events to stdout")
	rootCmd.AddCommand(subscribeCmd)
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("channels") {
		cfg.Subscribe.Channels = channels
	}
	if cmd.Flags().Changed("groups") {
		cfg.Subscribe.ChannelGroups = groups
	}
	if cmd.Flags().Changed("presence") {
		cfg.Subscribe.WithPresence = withPresence
	}
	if cmd.Flags().Changed("fresh") {
		cfg.Subscribe.Fresh = fresh
	}
}

func runSubscribe(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger, cleanup := SetupLogger()
	defer cleanup()
	ctx = slogctx.NewCtx(ctx, logger)
	// outlives the signal so that leaves still go out on shutdown
	runCtx := context.WithoutCancel(ctx)

	if len(cfg.Subscribe.Channels) == 0 && len(cfg.Subscribe.ChannelGroups) == 0 {
		return fmt.Errorf("nothing to subscribe to: set --channels or --groups")
	}

	metrics := metricsregistry.New(cfg.Client.UUID)
	transportCfg := client.TransportConfig(cfg)
	transport := longpoll.New(runCtx, transportCfg, nil)
	leaves := presence.New(runCtx, transportCfg, cfg.Client.LeavesPerSecond, nil)
	defer leaves.Close()

	opts := []client.Option{client.WithMetrics(metrics)}
	if cfg.CursorStore.Enabled {
		store, err := valkey.NewValkeyCursorStore(cfg)
		if err != nil {
			return fmt.Errorf("cursor store: %w", err)
		}
		defer store.Close()
		opts = append(opts, client.WithCursorStore(store))
	}
	if cfg.Forward.NatsEnabled {
		sink, err := natsSink.NewNatsEventSink(cfg.Forward.NatsURL, cfg.Forward.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("nats sink: %w", err)
		}
		defer sink.Close()
		if err := sink.EnsureStream(); err != nil {
			return fmt.Errorf("nats stream: %w", err)
		}
		opts = append(opts, client.WithEventSink(sink))
	}

	c := client.New(runCtx, cfg, transport, leaves, opts...)
	defer c.Close()
	c.AddListener(printer(out))

	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		writer := wswritechannelmanager.NewClientWriterManager()
		fanout := centralisedSubscriber.New(ctx, c.Loop(), writer, metrics)
		go fanout.Run(ctx)
		c.SetFanOut(fanout)

		health := http.NewHealthChecker(logger, version, func() (bool, string) {
			return c.Ready(), c.State().String()
		})
		srv := http.New(fanout, websocketbridge.NewWsBridgeFactory(), writer, metrics, health, logger, cfg)
		go func() { serverErr <- srv.Start(ctx) }()
	}

	if cfg.Subscribe.Fresh {
		if err := c.ForgetCursor(ctx); err != nil {
			logger.WarnContext(ctx, "could not discard saved cursor", "err", err)
		}
	} else if _, err := c.Resume(ctx); err != nil {
		logger.WarnContext(ctx, "could not load saved cursor", "err", err)
	}
	c.Subscribe(cfg.Subscribe.Channels, cfg.Subscribe.ChannelGroups, cfg.Subscribe.WithPresence, nil, func(status *ds.Status) {
		logger.InfoContext(ctx, "subscribe request answered", "status", status.String())
	})

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	left := make(chan struct{})
	c.UnsubscribeAll(func(*ds.Status) { close(left) })
	select {
	case <-left:
	case <-time.After(time.Duration(cfg.Server.ShutdownTimeout) * time.Second):
	}
	leaves.Flush()
	return nil
}

func printer(out io.Writer) client.Listener {
	return client.ListenerFuncs{
		OnMessage: func(r *ds.Result) {
			ev, ok := r.Data().(ds.Event)
			if !ok {
				return
			}
			fmt.Fprintf(out, "%s %s %s\n", ev.PublishToken.String(), ev.Channel, string(ev.Payload))
		},
		OnStatus: func(s *ds.Status) {
			fmt.Fprintf(out, "# %s\n", s.String())
		},
	}
}
