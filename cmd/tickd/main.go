package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"fxlens-tickd/internal/broker"
	"fxlens-tickd/internal/catalog"
	"fxlens-tickd/internal/config"
	"fxlens-tickd/internal/gateway"
	"fxlens-tickd/internal/openapi"
	"fxlens-tickd/internal/publisher"
	"fxlens-tickd/internal/subscription"
)

// Exit codes: 0 clean shutdown, 1 configuration or runtime failure, 2 broker
// rejected our credentials for longer than the auth budget.
const (
	exitFailure       = 1
	exitAuthExhausted = 2
)

var errConfig = errors.New("configuration")

var (
	flagConfig   string
	flagAddr     string
	flagLogLevel string
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := &cobra.Command{
		Use:           "tickd",
		Short:         "Tick distribution backend: cTrader feed in, WebSocket clients out",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.Flags().StringVar(&flagConfig, "config", "", "path to an env-format config file")
	root.Flags().StringVar(&flagAddr, "addr", "", "listen address, overrides LISTEN_ADDR")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "log level, overrides LOG_LEVEL")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := root.ExecuteContext(ctx)
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, broker.ErrAuthExhausted):
		log.Error().Err(err).Msg("Broker kept rejecting our credentials")
		os.Exit(exitAuthExhausted)
	case errors.Is(err, errConfig):
		log.Error().Err(err).Msg("Invalid configuration")
		os.Exit(exitFailure)
	default:
		log.Error().Err(err).Msg("tickd exited")
		os.Exit(exitFailure)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return errors.Join(errConfig, err)
	}
	if flagAddr != "" {
		cfg.ListenAddr = flagAddr
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Join(errConfig, fmt.Errorf("LOG_LEVEL %q: %w", cfg.LogLevel, err))
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("broker", cfg.BrokerAddr()).
		Str("listen", cfg.ListenAddr).
		Int64("account", cfg.AccountID).
		Msg("Starting tick distribution service")

	schema, err := openapi.NewSchema()
	if err != nil {
		return fmt.Errorf("building message schema: %w", err)
	}
	codec := openapi.NewCodec(schema)

	session := broker.NewSession(broker.Config{
		Addr:         cfg.BrokerAddr(),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AccessToken:  cfg.AccessToken,
		AccountID:    cfg.AccountID,
	}, codec)

	cat := catalog.New(session)

	relay, err := publisher.NewFromURL(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer relay.Close()
	if relay != nil {
		log.Info().Msg("Redis tick relay enabled")
	}

	manager := subscription.NewManager(subscription.Config{
		Session:    session,
		Catalog:    cat,
		ADRWindow:  cfg.ADRWindow,
		ClassifyBy: cfg.ClassifyBy,
		TickSink:   relay.Offer,
	})
	defer manager.Close()

	gw := gateway.New(gateway.Config{
		ListenAddr: cfg.ListenAddr,
		Catalog:    cat,
		Subs:       subscriptionSource{manager},
	})

	// After every successful account auth the catalog is rebuilt and the
	// active symbol set replayed, so clients ride through reconnects.
	session.SetAfterAuth(func(authCtx context.Context) {
		if err := cat.Refresh(authCtx); err != nil {
			log.Warn().Err(err).Msg("Catalog refresh after auth failed")
		}
		manager.Resubscribe(authCtx)
	})
	session.OnStatus(func(st broker.Status) {
		up := st == broker.StatusUp
		gw.BroadcastStatus(up)
		if !up {
			cat.Invalidate()
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- session.Run(runCtx) }()
	go func() { errCh <- gw.Run(runCtx) }()
	go relay.Run(runCtx)

	// First exit wins; the other side is told to wind down before we report.
	first := <-errCh
	cancel()
	second := <-errCh

	for _, err := range []error{first, second} {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

// subscriptionSource adapts the manager's concrete handles to the gateway's
// Subscription interface.
type subscriptionSource struct {
	mgr *subscription.Manager
}

func (s subscriptionSource) Acquire(ctx context.Context, symbol string) (gateway.Subscription, error) {
	h, err := s.mgr.Acquire(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return h, nil
}
