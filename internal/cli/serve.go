package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rudransh-shrivastava/sharedrop/internal/discovery"
	"github.com/rudransh-shrivastava/sharedrop/internal/logger"
	"github.com/rudransh-shrivastava/sharedrop/internal/relay"
	"github.com/rudransh-shrivastava/sharedrop/internal/store"
)

const version = "0.1.0"

type serveOptions struct {
	addr             string
	path             string
	allowedOrigins   []string
	maxSessionBytes  int64
	maxSessions      int
	maxPending       int
	handshakeTimeout time.Duration
	stallTimeout     time.Duration
	eventsPerSecond  float64
	ledgerPath       string
	advertise        bool
	instance         string
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return runServe(ctx, serveOpts, cmd.Flags())
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveOpts.addr, "addr", "a", relay.DefaultAddr, "listen address (env SHAREDROP_ADDR or PORT)")
	f.StringVar(&serveOpts.path, "path", relay.DefaultPath, "websocket endpoint path")
	f.StringArrayVar(&serveOpts.allowedOrigins, "allowed-origin", []string{"*"}, "allowed browser origin, repeatable")
	f.Int64Var(&serveOpts.maxSessionBytes, "max-session-bytes", relay.DefaultMaxSessionBytes, "bytes buffered per transfer")
	f.IntVar(&serveOpts.maxSessions, "max-sessions", relay.DefaultMaxSessions, "concurrent reassembly sessions")
	f.IntVar(&serveOpts.maxPending, "max-pending", relay.DefaultMaxPendingPerTarget, "unanswered requests per target")
	f.DurationVar(&serveOpts.handshakeTimeout, "handshake-timeout", relay.DefaultHandshakeTimeout, "time a request waits for an answer")
	f.DurationVar(&serveOpts.stallTimeout, "stall-timeout", relay.DefaultStallTimeout, "idle time before an accepted transfer is aborted")
	f.Float64Var(&serveOpts.eventsPerSecond, "events-per-second", 0, "inbound frames per connection per second, 0 for unlimited")
	f.StringVar(&serveOpts.ledgerPath, "ledger", "", "sqlite file recording connection and transfer metadata")
	f.BoolVar(&serveOpts.advertise, "advertise", false, "advertise the relay over mDNS")
	f.StringVar(&serveOpts.instance, "instance", "", "mDNS instance name (defaults to the hostname)")
}

// resolveAddr applies the environment when --addr was not given.
func resolveAddr(opts serveOptions, flags *pflag.FlagSet, getenv func(string) string) string {
	if flags != nil && flags.Changed("addr") {
		return opts.addr
	}
	if addr := getenv("SHAREDROP_ADDR"); addr != "" {
		return addr
	}
	if port := getenv("PORT"); port != "" {
		return ":" + port
	}
	return opts.addr
}

func (o serveOptions) relayConfig() relay.Config {
	cfg := relay.DefaultConfig()
	cfg.Addr = o.addr
	cfg.Path = o.path
	cfg.AllowedOrigins = o.allowedOrigins
	cfg.MaxSessionBytes = o.maxSessionBytes
	cfg.MaxSessions = o.maxSessions
	cfg.MaxPendingPerTarget = o.maxPending
	cfg.HandshakeTimeout = o.handshakeTimeout
	cfg.StallTimeout = o.stallTimeout
	cfg.EventsPerSecond = o.eventsPerSecond
	return cfg
}

func runServe(ctx context.Context, opts serveOptions, flags *pflag.FlagSet) error {
	opts.addr = resolveAddr(opts, flags, os.Getenv)

	log := logger.New(os.Stderr, logger.ParseLevel(logLevel))
	cfg := opts.relayConfig()
	cfg.Logger = log

	if opts.ledgerPath != "" {
		ledger, err := store.Open(opts.ledgerPath)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		defer func() { _ = ledger.Close() }()
		cfg.Ledger = ledger
		log.Info("Ledger enabled", "path", opts.ledgerPath)
	}

	srv, err := relay.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})

	if opts.advertise {
		_, portStr, err := net.SplitHostPort(srv.Addr())
		if err != nil {
			return err
		}
		port, _ := strconv.Atoi(portStr)

		adv := discovery.NewAdvertiser()
		if err := adv.Start(opts.instance, port, map[string]string{
			discovery.MetaPath:    opts.path,
			discovery.MetaVersion: version,
		}); err != nil {
			log.Warn("mDNS advertisement failed", "error", err)
		} else {
			log.Info("Advertising relay over mDNS", "service", discovery.ServiceType, "port", port)
			g.Go(func() error {
				<-ctx.Done()
				adv.Stop()
				return nil
			})
		}
	}

	return g.Wait()
}
