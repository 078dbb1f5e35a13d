package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/procrelay/procrelay/internal/config"
	"github.com/procrelay/procrelay/internal/daemon"
	"github.com/procrelay/procrelay/internal/fleet"
	"github.com/procrelay/procrelay/internal/frontend"
	"github.com/procrelay/procrelay/internal/logbuf"
	"github.com/procrelay/procrelay/internal/logging"
	"github.com/procrelay/procrelay/internal/mock"
	"github.com/procrelay/procrelay/internal/poller"
	"github.com/procrelay/procrelay/internal/relay"
	"github.com/procrelay/procrelay/internal/supervisor"
	"github.com/procrelay/procrelay/internal/translator"
	"github.com/procrelay/procrelay/internal/upstream"
	"github.com/procrelay/procrelay/internal/ws"
)

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if opts.daemonURL != "" {
		cfg.Daemon.URL = opts.daemonURL
	}
	if opts.staticDir != "" {
		cfg.Server.StaticDir = opts.staticDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log := logging.Component("main")

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tree := supervisor.New(supervisor.Config{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
	})

	var dialer daemon.Dialer
	if opts.mock {
		d := mock.NewDaemon()
		gen := mock.NewGenerator(d, nil)
		tree.AddPipelineService(supervisor.NewFunc("mock-fleet", func(ctx context.Context) error {
			gen.Start(ctx)
			<-ctx.Done()
			return ctx.Err()
		}))
		dialer = d
		log.Info().Msg("starting in mock mode")
	} else {
		dialer = &daemon.WSDialer{
			URL:              cfg.Daemon.URL,
			HandshakeTimeout: cfg.Daemon.DialTimeout,
			RequestTimeout:   cfg.Daemon.RequestTimeout,
		}
		log.Info().Str("url", cfg.Daemon.URL).Msg("starting against daemon bridge")
	}

	sup := upstream.New(dialer, upstream.Config{
		BaseDelay:   cfg.Daemon.BaseDelay,
		MaxDelay:    cfg.Daemon.MaxDelay,
		MaxAttempts: cfg.Daemon.MaxAttempts,
	})
	defer sup.Close()

	store := fleet.NewStore()
	hub := ws.NewHub(ws.Config{
		SendBuffer:        cfg.Relay.SendBuffer,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		WriteTimeout:      10 * time.Second,
		ClientRate:        cfg.Relay.ClientRate,
		ClientBurst:       cfg.Relay.ClientBurst,
		MaxMessageSize:    ws.DefaultConfig().MaxMessageSize,
	}, ws.WithSnapshots(store))
	defer hub.Shutdown()

	var pollOpts []poller.Option
	if cfg.Relay.SampleUsage && !opts.mock {
		pollOpts = append(pollOpts, poller.WithEnricher(daemon.NewSampler()))
	}
	sync := poller.New(poller.Config{
		Interval:       cfg.Relay.PollInterval,
		Debounce:       cfg.Relay.RefreshDebounce,
		RequestTimeout: cfg.Daemon.RequestTimeout,
	}, sup, hub, store, pollOpts...)

	tr := translator.New(logbuf.New(cfg.Relay.LogCapacity), hub, sync)
	defer tr.Destroy()

	srv := ws.NewServer(ws.ServerConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthToken:      cfg.Server.AuthToken,
		MaxConnections: cfg.Server.MaxConnections,
		MaxLogLimit:    cfg.Relay.LogCapacity,
	}, hub, store, tr,
		ws.WithStatic(frontend.Handler(cfg.Server.StaticDir)),
		ws.WithHealth(func() any { return sync.Health() }),
	)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree.AddPipelineService(relay.New(sup, tr, hub, sync))
	tree.AddPipelineService(supervisor.NewFunc("poller", sync.Run))
	tree.AddPipelineService(supervisor.NewFunc("heartbeat", hub.RunHeartbeat))
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, cfg.Server.ShutdownTimeout))

	log.Info().Str("addr", cfg.Addr()).Msg("relay listening")
	err = tree.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, u := range report {
			log.Warn().Str("service", u.Name).Msg("service did not stop in time")
		}
	}
	log.Info().Msg("shut down")
	return err
}
