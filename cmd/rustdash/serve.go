package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Ayuan97/rust-bot-sub001/internal/archive"
	"github.com/Ayuan97/rust-bot-sub001/internal/chat"
	"github.com/Ayuan97/rust-bot-sub001/internal/config"
	"github.com/Ayuan97/rust-bot-sub001/internal/device"
	"github.com/Ayuan97/rust-bot-sub001/internal/health"
	"github.com/Ayuan97/rust-bot-sub001/internal/httpapi"
	"github.com/Ayuan97/rust-bot-sub001/internal/metrics"
	"github.com/Ayuan97/rust-bot-sub001/internal/notify"
	"github.com/Ayuan97/rust-bot-sub001/internal/restclient"
	"github.com/Ayuan97/rust-bot-sub001/internal/store"
	"github.com/Ayuan97/rust-bot-sub001/internal/transport"
)

func serveCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if configFile != "" {
				if err := config.LoadFile(configFile, &cfg); err != nil {
					return err
				}
			}
			log, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return run(cfg, log)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "yaml config file overlaying the environment")
	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	sess := transport.NewSession(transport.Config{
		URL:               cfg.DashboardWS,
		DialTimeout:       cfg.DialTimeout(),
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay(),
	}, log, m)

	st := store.New(ctx, log)
	devices := device.NewStore()
	rest := restclient.New(cfg.ControlPlane, log)
	agg := notify.New(cfg.NoticeTTL(), log, m)
	defer agg.Close()

	arch, err := archive.Open(ctx, cfg.ArchivePath, log)
	if err != nil {
		return err
	}
	defer arch.Close()

	engine := chat.New(ctx,
		chat.NewSessionHistory(sess),
		chat.NewSessionSender(sess),
		st.Active(), log, m,
		chat.WithSelfName(cfg.SelfName),
		chat.WithAppendHook(arch.Record),
	)
	ctrl := device.NewController(devices, sess, st.Active(), log, m)

	// reconnect-driven refresh lives here and nowhere else
	mon := health.NewMonitor(log)
	mon.Register("servers", func(ctx context.Context) error {
		servers, err := rest.ListServers(ctx)
		if err != nil {
			return err
		}
		targets := make([]store.RemoteTarget, 0, len(servers))
		for _, s := range servers {
			targets = append(targets, s.ToTarget())
		}
		st.Inbox() <- store.SetAll{Targets: targets}
		return nil
	})
	mon.Register("devices", func(ctx context.Context) error {
		active := st.Active().Load()
		if active == "" {
			return nil
		}
		list, err := rest.ListDevices(ctx, active)
		if err != nil {
			return err
		}
		devices.SetAll(list)
		return nil
	})
	mon.Register("chat", func(ctx context.Context) error {
		if active := st.Active().Load(); active != "" {
			engine.Reload(active)
		}
		return nil
	})
	unbindMonitor := mon.Bind(sess)
	defer unbindMonitor()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	defer sess.Disconnect()

	// push consumers bind once the session is started
	st.Bind(sess)
	engine.Bind(sess)
	ctrl.Bind(sess)
	agg.Bind(sess, st.Active())

	cr := cron.New()
	_, err = cr.AddFunc(cfg.ProxyPollSchedule, func() {
		pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		status, err := rest.ProxyStatus(pollCtx)
		if err != nil {
			// passive poll: log only, never interrupt
			log.Debug("proxy status poll failed", zap.Error(err))
			return
		}
		log.Debug("proxy status", zap.Bool("running", status.IsRunning), zap.String("node", status.Node))
	})
	if err != nil {
		return err
	}
	_, err = cr.AddFunc(cfg.ArchivePruneSchedule, func() {
		if err := arch.Prune(cfg.ArchiveKeep); err != nil {
			log.Warn("archive prune failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	cr.Start()
	defer cr.Stop()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Session: sess,
			Store:   st,
			Chat:    engine,
			Devices: devices,
			Notify:  agg,
			Metrics: m,
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("status api listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}
