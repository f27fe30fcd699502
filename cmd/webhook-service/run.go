package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bitbucket_jenkins_integ/internal/config"
	"bitbucket_jenkins_integ/internal/jenkins"
	"bitbucket_jenkins_integ/internal/logging"
	"bitbucket_jenkins_integ/internal/matcher"
	"bitbucket_jenkins_integ/internal/metrics"
	"bitbucket_jenkins_integ/internal/poller"
	"bitbucket_jenkins_integ/internal/polllog"
	"bitbucket_jenkins_integ/internal/processor"
	"bitbucket_jenkins_integ/internal/registry"
	"bitbucket_jenkins_integ/internal/server"
	"bitbucket_jenkins_integ/internal/storage"
	"bitbucket_jenkins_integ/internal/trigger"
	"bitbucket_jenkins_integ/internal/webhook"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Starts the webhook service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), configPath)
	},
}

func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()
	logger.Info("configuration loaded",
		slog.String("path", path),
		slog.Int("jobs", len(cfg.Jobs)),
		slog.String("storage", cfg.Storage.Driver),
	)

	jenkinsUser, jenkinsToken, err := cfg.Jenkins.ResolveCredentials()
	if err != nil {
		return fmt.Errorf("resolve jenkins credentials: %w", err)
	}
	webhookSecret := cfg.Server.WebhookSecret()
	if cfg.Server.WebhookSecretEnv != "" && webhookSecret == "" {
		logger.Warn("webhook secret env is set but empty", slog.String("env", cfg.Server.WebhookSecretEnv))
	}

	store, err := storage.New(&cfg.Storage, logger.With(slog.String("component", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	reg := registry.New(cfg, store)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheusSink(promReg, logger.With(slog.String("component", "metrics")))

	jenkinsClient := jenkins.NewClient(
		cfg.Jenkins.BaseURL, jenkinsUser, jenkinsToken,
		newHTTPClient(cfg.Jenkins.SkipTLSVerify, cfg.Jenkins.RequestTimeout.Duration),
		jenkins.WithBuildToken(cfg.Jenkins.ResolveBuildToken()),
		jenkins.WithRetry(cfg.Jenkins.RetryAttempts, cfg.Jenkins.RetryDelay.Duration),
		jenkins.WithLogger(logger.With(slog.String("component", "jenkins_client"))),
	)

	poll := poller.New(
		poller.NewGitLister(cfg.Git.Username, cfg.Git.ResolvePassword()),
		store,
		logger.With(slog.String("component", "poller")),
	)
	pollLogs := polllog.New(cfg.PollLog.Dir)

	proc := processor.New(cfg.Processing.WorkerCount, cfg.Processing.MaxPendingPerJob, logger.With(slog.String("component", "processor")))
	sink.TrackQueue(func() (int, int, int) {
		s := proc.Stats()
		return s.Jobs, s.Active, s.Pending
	})

	runner := trigger.New(poll, pollLogs, reg, jenkinsClient,
		logger.With(slog.String("component", "trigger")),
		trigger.WithPollTimeout(cfg.Processing.PollTimeout.Duration),
		trigger.WithObserver(sink),
	)

	hook := webhook.New(
		matcher.New(reg, logger.With(slog.String("component", "matcher"))),
		proc,
		runner.Task,
		logger.With(slog.String("component", "webhook_handler")),
		webhook.WithSecret(webhookSecret),
		webhook.WithRateLimit(cfg.Server.RateLimitPerMin),
		webhook.WithRecorder(sink),
	)

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(cfg.Server, cfg.Processing.ShutdownTimeout.Duration, server.Deps{
		Webhook:  hook.Handle,
		Jobs:     reg,
		PollLogs: pollLogs,
		Gatherer: promReg,
	}, logger.With(slog.String("component", "http")))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("draining dispatch queues")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Processing.ShutdownTimeout.Duration)
		defer cancel()
		proc.Shutdown(shutdownCtx)
		return nil
	})

	logger.Info("webhook service started", slog.String("address", cfg.Server.Address))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server terminated: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
