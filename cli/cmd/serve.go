// Package cmd holds the coco CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/coco/blocklist"
	"github.com/pithecene-io/coco/config"
	"github.com/pithecene-io/coco/endpoint"
	"github.com/pithecene-io/coco/forward"
	"github.com/pithecene-io/coco/frontend"
	"github.com/pithecene-io/coco/log"
	"github.com/pithecene-io/coco/metrics"
	"github.com/pithecene-io/coco/queue"
	"github.com/pithecene-io/coco/scheduler"
	"github.com/pithecene-io/coco/slack"
	"github.com/pithecene-io/coco/state"
	"github.com/pithecene-io/coco/worker"
)

// shutdownGrace bounds how long serve waits for the HTTP servers and
// the Slack sink to drain.
const shutdownGrace = 10 * time.Second

// ServeCommand returns the serve command: the full controller process.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the configuration controller",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to an additional config file (read last, wins merges)",
			},
		},
		Action: func(c *cli.Context) error {
			conf, err := config.Load(c.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if err := serve(c.Context, conf); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

func serve(parent context.Context, conf *config.Config) error {
	level, err := conf.ZapLevel()
	if err != nil {
		return err
	}
	sink, err := slack.NewSink(conf.SlackToken, conf.SlackRules)
	if err != nil {
		return err
	}
	var cores []zapcore.Core
	if sink != nil {
		cores = append(cores, sink)
		defer sink.Close(shutdownGrace)
	}
	logger := log.New(level, cores...)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opt, err := goredis.ParseURL(conf.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis_url: %w", err)
	}
	rdb := goredis.NewClient(opt)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("could not reach redis at %s: %w", conf.RedisURL, err)
	}

	m := metrics.New()

	st, err := state.New(conf.StoragePath, conf.LoadState, conf.ExcludeFromReset, logger.Named("state"))
	if err != nil {
		return err
	}
	bl, err := blocklist.New(conf.BlocklistPath, logger.Named("blocklist"))
	if err != nil {
		return err
	}

	fwd := forward.New(bl, conf.SessionLimit, conf.Timeout.Duration, m, logger.Named("forward"))
	groups, err := conf.GroupHosts()
	if err != nil {
		return err
	}
	for name, hosts := range groups {
		fwd.AddGroup(name, hosts)
	}

	registry, err := endpoint.LoadDir(conf.EndpointDir, endpoint.Deps{
		Forwarder: fwd,
		State:     st,
		Logger:    logger.Named("endpoint"),
	})
	if err != nil {
		return err
	}
	engine := endpoint.NewEngine(registry, fwd, st, bl, conf.Timeout.Duration, logger.Named("engine"))
	fwd.SetDispatcher(engine)
	for _, name := range registry.Names() {
		m.InitEndpoint(name)
	}

	q := queue.New(rdb, conf.QueueLength, m, logger.Named("queue"))
	wrk := worker.New(q, engine, logger.Named("worker"))

	workerDone := make(chan error, 1)
	go func() { workerDone <- wrk.Run(ctx) }()

	for _, name := range registry.CallOnStart() {
		ep, _ := registry.Get(name)
		entry := queue.NewEntry(ep.Method, name, nil, "")
		if _, err := q.Push(ctx, entry); err != nil {
			logger.Error("could not enqueue startup call",
				zap.String("endpoint", name), zap.Error(err))
		}
	}

	sched := scheduler.New(registry, st, conf.Host, conf.Port,
		conf.FrontendTimeout.Duration, logger.Named("scheduler"))
	go sched.Run(ctx)

	fe := frontend.New(q, registry, m, conf.FrontendTimeout.Duration, logger.Named("frontend"))
	apiServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		Handler: fe.Router(),
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.Host, conf.MetricsPort),
		Handler: metricsMux,
	}

	serverErr := make(chan error, 2)
	go func() {
		logger.Info("frontend listening", zap.String("addr", apiServer.Addr))
		serverErr <- apiServer.ListenAndServe()
	}()
	go func() {
		logger.Info("metrics listening", zap.String("addr", metricsServer.Addr))
		serverErr <- metricsServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case err := <-workerDone:
		if err != nil {
			return fmt.Errorf("worker failed: %w", err)
		}
	}

	grace, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := q.Shutdown(grace); err != nil {
		logger.Warn("could not push shutdown sentinel", zap.Error(err))
	}
	apiServer.Shutdown(grace)
	metricsServer.Shutdown(grace)

	select {
	case <-workerDone:
	case <-grace.Done():
		logger.Warn("worker did not drain in time")
	}
	return nil
}
