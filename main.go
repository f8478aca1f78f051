package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/skroutz/downloadq/api"
	"github.com/skroutz/downloadq/config"
	"github.com/skroutz/downloadq/notifier"
	"github.com/skroutz/downloadq/processor"
	"github.com/skroutz/downloadq/processor/filestorage"
	"github.com/skroutz/downloadq/storage"
)

var (
	sigCh = make(chan os.Signal, 1)
	cfg   config.Config
)

func main() {
	app := cli.NewApp()
	app.Name = "downloadq"
	app.Usage = "Download queue with pausable, cancellable workers"
	app.HideVersion = true

	configFlag := cli.StringFlag{
		Name:  "config, c",
		Usage: "`FILE` to load config from",
		Value: "config.json",
	}

	app.Commands = cli.Commands{
		cli.Command{
			Name:  "api",
			Usage: "Start the API web server",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "host",
					Usage: "`HOST` to listen on, overrides api.host",
				},
				cli.IntFlag{
					Name:  "port, p",
					Usage: "`PORT` to listen on, overrides api.port",
				},
				configFlag,
			},
			Before: parseConfig,
			Action: runAPI,
		},
		cli.Command{
			Name:   "worker",
			Usage:  "Start the download worker",
			Flags:  []cli.Flag{configFlag},
			Before: parseConfig,
			Action: runWorker,
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func runAPI(c *cli.Context) error {
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger := slog.Default().With("component", "api")

	host, port := cfg.API.Host, cfg.API.Port
	if c.IsSet("host") {
		host = c.String("host")
	}
	if c.IsSet("port") {
		port = c.Int("port")
	}

	store, err := storage.New(redisClient("api"))
	if err != nil {
		return err
	}
	as := api.New(store, host, port, logger)
	as.HeartbeatThreshold = cfg.API.HeartbeatThreshold.D()
	as.CancelTTL = cfg.API.CancelTTL.D()

	go func() {
		logger.Info("Listening...", "addr", as.Server.Addr)
		err := as.Server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := as.Server.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info("Bye!")
	return nil
}

func runWorker(c *cli.Context) error {
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger := slog.Default().With("component", "worker")

	client := redisClient("worker")
	store, err := storage.New(client)
	if err != nil {
		return err
	}

	root, err := filestorage.NewRoot(cfg.Processor.StorageDir)
	if err != nil {
		return err
	}

	hooks, err := newHooks(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backends, err := startBackends(ctx, cfg, client, logger)
	if err != nil {
		return err
	}
	defer stopBackends(backends, logger)

	n := notifier.New(backends, cfg.Notifier.Channel, cfg.Notifier.Timeout.D(), cfg.Notifier.BufferSize,
		slog.Default().With("component", "notifier"))
	notifierCtx, stopNotifier := context.WithCancel(context.Background())
	defer stopNotifier()
	go n.Start(notifierCtx)

	exec := &processor.Executor{
		Root:              root,
		Resolver:          newResolver(cfg, logger),
		Streamer:          newStreamer(cfg, logger),
		Sink:              n,
		Store:             store,
		Hooks:             hooks,
		ProgressThreshold: cfg.Processor.ProgressThreshold,
		Log:               logger,
	}

	p := processor.New(store, root, exec, logger)
	pc := cfg.Processor
	p.Concurrency = pc.Concurrency
	p.FlagPoll = pc.FlagPoll.D()
	p.MaxRetries = pc.MaxRetries
	p.RetryBackoff = pc.RetryBackoff.D()
	p.HeartbeatInterval = pc.HeartbeatInterval.D()
	p.HeartbeatTTL = pc.HeartbeatTTL.D()
	p.InventoryInterval = pc.InventoryInterval.D()
	p.DiskHigh = pc.DiskHigh
	p.DiskLow = pc.DiskLow
	p.DiskInterval = pc.DiskInterval.D()
	p.StatsIntvl = pc.StatsInterval.D()

	if pc.MetricsAddr != "" {
		srv := metricsServer(pc.MetricsAddr)
		go func() {
			logger.Info("Serving metrics...", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	closeCh := make(chan struct{})
	go p.Start(closeCh)

	<-sigCh
	logger.Info("Shutting down...")
	closeCh <- struct{}{}
	logger.Info("Waiting for workers to finish...")
	<-closeCh

	logger.Info("Flushing events...")
	stopNotifier()
	select {
	case <-n.Done():
	case <-time.After(10 * time.Second):
		logger.Warn("gave up flushing events")
	}
	logger.Info("Bye!")
	return nil
}

// parseConfig loads the configuration from the provided config file, the
// environment and the defaults, and sets up logging.
func parseConfig(c *cli.Context) error {
	file := c.String("config")
	if !c.IsSet("config") {
		if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
			file = ""
		}
	}

	var err error
	cfg, err = config.Load(file)
	if err != nil {
		return err
	}
	config.SetupLogger(&cfg, os.Stderr)
	return nil
}

// redisClient connects to a single Redis server, or through Sentinel when
// sentinel hosts are configured.
func redisClient(name string) *redis.Client {
	setName := func(c *redis.Conn) error {
		ok, err := c.ClientSetName(name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("Error setting Redis client name to " + name)
		}
		return nil
	}

	if len(cfg.Redis.Sentinel) > 0 {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Redis.MasterName,
			SentinelAddrs: cfg.Redis.Sentinel,
			OnConnect:     setName,
		})
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, OnConnect: setName})
}

func metricsServer(addr string) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: r}
}
