package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-redis/redis"

	"github.com/skroutz/downloadq/backend"
	httpbackend "github.com/skroutz/downloadq/backend/http_backend"
	kafkabackend "github.com/skroutz/downloadq/backend/kafka_backend"
	redisbackend "github.com/skroutz/downloadq/backend/redis_backend"
	sqsbackend "github.com/skroutz/downloadq/backend/sqs_backend"
	"github.com/skroutz/downloadq/config"
	"github.com/skroutz/downloadq/processor/filestorage"
	"github.com/skroutz/downloadq/processor/postprocess"
	"github.com/skroutz/downloadq/processor/resolver"
	"github.com/skroutz/downloadq/processor/transfer"
)

func newStreamer(c config.Config, logger *slog.Logger) *transfer.Streamer {
	s := transfer.New(logger)
	pc := c.Processor
	if pc.UserAgent != "" {
		s.UserAgent = pc.UserAgent
	}
	s.MaxRedirects = pc.MaxRedirects
	s.RequestTimeout = pc.RequestTimeout.D()
	s.IdleTimeout = pc.IdleTimeout.D()
	s.PollInterval = pc.TransferPoll.D()
	return s
}

// newResolver returns a chain of the configured resolvers, in their
// configuration order.
func newResolver(c config.Config, logger *slog.Logger) resolver.Resolver {
	if len(c.Processor.Resolvers) == 0 {
		return resolver.Direct{}
	}

	chain := &resolver.Chain{Log: logger}
	for _, r := range c.Processor.Resolvers {
		var res resolver.Resolver
		switch r.Type {
		case "session":
			res = &resolver.Session{CookieFile: r.CookieFile, UserAgent: r.UserAgent, Referer: r.Referer}
		case "service":
			res = &resolver.Service{
				Endpoint:     r.Endpoint,
				Client:       &http.Client{},
				Timeout:      r.Timeout.D(),
				PollInterval: c.Processor.FlagPoll.D(),
			}
		}
		chain.Rules = append(chain.Rules, resolver.Rule{HostSuffix: r.HostSuffix, Resolver: res})
	}
	return chain
}

// newHooks returns the post-processing of completed downloads, or nil if
// none is configured.
func newHooks(c config.Config, logger *slog.Logger) (*postprocess.Runner, error) {
	h := c.Processor.Hooks
	runner := &postprocess.Runner{Log: logger}

	if m := h.Mirror; m != nil {
		var (
			fs  filestorage.FileStorage
			err error
		)
		switch m.Type {
		case "filesystem":
			fs, err = filestorage.NewFileSystem(m.Root)
		case "s3":
			fs, err = filestorage.NewAWSS3(m.Region, m.Bucket)
		default:
			err = fmt.Errorf("unknown mirror type %q", m.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("Error setting up mirror: %w", err)
		}
		runner.Hooks = append(runner.Hooks, &postprocess.Mirror{Storage: fs})
	}

	if lr := h.LibraryRefresh; lr != nil {
		runner.Hooks = append(runner.Hooks, &postprocess.LibraryRefresh{URL: lr.URL, APIKey: lr.APIKey})
	}

	if len(runner.Hooks) == 0 {
		return nil, nil
	}
	return runner, nil
}

// startBackends starts the configured event backends. The redis backend
// shares client unless it is given its own "addr".
func startBackends(ctx context.Context, c config.Config, client *redis.Client, logger *slog.Logger) ([]backend.Backend, error) {
	ids := make([]string, 0, len(c.Backends))
	for id := range c.Backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var started []backend.Backend
	for _, id := range ids {
		opts := c.Backends[id]

		var b backend.Backend
		switch id {
		case "redis":
			rb := &redisbackend.Backend{}
			if _, ok := opts["addr"]; !ok {
				rb.Client = client
			}
			b = rb
		case "http":
			b = &httpbackend.Backend{}
		case "kafka":
			b = &kafkabackend.Backend{Log: logger.With("backend", "kafka")}
		case "sqs":
			b = &sqsbackend.Backend{}
		default:
			stopBackends(started, logger)
			return nil, fmt.Errorf("unknown backend %q", id)
		}

		if err := b.Start(ctx, opts); err != nil {
			stopBackends(started, logger)
			return nil, fmt.Errorf("Error starting %s backend: %w", id, err)
		}
		logger.Info("backend started", "backend", id)
		started = append(started, b)
	}
	return started, nil
}

func stopBackends(backends []backend.Backend, logger *slog.Logger) {
	for _, b := range backends {
		if err := b.Stop(); err != nil {
			logger.Warn("could not stop backend", "backend", b.ID(), "error", err)
		}
	}
}
