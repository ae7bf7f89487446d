package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/vigil-social/vigil/consumer"
	"github.com/vigil-social/vigil/policylist"
	"github.com/vigil-social/vigil/policylist/countstore"
	"github.com/vigil-social/vigil/statestore"
	"github.com/vigil-social/vigil/util"
)

type Server struct {
	logger     *slog.Logger
	store      *statestore.Client
	streamHost string
	lists      map[string]*policylist.List
	consumers  map[string]*consumer.StreamConsumer
	rdb        *redis.Client

	// batch-ready triggers from all coalescers funnel into one channel, so
	// reconciliation passes are serialized per process
	triggers chan string
}

type Config struct {
	StoreHost  string
	StreamHost string
	StoreToken string
	// StoreRateLimit caps state store requests per second; zero disables
	// client-side limiting.
	StoreRateLimit int
	Containers     []string
	RedisURL       string
	PollInterval   time.Duration
	MaxDelay       time.Duration
	Logger         *slog.Logger
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	streamHost := config.StreamHost
	if streamHost == "" {
		// the store serves the stream on the same host, ws scheme
		streamHost = strings.Replace(config.StoreHost, "http", "ws", 1)
	}
	if !strings.HasPrefix(streamHost, "ws") {
		return nil, fmt.Errorf("specified stream host must include 'ws://' or 'wss://'")
	}

	store := &statestore.Client{
		Client: util.RobustHTTPClient(),
		Host:   config.StoreHost,
	}
	if config.StoreToken != "" {
		store.Auth = &statestore.AuthInfo{AccessToken: config.StoreToken}
	}
	if config.StoreRateLimit > 0 {
		store.Limiter = rate.NewLimiter(rate.Limit(config.StoreRateLimit), 1)
	}

	var counters countstore.CountStore
	var rdb *redis.Client
	if config.RedisURL != "" {
		// generic client, for stream cursor state
		opt, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %v", err)
		}
		rdb = redis.NewClient(opt)
		// check redis connection
		_, err = rdb.Ping(context.TODO()).Result()
		if err != nil {
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}

		cnt, err := countstore.NewRedisCountStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis countstore: %v", err)
		}
		counters = cnt
	} else {
		counters = countstore.NewMemCountStore()
	}

	s := &Server{
		logger:     logger,
		store:      store,
		streamHost: streamHost,
		lists:      make(map[string]*policylist.List),
		consumers:  make(map[string]*consumer.StreamConsumer),
		rdb:        rdb,
		triggers:   make(chan string, len(config.Containers)*4),
	}

	for _, containerID := range config.Containers {
		list := policylist.NewList(store, containerID, logger)
		list.Counters = counters
		list.OnUpdate(func(containerID string, changes []policylist.ChangeEvent) {
			logger.Info("policy list updated", "container", containerID, "changes", len(changes))
		})
		s.lists[containerID] = list

		coal := policylist.NewCoalescer(config.PollInterval, config.MaxDelay, func() {
			select {
			case s.triggers <- containerID:
			default:
				// a pass for this container is already queued; the next one
				// will pick up the same remote state
			}
		})
		coal.Logger = logger.With("container", containerID)

		s.consumers[containerID] = &consumer.StreamConsumer{
			Logger:      logger.With("container", containerID),
			RedisClient: rdb,
			Host:        streamHost,
			ContainerID: containerID,
			Coalescer:   coal,
		}
	}

	return s, nil
}

// Run performs an initial reconciliation of every tracked list, starts the
// notification stream consumers, and then serializes all coalesced
// reconciliation triggers until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	for containerID, list := range s.lists {
		if _, err := list.Reconcile(ctx); err != nil {
			return fmt.Errorf("initial reconciliation of %s: %w", containerID, err)
		}
	}

	for containerID, sc := range s.consumers {
		go s.runConsumer(ctx, containerID, sc)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case containerID := <-s.triggers:
			list := s.lists[containerID]
			if _, err := list.Reconcile(ctx); err != nil {
				// transient store failures are safe to retry on the next
				// trigger; state applied so far stays applied
				s.logger.Error("reconciliation pass failed", "container", containerID, "err", err)
			}
		}
	}
}

func (s *Server) runConsumer(ctx context.Context, containerID string, sc *consumer.StreamConsumer) {
	for {
		err := sc.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("notification stream disconnected, reconnecting", "container", containerID, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}
