package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"csr-rule-engine/internal/alert"
	"csr-rule-engine/internal/api"
	"csr-rule-engine/internal/capacity"
	"csr-rule-engine/internal/config"
	"csr-rule-engine/internal/engine"
	"csr-rule-engine/internal/events"
	"csr-rule-engine/internal/facts"
	"csr-rule-engine/internal/listener"
	"csr-rule-engine/internal/storage"
)

// backend is what a storage driver must provide.
type backend interface {
	facts.Source
	engine.FlagStore
	capacity.Store
}

// Server owns every long-lived component of the service.
type Server struct {
	cfg      config.Config
	Registry *engine.Registry
	Contexts *facts.Provider
	Engine   *engine.Engine
	Tracker  *capacity.Tracker
	Handler  http.Handler

	store      backend
	pg         *storage.Store
	redis      *goredis.Client
	loader     engine.RuleLoader
	outbox     *events.Outbox
	dispatcher *alert.Dispatcher
}

// New builds the component graph for cfg and loads the initial rule set.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	s := &Server{cfg: cfg, Registry: engine.NewRegistry()}

	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := storage.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		s.pg, s.store = pg, pg
	case "memory":
		s.store = storage.NewMemory()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	rdb, err := storage.NewRedis(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}
	s.redis = rdb

	switch {
	case cfg.Rules.Source == "postgres" && s.pg != nil:
		s.loader = s.pg
	case cfg.Rules.Source == "postgres":
		s.Close()
		return nil, fmt.Errorf("rules source postgres needs the postgres storage driver")
	default:
		s.loader = engine.FileLoader{Path: cfg.Rules.Path}
	}
	if err := s.Registry.Reload(ctx, s.loader); err != nil {
		s.Close()
		return nil, fmt.Errorf("initial rule load: %w", err)
	}

	var pub events.Publisher = events.LogPublisher{}
	var cooldowns alert.CooldownStore = alert.NewMemoryCooldowns()
	if rdb != nil {
		pub = storage.NewRedisPublisher(rdb, cfg.Redis.Channel)
		cooldowns = storage.NewRedisCooldowns(rdb)
	}
	s.outbox = events.NewOutbox(pub, cfg.Alerts.QueueSize, cfg.Engine.PersistTimeout)
	s.dispatcher = alert.NewDispatcher(newRouter(cfg.Alerts, cooldowns), cfg.Alerts.Workers, cfg.Alerts.QueueSize)

	policy, err := engine.ParseConflictPolicy(cfg.Engine.ConflictPolicy)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Contexts = facts.NewProvider(s.store,
		facts.WithTTL(cfg.Engine.ContextTTL),
		facts.WithFetchTimeout(cfg.Engine.FetchTimeout),
	)
	s.Engine = engine.NewEngine(s.Contexts, s.store,
		engine.WithConflictPolicy(policy),
		engine.WithEventSink(s.outbox),
		engine.WithPersistTimeout(cfg.Engine.PersistTimeout),
	)
	s.Tracker = capacity.NewTracker(s.store,
		capacity.WithAlertSink(s.dispatcher),
		capacity.WithTimeout(cfg.Engine.PersistTimeout),
	)
	s.Handler = api.Router(api.NewHandler(s.Engine, s.Registry, s.Tracker, s.Contexts))
	return s, nil
}

func newRouter(cfg config.Alerts, cooldowns alert.CooldownStore) *alert.Router {
	dir := alert.Directory{}
	for group, addrs := range cfg.Recipients {
		dir[alert.Group(group)] = addrs
	}
	opts := []alert.RouterOption{alert.WithDirectory(dir)}
	for _, ch := range cfg.Channels {
		switch alert.Channel(ch) {
		case alert.ChannelLog:
			opts = append(opts, alert.WithChannel(alert.ChannelLog, alert.LogNotifier{}))
		case alert.ChannelWebhook:
			opts = append(opts, alert.WithChannel(alert.ChannelWebhook, alert.WebhookNotifier{
				URL: cfg.WebhookURL, RetryCount: cfg.RetryCount,
			}))
		case alert.ChannelChat:
			opts = append(opts, alert.WithChannel(alert.ChannelChat, alert.ChatNotifier{
				URL: cfg.ChatWebhookURL, RetryCount: cfg.RetryCount,
			}))
		case alert.ChannelEmail:
			opts = append(opts, alert.WithChannel(alert.ChannelEmail, alert.EmailNotifier{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				Username: cfg.SMTP.Username,
				Password: cfg.SMTP.Password,
				From:     cfg.SMTP.From,
			}))
		default:
			log.Warn().Str("channel", ch).Msg("unknown alert channel; ignoring")
		}
	}
	return alert.NewRouter(cooldowns, opts...)
}

// Start launches the background workers and, with Postgres, the rule
// change listener. It returns immediately.
func (s *Server) Start(ctx context.Context) {
	s.outbox.Start()
	s.dispatcher.Start()
	if s.pg != nil {
		go listener.ListenAndReload(ctx, s.pg.PgxPool(), s.Registry, s.loader, s.pg.ListenChannel(), s.cfg.Backoff())
	}
}

// Close drains queued events and alerts and releases connections. The
// workers must have been started or never started at all.
func (s *Server) Close() {
	if s.outbox != nil {
		s.outbox.Close()
	}
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pg != nil {
		s.pg.Close()
	}
}

func Run(cfg config.Config) {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init server")
	}
	s.Start(rootCtx)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.Handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("storage", cfg.Storage.Driver).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server crashed")
		}
	}()

	waitForSignal()
	log.Info().Msg("shutdown...")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	cancel() // stop background goroutines
	s.Close()
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
