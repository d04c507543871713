/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/grimnir_relay/internal/api"
	"github.com/friendsincode/grimnir_relay/internal/auth"
	"github.com/friendsincode/grimnir_relay/internal/cache"
	"github.com/friendsincode/grimnir_relay/internal/config"
	"github.com/friendsincode/grimnir_relay/internal/db"
	"github.com/friendsincode/grimnir_relay/internal/eventbus"
	"github.com/friendsincode/grimnir_relay/internal/events"
	"github.com/friendsincode/grimnir_relay/internal/leadership"
	"github.com/friendsincode/grimnir_relay/internal/logbuffer"
	"github.com/friendsincode/grimnir_relay/internal/mediaengine"
	"github.com/friendsincode/grimnir_relay/internal/playout"
	"github.com/friendsincode/grimnir_relay/internal/sink"
	"github.com/friendsincode/grimnir_relay/internal/storage"
	"github.com/friendsincode/grimnir_relay/internal/telemetry"
	"github.com/friendsincode/grimnir_relay/internal/version"
)

// eventBus is satisfied by the in-process bus and the Redis and NATS buses.
type eventBus interface {
	events.Publisher
	Subscribe(eventType events.EventType) events.Subscriber
	Unsubscribe(sub events.Subscriber)
}

// Server bundles HTTP and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	db        *gorm.DB
	store     *db.ChannelStore
	bus       eventBus
	logBuffer *logbuffer.Buffer
	engine    mediaengine.Engine
	hubs      *sink.Server
	playout   *playout.Manager
	updates   *version.Checker
	election  *leadership.Election
	api       *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New wires the relay from cfg. Channels from the configuration are created
// and started; persisted sources are applied on top.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("grimnir-relay-api"))
	router.Use(telemetry.MetricsMiddleware)
	router.Use(timeoutMiddleware(60 * time.Second))

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// Live streams and event sockets run indefinitely; the timeout
		// middleware bounds everything else.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		srv.metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return srv, nil
}

// timeoutMiddleware bounds request handling except for websocket upgrades and
// live streams.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(d)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") || strings.HasPrefix(r.URL.Path, "/live/") {
				next.ServeHTTP(w, r)
				return
			}
			timeout.ServeHTTP(w, r)
		})
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		// Players fetch FLV from other origins.
		if strings.HasPrefix(r.URL.Path, "/live/") {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	ctx := context.Background()

	if s.cfg.DBBackend != config.DatabaseNone {
		database, err := db.Connect(s.cfg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		s.db = database
		s.DeferClose(func() error { return db.Close(database) })

		if err := db.RegisterCallbacks(database); err != nil {
			return fmt.Errorf("register database callbacks: %w", err)
		}
		if err := db.Migrate(database); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		s.store = db.NewChannelStore(database, s.logger)
	}

	nodeID := s.cfg.InstanceID
	if nodeID == "" {
		nodeID = eventbus.NodeID()
	}

	if err := s.initEventBus(nodeID); err != nil {
		return err
	}

	var s3cfg *storage.S3Config
	if s.cfg.S3AccessKeyID != "" || s.cfg.S3Endpoint != "" {
		s3cfg = &storage.S3Config{
			AccessKeyID:     s.cfg.S3AccessKeyID,
			SecretAccessKey: s.cfg.S3SecretAccessKey,
			Region:          s.cfg.S3Region,
			Endpoint:        s.cfg.S3Endpoint,
			UsePathStyle:    s.cfg.S3UsePathStyle,
		}
	}
	var documents playout.DocumentLoader = storage.NewDocuments(storage.NewFilesystemStore(s.cfg.PlaylistRoot, s.logger), s3cfg, s.logger)
	if s.cfg.DocumentCacheTTL > 0 {
		ccfg := cache.DefaultConfig()
		ccfg.RedisAddr = s.cfg.RedisAddr
		ccfg.RedisPassword = s.cfg.RedisPassword
		ccfg.RedisDB = s.cfg.RedisDB
		ccfg.DocumentTTL = s.cfg.DocumentCacheTTL
		c, err := cache.New(ccfg, s.logger)
		if err != nil {
			return fmt.Errorf("document cache: %w", err)
		}
		s.DeferClose(c.Close)
		documents = c.Documents(documents)
	}

	engine, err := mediaengine.New(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	s.engine = engine

	s.hubs = sink.NewServer(s.logger, s.bus)

	managerCfg := playout.ManagerConfig{
		Engine:    engine,
		Hubs:      s.hubs,
		ChunkSize: s.cfg.ChunkSize,
		Bus:       s.bus,
		Documents: documents,
	}
	if s.store != nil {
		managerCfg.Store = s.store
	}
	if s.cfg.LeaderElection {
		ecfg := leadership.DefaultConfig()
		ecfg.RedisAddr = s.cfg.RedisAddr
		ecfg.RedisPassword = s.cfg.RedisPassword
		ecfg.RedisDB = s.cfg.RedisDB
		ecfg.InstanceID = nodeID
		election, err := leadership.NewElection(ecfg, s.logger)
		if err != nil {
			return fmt.Errorf("leader election: %w", err)
		}
		s.election = election
		s.DeferClose(election.Stop)
		managerCfg.PushStandby = true
	}
	s.playout = playout.NewManager(managerCfg, s.logger)
	s.DeferClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.playout.Shutdown(ctx)
	})

	for _, ch := range s.cfg.Channels {
		opts := ch.Options
		if opts.PushURI == "" {
			opts.PushURI = s.cfg.PushURI(ch.Name)
		}
		src := playout.Source{Chain: ch.Chain, URI: ch.URI, Path: ch.Path, Playlist: ch.Playlist}
		if err := s.playout.AddChannel(ctx, ch.Name, opts, src); err != nil {
			return fmt.Errorf("add channel: %w", err)
		}
	}
	if err := s.playout.Restore(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to restore channel sources")
	}

	if s.cfg.Environment != "development" {
		s.updates = version.NewChecker(s.logger)
	}

	apiCfg := api.Config{
		Manager:   s.playout,
		Hubs:      s.hubs,
		Events:    s.bus,
		Logs:      s.logBuffer,
		Updates:   s.updates,
		APIKeys:   auth.NewKeySet(s.cfg.APIKeys),
		JWTSecret: []byte(s.cfg.JWTSecret),
	}
	if s.store != nil {
		apiCfg.History = s.store
	}
	s.api = api.New(apiCfg, s.logger)

	return nil
}

func (s *Server) initEventBus(nodeID string) error {
	switch s.cfg.EventBackend {
	case config.EventBackendRedis:
		rcfg := eventbus.DefaultRedisConfig()
		rcfg.Addr = s.cfg.RedisAddr
		rcfg.Password = s.cfg.RedisPassword
		rcfg.DB = s.cfg.RedisDB
		bus, err := eventbus.NewRedisBus(rcfg, nodeID, s.logger)
		if err != nil {
			return fmt.Errorf("redis event bus: %w", err)
		}
		s.bus = bus
		s.DeferClose(bus.Close)
	case config.EventBackendNATS:
		ncfg := eventbus.DefaultNATSConfig()
		ncfg.URL = s.cfg.NATSURL
		bus, err := eventbus.NewNATSBus(ncfg, nodeID, s.logger)
		if err != nil {
			return fmt.Errorf("nats event bus: %w", err)
		}
		s.bus = bus
		s.DeferClose(bus.Close)
	default:
		bus := events.NewBus()
		s.bus = bus
		s.DeferClose(func() error {
			bus.Close()
			return nil
		})
	}
	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer returns the separate metrics listener, or nil when metrics
// are served on the main router.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// Playout returns the channel manager.
func (s *Server) Playout() *playout.Manager {
	return s.playout
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.store != nil {
		sub := s.bus.Subscribe(events.EventItemStarted)
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.store.RecordHistory(ctx, sub)
		}()
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			<-ctx.Done()
			s.bus.Unsubscribe(sub)
		}()

		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				db.UpdateConnectionMetrics(s.db)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	if s.updates != nil {
		s.updates.Start(ctx)
	}

	if s.election != nil {
		s.election.Start(ctx)
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case leader := <-s.election.LeaderCh():
					s.playout.SetPushEnabled(leader)
				}
			}
		}()
	}

	s.logger.Info().Int("channels", len(s.playout.List())).Msg("background workers started")
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	if s.updates != nil {
		s.updates.Stop()
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := `{"status":"ok"`
		if s.election != nil {
			if s.election.IsLeader() {
				response += `,"leader":true`
			} else {
				response += `,"leader":false`
			}
		}
		response += `}`
		_, _ = w.Write([]byte(response))
	})

	if s.metricsServer == nil {
		s.router.Handle("/metrics", telemetry.Handler())
	}

	s.api.Routes(s.router)
}
