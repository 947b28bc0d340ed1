// Package hubserver assembles every collaborator package into a
// single runnable Hub server: the WebSocket channel gateway, the
// admin HTTP control plane, and Prometheus metrics, behind one
// http.Server. Mirrors the teacher's hub.Server/NewServer/Serve
// shape, trimmed to RingForge's single-port surface.
package hubserver

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/redis/go-redis/v9"

	"github.com/ringforge/hub/internal/adminapi"
	"github.com/ringforge/hub/internal/announcement"
	"github.com/ringforge/hub/internal/bizrules"
	"github.com/ringforge/hub/internal/config"
	"github.com/ringforge/hub/internal/cryptoutil"
	"github.com/ringforge/hub/internal/directmessage"
	"github.com/ringforge/hub/internal/escalation"
	"github.com/ringforge/hub/internal/eventlog"
	"github.com/ringforge/hub/internal/gateway"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/logging"
	"github.com/ringforge/hub/internal/metrics"
	"github.com/ringforge/hub/internal/notification"
	"github.com/ringforge/hub/internal/presence"
	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/ratelimit"
	"github.com/ringforge/hub/internal/registry"
	"github.com/ringforge/hub/internal/router"
	"github.com/ringforge/hub/internal/store"
	"github.com/ringforge/hub/internal/taskstore"
	"github.com/ringforge/hub/internal/threads"
)

// Server is a fully wired RingForge Hub instance.
type Server struct {
	cfg      *config.Config
	sqlDB    *sql.DB
	redis    *redis.Client
	limiter  *ratelimit.Limiter
	gateway  *gateway.Gateway
	registry *registry.Registry
	server   *http.Server
}

// New builds a Server from cfg: opens and migrates the database,
// selects the kv/task-store backend per ClusterStrategy/TaskStore,
// and wires every collaborator package into the router and gateway.
func New(cfg *config.Config) (*Server, error) {
	sqlDB, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	reg := registry.New(sqlDB)
	log := eventlog.New(sqlDB)
	bus := pubsub.NewBus()

	var redisClient *redis.Client
	var kvStore kv.Store
	if cfg.ClusterStrategy == "redis" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		kvStore = kv.NewRedis(redisClient)
	} else {
		kvStore = kv.NewMemory()
	}

	cas, ok := kvStore.(kv.CompareAndSwap)
	if !ok {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("kv backend does not implement CompareAndSwap")
	}

	th := threads.New(kvStore, cas, bus)

	// taskstore's OnTerminal callback is the close_task_threads hook:
	// once a task reaches a terminal status its thread is closed too.
	onTerminal := func(taskID string) {
		if err := th.CloseByTask(context.Background(), taskID, "system", "task reached a terminal status"); err != nil {
			slog.Warn("hubserver: close_task_threads failed", "task_id", taskID, "error", err)
		}
	}

	var tasks taskstore.Store
	switch cfg.TaskStore {
	case "redis":
		if redisClient == nil {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				_ = sqlDB.Close()
				return nil, fmt.Errorf("parse redis url: %w", err)
			}
			redisClient = redis.NewClient(opts)
		}
		tasks = taskstore.NewRedis(redisClient, onTerminal)
	default:
		tasks = taskstore.NewMemory(onTerminal)
	}

	limiter := ratelimit.New()
	rules := bizrules.NewStore(kvStore)
	roster := presence.New()
	notify := notification.New(kvStore, bus)
	announce := announcement.New(reg, notify, bus, roster)
	esc := escalation.New(kvStore, reg, notify, bus, nil)
	dm := directmessage.New(kvStore, roster, bus, log, notify)

	cryptoCache := cryptoutil.NewCache(func(fleetID string) (string, error) {
		return reg.CanonicalLiveKey(context.Background(), fleetID)
	})

	r := router.New(reg, rules, limiter, tasks, dm, announce, esc, th, log)
	gw := gateway.New(reg, r, roster, bus, notify, dm, th, log, kvStore)

	admin := adminapi.New(reg, rules, notify, cryptoCache, cfg.SecretKeyBase)

	mux := http.NewServeMux()
	mux.Handle("/ws/websocket", gw)
	mux.Handle("/metrics", promhttp.Handler())
	admin.Mount(mux)

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		sqlDB:    sqlDB,
		redis:    redisClient,
		limiter:  limiter,
		gateway:  gw,
		registry: reg,
		server:   httpServer,
	}, nil
}

// Serve listens until ctx is canceled, then drains the gateway and
// shuts the HTTP server down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.gateway.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	s.limiter.Stop()
	if s.redis != nil {
		_ = s.redis.Close()
	}
	return s.sqlDB.Close()
}
