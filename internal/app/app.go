// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — metrics registry + the key-value store backend
//  2. initServices — chat cache, stats, delivery tracker, sync orchestrator
//  3. initServers  — websocket listener + fasthttp admin surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/chat-sync/internal/cache"
	"github.com/nulpointcorp/chat-sync/internal/chatcache"
	"github.com/nulpointcorp/chat-sync/internal/config"
	"github.com/nulpointcorp/chat-sync/internal/delivery"
	"github.com/nulpointcorp/chat-sync/internal/metrics"
	"github.com/nulpointcorp/chat-sync/internal/stats"
	chatsync "github.com/nulpointcorp/chat-sync/internal/sync"
	"github.com/nulpointcorp/chat-sync/internal/ws"
)

const cacheProbeInterval = 30 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store cache.Store

	prom    *metrics.Registry
	chats   *chatcache.Cache
	stats   *stats.Counters
	tracker *delivery.Tracker
	orch    *chatsync.Orchestrator
	hub     *ws.Hub

	dec chatsync.Decrypter

	wsServer *http.Server
	admin    *fasthttp.Server

	cacheStatus componentStatus
	startTime   time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures optional collaborators on the App.
type Option func(*App)

// WithDecrypter injects the external encryption service client. Without it
// the app falls back to a passthrough decrypter suitable only for
// development.
func WithDecrypter(d chatsync.Decrypter) Option {
	return func(a *App) { a.dec = d }
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string, opts ...Option) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{
		cfg:       cfg,
		version:   version,
		baseCtx:   ctx,
		log:       log,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"servers", a.initServers},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

func (a *App) initInfra(ctx context.Context) error {
	a.prom = metrics.NewRegistry()

	switch a.cfg.Cache.Mode {
	case "redis":
		rs := cache.NewRedisStore(a.cfg.Redis.URL, a.log,
			cache.WithObserver(a.prom.ObserveCacheOp),
		)
		// Probe once so a misconfigured URL surfaces in the startup log, but
		// keep going either way — the mirror degrades, it does not gate boot.
		if err := rs.Ping(ctx); err != nil {
			a.log.Warn("cache_unavailable_at_startup", slog.String("error", err.Error()))
			a.cacheStatus.set("down")
		} else {
			a.cacheStatus.set("ok")
		}
		a.store = rs

	case "memory":
		a.store = cache.NewMemoryStore(ctx)
		a.cacheStatus.set("ok")

	default:
		return fmt.Errorf("unknown cache mode %q", a.cfg.Cache.Mode)
	}

	return nil
}

func (a *App) initServices(context.Context) error {
	a.chats = chatcache.New(a.store, a.log, a.cfg.TTL)
	a.stats = stats.New(a.store, a.log, a.cfg.TTL)
	a.tracker = delivery.New(a.store, a.log, a.cfg.TTL)

	if a.dec == nil {
		a.log.Warn("no decrypter configured, using passthrough (development only)")
		a.dec = chatsync.DecrypterFunc(func(_ context.Context, ciphertext, _ string) (string, error) {
			return ciphertext, nil
		})
	}

	a.hub = ws.NewHub(a.log, a.prom)
	a.orch = chatsync.New(a.chats, a.dec, a.hub, a.prom, a.log)

	return nil
}

func (a *App) initServers(context.Context) error {
	wsSrv := ws.NewServer(a.hub, a.orch, a.tracker, a.prom, a.log)
	a.wsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.WSPort),
		Handler:           wsSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.admin = &fasthttp.Server{
		Handler:     a.adminRouter().Handler,
		Name:        "chat-sync",
		ReadTimeout: 10 * time.Second,
	}

	return nil
}

// Run starts the servers and the cache health probe, blocking until ctx is
// cancelled or a listener fails. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting chat-sync",
		slog.String("version", a.version),
		slog.Int("admin_port", a.cfg.Port),
		slog.Int("ws_port", a.cfg.WSPort),
		slog.String("cache_mode", a.cfg.Cache.Mode),
	)

	a.wg.Add(1)
	go a.probeLoop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.admin.ListenAndServe(fmt.Sprintf(":%d", a.cfg.Port))
	})

	g.Go(func() error {
		if err := a.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		close(a.done)

		if a.wsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.wsServer.Shutdown(shutdownCtx); err != nil {
				a.log.Error("ws server shutdown error", slog.String("error", err.Error()))
			}
			cancel()
		}
		if a.hub != nil {
			a.hub.CloseAll()
		}
		if a.admin != nil {
			if err := a.admin.Shutdown(); err != nil {
				a.log.Error("admin server shutdown error", slog.String("error", err.Error()))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Error("store close error", slog.String("error", err.Error()))
			}
		}
	})

	a.wg.Wait()
}

// probeLoop pings the store every 30s. For the Redis backend a successful
// ping also clears the sticky failure flag, so a recovered Redis is picked
// up within one interval.
func (a *App) probeLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(cacheProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(a.baseCtx, 5*time.Second)
			if err := a.store.Ping(probeCtx); err != nil {
				a.cacheStatus.set("down")
			} else {
				a.cacheStatus.set("ok")
			}
			cancel()
		case <-a.done:
			return
		case <-a.baseCtx.Done():
			return
		}
	}
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}
