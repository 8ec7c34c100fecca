// Package app assembles the barcode-drop server from its parts and owns the
// process lifecycle.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"golang.org/x/sync/errgroup"

	"github.com/barcode-drop/backend/internal/api"
	"github.com/barcode-drop/backend/internal/config"
	"github.com/barcode-drop/backend/internal/listener"
	"github.com/barcode-drop/backend/internal/metrics"
	"github.com/barcode-drop/backend/internal/mock"
	"github.com/barcode-drop/backend/internal/router"
	"github.com/barcode-drop/backend/internal/session"
	"github.com/barcode-drop/backend/internal/status"
	"github.com/barcode-drop/backend/internal/store"
	"github.com/barcode-drop/backend/internal/ws"
)

var logger = loggo.GetLogger("barcodedrop.app")

// App is one running server instance.
type App struct {
	cfg       *config.Config
	processID uuid.UUID

	registry    *ws.Registry
	broadcaster *ws.Broadcaster
	watch       *ws.Server
	metrics     *metrics.Collector
	handler     http.Handler

	// Database mode.
	db       *store.Store
	mirror   *session.Mirror
	listener *listener.Listener

	// Mock mode.
	generator *mock.Generator
}

// Options are the collaborators New would otherwise build itself.
type Options struct {
	Clock clock.Clock
	// Dial overrides the notification connection; it defaults to a pgx
	// connection to the configured database.
	Dial listener.DialFunc
}

// New builds an App. In database mode it opens the pool and applies the
// schema.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}

	a := &App{cfg: cfg, processID: uuid.New()}

	var (
		durability ws.Durability
		scans      api.Store
	)
	if !cfg.Mock.Enabled {
		db, err := store.Open(ctx, cfg.Database.URL, cfg.Listener.Channel)
		if err != nil {
			return nil, errors.Annotate(err, "opening database")
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, errors.Trace(err)
		}
		a.db = db
		a.mirror = session.NewMirror(db, session.Config{
			ProcessID: a.processID,
			QueueSize: cfg.Durability.QueueSize,
			OpTimeout: cfg.Durability.OpTimeout,
		})
		durability = a.mirror
		scans = db
	}

	a.registry = ws.NewRegistry(durability, nil)
	a.broadcaster = ws.NewBroadcaster(a.registry, nil)
	a.metrics = metrics.New(a.registry.Len)
	a.broadcaster.SetObserver(a.metrics)
	a.watch = ws.NewServer(a.registry, ws.ServerConfig{
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
	})
	events := router.New(a.broadcaster)

	listenerState := func() string { return "mock" }
	if cfg.Mock.Enabled {
		ms := mock.NewStore(opts.Clock, events)
		a.generator = mock.NewGenerator(ms, opts.Clock, cfg.Mock.Interval, cfg.Mock.Users)
		scans = ms
	} else {
		dial := opts.Dial
		if dial == nil {
			dial = listener.PgxDialer(cfg.Database.URL)
		}
		l, err := listener.New(listener.Config{
			Channel:     cfg.Listener.Channel,
			Dial:        dial,
			Handler:     events,
			Clock:       opts.Clock,
			Observer:    &degradedSignal{next: a.metrics, broadcaster: a.broadcaster},
			RetryDelay:  cfg.Listener.RetryDelay,
			MaxAttempts: cfg.Listener.MaxAttempts,
		})
		if err != nil {
			a.db.Close()
			return nil, errors.Trace(err)
		}
		a.listener = l
		listenerState = func() string { return l.State().String() }
	}

	a.handler = api.NewRouter(api.Options{
		Store:   scans,
		Watch:   a.watch.HandleWatch,
		Metrics: a.metrics.Handler(),
		Status:  status.NewReporter(a.processID, listenerState, a.registry),
	})
	return a, nil
}

// Handler is the full HTTP surface.
func (a *App) Handler() http.Handler {
	return a.handler
}

// ProcessID identifies this instance's durable session rows.
func (a *App) ProcessID() uuid.UUID {
	return a.processID
}

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.Server.Host, fmt.Sprint(a.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", addr)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln alongside the change listener (or the mock
// generator) and the durability worker. When ctx is cancelled it shuts down
// in dependency order: HTTP, listener, sessions, durability worker, purge of
// this instance's session rows, pool.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	var mirrorWG sync.WaitGroup
	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	defer stopMirror()
	if a.mirror != nil {
		mirrorWG.Add(1)
		go func() {
			defer mirrorWG.Done()
			a.mirror.Run(mirrorCtx)
		}()
	}

	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	var work errgroup.Group
	switch {
	case a.listener != nil:
		work.Go(func() error {
			if err := a.listener.Run(workCtx); err != nil {
				// Already logged as critical; keep serving REST and sessions.
				logger.Errorf("live updates stopped, serving in degraded mode: %v", err)
			}
			return nil
		})
	case a.generator != nil:
		work.Go(func() error {
			a.generator.Run(workCtx)
			return nil
		})
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("listening on %s (process instance %s)", ln.Addr(), a.processID)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return errors.Annotate(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("closing http server: %v", err)
		}
		logger.Infof("http server closed")
		return nil
	})
	err := g.Wait()

	stopWork()
	_ = work.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.watch.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("closing sessions: %v", err)
	}

	stopMirror()
	mirrorWG.Wait()
	if a.mirror != nil {
		if _, err := a.mirror.Purge(shutdownCtx); err != nil {
			logger.Errorf("%v", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	logger.Infof("shutdown complete")
	return err
}

// degradedSignal forwards listener events to the metrics collector and tells
// every connected client, once, when live updates have stopped for good.
type degradedSignal struct {
	next        listener.Observer
	broadcaster *ws.Broadcaster
	once        sync.Once
}

func (d *degradedSignal) StateChanged(s listener.State) {
	d.next.StateChanged(s)
	if s == listener.Failed {
		d.once.Do(func() {
			d.broadcaster.DeliverAll(ws.LiveUpdatesLost())
		})
	}
}

func (d *degradedSignal) ConnectAttempt(err error) {
	d.next.ConnectAttempt(err)
}

func (d *degradedSignal) NotificationHandled(outcome string) {
	d.next.NotificationHandled(outcome)
}
