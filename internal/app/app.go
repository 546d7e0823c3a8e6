package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"courier/pkg/api"
	"courier/pkg/banner"
	"courier/pkg/bus"
	"courier/pkg/config"
	"courier/pkg/convstore"
	"courier/pkg/delivery"
	"courier/pkg/inbox"
	"courier/pkg/logger"
	"courier/pkg/notify"
	"courier/pkg/presence"
	"courier/pkg/relay"
	"courier/pkg/session"
	"courier/pkg/snowflake"
	"courier/pkg/store"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	cfg     *config.Config
	source  string
	version string

	messages      *store.MessageStore
	conversations *convstore.ConversationStore
	events        *bus.Bus
	registry      *session.Registry
	redisClient   *redis.Client

	srv *http.Server
}

// New opens the stores and wires the pipeline. The HTTP server and the
// bus dispatcher are not started; call Run to start them and block until
// shutdown.
func New(cfg *config.Config, source, version string) (*App, error) {
	_ = godotenv.Load(".env")

	a := &App{cfg: cfg, source: source, version: version}

	messages, err := store.Open(cfg.Storage.MessagePath)
	if err != nil {
		return nil, fmt.Errorf("open message store at %s: %w", cfg.Storage.MessagePath, err)
	}
	a.messages = messages

	conversations, err := convstore.Open(cfg.Storage.ConversationPath)
	if err != nil {
		a.messages.Close()
		return nil, fmt.Errorf("open conversation store at %s: %w", cfg.Storage.ConversationPath, err)
	}
	a.conversations = conversations

	events, err := bus.Open(bus.Options{
		Dir:            cfg.Bus.Dir,
		MaxSegmentSize: cfg.Bus.MaxSegmentSize.Int64(),
		QueueCapacity:  cfg.Bus.QueueCapacity,
	})
	if err != nil {
		a.conversations.Close()
		a.messages.Close()
		return nil, fmt.Errorf("open event bus at %s: %w", cfg.Bus.Dir, err)
	}
	a.events = events

	pres, q := a.buildPresenceAndInbox()
	a.registry = session.NewRegistry()

	rel := relay.New(a.messages, pres, q, a.registry, &notify.LogDispatcher{}, a.events)
	if err := rel.Attach(a.events); err != nil {
		a.closeStores()
		return nil, fmt.Errorf("attach relay: %w", err)
	}

	ids, err := snowflake.New(cfg.NodeID)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("id generator: %w", err)
	}

	coord := delivery.New(a.messages, a.conversations, a.events, pres, q, a.registry, ids)
	coord.SetHistoryLimit(cfg.HistoryLimit)
	a.srv = &http.Server{
		Addr:    cfg.Addr(),
		Handler: api.New(coord, a.registry).Router(),
	}
	return a, nil
}

// buildPresenceAndInbox prefers redis when configured so presence and
// queued message IDs survive process restarts and are shared across
// replicas. Without redis both fall back to in-process implementations.
func (a *App) buildPresenceAndInbox() (presence.Cache, inbox.Queue) {
	if a.cfg.Redis.Addr == "" {
		return presence.NewMemoryCache(a.cfg.Presence.TTL.Duration()), inbox.NewMemoryQueue()
	}
	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	return presence.NewRedisCache(a.redisClient, a.cfg.Presence.TTL.Duration()),
		inbox.NewRedisQueue(a.redisClient, a.cfg.Presence.InboxTTL.Duration())
}

// Run starts the bus dispatcher and the HTTP server, then blocks until
// ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.events.Start(); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}

	banner.Print(a.cfg, a.source, a.version)

	errCh := make(chan error, 1)
	go func() {
		cert := a.cfg.Server.TLS.CertFile
		key := a.cfg.Server.TLS.KeyFile
		logger.Info("server_listening", "addr", a.srv.Addr, "tls", cert != "" && key != "")
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// shutdown stops intake first, then drains the live sessions and the
// bus, and closes the stores last.
func (a *App) shutdown() {
	logger.Info("shutdown_begin")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutCtx); err != nil {
		logger.Warn("http_shutdown_error", "error", err)
	}

	a.registry.CloseAll()
	a.closeStores()

	logger.Info("shutdown_complete")
	logger.Sync()
}

func (a *App) closeStores() {
	if err := a.events.Close(); err != nil {
		logger.Warn("bus_close_error", "error", err)
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			logger.Warn("redis_close_error", "error", err)
		}
	}
	if err := a.conversations.Close(); err != nil {
		logger.Warn("conversation_store_close_error", "error", err)
	}
	if err := a.messages.Close(); err != nil {
		logger.Warn("message_store_close_error", "error", err)
	}
}
