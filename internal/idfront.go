package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/idfront/internal/config"
	"github.com/dgellow/idfront/internal/cookie"
	"github.com/dgellow/idfront/internal/crypto"
	"github.com/dgellow/idfront/internal/flow"
	"github.com/dgellow/idfront/internal/gate"
	"github.com/dgellow/idfront/internal/idp"
	"github.com/dgellow/idfront/internal/log"
	"github.com/dgellow/idfront/internal/metrics"
	"github.com/dgellow/idfront/internal/reconcile"
	"github.com/dgellow/idfront/internal/registry"
	"github.com/dgellow/idfront/internal/server"
	"github.com/dgellow/idfront/internal/session"
	"github.com/dgellow/idfront/internal/storage"
	"github.com/dgellow/idfront/internal/urlutil"
	"github.com/prometheus/client_golang/prometheus"
)

// IDFront represents the complete authentication front application
type IDFront struct {
	config     config.Config
	httpServer *server.HTTPServer
	handler    http.Handler
	registry   *registry.Registry
	watcher    *registry.Watcher
	storage    storage.Storage
	closers    []io.Closer
}

// components are the pieces buildHTTPHandler routes to
type components struct {
	registry *registry.Registry
	sessions *session.Manager
	flows    *flow.Controller
	gate     *gate.Gate
	gatherer prometheus.Gatherer
}

// NewIDFront creates the application with all dependencies built. The
// provider registry is loaded once before it returns.
func NewIDFront(ctx context.Context, cfg config.Config) (*IDFront, error) {
	log.LogInfoWithFields("idfront", "Building application", map[string]any{
		"baseURL":  cfg.Server.BaseURL,
		"storage":  string(cfg.Storage.Kind),
		"sessions": string(cfg.Sessions.Store),
		"source":   string(cfg.Providers.Source),
	})

	baseURL, err := url.Parse(cfg.Server.BaseURL)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.Server.BaseURL)
	}

	encryptor, err := crypto.NewEncryptor([]byte(cfg.Cookie.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	app := &IDFront{config: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	store, err := setupStorage(ctx, cfg, encryptor)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	app.storage = store
	app.closers = append(app.closers, store)

	sessionStore, err := setupSessions(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup sessions: %w", err)
	}
	if c, isCloser := sessionStore.(io.Closer); isCloser {
		app.closers = append(app.closers, c)
	}

	source, err := setupProviderSource(ctx, cfg, store, encryptor)
	if err != nil {
		return nil, fmt.Errorf("failed to setup provider source: %w", err)
	}
	if c, isCloser := source.(io.Closer); isCloser {
		app.closers = append(app.closers, c)
	}

	returnURL, err := urlutil.ExternalURL(cfg.Server.BaseURL, cfg.ReturnPath())
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	reg, err := registry.New(registry.Options{
		Factory:     idp.DefaultFactory(),
		Source:      source,
		Attachments: store,
		ReturnURL:   returnURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider registry: %w", err)
	}
	// A broken source at startup leaves an empty registry; the watcher
	// picks the providers up once the source recovers
	if err := reg.Reload(ctx); err != nil {
		log.LogWarnWithFields("idfront", "Starting without providers", map[string]any{
			"error": err.Error(),
		})
	}
	app.registry = reg
	app.watcher = registry.NewWatcher(reg, cfg.Providers.PollInterval)

	matcher, err := reconcile.NewMatcher(cfg.Providers.Matching, store)
	if err != nil {
		return nil, err
	}

	flows, err := flow.NewController(flow.Options{
		Providers:  reg,
		Sessions:   sessionStore,
		Reconciler: reconcile.New(store, matcher),
		StateKey:   []byte(crypto.SignData("idfront-flow-state", []byte(cfg.Cookie.EncryptionKey))),
		ReturnURL:  returnURL,
	})
	if err != nil {
		return nil, err
	}

	identity := cookie.NewIdentityStoreWithEncryptor(encryptor, cookie.Options{
		Prefix:  cfg.Cookie.Prefix,
		Path:    cfg.Cookie.Path,
		Domains: cfg.Cookie.Domains,
		MaxAge:  cfg.Cookie.MaxAge,
	})
	sessions := session.NewManager(sessionStore, cfg.Cookie.Prefix+cfg.Cookie.SessionCookie, cfg.Cookie.Path)

	g, err := gate.New(gate.Options{
		Sessions:      sessions,
		Identity:      identity,
		Flows:         flows,
		Users:         store,
		LogoutPattern: cfg.Server.LogoutRegex,
		LoginPath:     cfg.Server.LoginPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create authentication gate: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	if err := metrics.Register(promRegistry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	handler := buildHTTPHandler(cfg, components{
		registry: reg,
		sessions: sessions,
		flows:    flows,
		gate:     g,
		gatherer: promRegistry,
	})
	app.handler = handler
	app.httpServer = server.NewHTTPServer(handler, cfg.Server.Addr)

	ok = true
	return app, nil
}

// Run starts and manages the complete application lifecycle
func (a *IDFront) Run() error {
	log.LogInfoWithFields("idfront", "Starting application", map[string]any{
		"addr": a.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)

	go func() {
		if err := a.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	a.watcher.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	var runErr error
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("idfront", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		runErr = err
		log.LogErrorWithFields("idfront", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("idfront", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	a.watcher.Stop()

	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("idfront", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		runErr = errors.Join(runErr, err)
	}

	a.Close()

	log.LogInfoWithFields("idfront", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return runErr
}

// Handler returns the application's HTTP handler
func (a *IDFront) Handler() http.Handler {
	return a.handler
}

// Close releases storage and session store connections
func (a *IDFront) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.LogWarnWithFields("idfront", "Failed to close resource", map[string]any{
				"error": err.Error(),
			})
		}
	}
	a.closers = nil
}

// setupStorage creates the user, attachment and provider store
func setupStorage(ctx context.Context, cfg config.Config, encryptor crypto.Encryptor) (storage.Storage, error) {
	switch cfg.Storage.Kind {
	case config.StorageFirestore:
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":  cfg.Storage.GCPProject,
			"database": cfg.Storage.FirestoreDatabase,
		})
		return storage.NewFirestoreStorage(ctx, cfg.Storage.GCPProject, cfg.Storage.FirestoreDatabase, firestoreCollections(cfg), encryptor)
	case config.StorageSQLite:
		log.LogInfoWithFields("storage", "Using SQLite storage", map[string]any{
			"path": cfg.Storage.SQLitePath,
		})
		return storage.NewSQLiteStorage(ctx, cfg.Storage.SQLitePath)
	default:
		log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{})
		return storage.NewMemoryStorage(), nil
	}
}

func firestoreCollections(cfg config.Config) storage.FirestoreCollections {
	return storage.FirestoreCollections{
		Users:       cfg.Storage.UserCollection,
		Attachments: cfg.Storage.AttachmentCollection,
		Providers:   cfg.Providers.Collection,
	}
}

// setupSessions creates the per-session flow state store
func setupSessions(ctx context.Context, cfg config.Config) (session.Store, error) {
	if cfg.Sessions.Store == config.SessionStoreRedis {
		log.LogInfoWithFields("sessions", "Using Redis session store", map[string]any{
			"addr": cfg.Sessions.RedisAddr,
			"db":   cfg.Sessions.RedisDB,
		})
		return session.NewRedisStore(ctx, session.RedisOptions{
			Addr:     cfg.Sessions.RedisAddr,
			DB:       cfg.Sessions.RedisDB,
			Password: string(cfg.Sessions.RedisPassword),
			TTL:      cfg.Sessions.TTL,
		})
	}
	log.LogInfoWithFields("sessions", "Using in-memory session store", map[string]any{
		"ttl": cfg.Sessions.TTL.String(),
	})
	return session.NewMemoryStore(cfg.Sessions.TTL), nil
}

// setupProviderSource picks where provider configurations are read from.
// The firestore source reuses the Firestore storage when it is configured
// and opens its own client otherwise.
func setupProviderSource(ctx context.Context, cfg config.Config, store storage.Storage, encryptor crypto.Encryptor) (storage.ProviderSource, error) {
	switch cfg.Providers.Source {
	case config.ProviderSourceFirestore:
		if fs, isFirestore := store.(*storage.FirestoreStorage); isFirestore {
			return storage.NewStoreProviderSource(fs), nil
		}
		fs, err := storage.NewFirestoreStorage(ctx, cfg.Storage.GCPProject, cfg.Storage.FirestoreDatabase, firestoreCollections(cfg), encryptor)
		if err != nil {
			return nil, err
		}
		return &closingSource{StoreProviderSource: storage.NewStoreProviderSource(fs), closer: fs}, nil
	case config.ProviderSourceStorage:
		return storage.NewStoreProviderSource(store), nil
	default:
		return storage.NewFileProviderSource(cfg.Providers.File), nil
	}
}

// closingSource owns the store it reads from
type closingSource struct {
	*storage.StoreProviderSource
	closer io.Closer
}

func (s *closingSource) Close() error {
	return s.closer.Close()
}

// buildHTTPHandler creates the complete HTTP handler with all routing and middleware
func buildHTTPHandler(cfg config.Config, c components) http.Handler {
	mux := http.NewServeMux()
	loginPath := cfg.Server.LoginPath

	authHandlers := server.NewAuthHandlers(server.AuthHandlersOptions{
		Widgets:     c.registry,
		Flows:       c.flows,
		Sessions:    c.sessions,
		Gate:        c.gate,
		BaseURL:     cfg.Server.BaseURL,
		LoginPath:   loginPath,
		AdminEmails: cfg.Server.AdminEmails,
	})
	adminHandlers := server.NewAdminHandlers(c.registry)

	authLogger := server.NewLoggerMiddleware("auth")
	authRecover := server.NewRecoverMiddleware("auth")
	adminLogger := server.NewLoggerMiddleware("admin")
	adminRecover := server.NewRecoverMiddleware("admin")
	adminOnly := server.NewAdminMiddleware(cfg.Server.AdminEmails)

	route := func(pattern, name string, h http.Handler, middlewares ...server.MiddlewareFunc) {
		middlewares = append(middlewares, metrics.Middleware(name))
		mux.Handle(pattern, server.ChainMiddleware(h, middlewares...))
	}

	mux.Handle("/health", server.NewHealthHandler())
	mux.Handle("/metrics", metrics.Handler(c.gatherer))

	route(loginPath, "login", http.HandlerFunc(authHandlers.LoginHandler), authLogger, authRecover)
	route(cfg.StartPath(), "login_start", http.HandlerFunc(authHandlers.StartHandler), authLogger, authRecover)
	route(cfg.ReturnPath(), "login_return", http.HandlerFunc(authHandlers.ReturnHandler), authLogger, authRecover)
	route("/logout", "logout", http.HandlerFunc(authHandlers.LogoutHandler), authLogger, authRecover)
	route("/me", "me", http.HandlerFunc(authHandlers.MeHandler), c.gate.Middleware, authLogger, authRecover)
	route("/{$}", "home", http.HandlerFunc(authHandlers.MeHandler), c.gate.Middleware, authLogger, authRecover)

	route("/admin/reload", "admin_reload", http.HandlerFunc(adminHandlers.ReloadHandler), adminOnly, c.gate.Middleware, adminLogger, adminRecover)
	route("/admin/providers", "admin_providers", http.HandlerFunc(adminHandlers.ListProvidersHandler), adminOnly, c.gate.Middleware, adminLogger, adminRecover)
	route("/admin/providers/{name}", "admin_provider", http.HandlerFunc(adminHandlers.GetProviderHandler), adminOnly, c.gate.Middleware, adminLogger, adminRecover)
	route("/admin/logging", "admin_logging", http.HandlerFunc(adminHandlers.LoggingHandler), adminOnly, c.gate.Middleware, adminLogger, adminRecover)

	log.LogInfoWithFields("idfront", "HTTP routes registered", map[string]any{
		"loginPath": loginPath,
		"admins":    len(cfg.Server.AdminEmails),
	})
	return mux
}
