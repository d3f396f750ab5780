package internal

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/cookie"
	"github.com/dgellow/contentdesk/internal/crypto"
	"github.com/dgellow/contentdesk/internal/envutil"
	"github.com/dgellow/contentdesk/internal/idp"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/metrics"
	"github.com/dgellow/contentdesk/internal/server"
	"github.com/dgellow/contentdesk/internal/session"
	"github.com/dgellow/contentdesk/internal/storage"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// App is the complete auth/session application
type App struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
	storage    storage.Storage
	cleanup    *storage.CleanupManager
}

// NewApp builds the application with all dependencies wired
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	log.LogInfoWithFields("app", "Building application", map[string]any{
		"baseURL":      cfg.Server.BaseURL,
		"provider":     cfg.Auth.Provider,
		"verification": cfg.Auth.Verification,
		"storage":      cfg.Storage.Kind,
		"stateStore":   cfg.Storage.EffectiveStateStore(),
	})

	m := metrics.New()

	store, err := setupStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	handler, err := buildHTTPHandler(cfg, store, m)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	return &App{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		storage:    store,
		cleanup:    storage.NewCleanupManager(store, cfg.Storage.CleanupInterval, m.RecordStatesPurged),
	}, nil
}

// Handler returns the root HTTP handler
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves until ctx is cancelled, SIGINT/SIGTERM arrives or the server
// fails, then shuts down gracefully
func (a *App) Run(ctx context.Context) error {
	log.LogInfoWithFields("app", "Starting application", map[string]any{
		"addr": a.config.Server.Addr,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	a.cleanup.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		log.LogInfoWithFields("app", "Starting graceful shutdown", map[string]any{
			"reason":  context.Cause(gctx).Error(),
			"timeout": shutdownTimeout.String(),
		})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		a.cleanup.Stop()
		return a.httpServer.Stop(shutdownCtx)
	})

	err := g.Wait()
	if closeErr := a.storage.Close(); closeErr != nil {
		log.LogErrorWithFields("app", "Failed to close storage", map[string]any{
			"error": closeErr.Error(),
		})
	}
	if err != nil {
		log.LogErrorWithFields("app", "Application stopped with error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	log.LogInfoWithFields("app", "Application shutdown complete", nil)
	return nil
}

// setupStorage opens the identity directory backend and, when configured,
// a separate OAuth state store
func setupStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, error) {
	var primary storage.Storage
	switch cfg.Kind {
	case config.StoragePostgres:
		log.LogInfoWithFields("storage", "Using Postgres storage", nil)
		pg, err := storage.NewPostgresStorage(ctx, string(cfg.PostgresDSN))
		if err != nil {
			return nil, fmt.Errorf("failed to create Postgres storage: %w", err)
		}
		primary = pg
	case config.StorageFirestore:
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":  cfg.GCPProject,
			"database": cfg.FirestoreDatabase,
			"prefix":   cfg.FirestoreCollectionPrefix,
		})
		fs, err := storage.NewFirestoreStorage(ctx, cfg.GCPProject, cfg.FirestoreDatabase, cfg.FirestoreCollectionPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create Firestore storage: %w", err)
		}
		primary = fs
	case config.StorageMemory:
		log.LogInfoWithFields("storage", "Using in-memory storage", nil)
		primary = storage.NewMemoryStorage()
	default:
		return nil, fmt.Errorf("unknown storage kind: %s", cfg.Kind)
	}

	if cfg.EffectiveStateStore() != config.StorageRedis {
		return primary, nil
	}

	log.LogInfoWithFields("storage", "Using Redis for OAuth states", map[string]any{
		"addr": cfg.RedisAddr,
	})
	states, err := storage.NewRedisStateStore(ctx, cfg.RedisAddr, string(cfg.RedisPassword))
	if err != nil {
		_ = primary.Close()
		return nil, fmt.Errorf("failed to create Redis state store: %w", err)
	}
	return storage.NewSplit(primary, states), nil
}

// buildHTTPHandler wires the provider, session issuer and verifier, gate
// and handlers into the router
func buildHTTPHandler(cfg config.Config, store storage.Storage, m *metrics.Metrics) (http.Handler, error) {
	httpClient := &http.Client{Timeout: cfg.Auth.ProviderTimeout}

	provider, err := idp.NewProvider(cfg.Auth, httpClient, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity provider: %w", err)
	}
	introspector, err := idp.NewIntrospector(cfg.Auth, provider, httpClient, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create token introspector: %w", err)
	}

	sealer, err := crypto.NewSealer([]byte(cfg.Auth.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh token sealer: %w", err)
	}

	secure := envutil.IsProduction()
	if cfg.Session.Secure != nil {
		secure = *cfg.Session.Secure
	}
	if !secure {
		log.LogWarnWithFields("app", "Session cookies are not marked Secure", map[string]any{
			"env": envutil.Env(),
		})
	}
	var jarOpts []cookie.JarOption
	if cfg.Auth.ResponseMode == config.ResponseModeFormPost {
		// The provider's POST to the callback is cross-site
		jarOpts = append(jarOpts, cookie.WithCrossSiteState())
		if !strings.HasPrefix(cfg.Auth.RedirectURI, "https://") {
			log.LogWarnWithFields("app", "form_post state cookie requires an https callback", map[string]any{
				"redirectUri": cfg.Auth.RedirectURI,
			})
		}
	}
	jar := cookie.NewJar(cfg.Session.CookieName, cfg.Session.MaxAge, secure, jarOpts...)

	issuer := session.NewIssuer(store, jar, sealer, cfg.Auth.Verification)
	verifier := session.NewVerifier(introspector, store, jar, cfg.Auth.ProviderTimeout, m)

	// Introspection would hit the provider on every poll of the metrics path
	publicPaths := append([]string{}, cfg.Auth.PublicPaths...)
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		publicPaths = append(publicPaths, cfg.Metrics.Path)
		metricsHandler = m.Handler()
	}

	auth := server.NewAuthHandlers(server.AuthHandlersConfig{
		Provider:   provider,
		States:     store,
		Issuer:     issuer,
		Verifier:   verifier,
		Jar:        jar,
		StateTTL:   cfg.Auth.StateTTL,
		Timeout:    cfg.Auth.ProviderTimeout,
		BackendURL: cfg.Backend.BaseURL,
		Observer:   m,
	})

	return server.NewRouter(server.RouterConfig{
		Auth:           auth,
		Pages:          server.NewPageHandlers(providerDisplayName(cfg.Auth.Provider)),
		Gate:           server.NewRouteGate(verifier, jar, publicPaths, m),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		HealthChecks: map[string]server.HealthCheck{
			"storage": func(ctx context.Context) error { return storage.Ping(ctx, store) },
		},
	}), nil
}

func providerDisplayName(kind config.ProviderKind) string {
	if kind == config.ProviderGoogle {
		return "Google"
	}
	return "your identity provider"
}
