package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/makebreak/apiserver/config"
	"github.com/makebreak/apiserver/internal/auth"
	"github.com/makebreak/apiserver/internal/db"
	"github.com/makebreak/apiserver/internal/handlers"
	"github.com/makebreak/apiserver/internal/logging"
	"github.com/makebreak/apiserver/internal/metrics"
	"github.com/makebreak/apiserver/internal/mq"
	"github.com/makebreak/apiserver/internal/notify"
	"github.com/makebreak/apiserver/internal/services"
	"github.com/makebreak/apiserver/internal/storage"
	"github.com/makebreak/apiserver/internal/store"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
	closers    []io.Closer
}

// New constructs a Server from configuration, wiring the credential store,
// notifier and session manager selected by cfg.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "makebreak-apiserver",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})

	s := &Server{logger: logger}

	credentials, err := s.openStore(ctx, cfg)
	if err != nil {
		s.closeAll()
		return nil, err
	}

	notifier, err := s.openNotifier(ctx, cfg)
	if err != nil {
		s.closeAll()
		return nil, err
	}

	hasher, err := auth.NewPasswordHasher(cfg.Auth.PasswordAlgorithm, cfg.Auth.BcryptCost)
	if err != nil {
		s.closeAll()
		return nil, err
	}

	signer, err := auth.NewSigner(auth.TokenConfig{
		AccessSecret:  []byte(cfg.Auth.AccessTokenSecret),
		RefreshSecret: []byte(cfg.Auth.RefreshTokenSecret),
		AccessTTL:     cfg.Auth.AccessTokenTTL,
		RefreshTTL:    cfg.Auth.RefreshTokenTTL,
		Issuer:        cfg.Auth.Issuer,
	})
	if err != nil {
		s.closeAll()
		return nil, err
	}

	sessions := services.NewSessionManager(credentials, hasher, signer, notifier, services.SessionConfig{
		CodeDigits:   cfg.Auth.VerificationCodeDigits,
		CodeTTL:      cfg.Auth.VerificationCodeTTL,
		ResetTTL:     cfg.Auth.ResetTokenTTL,
		ResetURLBase: cfg.Auth.ResetURLBase,
	}, logger)

	authHandler := handlers.NewAuthHandler(sessions, handlers.CookieOptions{
		Secure:     cfg.Auth.SecureCookies,
		AccessTTL:  signer.AccessTTL(),
		RefreshTTL: signer.RefreshTTL(),
	}, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(registry)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
		cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Route("/api/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authHandler)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("server configured",
		"port", port,
		"store", cfg.Store,
		"notifier", cfg.Notifier,
		"templates", cfg.Templates,
	)
	return s, nil
}

func (s *Server) openStore(ctx context.Context, cfg config.Config) (services.CredentialStore, error) {
	switch cfg.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		s.closers = append(s.closers, client)
		return store.NewRedisUserRepository(client, cfg.Redis.Prefix), nil
	case "memory":
		s.logger.Warn("using in-memory credential store; data is lost on restart")
		return store.NewMemoryUserRepository(), nil
	default:
		dbConn, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, dbConn)
		return store.NewUserRepository(dbConn), nil
	}
}

func (s *Server) openNotifier(ctx context.Context, cfg config.Config) (notify.Notifier, error) {
	switch cfg.Notifier {
	case "log":
		return notify.Instrument(notify.NewLogNotifier(s.logger)), nil
	case "rabbitmq", "pubsub":
		queue, err := OpenQueue(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, queue)
		return notify.Instrument(notify.NewQueueNotifier(queue)), nil
	default:
		smtp, err := NewSMTPNotifier(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return notify.Instrument(smtp), nil
	}
}

// OpenQueue connects to the message broker named by cfg.Notifier.
func OpenQueue(ctx context.Context, cfg config.Config) (*mq.MQ, error) {
	switch cfg.Notifier {
	case "rabbitmq":
		client, err := mq.NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return mq.New(client), nil
	case "pubsub":
		client, err := mq.NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, err
		}
		return mq.New(client), nil
	default:
		return nil, fmt.Errorf("notifier %q has no queue backend", cfg.Notifier)
	}
}

// NewSMTPNotifier builds a direct SMTP notifier with templates loaded from
// the configured source.
func NewSMTPNotifier(ctx context.Context, cfg config.Config) (*notify.SMTPNotifier, error) {
	renderer, err := OpenRenderer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := notify.NewSMTPClient(cfg.Mail)
	if err != nil {
		return nil, err
	}
	return notify.NewSMTPNotifier(client, cfg.Mail.From, renderer), nil
}

// OpenRenderer loads email templates from the binary or object storage.
func OpenRenderer(ctx context.Context, cfg config.Config) (*notify.Renderer, error) {
	if cfg.Templates == "embedded" || cfg.Templates == "" {
		return notify.NewEmbeddedRenderer()
	}
	objects, err := OpenStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return notify.LoadRenderer(ctx, objects)
}

// OpenStorage connects to the object store named by cfg.Templates.
func OpenStorage(ctx context.Context, cfg config.Config) (*storage.Storage, error) {
	switch cfg.Templates {
	case "minio":
		client, err := storage.NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		return storage.NewStorage(client), nil
	case "gcs":
		client, err := storage.NewGCSClient(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		return storage.NewStorage(client), nil
	default:
		return nil, fmt.Errorf("template source %q has no object store", cfg.Templates)
	}
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and releases backing connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.closeAll()
	return err
}

func (s *Server) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warn("close failed", "error", err)
		}
	}
	s.closers = nil
}
