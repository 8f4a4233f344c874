package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"crvs/internal/admin"
	"crvs/internal/events/adapters/countryconfig"
	"crvs/internal/events/authz"
	"crvs/internal/events/configuration"
	"crvs/internal/events/dedup"
	"crvs/internal/events/handler"
	"crvs/internal/events/live"
	eventmetrics "crvs/internal/events/metrics"
	"crvs/internal/events/search"
	"crvs/internal/events/service"
	"crvs/internal/events/state"
	"crvs/internal/events/store"
	"crvs/internal/events/stream"
	jwttoken "crvs/internal/jwt_token"
	"crvs/internal/platform/config"
	"crvs/internal/platform/database"
	"crvs/internal/platform/kafka"
	"crvs/internal/platform/kafka/consumer"
	"crvs/internal/platform/kafka/producer"
	"crvs/internal/platform/metrics"
	"crvs/internal/platform/middleware"
	"crvs/internal/platform/redis"
	ratelimitmw "crvs/internal/ratelimit/middleware"
	"crvs/internal/ratelimit/store/bucket"
	"crvs/pkg/platform/audit"
	"crvs/pkg/platform/audit/publisher"
	auditmemory "crvs/pkg/platform/audit/store/memory"
	auditmongo "crvs/pkg/platform/audit/store/mongo"
	auditpostgres "crvs/pkg/platform/audit/store/postgres"
	"crvs/pkg/platform/circuit"
	"crvs/pkg/platform/httputil"
	adminmw "crvs/pkg/platform/middleware/admin"
	authmw "crvs/pkg/platform/middleware/auth"
	"crvs/pkg/platform/middleware/metadata"
	"crvs/pkg/platform/middleware/requesttime"
)

// searchIndex is what both the service projection and the duplicate checker
// need from a backend.
type searchIndex interface {
	service.Index
	dedup.Index
}

type app struct {
	router    http.Handler
	reindexer *consumer.Consumer
	// feed is closed at shutdown start; hijacked websocket connections are
	// not tracked by http.Server.Shutdown.
	feed    *live.Hub
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()
	var checks []healthCheck

	eventStore, db, storeCheck, err := openStore(ctx, cfg.Store, a)
	if err != nil {
		return nil, err
	}
	if storeCheck != nil {
		checks = append(checks, *storeCheck)
	}
	trail, auditCheck, err := openAuditStore(ctx, cfg.Audit, db, a)
	if err != nil {
		return nil, err
	}
	if auditCheck != nil {
		checks = append(checks, *auditCheck)
	}

	index, indexCheck, err := openIndex(ctx, cfg.Search, a)
	if err != nil {
		return nil, err
	}
	if indexCheck != nil {
		checks = append(checks, *indexCheck)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, log)
	if err != nil {
		return nil, err
	}
	var buckets ratelimitmw.BucketStore = bucket.NewInMemoryBucketStore()
	configCache := configuration.Cache(configuration.NewMemoryCache())
	if redisClient != nil {
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
		checks = append(checks, healthCheck{name: "redis", check: redisClient.Health})
		configCache = configuration.NewRedisCache(redisClient.Client)
		buckets = bucket.NewRedisBucketStore(redisClient.Client)
	}
	configs := newConfigProvider(cfg, configCache, log)

	auditor := publisher.NewPublisher(trail, publisher.WithAsyncBuffer(cfg.AuditBuffer), publisher.WithLogger(log))
	a.closers = append(a.closers, auditor.Close)

	opts := []service.Option{
		service.WithLogger(log),
		service.WithAuditPublisher(auditor),
		service.WithMetrics(eventmetrics.New()),
		service.WithFolder(state.NewFolder(0)),
		service.WithTracer(otel.Tracer("crvs/events")),
		service.WithMaxAttempts(cfg.MaxAttempts),
	}
	if index != nil {
		opts = append(opts,
			service.WithIndex(index, cfg.Search.IndexPrefix),
			service.WithIndexTimeout(cfg.Search.Timeout),
			service.WithDuplicateChecker(dedup.New(index,
				dedup.WithIndexPrefix(cfg.Search.IndexPrefix),
				dedup.WithTimeout(cfg.Search.Timeout),
				dedup.WithBreaker(circuit.New("search")),
				dedup.WithLogger(log),
			)),
		)
	}
	if cfg.CountryConfig.ConfirmURL != "" {
		opts = append(opts, service.WithConfirmer(countryconfig.New(
			cfg.CountryConfig.ConfirmURL,
			cfg.CountryConfig.Timeout,
			countryconfig.WithBreaker(circuit.New("country-config")),
		)))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		err := kafka.EnsureTopics(ctx, cfg.Kafka.Brokers, log, kafka.Topic{
			Name:              cfg.Kafka.Topic,
			Partitions:        cfg.Kafka.Partitions,
			ReplicationFactor: 1,
		})
		if err != nil {
			return nil, err
		}
		prod, err := producer.New(cfg.Kafka.Brokers)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, prod.Close)
		checks = append(checks, healthCheck{name: "kafka", check: prod.Ping})
		opts = append(opts, service.WithNotifier(stream.NewNotifier(prod, cfg.Kafka.Topic)))
	}

	hub := live.NewHub(live.WithLogger(log))
	a.feed = hub
	a.closers = append(a.closers, hub.Close)
	opts = append(opts, service.WithNotifier(hub))

	authorizer := authz.New(authz.WithLogger(log))
	svc := service.New(eventStore, configs, authorizer, opts...)

	if len(cfg.Kafka.Brokers) > 0 && index != nil {
		c, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, []string{cfg.Kafka.Topic},
			stream.NewReindexHandler(svc, log), consumer.WithLogger(log))
		if err != nil {
			return nil, err
		}
		a.reindexer = c
	}

	jwtService := jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.Issuer, cfg.Auth.Audience)
	limiter := ratelimitmw.New(buckets, cfg.RateLimit.Requests, cfg.RateLimit.Window,
		ratelimitmw.WithLogger(log), ratelimitmw.WithRegisterer(prometheus.DefaultRegisterer))
	r := newRouter(log, handler.New(svc, log), live.NewHandler(hub, authorizer, log),
		jwttoken.NewJWTServiceAdapter(jwtService), limiter, checks)
	if cfg.Auth.AdminToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(middleware.ContentTypeJSON)
			r.Use(adminmw.RequireAdminToken(cfg.Auth.AdminToken, log))
			admin.New(auditor, svc, log).Register(r)
		})
	}
	a.router = r
	return a, nil
}

// openStore returns the action log and, for postgres, the database handle the
// audit trail may share.
func openStore(ctx context.Context, cfg config.StoreConfig, a *app) (service.Store, *sql.DB, *healthCheck, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := database.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		s := store.NewPostgres(db)
		if err := s.Migrate(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("migrate action log: %w", err)
		}
		return s, db, &healthCheck{name: "postgres", check: pinger(db)}, nil
	case "sqlite":
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, nil, nil, nil
	default:
		return store.NewInMemory(), nil, nil, nil
	}
}

func openAuditStore(ctx context.Context, cfg config.AuditConfig, db *sql.DB, a *app) (audit.Store, *healthCheck, error) {
	switch cfg.Store {
	case "postgres":
		if db == nil {
			return nil, nil, fmt.Errorf("postgres audit store needs the postgres action log")
		}
		trail := auditpostgres.New(db)
		if err := trail.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return trail, nil, nil
	case "mongo":
		trail, disconnect, err := auditmongo.Open(ctx, auditmongo.Config{
			URI:           cfg.MongoURI,
			Database:      cfg.MongoDatabase,
			RetentionDays: cfg.RetentionDays,
		})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = disconnect(context.Background()) })
		return trail, &healthCheck{name: "audit", check: trail.Ping}, nil
	default:
		return auditmemory.NewInMemoryStore(), nil, nil
	}
}

func openIndex(ctx context.Context, cfg config.SearchConfig, a *app) (searchIndex, *healthCheck, error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := database.OpenPool(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, pool.Close)
		idx := search.NewPostgresIndex(pool)
		if err := idx.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate search index: %w", err)
		}
		return idx, &healthCheck{name: "search", check: poolPinger(pool)}, nil
	case "none":
		return nil, nil, nil
	default:
		return search.NewMemoryIndex(search.WithAutoRefresh()), nil, nil
	}
}

func newConfigProvider(cfg config.Config, cache configuration.Cache, log *slog.Logger) *configuration.Provider {
	var source configuration.Source
	if cfg.CountryConfig.ConfigFile != "" {
		source = configuration.NewFileSource(cfg.CountryConfig.ConfigFile)
	} else {
		source = configuration.NewHTTPSource(cfg.CountryConfig.URL, &http.Client{}, cfg.CountryConfig.Timeout)
	}
	opts := []configuration.Option{
		configuration.WithCache(cache),
		configuration.WithTTL(cfg.CountryConfig.CacheTTL),
		configuration.WithFetchTimeout(cfg.CountryConfig.Timeout),
		configuration.WithLogger(log),
	}
	if cfg.TwoPhaseActions != nil {
		opts = append(opts, configuration.WithTwoPhaseDefaults(cfg.TwoPhaseActions))
	}
	return configuration.NewProvider(source, opts...)
}

func newRouter(log *slog.Logger, h *handler.Handler, feed http.Handler, validator authmw.JWTValidator, limiter *ratelimitmw.Middleware, checks []healthCheck) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log, metrics.New()))

	r.Get("/healthz", healthHandler(checks))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.ContentTypeJSON)
		r.Use(authmw.RequireAuth(validator, log))
		r.Use(limiter.RateLimit)
		r.Method(http.MethodGet, "/events/live", feed)
		h.Register(r)
	})
	return r
}

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

func pinger(db *sql.DB) func(context.Context) error {
	return db.PingContext
}

func poolPinger(pool *pgxpool.Pool) func(context.Context) error {
	return pool.Ping
}

func healthHandler(checks []healthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := map[string]string{}
		code := http.StatusOK
		for _, c := range checks {
			if err := c.check(ctx); err != nil {
				status[c.name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			status[c.name] = "ok"
		}
		httputil.WriteJSON(w, code, map[string]any{"status": http.StatusText(code), "checks": status})
	}
}
