package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/otpgate/otpgate/internal/allocation"
	"github.com/otpgate/otpgate/internal/auth"
	"github.com/otpgate/otpgate/internal/catalog"
	"github.com/otpgate/otpgate/internal/config"
	"github.com/otpgate/otpgate/internal/gateway"
	"github.com/otpgate/otpgate/internal/ledger"
	"github.com/otpgate/otpgate/internal/middleware"
	"github.com/otpgate/otpgate/internal/notification"
	"github.com/otpgate/otpgate/internal/reconcile"
	"github.com/otpgate/otpgate/internal/vendor"
)

const (
	allowedMethods = "GET, OPTIONS"
	allowedHeaders = "Content-Type, Authorization, Idempotency-Key, X-Request-ID"
)

// Deps aggregates shared dependencies required to wire routes. DB and Cache are
// required only by the backend that uses them. Vendor overrides the HTTP
// vendor client built from Cfg; Store and Allocations, when both set, override
// the backend selected by Cfg.StoreBackend.
type Deps struct {
	Cfg         config.Config
	DB          *pgxpool.Pool
	Cache       *redis.Client
	Logger      *slog.Logger
	Vendor      gateway.Vendor
	Store       ledger.Store
	Allocations allocation.Repository
}

// Setup configures middlewares and the gateway endpoint, returning the
// reconcile job for the caller to start and stop.
func Setup(app *fiber.App, d Deps) (*reconcile.Job, error) {
	store, repo, err := backends(d)
	if err != nil {
		return nil, err
	}

	vc := d.Vendor
	if vc == nil {
		client, err := vendor.NewClient(vendor.Config{
			BaseURL:         d.Cfg.VendorBaseURL,
			APIKey:          d.Cfg.VendorAPIKey,
			Service:         d.Cfg.VendorService,
			AllocateTimeout: d.Cfg.VendorAllocateTimeout,
			StatusTimeout:   d.Cfg.VendorStatusTimeout,
			Logger:          d.Logger,
		})
		if err != nil {
			return nil, err
		}
		vc = client
	}

	var dir auth.Directory
	if d.Cache != nil {
		dir = auth.NewRedisDirectory(d.Cache)
	} else {
		dir = auth.NewMemoryDirectory()
	}
	authn, err := auth.New(d.Cfg.AuthMode, auth.Options{Directory: dir, JWTSecret: d.Cfg.AuthJWTSecret})
	if err != nil {
		return nil, err
	}

	svc, err := gateway.NewService(gateway.Deps{
		Ledger:      ledger.New(store),
		Allocations: repo,
		Vendor:      vc,
		Catalog:     catalog.Default(),
		Notifier:    notification.NewLoggerNotifier(d.Logger),
		Logger:      d.Logger,
	})
	if err != nil {
		return nil, err
	}
	job, err := reconcile.New(repo, svc, d.Logger, reconcile.Config{
		Schedule: d.Cfg.ReconcileSchedule,
		MaxAge:   d.Cfg.ReconcileMaxAge,
	})
	if err != nil {
		return nil, err
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log: [HH:MM:SS] 200 -  145ms GET /api?path=getBalance
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}?path=${query:path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	preflight := preflightHandler(d.Cfg.AllowedOrigins)
	app.Options("/api", preflight)
	app.Options("/api/index", preflight)
	app.Use(cors.New(cors.Config{
		AllowOrigins: d.Cfg.AllowedOrigins,
		AllowMethods: allowedMethods,
		AllowHeaders: allowedHeaders,
	}))

	app.Use(middleware.RateLimit(d.Cache, d.Cfg.RateLimitPerMinute, "getNumber"))
	app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger, "getNumber", "cancelNumber"))

	RegisterHealthRoutes(app, svc)

	h := gateway.NewHandler(svc, authn, d.Logger)
	app.Get("/api", h.Dispatch)
	app.Get("/api/index", h.Dispatch)

	return job, nil
}

func backends(d Deps) (ledger.Store, allocation.Repository, error) {
	if d.Store != nil && d.Allocations != nil {
		return d.Store, d.Allocations, nil
	}
	switch d.Cfg.StoreBackend {
	case config.BackendPostgres:
		if d.DB == nil {
			return nil, nil, fmt.Errorf("database is required when STORE_BACKEND=%s", d.Cfg.StoreBackend)
		}
		return ledger.NewPostgresStore(d.DB), allocation.NewPostgresRepository(d.DB), nil
	case config.BackendRedis:
		if d.Cache == nil {
			return nil, nil, fmt.Errorf("redis is required when STORE_BACKEND=%s", d.Cfg.StoreBackend)
		}
		return ledger.NewRedisStore(d.Cache), allocation.NewRedisRepository(d.Cache), nil
	case config.BackendMemory, "":
		return ledger.NewMemoryStore(), allocation.NewMemoryRepository(), nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", d.Cfg.StoreBackend)
	}
}

func preflightHandler(origins string) fiber.Handler {
	origin := strings.TrimSpace(strings.Split(origins, ",")[0])
	if origin == "" {
		origin = "*"
	}
	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderAccessControlAllowOrigin, origin)
		c.Set(fiber.HeaderAccessControlAllowMethods, allowedMethods)
		c.Set(fiber.HeaderAccessControlAllowHeaders, allowedHeaders)
		return c.SendStatus(http.StatusOK)
	}
}
