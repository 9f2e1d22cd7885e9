package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/freshledger/internal/audit"
	"github.com/jmerrifield20/freshledger/internal/handler"
	"github.com/jmerrifield20/freshledger/internal/ledger"
	"github.com/jmerrifield20/freshledger/internal/provenance"
	"github.com/jmerrifield20/freshledger/internal/publish"
	"github.com/jmerrifield20/freshledger/internal/webhooks"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	foodNamespace     = "food"
	productsNamespace = "products"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("ledgerd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"*"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.write_rate_limit_rps", 5)
	viper.SetDefault("database.url", "")
	viper.SetDefault("store.driver", "postgres")
	viper.SetDefault("store.badger_dir", "data/ledger")
	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "ledger.blocks")
	viper.SetDefault("kafka.timeout", "5s")
	viper.SetDefault("audit.interval", "5m")
	viper.SetDefault("audit.fail_threshold", 1)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Database ─────────────────────────────────────────────────────────────
	var db *pgxpool.Pool
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		db = pool
		logger.Info("connected to postgres")
	}

	// ── Ledgers ──────────────────────────────────────────────────────────────
	newStore, closeStores, err := storeFactory(db, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	var hooks []ledger.SealHook
	hooks = append(hooks, handler.RecordBlockSealed)
	if viper.GetBool("kafka.enabled") {
		pub, err := publish.NewBlockPublisher(publish.Config{
			Brokers: viper.GetStringSlice("kafka.brokers"),
			Topic:   viper.GetString("kafka.topic"),
			Timeout: viper.GetDuration("kafka.timeout"),
		}, logger)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		defer pub.Close() //nolint:errcheck
		hooks = append(hooks, pub.OnBlockSealed)
		logger.Info("publishing sealed blocks to kafka", zap.String("topic", viper.GetString("kafka.topic")))
	}

	var endpoints []webhooks.Endpoint
	if err := viper.UnmarshalKey("webhooks.endpoints", &endpoints); err != nil {
		return fmt.Errorf("parse webhooks.endpoints: %w", err)
	}
	var dispatcher *webhooks.Dispatcher
	if len(endpoints) > 0 {
		dispatcher = webhooks.NewDispatcher(endpoints, logger)
		dispatcher.SetMetricsRecorder(handler.RecordWebhookDelivery)
		defer dispatcher.Wait()
		hooks = append(hooks, dispatcher.OnBlockSealed)
		logger.Info("webhook endpoints configured", zap.Int("count", len(endpoints)))
	}

	food, err := openLedger(ctx, newStore(foodNamespace), foodNamespace, hooks, logger)
	if err != nil {
		return err
	}
	products, err := openLedger(ctx, newStore(productsNamespace), productsNamespace, hooks, logger)
	if err != nil {
		return err
	}

	// ── Chain auditor ────────────────────────────────────────────────────────
	auditor := audit.New(audit.Config{
		Interval:      viper.GetDuration("audit.interval"),
		FailThreshold: viper.GetInt("audit.fail_threshold"),
	}, logger, food, products)
	auditor.SetMetricsRecord(handler.RecordChainAudit)
	if dispatcher != nil {
		auditor.SetAlert(dispatcher.Dispatch)
	}
	go auditor.Start(ctx)

	// ── Services ─────────────────────────────────────────────────────────────
	var (
		foodSvc     *provenance.Service
		productsSvc *provenance.Service
		ratingSvc   *provenance.RatingService
	)
	if db != nil {
		repo := provenance.NewItemRepository(db)
		foodSvc = provenance.NewService(repo, food, logger)
		productsSvc = provenance.NewService(repo, products, logger)
		ratingSvc = provenance.NewRatingService(repo, provenance.NewRatingRepository(db), logger)
	} else {
		logger.Warn("no database configured, item state is kept in memory")
		repo := provenance.NewMemoryItemRepository()
		foodSvc = provenance.NewService(repo, food, logger)
		productsSvc = provenance.NewService(repo, products, logger)
		ratingSvc = provenance.NewRatingService(repo, provenance.NewMemoryRatingRepository(), logger)
	}

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.RequestID())

	// CORS
	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", handler.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", handler.RequestIDHeader},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	// Per-client rate limiting: reads globally, writes per ledger namespace
	limiter := handler.NewLimiter(ctx)
	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(limiter.Reads(rps, rps*2))
	}
	writes := func(namespace string) gin.HandlersChain {
		if rps := viper.GetInt("server.write_rate_limit_rps"); rps > 0 {
			return gin.HandlersChain{limiter.Writes(namespace, rps, rps)}
		}
		return nil
	}

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		if db != nil {
			pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(pingCtx); err != nil {
				handler.RecordHealthCheck(false)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
				return
			}
		}
		if !auditor.Healthy() {
			handler.RecordHealthCheck(false)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "ledgers": auditor.Reports()})
			return
		}
		handler.RecordHealthCheck(true)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ledgers": auditor.Reports()})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	handler.NewLedgerHandler(logger, food, products).Register(v1)
	foodAPI := v1.Group("", writes(foodNamespace)...)
	handler.NewItemHandler(foodSvc, provenance.KindIngredient, logger).Register(foodAPI, "/ingredients")
	handler.NewItemHandler(foodSvc, provenance.KindDish, logger).WithRatings(ratingSvc).Register(foodAPI, "/dishes")
	productsAPI := v1.Group("", writes(productsNamespace)...)
	handler.NewItemHandler(productsSvc, provenance.KindComponent, logger).Register(productsAPI, "/components")
	handler.NewItemHandler(productsSvc, provenance.KindProduct, logger).WithRatings(ratingSvc).Register(productsAPI, "/products")

	port := viper.GetInt("server.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return nil
}

// storeFactory returns a constructor for the configured block store and a
// function releasing whatever the stores share.
func storeFactory(db *pgxpool.Pool, logger *zap.Logger) (func(namespace string) ledger.Store, func(), error) {
	driver := viper.GetString("store.driver")
	switch driver {
	case "postgres":
		if db == nil {
			return nil, nil, errors.New("store.driver postgres requires database.url")
		}
		return func(ns string) ledger.Store {
			return ledger.NewPostgresStore(db, ns, logger)
		}, func() {}, nil

	case "badger":
		dir := viper.GetString("store.badger_dir")
		bdb, err := ledger.OpenBadger(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger at %s: %w", dir, err)
		}
		logger.Info("opened badger block store", zap.String("dir", dir))
		return func(ns string) ledger.Store {
				return ledger.NewBadgerStore(bdb, ns)
			}, func() {
				if err := bdb.Close(); err != nil {
					logger.Error("close badger", zap.Error(err))
				}
			}, nil

	case "memory":
		logger.Warn("using in-memory block store, the ledger will not survive a restart")
		return func(string) ledger.Store { return ledger.NewMemoryStore() }, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store.driver %q", driver)
	}
}

// openLedger loads a namespace's chain, reports its integrity and registers
// the seal hooks.
func openLedger(ctx context.Context, store ledger.Store, namespace string, hooks []ledger.SealHook, logger *zap.Logger) (*ledger.Ledger, error) {
	l, err := ledger.New(ctx, store, namespace, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", namespace, err)
	}

	if err := l.Verify(ctx); err != nil {
		logger.Warn("ledger integrity check FAILED", zap.String("namespace", namespace), zap.Error(err))
	} else {
		logger.Info("ledger verified",
			zap.String("namespace", namespace),
			zap.Int("blocks", l.Len()),
			zap.String("root", l.Root()),
		)
	}
	handler.SetChainLength(namespace, l.Len())

	for _, h := range hooks {
		l.AddSealHook(h)
	}
	return l, nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", handler.RequestIDFromCtx(c)),
		)
	}
}
