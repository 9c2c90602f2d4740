package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/medrecords/prontuario/internal/config"
	"github.com/medrecords/prontuario/internal/domain/evolution"
	"github.com/medrecords/prontuario/internal/domain/patient"
	"github.com/medrecords/prontuario/internal/domain/records"
	"github.com/medrecords/prontuario/internal/platform/auth"
	"github.com/medrecords/prontuario/internal/platform/blobstore"
	"github.com/medrecords/prontuario/internal/platform/db"
	"github.com/medrecords/prontuario/internal/platform/jobs"
	"github.com/medrecords/prontuario/internal/platform/metrics"
	"github.com/medrecords/prontuario/internal/platform/middleware"
	"github.com/medrecords/prontuario/internal/platform/mongodb"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "prontuario-server",
		Short:        "Prontuário API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(blobsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL migrations",
	}

	openMigrator := func(cmd *cobra.Command) (*db.Migrator, func(), error) {
		dir, _ := cmd.Flags().GetString("dir")
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
		}
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		pool, err := db.NewPool(cmd.Context(), db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, dir), pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func blobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blobs",
		Short: "Blob store maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "gc",
		Short: "Delete blobs no record references",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := jobs.NewBlobGC(a.blobs, a.registry, cfg.BlobGCGrace, logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, referenced %d, young %d, deleted %d, failed %d\n",
				res.Scanned, res.Referenced, res.Young, res.Deleted, res.Failed)
			return nil
		},
	})
	return cmd
}

// newLogger writes JSON to stdout, or a console format in development, and
// mirrors it into a rotated file when LOG_FILE is set.
func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if cfg.LogFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   cfg.LogCompress,
		})
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "prontuario").Logger()
}

// app holds the connections and services shared by serve and the
// maintenance commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	mongo    *mongo.Client
	pool     *pgxpool.Pool
	rdb      *redis.Client
	blobs    blobstore.BlobStore
	metrics  *metrics.Metrics
	patients *patient.Service
	evos     *evolution.Service
	registry *records.Registry
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var mdb *mongo.Database
	if cfg.StoreDriver == config.StoreMongo || cfg.BlobDriver == config.BlobGridFS {
		client, database, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		a.mongo, mdb = client, database
		a.closers = append(a.closers, func() { _ = client.Disconnect(context.Background()) })
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongo")
	}
	if cfg.StoreDriver == config.StorePostgres {
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		logger.Info().Msg("connected to postgres")
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = a.rdb.Close() })
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, record cache will fall through")
		}
	}

	blobs, err := openBlobStore(ctx, cfg, mdb)
	if err != nil {
		return nil, err
	}
	a.blobs = blobs

	st := storesFor(cfg.StoreDriver, mdb, a.pool)
	if cfg.StoreDriver == config.StoreMongo {
		var indexes []mongodb.Index
		indexes = append(indexes, patient.Indexes()...)
		indexes = append(indexes, evolution.Indexes()...)
		for _, v := range records.Variants() {
			indexes = append(indexes, records.MongoIndexes(v)...)
		}
		if err := mongodb.EnsureIndexes(ctx, mdb, indexes); err != nil {
			return nil, err
		}
	}

	var rdb redis.UniversalClient
	if a.rdb != nil {
		rdb = a.rdb
	}
	a.patients, a.evos, a.registry = buildServices(st, a.blobs, rdb, cfg, logger, a.metrics)
	if a.pool != nil {
		pool := a.pool
		inTx := func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		}
		a.patients.SetTransactor(inTx)
		a.evos.SetTransactor(inTx)
	}
	ready = true
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openBlobStore(ctx context.Context, cfg *config.Config, mdb *mongo.Database) (blobstore.BlobStore, error) {
	switch cfg.BlobDriver {
	case config.BlobS3:
		return blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Prefix:          cfg.S3Prefix,
		})
	case config.BlobGridFS:
		return blobstore.NewGridFSBlobStore(mdb, cfg.GridFSBucket)
	default:
		return blobstore.NewFSBlobStore(cfg.BlobDir)
	}
}

// stores are the persistence adapters of one driver.
type stores struct {
	patients   patient.Repository
	evolutions evolution.Repository
	records    func(records.Variant) records.Store
}

func storesFor(driver string, mdb *mongo.Database, pool *pgxpool.Pool) stores {
	if driver == config.StorePostgres {
		return stores{
			patients:   patient.NewPGRepo(pool),
			evolutions: evolution.NewPGRepo(pool),
			records:    func(v records.Variant) records.Store { return records.NewPGStore(pool, v) },
		}
	}
	return stores{
		patients:   patient.NewMongoRepo(mdb),
		evolutions: evolution.NewMongoRepo(mdb),
		records:    func(v records.Variant) records.Store { return records.NewMongoStore(mdb, v) },
	}
}

// buildServices wires the domain services. rdb may be nil, in which case
// record documents are read straight from the store.
func buildServices(st stores, blobs blobstore.BlobStore, rdb redis.UniversalClient, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*patient.Service, *evolution.Service, *records.Registry) {
	patientSvc := patient.NewService(st.patients, logger)
	evoSvc := evolution.NewService(st.evolutions, patientSvc, logger)

	registry := records.NewRegistry()
	deps := []patient.Dependent{evoSvc}
	var evoDeps []evolution.Dependent
	for _, v := range records.Variants() {
		store := st.records(v)
		if rdb != nil {
			store = records.NewCachedStore(store, rdb, v, cfg.CacheTTL, logger)
		}
		svc := records.NewService(v, store, patientSvc, blobs, logger,
			records.WithEvolutions(evoSvc),
			records.WithBlobRefs(registry),
			records.WithFileOps(m),
		)
		registry.Add(svc)
		deps = append(deps, svc)
		if v.ByEvolution {
			evoDeps = append(evoDeps, svc)
		}
	}
	patientSvc.SetDeletePolicy(patient.DeletePolicy(cfg.PatientDeletePolicy), deps...)
	evoSvc.SetDeletePolicy(evolution.DeletePolicy(cfg.PatientDeletePolicy), evoDeps...)
	return patientSvc, evoSvc, registry
}

// isUpload reports whether the request targets an upload route; those run
// without the request deadline.
func isUpload(c echo.Context) bool {
	return strings.Contains(c.Request().URL.Path, "/upload")
}

func newServer(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics,
	patientSvc *patient.Service, evoSvc *evolution.Service, registry *records.Registry,
	health echo.HandlerFunc) *echo.Echo {

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.CORSOrigins, "/file/"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "X-Request-ID"},
		ExposeHeaders: []string{"ETag", "Content-Disposition", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, isUpload))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if health != nil {
		e.GET("/health/store", health)
	}
	e.GET("/metrics", m.Handler())

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	apiV1.Use(middleware.AccessLog(logger, "/api/v1/"))

	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	evolution.NewHandler(evoSvc).RegisterRoutes(apiV1)
	for _, svc := range registry.Services() {
		records.NewHandler(svc).RegisterRoutes(apiV1)
	}
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	var health echo.HandlerFunc
	if a.pool != nil {
		health = db.HealthHandler(a.pool)
	} else if a.mongo != nil {
		health = mongodb.HealthHandler(a.mongo)
	}
	e := newServer(cfg, logger, a.metrics, a.patients, a.evos, a.registry, health)

	var sched *jobs.Scheduler
	if cfg.BlobGCSchedule != "" {
		sched = jobs.NewScheduler(logger, time.Hour)
		gc := jobs.NewBlobGC(a.blobs, a.registry, cfg.BlobGCGrace, logger)
		err := sched.Add("blob_gc", cfg.BlobGCSchedule, func(ctx context.Context) error {
			_, err := gc.Run(ctx)
			return err
		})
		if err != nil {
			return err
		}
		sched.Start()
		logger.Info().Str("schedule", cfg.BlobGCSchedule).Msg("blob sweep scheduled")
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Str("blobs", cfg.BlobDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
