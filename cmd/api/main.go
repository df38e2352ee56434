package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"auditdesk/api/internal/app"
	"auditdesk/api/internal/archive"
	"auditdesk/api/internal/auth"
	"auditdesk/api/internal/config"
	"auditdesk/api/internal/export"
	"auditdesk/api/internal/generate"
	"auditdesk/api/internal/genlock"
	"auditdesk/api/internal/gitrepo"
	"auditdesk/api/internal/rbac"
	"auditdesk/api/internal/search"
	"auditdesk/api/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "auditdesk-api",
		Short:         "Audit procedure form engine API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("config", ".env", "Path to an optional .env file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg)
	ctx := context.Background()

	var (
		dataStore app.Store
		db        *sql.DB
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		var err error
		db, err = store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: cfg.DBMaxConns})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		logger.Info().Msg("connected to database")

		if cfg.AutoMigrate {
			if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
				logger.Fatal().Err(err).Msg("migrations failed")
			}
		}
		dataStore = store.NewPostgresStore(db)
	} else {
		logger.Warn().Msg("DATABASE_URL not set, keeping procedures in memory")
		dataStore = store.NewMemoryStore()
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create repos dir")
	}
	history := gitrepo.New(cfg.ReposDir)

	var locks genlock.Locker = genlock.NewMemory(cfg.GenLockTTL)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLocks, err := genlock.NewRedisLocker(cfg.RedisURL, cfg.GenLockTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisLocks.Close()
		locks = redisLocks.WithLogger(logger)
		logger.Info().Msg("using redis for generation locks")
	}

	var (
		primary  search.Backend
		fallback search.Searcher
	)
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		primary = meili
	}
	if db != nil {
		fallback = search.NewPgFTS(db)
	}
	searchService := search.NewService(primary, fallback, logger)
	defer searchService.Wait()

	library, err := generate.LoadLibrary(cfg.TemplatesDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load templates")
	}

	var ai generate.Generator
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := generate.NewGemini(ctx, generate.GeminiConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create gemini client")
		}
		ai = gemini
		logger.Info().Str("generator", gemini.Name()).Msg("ai generation enabled")
	}

	deps := app.Deps{
		Store:       dataStore,
		Git:         history,
		Search:      searchService,
		Exporter:    export.NewService(logger, export.Options{Timeout: cfg.ExportTimeout, ReferenceDOCX: cfg.ExportReferenceDOCX}),
		Library:     library,
		AI:          ai,
		Locks:       locks,
		Concurrency: cfg.GenerationConcurrency,
		IdleTimeout: cfg.WorkingCopyIdle,
		Logger:      logger,
	}
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		archiveStore, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			Region:    cfg.ArchiveRegion,
			UseSSL:    cfg.ArchiveUseSSL,
			LinkTTL:   cfg.ArchiveLinkTTL,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to export archive")
		}
		deps.Archive = archiveStore
	}
	service := app.New(deps)

	var devActor *auth.Actor
	if cfg.IsDev() && cfg.DevAuth {
		devActor = &auth.Actor{ID: "dev", Name: "Developer", Role: string(rbac.RoleAdmin)}
		logger.Warn().Msg("DEV_AUTH enabled, unauthenticated requests run as admin")
	}
	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigins: cfg.CORSOrigins,
		JWTSecret:   []byte(cfg.JWTSecret),
		DevActor:    devActor,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("auditdesk api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openForMigrations(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Migrations applied.")
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			cfg, db, err := openForMigrations(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			rolled, err := store.RollbackMigrations(cmd.Context(), db, cfg.MigrationsDir, steps)
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			fmt.Printf("Rolled back %d migration(s).\n", rolled)
			return nil
		},
	}
	downCmd.Flags().Int("steps", 1, "Number of migrations to roll back (0 = all)")
	cmd.AddCommand(downCmd)

	cmd.PersistentFlags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	return cmd
}

func openForMigrations(cmd *cobra.Command) (*config.Config, *sql.DB, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.MigrationsDir = dir
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	db, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 2})
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for an engagement team member",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if strings.TrimSpace(id) == "" {
				return errors.New("--id is required")
			}
			if rbac.Normalize(role) != rbac.Role(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Actor{ID: id, Name: name, Role: role}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("id", "", "Actor id")
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().String("role", string(rbac.RolePreparer), "Role: preparer, reviewer, partner or admin")
	cmd.Flags().Duration("ttl", 0, "Token lifetime (defaults to TOKEN_TTL)")
	return cmd
}
