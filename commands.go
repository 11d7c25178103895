package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kando-api/api"
	"kando-api/board"
	"kando-api/config"
	"kando-api/domain"
	"kando-api/settings"
	"kando-api/storage"
)

const (
	sessionIdle  = 30 * time.Minute
	sweepEvery   = time.Minute
	shutdownWait = 10 * time.Second
)

type boardBackend interface {
	board.Persistence
	board.ProfileSource
}

type profileWriter interface {
	UpsertProfile(ctx context.Context, p domain.Profile) error
}

// backends holds the opened storage. board is the cached view when Redis is
// configured, raw is always the underlying store.
type backends struct {
	raw   boardBackend
	board boardBackend
	sql   *storage.SQL
	redis *redis.Client
}

func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.sql != nil {
		_ = b.sql.Close()
	}
}

func loadConfig(path string) (config.Config, *log.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	return cfg, logger, nil
}

func openBackends(ctx context.Context, cfg config.Config, logger *log.Logger) (*backends, error) {
	b := &backends{}
	switch cfg.StorageBackend {
	case config.BackendTables:
		t, err := storage.NewTables(tablesConfig(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		b.raw = t
	case config.BackendPostgres:
		s, err := storage.OpenSQL(ctx, storage.DriverPostgres, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.raw, b.sql = s, s
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		s, err := storage.OpenSQL(ctx, storage.DriverSQLite, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		// local databases are created on first use
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		b.raw, b.sql = s, s
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	b.board = b.raw
	if cfg.RedisConnectionString != "" {
		b.redis = redis.NewClient(storage.RedisOptions(cfg.RedisConnectionString))
		b.board = storage.NewCache(b.raw, b.redis, cfg.CacheTTL)
	}
	logger.WithFields(log.Fields{
		"backend": cfg.StorageBackend,
		"cache":   b.redis != nil,
	}).Info("storage ready")
	return b, nil
}

func tablesConfig(cfg config.Config) storage.TablesConfig {
	return storage.TablesConfig{
		ConnectionString: cfg.ConnectionString,
		ColumnsTable:     cfg.ColumnsTable,
		TasksTable:       cfg.TasksTable,
		ProfilesTable:    cfg.ProfilesTable,
		CountersTable:    cfg.CountersTable,
		ChangeQueue:      cfg.ChangeQueue,
	}
}

// newAuth builds the verifier. The returned stop func ends the JWKS refresh
// goroutine when one was started.
func newAuth(cfg config.Config, logger *log.Logger) (*api.Auth, func(), error) {
	ac := api.AuthConfig{
		Audience:     cfg.Auth0Audience,
		SharedSecret: cfg.LocalAuthSharedSecret,
		RoleClaim:    cfg.RoleClaim,
		KeyCacheTTL:  cfg.JWKSCacheTTL,
	}
	stop := func() {}
	if cfg.Auth0Domain != "" && cfg.LocalAuthSharedSecret == "" {
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
			RefreshInterval: cfg.JWKSCacheTTL,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("jwks: %w", err)
		}
		ac.JWKS = jwks
		ac.Issuer = "https://" + cfg.Auth0Domain + "/"
		stop = jwks.EndBackground
	}
	return api.NewAuth(ac), stop, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the board HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	store, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	local, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		return err
	}
	auth, stopAuth, err := newAuth(cfg, logger)
	if err != nil {
		return err
	}
	defer stopAuth()

	// One locker for every session so two callers never race on the same
	// task or column.
	var locker board.Locker = board.NewLocalLocker()
	if store.redis != nil {
		locker = storage.NewRedisLocker(store.redis, cfg.LockTTL, logger)
	}

	sessions := api.NewSessions(func() *board.Controller {
		return board.NewController(store.board, auth, board.Options{
			Locker:         locker,
			Settings:       local,
			Profiles:       store.board,
			NoticeInterval: cfg.NoticeInterval,
			Logger:         logger,
		})
	}, sessionIdle, logger)
	defer sessions.Close()
	go sessions.Run(ctx, sweepEvery)

	e := echo.New()
	e.HideBanner = true
	api.Use(e, nil)
	api.Register(e, sessions, auth, logger)

	listenAddr := ":" + cfg.Port
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	errc := make(chan error, 1)
	go func() { errc <- e.Start(listenAddr) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func initStorageCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create the Azure tables and change queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.StorageBackend != config.BackendTables {
				return fmt.Errorf("init-storage needs STORAGE_BACKEND=%s, have %s", config.BackendTables, cfg.StorageBackend)
			}
			if err := storage.InitTables(cmd.Context(), tablesConfig(cfg), logger); err != nil {
				return err
			}
			logger.Info("storage initialized")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the SQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := openBackends(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if store.sql == nil {
				return fmt.Errorf("migrate needs a SQL backend, have %s", cfg.StorageBackend)
			}
			if err := store.sql.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("schema up to date")
			return nil
		},
	}
}

func boardCmd(configPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Print the board",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := openBackends(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctrl := board.NewController(store.board, api.NewAuth(api.AuthConfig{}), board.Options{Logger: logger})
			defer ctrl.Close()
			if err := ctrl.LoadBoard(cmd.Context()); err != nil {
				return err
			}
			return printBoard(cmd, ctrl.Board().Lanes(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func printBoard(cmd *cobra.Command, lanes []domain.Lane, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		data, err := sonic.ConfigStd.MarshalIndent(lanes, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	for _, lane := range lanes {
		fmt.Fprintf(out, "%d. %s [%s] (%d)\n", lane.Column.Position, lane.Column.Title, lane.Column.Status, len(lane.Tasks))
		for _, t := range lane.Tasks {
			line := "   - " + t.Title
			if t.Tag != "" {
				line += " #" + t.Tag
			}
			fmt.Fprintf(out, "%s (id %d)\n", line, t.ID)
		}
	}
	return nil
}

func profileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <user-id> <username>",
		Short: "Set the display name shown as a task owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := openBackends(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			w, ok := store.raw.(profileWriter)
			if !ok {
				return fmt.Errorf("backend %s cannot store profiles", cfg.StorageBackend)
			}
			if err := w.UpsertProfile(cmd.Context(), domain.Profile{ID: args[0], Username: args[1]}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "saved profile "+strconv.Quote(args[0]))
			return nil
		},
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a development token signed with LOCAL_AUTH_SHARED_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			tok, err := devToken(cfg, args[0], domain.Role(role), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleUser), "role claim (admin, user, guest)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func devToken(cfg config.Config, userID string, role domain.Role, ttl time.Duration) (string, error) {
	if cfg.LocalAuthSharedSecret == "" {
		return "", errors.New("LOCAL_AUTH_SHARED_SECRET must be set")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if cfg.Auth0Audience != "" {
		claims["aud"] = cfg.Auth0Audience
	}
	if role != "" {
		claims[cfg.RoleClaim] = string(role)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.LocalAuthSharedSecret))
}
