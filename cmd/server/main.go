package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/wittsy/internal/api"
	"github.com/kiliankoe/wittsy/internal/config"
	"github.com/kiliankoe/wittsy/internal/events"
	"github.com/kiliankoe/wittsy/internal/game"
	"github.com/kiliankoe/wittsy/internal/health"
	"github.com/kiliankoe/wittsy/internal/storage"
	"github.com/kiliankoe/wittsy/internal/storage/memory"
	"github.com/kiliankoe/wittsy/internal/storage/migrations"
	"github.com/kiliankoe/wittsy/internal/sweep"
	"github.com/kiliankoe/wittsy/internal/ws"
)

const version = "v0.3.0-dev"

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
		configPath  = flag.String("config", "", "Path to a YAML config file")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`Wittsy - Real-time party game server

Usage: %s [options]

Options:
  -h, --help        Show this help message
  -v, --version     Show version information
  --port PORT       Port to listen on (default: 8080 or PORT env var)
  --config FILE     Read settings from a YAML file

Environment Variables:
  PORT                       Port to listen on (default: 8080)
  LOG_LEVEL                  debug, info, warn or error (default: info)
  WITTSY_STORAGE_BACKEND     "memory" or "external" (default: external)
  WITTSY_REDIS_ADDR          Redis address for round state (default: localhost:6379)
  WITTSY_DATABASE_URL        Postgres URL for matches, prompts and history
  WITTSY_NATS_URL            NATS URL for events and rewards (optional)
  WITTSY_SWEEP_ENABLED       Advance rooms whose phase expired (default: true)
  GM_USER                    Admin username for basic auth
  GM_PASS                    Admin password for basic auth
  EXPORT_ENABLED             Append finished matches to a file (default: false)
  EXPORT_FILE                Path to export match results (default: ./wittsy-results.txt)

Any setting can be given as WITTSY_<SECTION>_<KEY>, e.g. WITTSY_GAME_WINNING_VOTES=15.

Examples:
  %s                                  Start server with default settings
  %s --port 3000                      Start server on port 3000
  WITTSY_STORAGE_BACKEND=memory %s    Run without Redis and Postgres
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("Wittsy %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *portFlag != "" {
		cfg.Server.Port = *portFlag
	}

	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = log.Output(cw)
}

// backend is the set of stores the server runs on.
type backend struct {
	rooms   game.RoomStateStore
	matches game.MatchStore
	prompts game.PromptSource
	catalog api.Catalog
	history game.HistoryWriters
	close   func()
}

func openBackend(ctx context.Context, cfg *config.Config, checker *health.Checker) (*backend, error) {
	if cfg.Storage.Backend == config.BackendMemory {
		mem := memory.New()
		mem.SetPrompts(memory.StarterPrompts()...)
		log.Warn().Msg("using in-memory storage, state is lost on restart")
		return &backend{
			rooms:   mem,
			matches: mem,
			prompts: mem,
			catalog: mem,
			history: game.HistoryWriters{mem},
			close:   func() {},
		}, nil
	}

	rdb := storage.NewRedisClient(cfg.Redis)
	rooms := storage.NewRedisRoomStore(rdb, cfg.Redis.KeyPrefix, cfg.Redis.StateTTL)
	if err := rooms.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	checker.Register("redis", rooms.Ping)

	if cfg.Database.Migrate {
		if err := migrations.Migrate(cfg.Database.URL); err != nil {
			_ = rdb.Close()
			return nil, err
		}
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	checker.Register("postgres", pg.Ping)

	return &backend{
		rooms:   rooms,
		matches: pg,
		prompts: pg,
		catalog: pg,
		history: game.HistoryWriters{pg},
		close: func() {
			pg.Close()
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close redis client")
			}
		},
	}, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	checker := health.NewChecker()

	be, err := openBackend(ctx, cfg, checker)
	if err != nil {
		return err
	}
	defer be.close()

	history := be.history
	if cfg.Export.Enabled {
		history = append(history, game.NewFileExporter(cfg.Export.File))
		log.Info().Str("file", cfg.Export.File).Msg("exporting match results")
	}

	settings := cfg.GameSettings()
	sock := ws.New(cfg.Server, settings.Durations)
	notifiers := game.Notifiers{sock}

	var granter game.RewardGranter = events.LogGranter{}
	if cfg.NATS.URL != "" {
		nc, err := events.NewClient(cfg.NATS)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		checker.Register("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
		pub := events.NewPublisher(nc.Conn(), cfg.NATS.SubjectPrefix)
		notifiers = append(notifiers, pub)
		granter = pub
	}

	selector := game.NewPromptSelector(be.prompts, cfg.Prompts.CacheTTL, cfg.Prompts.QueryLimit)
	if err := selector.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial prompt load failed")
	}
	scorer := game.NewScorer(be.matches, history, granter, settings)
	orch := game.NewOrchestrator(be.rooms, be.matches, selector, scorer, notifiers, settings)
	defer orch.Wait()

	if cfg.Sweep.Enabled {
		sw := sweep.New(be.rooms, orch, sweep.Config{
			Interval:  cfg.Sweep.Interval,
			Grace:     cfg.Sweep.Grace,
			Workers:   cfg.Sweep.Workers,
			Durations: settings.Durations,
		})
		go sw.Run(ctx)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.RequestLogger())
	r.Use(api.CORS(cfg.Server.CORSOrigins))

	r.GET("/health", checker.Handler)

	h := api.NewHandler(orch, be.catalog, selector)
	h.Register(r)
	if cfg.Server.AdminUser != "" && cfg.Server.AdminPass != "" {
		admin := r.Group("", gin.BasicAuth(gin.Accounts{cfg.Server.AdminUser: cfg.Server.AdminPass}))
		h.RegisterAdmin(admin)
	} else {
		log.Info().Msg("admin routes disabled, set GM_USER and GM_PASS to enable")
	}

	sock.Mount(r, orch)
	defer sock.Close()

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("backend", cfg.Storage.Backend).Strs("checks", checker.Names()).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
