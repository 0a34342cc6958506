package cli

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"golang.org/x/sync/errgroup"

	"github.com/archsoong/classp-server/internal/app"
	"github.com/archsoong/classp-server/internal/config"
	inframemory "github.com/archsoong/classp-server/internal/infra/memory"
	infrapg "github.com/archsoong/classp-server/internal/infra/postgres"
	infraredis "github.com/archsoong/classp-server/internal/infra/redis"
	transport "github.com/archsoong/classp-server/internal/transport/http"
)

// NewServeCmd builds the CLI subcommand to start the server.
func NewServeCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the classroom server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "3001"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var archive app.Archive = inframemory.NewArchive()
	var history app.HistoryReader
	if cfg.Postgres.URL != "" {
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		db := bun.NewDB(sqldb, pgdialect.New())
		defer db.Close()
		archive = infrapg.NewArchive(db)

		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		history = infrapg.NewHistoryReader(pool)
	}

	var tokens app.TokenStore = inframemory.NewTokenStore()
	if redisClient != nil {
		tokens = infraredis.NewTokenStore(redisClient)
	}

	mirror := app.NewMirror(archive)
	sessionTTL := config.Duration(cfg.Session.TTL, 0)
	auth := app.NewAuthService(tokens, mirror, sessionTTL)
	classrooms := app.NewClassroomService(mirror, history, app.Options{
		CodeLength:             cfg.Class.CodeLength,
		EndOnTeacherDisconnect: cfg.Class.EndOnTeacherDisconnect,
		TeacherDisconnectGrace: config.Duration(cfg.Class.TeacherDisconnectGrace, 0),
	})

	api := transport.NewAPI(auth, classrooms)
	wsHandler := transport.NewWSHandler(auth, classrooms)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	api.Routes(mux)
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: websocket connections outlive any sane value.
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info().Str("port", finalPort).Msg("starting classp server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		return mirror.Run(groupCtx)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
