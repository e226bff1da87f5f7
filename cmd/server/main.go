package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/gamenight-scoring/internal/config"
	"github.com/DoyleJ11/gamenight-scoring/internal/httpapi"
	"github.com/DoyleJ11/gamenight-scoring/internal/hub"
	"github.com/DoyleJ11/gamenight-scoring/internal/logging"
	"github.com/DoyleJ11/gamenight-scoring/internal/store"
	"github.com/DoyleJ11/gamenight-scoring/internal/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "scoreboard",
		Short:        "Live game night scoring server",
		SilenceUsage: true,
		RunE:         runServe,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	var seedPath string
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema, optionally seeding games from a fixture",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, seedPath)
		},
	}
	migrateCmd.Flags().StringVar(&seedPath, "seed", "", "TOML fixture to load into the database")

	gamesCmd := &cobra.Command{
		Use:   "games",
		Short: "List the configured games",
		Args:  cobra.NoArgs,
		RunE:  runGames,
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, gamesCmd)
	return rootCmd
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// openStore picks Postgres when DATABASE_URL is set, the fixture file
// otherwise.
func openStore(cfg config.Config, log *zap.Logger) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		log.Info("using postgres store")
		return store.OpenPostgres(cfg.DatabaseURL)
	}
	log.Info("using fixture store", zap.String("path", cfg.FixturePath))
	return store.LoadFixture(cfg.FixturePath)
}

func runServe(cmd *cobra.Command, _ []string) (err error) {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	writer := store.NewWriter(st, log)
	h := hub.NewHub(ctx, hub.Options{
		LockIdleTimeout: cfg.LockIdleTimeout,
		CoalesceWindow:  cfg.ScoreInterval,
		Sink:            writer,
		Logger:          log,
	})

	handler := httpapi.SetupRoutes(httpapi.Deps{
		Hub:   h,
		Store: st,
		Games: writer,
		WS: ws.Options{
			PingInterval: cfg.PingInterval,
			WriteTimeout: cfg.WriteTimeout,
			AdminToken:   cfg.AdminToken,
		},
		Logger: log,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Shutdown does not wait for hijacked connections; stopping the hub
		// closes them.
		h.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// Drains whatever is pending once the group is done.
		return writer.Run(gctx)
	})

	return g.Wait()
}

func runMigrate(cmd *cobra.Command, seedPath string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	pg, err := store.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.Migrate(cmd.Context()); err != nil {
		return err
	}
	log.Info("schema migrated")

	if seedPath == "" {
		return nil
	}
	var fx store.Fixture
	if err := fx.DecodeFile(seedPath); err != nil {
		return err
	}
	games, err := fx.Build()
	if err != nil {
		return err
	}
	if err := pg.Seed(cmd.Context(), games); err != nil {
		return err
	}
	log.Info("games seeded", zap.Int("games", len(games)), zap.String("fixture", seedPath))
	return nil
}

func runGames(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	games, err := st.ListGames(cmd.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDIRECTION\tTEAMS")
	for _, g := range games {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", g.ID, g.Name, g.Direction, g.Teams)
	}
	return tw.Flush()
}
