package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cardchain/cardchain/internal/auth"
	"github.com/cardchain/cardchain/internal/database"
	"github.com/cardchain/cardchain/internal/handlers"
	"github.com/cardchain/cardchain/internal/middleware"
	"github.com/cardchain/cardchain/internal/realtime"
)

type config struct {
	bind      string
	port      int
	dsn       string
	redisAddr string
	redisDB   int
	verbose   bool
}

func newCmd(cfg *config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("CARDCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "cardchain",
		Short:         "Realtime server for the sequential card-guessing game.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: CARDCHAIN_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: CARDCHAIN_PORT)")
	fs.StringVar(&cfg.dsn, "dsn", "", "postgres connection string (env: CARDCHAIN_DSN)")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "localhost:6379", "redis address (env: CARDCHAIN_REDIS_ADDR)")
	fs.IntVar(&cfg.redisDB, "redis-db", 0, "redis database index (env: CARDCHAIN_REDIS_DB)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "enable debug logging (env: CARDCHAIN_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	return cmd
}

func serve(ctx context.Context, cfg *config) error {
	logger := logrus.New()
	if cfg.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if err := auth.Init(); err != nil {
		return err
	}
	if cfg.dsn == "" {
		return fmt.Errorf("no postgres DSN configured (--dsn or CARDCHAIN_DSN)")
	}
	if err := database.Connect(ctx, cfg.dsn); err != nil {
		return err
	}
	defer database.Close()
	if err := database.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := realtime.Connect(cfg.redisAddr, cfg.redisDB); err != nil {
		return err
	}

	gs := handlers.NewGameServer(logger)

	mux := http.NewServeMux()
	logged := middleware.LogMiddleware(logger)
	mux.Handle("/game/create", logged(handlers.CreateGameHandler(gs)))
	mux.Handle("/game/join", logged(handlers.JoinGameHandler(gs)))
	mux.Handle("/game/state/", logged(handlers.GameStateHandler(gs)))
	mux.Handle("/game/ws/", logged(handlers.GameWSHandler(logger, gs)))

	server := &http.Server{
		Handler:     mux,
		ReadTimeout: time.Second * 10,
		// No WriteTimeout: WebSocket connections stay open indefinitely.
	}

	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.bind, cfg.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	logger.Infof("Listening on %s", l.Addr())

	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(l)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	select {
	case err := <-errc:
		return fmt.Errorf("failed to serve: %w", err)
	case sig := <-sigs:
		logger.Infof("Terminating: %v", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func main() {
	cfg := &config{}
	cobra.CheckErr(newCmd(cfg).Execute())
}
