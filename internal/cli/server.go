package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"blindtest-service/internal/app"
	"blindtest-service/internal/config"
	transport "blindtest-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var presence app.PresenceRefresher
	var live transport.LiveLister
	if st.presence != nil {
		presence = st.presence
		live = st.presence
	}
	janitor := app.NewJanitor(st.engine, presence,
		config.TTLDuration(cfg.Session.SweepInterval, time.Minute),
		config.TTLDuration(cfg.Session.IdleTTL, 30*time.Minute),
		logger)
	if err := janitor.Start(); err != nil {
		return err
	}
	defer janitor.Stop()

	routes := transport.RouterConfig{
		API:     transport.NewAPI(st.engine, st.logs, live, logger),
		WS:      transport.NewWSHandler(st.engine, logger, cfg.Server.CommandRate, cfg.Server.CommandBurst),
		Limiter: transport.NewIPRateLimiter(cfg.Server.CommandRate, cfg.Server.CommandBurst),
	}
	if st.recorder != nil {
		routes.Metrics = st.recorder.Handler()
	}

	// No WriteTimeout: websocket connections are long lived and manage their own deadlines.
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           transport.NewRouter(routes),
		ReadHeaderTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting blindtest service", "port", finalPort, "store", cfg.Store.Driver, "redis", cfg.Redis.Addr != "")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case <-stop:
		logger.Info("shutting down server")
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
