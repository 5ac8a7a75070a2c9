package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ingestor/internal/api"
	"ingestor/internal/batch"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the no-JS UI",
		Long: `Serve resumes unfinished batches found in the store, then accepts new
batches over HTTP until interrupted. On SIGINT or SIGTERM in-flight work is
interrupted, its progress persisted, and it resumes on the next start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	manager, err := buildManager(ctx, cfg)
	if err != nil {
		return err
	}
	if err := manager.LoadFromDisk(ctx); err != nil {
		log.Warn().Err(err).Msg("resume stored batches failed")
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()
	manager.Start(baseCtx)

	router := api.NewRouter(api.NewAPI(manager, filepath.Join(cfg.DataDir, "staging")), cfg.Server.CORSOrigins)
	srv := newHTTPServer(cfg.Server.Port, router, cfg.Server.ReadHeaderTimeout)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-waitForShutdownSignal():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	gracefulShutdown(srv, manager, cfg.Server.ShutdownTimeout)
	return runErr
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		signal.Stop(quit)
		log.Info().Msg("shutdown signal received")
		close(done)
	}()
	return done
}

func gracefulShutdown(srv *http.Server, manager *batch.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	if !manager.Shutdown(ctx) {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
