package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tenant-ingest/internal/app"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the queue poller and the replay scheduler",
		Long: `Serves /v1 and /healthz on LISTEN_ADDR. When QUEUE_URL is set the SQS
trigger poller runs alongside; when REPLAY_SCHEDULE is set failed batches
are replayed on that cron schedule. SIGINT or SIGTERM shuts everything down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()
			cmd.SetContext(ctx)

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			if addr == "" {
				addr = a.Cfg.ListenAddr
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			return serve(ctx, a, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides LISTEN_ADDR)")
	return cmd
}

// serve runs until ctx is canceled or one of the components fails.
func serve(ctx context.Context, a *app.App, ln net.Listener) error {
	logger := a.Logger
	if s := a.Scheduler(); s != nil {
		if err := s.Start(ctx); err != nil {
			_ = ln.Close()
			return err
		}
		defer s.Stop()
	}

	srv := &http.Server{
		Handler:           a.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if p := a.Poller(); p != nil {
		g.Go(func() error { return p.Run(gctx) })
	}
	return g.Wait()
}
