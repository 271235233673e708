package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"qqchat/directory"
	"qqchat/history"
	"qqchat/server"
	"qqchat/store"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := store.New(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	users, err := directory.NewUsers(records, directory.UsersOptions{BcryptCost: cfg.BcryptCost}, logger)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	groups, err := directory.NewGroups(records, logger)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	hist, err := history.Open(cfg.HistoryDB, logger)
	if err != nil {
		return err
	}
	defer hist.Close()

	srv := server.New(&server.ServerConfig{
		Addr:           cfg.Addr(),
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		OutboundBuffer: cfg.OutboundBuffer,
		MaxRecordBytes: cfg.MaxRecordBytes,
		ImageOfferTTL:  cfg.ImageOfferTTL,
	}, users, groups, hist, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})

	if cfg.ControlSocket != "" {
		listener, err := server.ListenControl(cfg.ControlSocket)
		if err != nil {
			logger.Warn("control socket disabled", "error", err)
		} else {
			defer os.Remove(cfg.ControlSocket)
			g.Go(func() error {
				return srv.ServeControl(ctx, listener, stop)
			})
		}
	}

	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("server stopped", "stats", srv.GetStats())
	return err
}
