package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/app"
	"github.com/ppiankov/opwarden/internal/config"
	"github.com/ppiankov/opwarden/internal/httpapi"
	"github.com/ppiankov/opwarden/internal/server"
)

var (
	serveGRPCAddr string
	serveHTTPAddr string
	serveNoHTTP   bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveGRPCAddr, "grpc-addr", "", "gRPC listen address (overrides server.grpc_addr)")
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", "", "REST listen address (overrides server.http_addr)")
	serveCmd.Flags().BoolVar(&serveNoHTTP, "no-http", false, "Disable the REST API and event stream")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long:  "Runs opwarden as a central server: gRPC for agents, REST plus a websocket\nevent stream for operators, and the heartbeat cycle that expires grants and\ntasks, folds the anomaly baseline and reports health.\nPolicy and pattern files are hot-reloaded.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()
	if serveGRPCAddr != "" {
		cfg.Server.GRPCAddr = serveGRPCAddr
	}
	if serveHTTPAddr != "" {
		cfg.Server.HTTPAddr = serveHTTPAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer a.Close()

	svc := api.NewService(a)
	grpcSrv := server.New(svc, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg   sync.WaitGroup
		errc = make(chan error, 4)
	)
	start := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errc <- err
				cancel()
			}
		}()
	}

	start(func() error { return grpcSrv.Serve(cfg.Server.GRPCAddr) })
	if !serveNoHTTP && cfg.Server.HTTPAddr != "" {
		rest := httpapi.New(svc, a.Bus, logger, httpapi.WithTokenSecret(cfg.Server.JWTSecret))
		start(func() error { return rest.ListenAndServe(ctx, cfg.Server.HTTPAddr) })
	}
	start(func() error { return a.Heartbeat.Run(ctx) })
	if cfg.Policy.HotReload {
		reloader, err := config.NewReloader(a.ReloadHandlers(), logger)
		if err != nil {
			logger.Warn("hot-reload disabled", "error", err)
		} else {
			start(func() error { return reloader.Run(ctx) })
		}
	}

	fmt.Fprintf(os.Stderr, "opwarden server listening: grpc %s", cfg.Server.GRPCAddr)
	if !serveNoHTTP && cfg.Server.HTTPAddr != "" {
		fmt.Fprintf(os.Stderr, ", http %s", cfg.Server.HTTPAddr)
	}
	fmt.Fprintln(os.Stderr)

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "\nShutting down opwarden server...")
	grpcSrv.GracefulStop()
	wg.Wait()
	close(errc)
	return <-errc
}
