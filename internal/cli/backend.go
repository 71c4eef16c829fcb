package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/app"
	"github.com/ppiankov/opwarden/internal/client"
	"github.com/ppiankov/opwarden/internal/config"
	"github.com/ppiankov/opwarden/internal/logging"
)

// backend runs API methods in-process or against a server.
type backend interface {
	call(ctx context.Context, method string, req, resp any) error
	close() error
}

type localBackend struct {
	app    *app.App
	svc    *api.Service
	logOut io.Closer
}

func (b *localBackend) call(ctx context.Context, method string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	out, err := b.svc.Call(ctx, method, body)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return json.Unmarshal(data, resp)
}

func (b *localBackend) close() error {
	err := b.app.Close()
	b.logOut.Close()
	return err
}

type remoteBackend struct {
	c *client.Client
}

func (b *remoteBackend) call(ctx context.Context, method string, req, resp any) error {
	return b.c.Call(ctx, method, req, resp)
}

func (b *remoteBackend) close() error { return b.c.Close() }

// loadConfig reads --config and builds the logger it names.
func loadConfig() (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(rootConfig)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}

// openLocal builds the full component graph in-process.
func openLocal(ctx context.Context) (*localBackend, error) {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &localBackend{app: a, svc: api.NewService(a), logOut: closer}, nil
}

func openBackend(cmd *cobra.Command) (backend, error) {
	if rootServer != "" {
		c, err := client.New(rootServer)
		if err != nil {
			return nil, err
		}
		return &remoteBackend{c: c}, nil
	}
	return openLocal(cmd.Context())
}

// run opens a backend, calls method and closes it again.
func run(cmd *cobra.Command, method string, req, resp any) error {
	b, err := openBackend(cmd)
	if err != nil {
		return err
	}
	defer b.close()
	return b.call(cmd.Context(), method, req, resp)
}

// printJSON writes v indented to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
