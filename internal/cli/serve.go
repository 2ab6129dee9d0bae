package cli

import (
	"context"

	"github.com/fmueller/transcribepod/internal/metrics"
	"github.com/fmueller/transcribepod/internal/server"
	"github.com/fmueller/transcribepod/internal/version"
	"github.com/spf13/cobra"
)

func newServeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the handler over a local HTTP API",
		Long:  "Serve POST /runsync with the platform's request envelope, plus GET /health and GET /metrics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.serve(cmd.Context())
		},
	}

	cmd.Flags().String("listen", ":8000", "Address for the HTTP API")
	return cmd
}

func (a *appState) serve(ctx context.Context) error {
	m := metrics.New()
	h, err := a.buildHandler(ctx, m)
	if err != nil {
		return err
	}

	health := version.Fields()
	health["model"] = a.cfg.Model
	health["engine"] = a.cfg.Engine

	srv := server.New(h, server.Options{
		Addr:    a.cfg.Listen,
		Logger:  a.log(),
		Metrics: m,
		Debug:   a.cfg.Verbose,
		Health:  health,
	})
	return srv.Run(ctx)
}
