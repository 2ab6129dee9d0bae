package cli

import (
	"context"
	"errors"

	"github.com/fmueller/transcribepod/internal/worker"
	"github.com/spf13/cobra"
)

func newWorkerCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Pull jobs from the serverless platform and post results back",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.work(cmd.Context())
		},
	}

	cmd.Flags().String("job-url", "", "Job endpoint; defaults to RUNPOD_WEBHOOK_GET_JOB")
	cmd.Flags().String("result-url", "", "Result endpoint; defaults to RUNPOD_WEBHOOK_POST_OUTPUT")
	cmd.Flags().String("worker-id", "", "Worker id; defaults to RUNPOD_POD_ID or a random id")
	return cmd
}

func (a *appState) work(ctx context.Context) error {
	if a.cfg.JobURL == "" || a.cfg.ResultURL == "" {
		return errors.New("job URL and result URL are required; set RUNPOD_WEBHOOK_GET_JOB and RUNPOD_WEBHOOK_POST_OUTPUT or pass --job-url and --result-url")
	}

	h, err := a.buildHandler(ctx, nil)
	if err != nil {
		return err
	}

	w, err := worker.New(h, worker.Options{
		JobURL:    a.cfg.JobURL,
		ResultURL: a.cfg.ResultURL,
		APIKey:    a.cfg.APIKey,
		WorkerID:  a.cfg.WorkerID,
		Logger:    a.log(),
	})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
