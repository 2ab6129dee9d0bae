package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fmueller/transcribepod/internal/handler"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newInvokeCmd(app *appState) *cobra.Command {
	var inputPath string

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Run one event through the handler and print its output",
		Long:  `Read an event like {"input": {"audio_url": "..."}} from --input or stdin, run it and print the output JSON.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readInput(inputPath, cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}

			var ev handler.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if ev.ID == "" {
				ev.ID = "local-" + uuid.NewString()
			}

			h, err := app.buildHandler(cmd.Context(), nil)
			if err != nil {
				return err
			}

			stopSpinner := startSpinner(app.progressEnabled(), "Transcribing")
			started := time.Now()
			out, err := h.Handle(cmd.Context(), ev)
			stopSpinner()
			if err != nil {
				return fmt.Errorf("invocation %s failed: %w", ev.ID, err)
			}
			app.log().Debug("invocation finished", zap.String("job_id", ev.ID), zap.Duration("elapsed", time.Since(started)))

			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return fmt.Errorf("encode output: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}

	cmd.Flags().StringVar(&inputPath, "input", "-", `Event JSON file; "-" reads stdin`)
	return cmd
}
