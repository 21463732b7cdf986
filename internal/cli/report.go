package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cortex-telemetry/backend/internal/requestctx"
	"cortex-telemetry/backend/internal/telemetry/domain"
)

func newReportCommand(load LoadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Manage locally stored crash reports",
	}
	cmd.AddCommand(
		newReportCreateCommand(load),
		newReportSendCommand(load),
		newReportListCommand(load),
	)
	return cmd
}

func newReportCreateCommand(load LoadFunc) *cobra.Command {
	var (
		message  string
		source   string
		modelID  string
		endpoint string
		send     bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a crash report for an error message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("--message required")
			}
			src, err := domain.ParseSource(source)
			if err != nil {
				return err
			}
			return runWithApp(cmd, load, src, func(ctx context.Context, app *App) error {
				ctx = requestctx.WithValues(ctx, requestctx.Values{ModelID: modelID, Endpoint: endpoint})
				app.Service.CreateCrashReport(ctx, errors.New(message), src)
				if !send {
					return nil
				}
				return app.Service.SendCrashReport(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "Error message of the crash")
	cmd.Flags().StringVar(&source, "source", string(domain.SourceCLI), "Component that crashed: cortex-cli, cortex-server or cortex-cpp")
	cmd.Flags().StringVar(&modelID, "model", "", "Model that was in use")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Endpoint that was being served")
	cmd.Flags().BoolVar(&send, "send", false, "Send the report right after recording it")
	return cmd
}

func newReportSendCommand(load LoadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "send",
		Short: "Send the most recent crash report if it has not been sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, load, domain.SourceCLI, func(ctx context.Context, app *App) error {
				return app.Service.SendCrashReport(ctx)
			})
		},
	}
}

func newReportListCommand(load LoadFunc) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored crash reports, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return runWithApp(cmd, load, domain.SourceCLI, func(ctx context.Context, app *App) error {
				enc := json.NewEncoder(out)
				return app.Service.ReadCrashReports(ctx, func(t *domain.Telemetry) error {
					if asJSON {
						return enc.Encode(t)
					}
					return printReport(out, t)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per report")
	return cmd
}

func printReport(w io.Writer, t *domain.Telemetry) error {
	state := "unsent"
	if t.Metadata.Sent() {
		state = "sent"
	}
	_, err := fmt.Fprintf(w, "%s  %-13s  %-6s  %s  %s\n",
		t.Metadata.CreatedAt.Format(time.RFC3339), t.Source, state, t.ID, t.Event.Message)
	return err
}
