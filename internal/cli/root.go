package cli

import (
	"context"

	"github.com/spf13/cobra"

	"cortex-telemetry/backend/internal/config"
	"cortex-telemetry/backend/internal/requestctx"
	"cortex-telemetry/backend/internal/telemetry/domain"
	"cortex-telemetry/backend/internal/version"
)

// LoadFunc returns the configuration for a command. config.Load in production.
type LoadFunc func() (*config.Config, error)

// NewRootCommand creates the crashctl root command with all subcommands.
func NewRootCommand(load LoadFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "crashctl",
		Short:         "Create, inspect and send cortex crash reports",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newReportCommand(load),
		newMigrateCommand(load),
	)
	return root
}

// runWithApp builds an App for cmd and runs fn inside the crash boundary. A panic in fn is reported with
// source and re-raised after the app is closed.
func runWithApp(cmd *cobra.Command, load LoadFunc, source domain.Source, fn func(ctx context.Context, app *App) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = requestctx.With(ctx, requestctx.Command, cmd.CommandPath())

	app, err := NewApp(ctx, cfg, source)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.WithoutCancel(ctx)) }()
	defer app.Service.RecoverAndReport(ctx, source)

	return fn(ctx, app)
}
