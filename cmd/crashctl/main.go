// crashctl records, lists and sends cortex crash reports. Configure it with the CORTEX_* variables or a .env file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cortex-telemetry/backend/internal/cli"
	"cortex-telemetry/backend/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(config.Load).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "crashctl:", err)
		stop()
		os.Exit(1)
	}
}
