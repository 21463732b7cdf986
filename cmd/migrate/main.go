// migrate runs DB migrations from embedded SQL for DATABASE_URL (postgres:// or sqlite://).
package main

import (
	"flag"
	"fmt"
	"os"

	"cortex-telemetry/backend/internal/config"
	"cortex-telemetry/backend/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
