/*
main.go - Application entry point

PURPOSE:
  Runs pointsd: the points engine HTTP server and operator commands.

EXAMPLES:
  # Run the API on SQLite
  pointsd serve --sqlite-path ./data/points.db

  # Run the API on PostgreSQL with Redis locks and Kafka events
  POINTS_STORAGE_DRIVER=postgres POINTS_REDIS_ENABLED=true \
  POINTS_KAFKA_ENABLED=true pointsd serve --port 3000

  # Operate on an account directly
  pointsd account create acc-1 --initial 10
  pointsd reserve acc-1 4

SEE ALSO:
  - cli/: Command definitions
  - config/config.go: Configuration keys and environment variables
*/
package main

import (
	"fmt"
	"os"

	"github.com/warp/points-engine/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
