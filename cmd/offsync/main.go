// Command offsync caches entities locally, queues writes while offline, and
// replays them to a REST server in order.
package main

import (
	"context"
	"os"

	"github.com/roach88/offsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:]))
}
