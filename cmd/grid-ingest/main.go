// Command grid-ingest ingests and queries substation load readings.
package main

import (
	"fmt"
	"os"

	"github.com/dubegrid/grid-ingest/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
