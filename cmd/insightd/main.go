// Command insightd serves and runs bounded-time insight jobs.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/PipeOpsHQ/insight-runtime/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
