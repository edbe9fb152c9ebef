// Package main provides the novasync entry point. The same binary runs the
// background sync service and the one-shot maintenance commands.
package main

import (
	"context"
	"io"
	"os"

	"github.com/kimhsiao/novachat/backend/internal/cli"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cli.Version = Version
	return cli.Execute(context.Background(), args, stdout, stderr)
}
