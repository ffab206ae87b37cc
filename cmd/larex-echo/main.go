// Command larex-echo is a minimal demonstration binary built on top of
// the larex core: "serve" runs a TCP echo server, "connect" dials one
// and relays stdin/stdout through it. It exists to exercise
// [larex.TCPListener]/[larex.DialTCP] end-to-end against real sockets,
// not as a protocol or product of its own.
//
// Grounded on the teacher pack's CLI shape (joshuarubin-teleport-job-worker's
// cmd/job-worker/main.go): a bare cobra root command with subcommands added
// via AddCommand, each subcommand's flags owned by a small Config struct.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	root := cobra.Command{
		Use:   "larex-echo",
		Short: "A minimal TCP echo server/client built on the larex reactor core",
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newConnectCommand())

	_, err := root.ExecuteContextC(context.Background())
	return err
}
