package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/joeycumines/larex"
)

type connectConfig struct {
	addr string
}

func (c *connectConfig) flags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.addr, "addr", "127.0.0.1:8000", "address to dial")
}

func newConnectCommand() *cobra.Command {
	var cfg connectConfig

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Dial a larex-echo server and relay stdin to it, printing whatever comes back",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConnect(cmd.Context(), &cfg)
		},
	}
	cfg.flags(cmd)
	return cmd
}

// stdoutInterpreter writes every delivered chunk straight to stdout, and
// signals closeCh exactly once when the connection ends.
type stdoutInterpreter struct {
	closeCh chan error
}

func (s *stdoutInterpreter) OnRead(data []byte) {
	_, _ = os.Stdout.Write(data)
}

func (s *stdoutInterpreter) OnClose(err error) {
	s.closeCh <- err
}

func runConnect(ctx context.Context, cfg *connectConfig) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	sel, err := larex.NewSelector(larex.WithSelectorLogger(logger))
	if err != nil {
		return fmt.Errorf("larex-echo: create selector: %w", err)
	}
	defer sel.Close()

	closeCh := make(chan error, 1)
	factory := larex.InterpreterFactoryFunc(func(larex.Conn) larex.Interpreter {
		return &stdoutInterpreter{closeCh: closeCh}
	})

	conn, err := larex.DialTCP(ctx, cfg.addr, sel, larex.NewBufferPool(), factory, 0, logger)
	if err != nil {
		return fmt.Errorf("larex-echo: dial %s: %w", cfg.addr, err)
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := append(scanner.Bytes(), '\n')
			if _, werr := conn.Write(line); werr != nil {
				break
			}
		}
		_ = conn.Close()
	}()

	select {
	case err := <-closeCh:
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}
