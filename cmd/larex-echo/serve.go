package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/joeycumines/larex"
)

// serveConfig holds the "serve" subcommand's flags, mirroring the
// teacher pack's Config.Flags pattern (internal/server.Config in
// joshuarubin-teleport-job-worker): a plain struct whose Flags method
// registers pflags against a *cobra.Command.
type serveConfig struct {
	addr            string
	shutdownTimeout time.Duration
	maxWorkers      int
}

const defaultShutdownTimeout = 10 * time.Second

func (c *serveConfig) flags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.addr, "listen-addr", "127.0.0.1:0", "address to listen on")
	cmd.Flags().DurationVar(&c.shutdownTimeout, "shutdown-timeout", defaultShutdownTimeout, "time to wait for the selector to close before forcing shutdown")
	cmd.Flags().IntVar(&c.maxWorkers, "max-workers", 0, "bound on concurrent read dispatches across all connections (<=0 means unbounded)")
}

func newServeCommand() *cobra.Command {
	var cfg serveConfig

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen for TCP connections and echo back whatever each one sends",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), &cfg)
		},
	}
	cfg.flags(cmd)
	return cmd
}

// echoInterpreterFactory builds an Interpreter that writes back every
// byte it reads, exactly as [TestCoordinator_EchoBasic] exercises in
// isolation — this is the same policy driven end-to-end over a real
// accepted socket instead of a socketpair.
type echoInterpreterFactory struct {
	logger zerolog.Logger
}

func (f echoInterpreterFactory) NewInterpreter(conn larex.Conn) larex.Interpreter {
	return &echoInterpreter{conn: conn, logger: f.logger}
}

type echoInterpreter struct {
	conn   larex.Conn
	logger zerolog.Logger
}

func (e *echoInterpreter) OnRead(data []byte) {
	if _, err := e.conn.Write(data); err != nil {
		e.logger.Debug().Err(err).Msg("larex-echo: write failed")
	}
}

func (e *echoInterpreter) OnClose(err error) {
	if err != nil {
		e.logger.Debug().Err(err).Msg("larex-echo: connection closed")
	}
}

func runServe(ctx context.Context, cfg *serveConfig) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	sel, err := larex.NewSelector(larex.WithSelectorLogger(logger))
	if err != nil {
		return fmt.Errorf("larex-echo: create selector: %w", err)
	}

	pool := larex.NewBufferPool()
	factory := echoInterpreterFactory{logger: logger}

	ln, err := larex.ListenTCP(cfg.addr, sel, pool, factory, cfg.maxWorkers, logger)
	if err != nil {
		sel.Close()
		return fmt.Errorf("larex-echo: listen: %w", err)
	}

	logger.Info().Stringer("addr", ln.Addr()).Msg("larex-echo: listening")

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Warn().Msg("larex-echo: shutting down")

	_ = ln.Close()
	sel.Close()
	if !sel.Join(cfg.shutdownTimeout) {
		return fmt.Errorf("larex-echo: selector did not close within %s", cfg.shutdownTimeout)
	}
	return nil
}
