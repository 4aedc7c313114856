// Command sagactl drives permit renewal sagas against a SQLite database and
// relays their outbox events.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// Version is set during build using ldflags
var Version = "dev"

func newApp(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "sagactl",
		Version: Version,
		Usage:   "Run permit renewal sagas and relay their events",
		Writer:  stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML configuration file",
				Sources: cli.EnvVars("SAGA_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite database path (overrides the config file)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print the version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Fprintf(cmd.Root().Writer, "sagactl version %s\n", cmd.Root().Version)
					return nil
				},
			},
			seedCmd,
			renewCmd,
			sagasCmd,
			outboxCmd,
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp(os.Stdout).Run(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
