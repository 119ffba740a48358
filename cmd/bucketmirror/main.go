// Command bucketmirror runs the mirror daemon: it reconciles a local
// directory tree against a remote bucket and keeps it in sync via an
// optional push-notification ingress.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bucketmirror/bucketmirror/config"
	"github.com/bucketmirror/bucketmirror/daemon"
)

// terminationSignals are the signals that trigger a graceful shutdown.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envPath string

	root := &cobra.Command{
		Use:           "bucketmirror",
		Short:         "Mirror a remote bucket into a local directory tree",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cfg := config.RegisterFlags(root.Flags())
	root.Flags().StringVar(&envPath, "env-file", "", "path to a .env file (defaults to ./.env if present)")

	root.RunE = func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
		return runDaemon(cmd.Context(), cfg)
	}

	return root
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	d, err := daemon.New(cfg, daemon.Deps{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, terminationSignals...)
	defer stop()

	return d.Run(ctx)
}
