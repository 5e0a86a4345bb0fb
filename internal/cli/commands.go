package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// runWith connects the runtime, runs fn under a signal-aware context and
// closes the runtime afterwards.
func runWith(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, rt *runtime) error) (err error) {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := newRuntime(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, rt.Close())
	}()
	return fn(ctx, rt)
}

// NewAPICommand creates the api command.
func NewAPICommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP front door",
		Long: `Serve the HTTP front door: admission, summary, audit and purge endpoints.
Payments are only enqueued; run "rinha worker" to process them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWith(cmd, opts, func(ctx context.Context, rt *runtime) (err error) {
				h, closer := rt.api()
				defer func() { err = multierr.Append(err, closer.Close()) }()
				return rt.serve(ctx, h)
			})
		},
	}
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool and the health prober",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWith(cmd, opts, func(ctx context.Context, rt *runtime) error {
				breaker := rt.breaker()
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					rt.prober(breaker).Run(gctx)
					return nil
				})
				g.Go(func() error {
					return rt.pool(gctx, breaker).Run(gctx)
				})
				return g.Wait()
			})
		},
	}
}

// NewAllCommand creates the all command.
func NewAllCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the HTTP front door, the worker pool and the prober in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWith(cmd, opts, func(ctx context.Context, rt *runtime) (err error) {
				breaker := rt.breaker()
				h, closer := rt.api()
				defer func() { err = multierr.Append(err, closer.Close()) }()

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					rt.prober(breaker).Run(gctx)
					return nil
				})
				g.Go(func() error {
					return rt.pool(gctx, breaker).Run(gctx)
				})
				g.Go(func() error {
					return rt.serve(gctx, h)
				})
				return g.Wait()
			})
		},
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every ledger entry, pending payment and lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWith(cmd, opts, func(ctx context.Context, rt *runtime) error {
				if err := rt.purger(nil).Purge(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "payments purged")
				return nil
			})
		},
	}
}
