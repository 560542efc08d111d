package main

import (
	"fmt"

	"github.com/goliatone/go-billing/onchain"
	"github.com/goliatone/go-billing/runner"
	"github.com/spf13/cobra"
)

func sweepCmd(flags *globalFlags) *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one timer poll and one sweep, then exit",
		Long: `Run one timer poll and one sweep, then exit.

With --drain the dispatch and webhook queues are worked until empty, using
the sandbox onchain provider for charges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := newEnvironment(ctx, flags)
			if err != nil {
				return err
			}
			defer env.Close()

			rt, err := runner.New(env.stores, runner.Options{
				Config:         env.config,
				Onchain:        onchain.NewSandbox(),
				Logger:         env.logger,
				LoggerProvider: env.provider,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			fired, swept, err := rt.Tick(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "timers fired: %d\n", fired)
			if swept.Skipped {
				fmt.Fprintln(out, "sweep skipped: another sweeper holds the lock")
			} else {
				fmt.Fprintf(out, "sweep: claimed=%d retries=%d enqueued=%d released=%d failed=%d\n",
					swept.Claimed, swept.Retries, swept.Enqueued, swept.Released, swept.Failed)
			}
			if !drain {
				return nil
			}
			handled, err := rt.Drain(ctx)
			if err != nil {
				return err
			}
			rt.Service.Wait()
			fmt.Fprintf(out, "messages handled: %d\n", handled)
			return nil
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "work the queues until they are empty")
	return cmd
}
