package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/bnema/chatsession/internal/ports"
	"github.com/spf13/cobra"
)

func newAskCmd(a *app) *cobra.Command {
	var level int

	cmd := &cobra.Command{
		Use:   "ask <text...>",
		Short: "Send a one-off message through a throwaway conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduler, err := a.scheduler(cmd.Context(), ports.NopRecorder{})
			if err != nil {
				return err
			}

			text := strings.Join(args, " ")
			var reply string
			send := func(ctx context.Context) error {
				var sendErr error
				reply, sendErr = scheduler.SendAway(ctx, text, level)
				return sendErr
			}
			label := fmt.Sprintf("Waiting for a level %d reply", level)
			if err := awaitUpstream(cmd.Context(), cmd.ErrOrStderr(), label, send); err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), reply)
			return err
		},
	}

	cmd.Flags().IntVar(&level, "level", 0, "Minimum account level")
	return cmd
}
