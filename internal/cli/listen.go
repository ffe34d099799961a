package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/roomsignal/internal/command"
)

// newListenCmd joins a room and prints every envelope delivered to it.
func newListenCmd(deps *Dependencies, flags *globalFlags) *cobra.Command {
	var (
		duration time.Duration
		greeting string
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Join a room and print the envelopes delivered to it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.userID == "" || flags.roomID == "" {
				return errors.New("listen requires --user and --room")
			}
			c, err := flags.codec()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			s, conn, _, err := connect(ctx, deps, c, flags.url, flags.identity(command.Header{}))
			if err != nil {
				return err
			}
			defer conn.Close()

			// The daemon binds a connection to a room on its first envelope.
			if err := s.SendRoomMessage(ctx, greeting, flags.userID); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long; 0 = until interrupted")
	cmd.Flags().StringVar(&greeting, "greeting", "hello", "room_msg cmd sent to join the room")
	return cmd
}
