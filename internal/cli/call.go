package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomsignal/internal/command"
)

// newCallCmd sends one call_cmd to a user and prints replies until --wait elapses.
func newCallCmd(deps *Dependencies, flags *globalFlags) *cobra.Command {
	var (
		action   string
		callRoom string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call USER",
		Short: "Send a call command to another user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The daemon only relays calls from connections bound to a room.
			if flags.userID == "" || flags.roomID == "" {
				return errors.New("call requires --user and --room")
			}
			c, err := flags.codec()
			if err != nil {
				return err
			}
			if callRoom == "" {
				callRoom = flags.roomID
			}

			ctx := cmd.Context()
			s, conn, p, err := connect(ctx, deps, c, flags.url, flags.identity(command.Header{}))
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := s.SendCallCommand(ctx, action, args[0], callRoom); err != nil {
				return err
			}
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			deps.Logger.Info("call sent", zap.String("to", args[0]), zap.Int("received", p.received()))
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "cmd", "invite", "call_cmd.cmd value")
	cmd.Flags().StringVar(&callRoom, "call-room", "", "call_cmd.room_id; defaults to --room")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to print replies after sending")
	return cmd
}
