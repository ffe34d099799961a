package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/roomsignal/internal/command"
)

// newValidateCmd checks a fixture offline and prints each envelope as it would be
// sent.
func newValidateCmd(deps *Dependencies, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FIXTURE",
		Short: "Decode a fixture and print its canonical wire form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.codec()
			if err != nil {
				return err
			}
			fx, err := LoadFixture(args[0])
			if err != nil {
				return err
			}
			envs, err := fx.Decode(c)
			if err != nil {
				return err
			}
			identity := flags.identity(fx.Header())
			for i, env := range envs {
				env.Header = stampMissing(env.Header, identity)
				if err := c.Check(env); err != nil {
					return fmt.Errorf("envelope %d: %w", i, err)
				}
				data, err := c.Encode(env)
				if err != nil {
					return fmt.Errorf("envelope %d: %w", i, err)
				}
				fmt.Fprintln(deps.Out, string(data))
			}
			return nil
		},
	}
}

// stampMissing fills header fields absent from hdr with identity's.
func stampMissing(hdr, identity command.Header) command.Header {
	if hdr.AppID == nil {
		hdr.AppID = identity.AppID
	}
	if hdr.RoomID == nil {
		hdr.RoomID = identity.RoomID
	}
	if hdr.UserID == nil {
		hdr.UserID = identity.UserID
	}
	return hdr
}
