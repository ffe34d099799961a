package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newSendCmd sends a fixture's envelopes and prints replies until --wait elapses.
func newSendCmd(deps *Dependencies, flags *globalFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send FIXTURE",
		Short: "Send the envelopes of a fixture and print what comes back",
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

			ctx := cmd.Context()
			s, conn, p, err := connect(ctx, deps, c, flags.url, flags.identity(fx.Header()))
			if err != nil {
				return err
			}
			defer conn.Close()

			for i, env := range envs {
				if err := s.SendCommand(ctx, env); err != nil {
					return fmt.Errorf("envelope %d: %w", i, err)
				}
				deps.Logger.Debug("sent", zap.Int("index", i), zap.String("signal", string(env.Signal)))
			}

			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			deps.Logger.Info("send finished", zap.Int("sent", len(envs)), zap.Int("received", p.received()))
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to print replies after sending")
	return cmd
}
