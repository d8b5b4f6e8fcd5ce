package cli

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"blindtest-service/internal/config"
)

// NewLogCmd prints the command log of a session, optionally following live events.
func NewLogCmd(configPath *string) *cobra.Command {
	var (
		afterSeq uint64
		follow   bool
	)
	cmd := &cobra.Command{
		Use:   "log <session-id>",
		Short: "Print the command log of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Driver == config.DriverMemory {
				return errNoLog
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := buildStack(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			entries, err := st.logs.Log(ctx, args[0], afterSeq)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if err := enc.Encode(entry); err != nil {
					return err
				}
			}
			if !follow {
				return nil
			}
			if st.relay == nil {
				return errNoRelay
			}
			events, err := st.relay.Follow(ctx, args[0])
			if err != nil {
				return err
			}
			for ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&afterSeq, "after", 0, "only print entries after this sequence number")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing live events (needs redis)")
	return cmd
}
