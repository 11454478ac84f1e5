package main

import (
	"time"

	"github.com/spf13/cobra"

	"auditchain/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live chain health monitor",
	Long: `Opens a full-screen monitor showing the chain head, periodic
verification results, and the most recent events.`,
	RunE: runWatch,
}

var (
	watchPoll        time.Duration
	watchVerifyEvery time.Duration
	watchRecent      int
)

func init() {
	watchCmd.Flags().DurationVar(&watchPoll, "poll", 2*time.Second, "head/event refresh interval")
	watchCmd.Flags().DurationVar(&watchVerifyEvery, "verify-every", 30*time.Second, "full-chain verification interval")
	watchCmd.Flags().IntVar(&watchRecent, "recent", 10, "recent events shown")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	return watch.Run(st, watch.Options{
		PollInterval:   watchPoll,
		VerifyInterval: watchVerifyEvery,
		Recent:         watchRecent,
		Backend:        cfg.Store.Backend,
	})
}
