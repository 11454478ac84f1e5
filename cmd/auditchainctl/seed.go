package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"auditchain/internal/recorder"
	"auditchain/internal/sequencer"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write sample events for development",
	Long: `Seeds the configured store with a rotating mix of auth and HTTP events
through the full recorder/sequencer path, then reports the head.`,
	RunE: runSeed,
}

var (
	seedCount   int
	seedService string
)

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 100, "events to write")
	seedCmd.Flags().StringVar(&seedService, "service", "seed", "service name stamped on events")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	seq, err := sequencer.New(ctx, st, nil, cfg.SequencerConfig(), logger)
	if err != nil {
		return err
	}

	rec := recorder.New(seq, recorder.Options{Service: seedService, Logger: logger})

	subjects := []string{"alice", "bob", "carol", "dave", "mallory"}
	paths := []string{"/v1/login", "/v1/widgets", "/v1/orders", "/v1/reports", "/v1/admin/keys"}

	for i := 0; i < seedCount; i++ {
		subject := subjects[i%len(subjects)]
		path := paths[i%len(paths)]

		emit := func() error {
			switch i % 7 {
			case 0:
				return rec.LoginSuccess(subject, map[string]any{"mfa": i%2 == 0})
			case 1:
				return rec.Request("GET", path, 200, subject, nil)
			case 2:
				return rec.Request("POST", path, 201, subject, map[string]any{"items": int64(i % 5)})
			case 3:
				return rec.LoginFailed(subject, map[string]any{"reason": "bad_password"})
			case 4:
				return rec.RequestDenied("DELETE", path, 403, subject, nil)
			case 5:
				return rec.AdminAction(subject, map[string]any{"action": "rotate_key"})
			default:
				return rec.TokenRevoked(subject, nil)
			}
		}

		for attempt := 0; ; attempt++ {
			err = emit()
			if !errors.Is(err, sequencer.ErrMailboxFull) || attempt >= 50 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if err != nil {
			seq.Close()
			return fmt.Errorf("seed event %d: %w", i, err)
		}
	}

	if err := seq.Close(); err != nil {
		return err
	}

	head, err := st.Head(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d events, head sequence %d, hash %s\n",
		seedCount, head.Sequence, head.Hash.Hex())
	return nil
}
