package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"geyser-indexer-go/internal/database"
	"geyser-indexer-go/internal/deadletter"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
)

func newDeadLetterCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect or replay batches the plugin could not write",
	}
	cmd.PersistentFlags().IntVar(&limit, "limit", 100, "maximum entries to process")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print spooled batches, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := flags.load(cmd)
			if err != nil {
				return err
			}
			spool, err := openSpool(cfg.DeadLetterPath)
			if err != nil {
				return err
			}
			defer spool.Close()

			entries, err := spool.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := printJSON(cmd, e); err != nil {
					return err
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Write spooled batches to PostgreSQL and remove the ones that succeed",
		Long: "Replay is safe to repeat: account rows only move forward by write version, " +
			"slots only advance in status, and transactions and blocks are inserted once.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			spool, err := openSpool(cfg.DeadLetterPath)
			if err != nil {
				return err
			}
			defer spool.Close()

			db, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			writer := database.NewWriter(database.WriterOptions{StoreAccountHistory: cfg.StoreAccountHistory})

			entries, err := spool.List(ctx, limit)
			if err != nil {
				return err
			}
			var replayed, failed int
			for _, e := range entries {
				kind, records, err := e.Decode()
				if err != nil {
					log.Error().Int64("id", e.ID).Err(err).Msg("dead_letter_decode_failed")
					failed++
					continue
				}
				op := func() error {
					err := writer.WriteBatch(ctx, db, kind, records)
					if err != nil && !database.IsTransient(err) {
						return backoff.Permanent(err)
					}
					return err
				}
				policy := backoff.NewExponentialBackOff()
				policy.InitialInterval = cfg.RetryInitialInterval
				policy.MaxInterval = cfg.RetryMaxInterval
				policy.MaxElapsedTime = 0
				if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(cfg.RetryMaxAttempts-1)), ctx)); err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					log.Error().Int64("id", e.ID).Str("kind", e.Kind).Int("records", e.Records).Err(err).Msg("dead_letter_replay_failed")
					failed++
					continue
				}
				if err := spool.Delete(ctx, e.ID); err != nil {
					return fmt.Errorf("delete entry %d: %w", e.ID, err)
				}
				replayed++
				log.Info().Int64("id", e.ID).Str("kind", e.Kind).Int("records", e.Records).Msg("dead_letter_replayed")
			}

			log.Info().Int("replayed", replayed).Int("failed", failed).Msg("dead_letter_replay_done")
			if failed > 0 {
				return fmt.Errorf("%d of %d entries could not be replayed", failed, len(entries))
			}
			return nil
		},
	})
	return cmd
}

func openSpool(path string) (*deadletter.Spool, error) {
	if path == "" {
		return nil, errors.New("dead_letter_path is not set in the config")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	spool, err := deadletter.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := spool.Count(ctx); err != nil {
		_ = spool.Close()
		return nil, err
	}
	return spool, nil
}
