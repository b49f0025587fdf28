package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
	"github.com/AdnanHimself/couple-steps-sub000/internal/ledger"
	"github.com/AdnanHimself/couple-steps-sub000/internal/ledger/postgres"
	"github.com/AdnanHimself/couple-steps-sub000/internal/streak"
)

// NewStreakCommand prints a user's streak computed from the ledger.
func NewStreakCommand(opts *RootOptions) *cobra.Command {
	var (
		userID    string
		threshold int
	)

	cmd := &cobra.Command{
		Use:   "streak",
		Short: "Print a user's current and highest streak from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			if cfg.PostgresURL == "" {
				return errors.New("POSTGRES_URL is required to read the ledger")
			}
			if userID == "" {
				userID = cfg.LocalUserID
			}
			if userID == "" {
				return errors.New("--user or LOCAL_USER_ID is required")
			}
			if threshold <= 0 {
				threshold = cfg.StreakThreshold
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, cfg.PostgresURL)
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			defer pool.Close()

			today := domain.DateOf(time.Now(), loc)
			return printStreak(ctx, cmd.OutOrStdout(), postgres.NewRepository(pool), userID, today, threshold, opts.Format)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to LOCAL_USER_ID)")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "daily goal (defaults to STREAK_THRESHOLD)")
	return cmd
}

func printStreak(ctx context.Context, w io.Writer, l ledger.Ledger, userID string, today domain.Date, threshold int, format string) error {
	records, err := l.ListDailySteps(ctx, userID, today.AddDays(-(streak.WindowDays - 1)), today)
	if err != nil {
		return fmt.Errorf("list daily steps: %w", err)
	}
	result := streak.Calculate(records, today, threshold)

	if format == "json" {
		return json.NewEncoder(w).Encode(map[string]any{
			"user_id":        userID,
			"current_streak": result.CurrentStreak,
			"highest_streak": result.HighestStreak,
			"threshold":      threshold,
		})
	}
	_, err = fmt.Fprintf(w, "user %s: current streak %d, highest %d (goal %d steps)\n",
		userID, result.CurrentStreak, result.HighestStreak, threshold)
	return err
}
