package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"flurry-extract/internal/checkpoint"
	"flurry-extract/internal/config"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	historyLimit int

	setDate    string
	setOffset  int
	setSession int64
	setForce   bool
)

func init() {
	checkpointHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "The number of saves to show.")

	checkpointSetCmd.Flags().StringVar(&setDate, "date", "", "The day to resume from, YYYY-MM-DD.")
	checkpointSetCmd.Flags().IntVar(&setOffset, "offset", 0, "The session offset within the day.")
	checkpointSetCmd.Flags().Int64Var(&setSession, "session", 0, "The last logical session id that was assigned.")
	checkpointSetCmd.Flags().BoolVar(&setForce, "force", false, "Allow moving the checkpoint backwards, events and session ids after it will be extracted again.")
	checkpointSetCmd.MarkFlagRequired("date")

	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointHistoryCmd)
	checkpointCmd.AddCommand(checkpointSetCmd)
	rootCmd.AddCommand(checkpointCmd)
}

// openStore only needs the checkpoint section of the config, so it also
// works before the credentials are filled in.
func openStore(ctx context.Context) (*checkpoint.SQLStore, func() error, error) {
	cfg, err := config.Read(configPath)
	if err != nil {
		return nil, nil, err
	}
	err = cfg.ValidateCheckpoint(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := checkpoint.OpenDB(cfg.Checkpoint)
	if err != nil {
		return nil, nil, err
	}
	store, err := checkpoint.NewSQLStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspects and repositions the stored extraction checkpoint.",
}

func renderCheckpoint(w io.Writer, c checkpoint.Checkpoint) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Date", "Offset", "Session"})
	t.AppendRow(table.Row{c.Date.String(), c.Offset, c.Session})
	t.Render()
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Shows the stored checkpoint.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		c, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		renderCheckpoint(cmd.OutOrStdout(), c)
		return nil
	},
}

var checkpointHistoryCmd = &cobra.Command{
	Use:   "history [--limit <n>]",
	Short: "Lists the most recent checkpoint saves, newest first.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}

		store, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		entries, err := store.History(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}

		t := newTable(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Saved at", "Date", "Offset", "Session"})
		for _, e := range entries {
			t.AppendRow(table.Row{
				e.SavedAt.Format(time.DateTime),
				e.Checkpoint.Date.String(),
				e.Checkpoint.Offset,
				e.Checkpoint.Session,
			})
		}
		t.Render()
		return nil
	},
}

var checkpointSetCmd = &cobra.Command{
	Use:   "set --date <YYYY-MM-DD> [--offset <n>] [--session <n>] [--force]",
	Short: "Overwrites the stored checkpoint.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := checkpoint.ParseDate(setDate)
		if err != nil {
			return err
		}
		c := checkpoint.Checkpoint{Date: date, Offset: setOffset, Session: setSession}
		err = c.Validate()
		if err != nil {
			return err
		}

		store, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		current, err := store.Load(cmd.Context())
		if err != nil && !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return err
		}
		if err == nil && c.Regresses(current) {
			if !setForce {
				return fmt.Errorf("%s is behind the stored checkpoint %s, pass --force to move it back", c, current)
			}
			slog.Warn("moving checkpoint back, already extracted events will be emitted again", "from", current.String(), "to", c.String())
		}

		err = store.Save(cmd.Context(), c)
		if err != nil {
			return err
		}
		renderCheckpoint(cmd.OutOrStdout(), c)
		return nil
	},
}
