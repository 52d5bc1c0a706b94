package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gatesight/facecount/event"
	"github.com/gatesight/facecount/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show visitor totals and recent events",
	Long: `Displays visitor and event totals from the database, followed by
the most recent events. With --visitor it lists that visitor's history
instead.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().Int("events", 10, "Number of recent events to list")
	statsCmd.Flags().String("visitor", "", "List events for this visitor ID only")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	stats, err := st.LoadStats()
	if err != nil {
		return fmt.Errorf("failed to load stats: %w", err)
	}

	fmt.Printf("Visitors: %d\n", stats.TotalVisitors)
	fmt.Printf("Events: %d (%d entries, %d exits)\n", stats.TotalEvents, stats.EntryEvents, stats.ExitEvents)

	limit := mustGetInt(cmd, "events")
	var events []event.Event
	if visitor := mustGetString(cmd, "visitor"); visitor != "" {
		visitorID, err := uuid.Parse(visitor)
		if err != nil {
			return fmt.Errorf("invalid visitor id %q: %w", visitor, err)
		}
		events, err = st.VisitorEvents(visitorID, limit)
		if err != nil {
			return fmt.Errorf("failed to load visitor events: %w", err)
		}
	} else {
		events, err = st.RecentEvents(limit)
		if err != nil {
			return fmt.Errorf("failed to load recent events: %w", err)
		}
	}

	if len(events) == 0 {
		return nil
	}

	fmt.Println()
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-5s  %s", ev.Timestamp.Format(time.RFC3339), ev.Kind, ev.VisitorID)
		if ev.SnapshotPath != "" {
			line += "  " + ev.SnapshotPath
		}
		fmt.Println(line)
	}
	return nil
}
