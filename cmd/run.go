package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatesight/facecount/pipeline"
	"github.com/gatesight/facecount/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Play a detection script through the counting pipeline",
	Long: `Run plays a recorded detection script (JSON) through the full
pipeline: tracking, identity resolution, event emission and persistence.
The visitor registry and event log land in the configured SQLite database,
so a second run against the same database recognizes returning visitors.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("input", "", "Path to the detection script (JSON)")
	runCmd.Flags().Int("workers", -1, "Embedding workers (overrides config, 0 resolves inline)")
	runCmd.Flags().String("output", "", "Snapshot output directory (overrides config)")
	_ = runCmd.MarkFlagRequired("input")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workers := mustGetInt(cmd, "workers"); workers >= 0 {
		cfg.Workers = &workers
	}
	if output := mustGetString(cmd, "output"); output != "" {
		cfg.OutputDir = &output
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	script, err := pipeline.LoadScript(mustGetString(cmd, "input"))
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	p, err := pipeline.New(cfg, st, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nStopping...")
		cancel()
	}()

	summary, runErr := p.Run(ctx, pipeline.NewScriptSource(script, time.Now()))

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := p.Close(closeCtx); err != nil {
		fmt.Printf("Warning: journal did not flush cleanly: %v\n", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	name := script.Name
	if name == "" {
		name = mustGetString(cmd, "input")
	}
	fmt.Printf("Script: %s\n", name)
	fmt.Printf("Frames: %d (%d with detector)\n", summary.Frames, summary.DetectorFrames)
	fmt.Printf("Entries: %d\n", summary.Entries)
	fmt.Printf("Exits: %d\n", summary.Exits)
	fmt.Printf("Still inside: %d\n", summary.OpenEntries)
	fmt.Printf("Visitors known: %d\n", summary.Visitors)
	if summary.Inconclusive > 0 {
		fmt.Printf("Inconclusive resolutions: %d\n", summary.Inconclusive)
	}
	if summary.StaleResults > 0 {
		fmt.Printf("Stale results discarded: %d\n", summary.StaleResults)
	}
	if summary.EmbedFailures > 0 {
		fmt.Printf("Embedding failures: %d\n", summary.EmbedFailures)
	}
	if summary.DroppedWrites > 0 {
		fmt.Printf("Journal entries dropped: %d\n", summary.DroppedWrites)
	}
	return nil
}
