package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arenalab/collection-core/internal/arena"
)

func newRunCmd() *cobra.Command {
	var (
		arenaName  string
		platform   string
		terms      []string
		actorIDs   []string
		budget     int64
		maxResults int
		tier       string
		stream     bool
		dateFrom   string
		dateTo     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one collection run and wait for it to finish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFromContext(cmd)
			if err != nil {
				return err
			}

			key := arena.Key{Arena: arenaName, Platform: platform}
			if _, ok := a.Registry.Lookup(key); !ok {
				return fmt.Errorf("no adapter registered for %s", key)
			}
			if len(terms) == 0 && len(actorIDs) == 0 {
				return fmt.Errorf("at least one of --terms or --actors is required")
			}

			cfg := arena.ArenaConfig{
				Key:        key,
				Terms:      terms,
				ActorIDs:   actorIDs,
				MaxResults: maxResults,
				Tier:       tier,
			}
			if cfg.DateFrom, err = parseDateFlag(dateFrom); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if cfg.DateTo, err = parseDateFlag(dateTo); err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			runID, err := a.IDs.NewID()
			if err != nil {
				return fmt.Errorf("generate run id: %w", err)
			}
			run := arena.CollectionRun{
				ID:           runID,
				ArenaConfigs: []arena.ArenaConfig{cfg},
				Budget:       budget,
				Status:       arena.RunStatusPending,
			}
			if err := a.RunStore.CreateRun(cmd.Context(), run); err != nil {
				return fmt.Errorf("create run: %w", err)
			}

			a.Logger.Info("starting run", zap.String("run_id", runID), zap.String("key", key.String()))
			execute := a.Orchestrator.Execute
			if stream {
				execute = a.Orchestrator.ExecuteStream
			}
			if err := execute(cmd.Context(), runID); err != nil {
				return fmt.Errorf("execute run: %w", err)
			}

			final, err := a.RunStore.GetRun(cmd.Context(), runID)
			if err != nil {
				return fmt.Errorf("load final run state: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(final)
		},
	}

	cmd.Flags().StringVar(&arenaName, "arena", "", "arena name (required)")
	cmd.Flags().StringVar(&platform, "platform", "", "platform name (required)")
	cmd.Flags().StringSliceVar(&terms, "terms", nil, "search terms")
	cmd.Flags().StringSliceVar(&actorIDs, "actors", nil, "actor/account IDs")
	cmd.Flags().Int64Var(&budget, "budget", 1000, "credit budget for the run")
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "per-call result cap (enables pagination)")
	cmd.Flags().StringVar(&tier, "tier", "", "credential tier")
	cmd.Flags().BoolVar(&stream, "stream", false, "run as a long-lived streaming collection")
	cmd.Flags().StringVar(&dateFrom, "from", "", "collect content published on/after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&dateTo, "to", "", "collect content published on/before this date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("arena")
	_ = cmd.MarkFlagRequired("platform")

	return cmd
}

func parseDateFlag(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, fmt.Errorf("expected YYYY-MM-DD, got %q", v)
	}
	return &t, nil
}
