package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/consolidate"
	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Run a consolidation procedure",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "nightly",
		Short: "Promote important working records into episodes and sweep expired ones",
		Args:  cobra.NoArgs,
		Run:   runNightly,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "weekly",
		Short: "Extract recurring patterns into semantic memory and archive old episodes",
		Args:  cobra.NoArgs,
		Run:   runWeekly,
	})

	RootCmd.AddCommand(cmd)
}

func newEngine(a *app) *consolidate.Engine {
	return consolidate.New(a.store, a.cfg.Consolidation,
		consolidate.WithObserver(a.obs),
		consolidate.WithMetrics(a.metrics),
	)
}

func consolidationErr(procedure string, err error) {
	if errors.Is(err, model.ErrAlreadyRunning) {
		fmt.Fprintf(os.Stderr, "%s consolidation is already running\n", procedure)
		os.Exit(2)
	}
	if errors.Is(err, model.ErrLockLost) {
		fmt.Fprintf(os.Stderr, "%s consolidation lost its lock to another run and stopped early\n", procedure)
		os.Exit(2)
	}
	exitErr(procedure, err)
}

func runNightly(cmd *cobra.Command, args []string) {
	a := mustApp(false)
	defer a.Close()

	stats, err := newEngine(a).RunNightly(cmd.Context())
	if err != nil {
		consolidationErr("nightly", err)
	}
	printOut(stats, func(w io.Writer) {
		fmt.Fprintf(w, "groups=%d episodes=%d updated=%d promoted=%d pruned=%d failures=%d (%dms)\n",
			stats.Groups, stats.EpisodesCreated, stats.EpisodesUpdated, stats.RecordsPromoted, stats.RecordsPruned,
			len(stats.Failures), stats.DurationMS)
		for _, f := range stats.Failures {
			fmt.Fprintf(w, "  failed: %v\n", f)
		}
	})
}

func runWeekly(cmd *cobra.Command, args []string) {
	a := mustApp(false)
	defer a.Close()

	stats, err := newEngine(a).RunWeekly(cmd.Context())
	if err != nil {
		consolidationErr("weekly", err)
	}
	printOut(stats, func(w io.Writer) {
		fmt.Fprintf(w, "scanned=%d candidates=%d created=%d updated=%d unchanged=%d archived=%d failures=%d (%dms)\n",
			stats.EpisodesScanned, stats.Candidates, stats.PatternsCreated, stats.PatternsUpdated,
			stats.PatternsUnchanged, stats.EpisodesArchived, len(stats.Failures), stats.DurationMS)
		for _, f := range stats.Failures {
			fmt.Fprintf(w, "  failed: %v\n", f)
		}
	})
}
