package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	a := mustApp(false)
	defer a.Close()

	stats, err := a.store.Stats(cmd.Context(), a.cfg.Store.Path)
	if err != nil {
		exitErr("stats", err)
	}

	printOut(stats, func(w io.Writer) {
		fmt.Fprintf(w, "%s (%d bytes)\n", stats.DBPath, stats.DBSizeBytes)
		for _, t := range model.Tiers {
			fmt.Fprintf(w, "  %-8s %d\n", t, stats.Tiers[t])
		}
		fmt.Fprintf(w, "  expired working %d, archived episodes %d\n", stats.ExpiredWorking, stats.ArchivedEpisodes)
		for _, k := range stats.KnowledgeTypes {
			fmt.Fprintf(w, "  %-10s %d (avg confidence %.2f)\n", k.Type, k.Count, k.AvgConfidence)
		}
	})
}
