package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/migrate"
	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bootstrap the tiers from a legacy memory store",
		Long: "Classify legacy records into working, episodic or semantic memory and write them.\n" +
			"Reads JSON lines (--jsonl, '-' for stdin) or an agent-memory SQLite database (--agent-memory).\n" +
			"Re-running over the same input writes nothing new.",
		Args: cobra.NoArgs,
		Run:  runMigrate,
	}

	cmd.Flags().String("jsonl", "", "JSON lines file, or - for stdin")
	cmd.Flags().String("agent-memory", "", "Path to an agent-memory database")
	cmd.Flags().Bool("dry-run", false, "Classify and report without writing")
	cmd.MarkFlagsMutuallyExclusive("jsonl", "agent-memory")
	cmd.MarkFlagsOneRequired("jsonl", "agent-memory")

	RootCmd.AddCommand(cmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	jsonlPath, _ := cmd.Flags().GetString("jsonl")
	legacyPath, _ := cmd.Flags().GetString("agent-memory")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	ctx := cmd.Context()

	var src migrate.Source
	switch {
	case legacyPath != "":
		s, err := migrate.OpenAgentMemory(ctx, legacyPath)
		if err != nil {
			exitErr("open legacy store", err)
		}
		src = s
	case jsonlPath == "-":
		src = migrate.NewJSONLSource(os.Stdin)
	default:
		f, err := os.Open(jsonlPath)
		if err != nil {
			exitErr("open jsonl", err)
		}
		defer f.Close()
		src = migrate.NewJSONLSource(f)
	}
	defer src.Close()

	a := mustApp(false)
	defer a.Close()

	m := migrate.New(a.store, a.cfg.Migration, a.cfg.Consolidation,
		migrate.WithDryRun(dryRun),
		migrate.WithObserver(a.obs),
		migrate.WithMetrics(a.metrics),
	)
	rep, err := m.Run(ctx, src)
	if err != nil {
		exitErr("migrate", err)
	}

	printOut(rep, func(w io.Writer) {
		prefix := ""
		if rep.DryRun {
			prefix = "(dry run) "
		}
		fmt.Fprintf(w, "%sprocessed=%d working=%d episodic=%d semantic=%d duplicates=%d skipped=%d errors=%d\n",
			prefix, rep.Processed, rep.Written[model.TierWorking], rep.Written[model.TierEpisodic],
			rep.Written[model.TierSemantic], rep.Duplicates, rep.Skipped, len(rep.Errors))
		for _, e := range rep.Errors {
			fmt.Fprintf(w, "  %v\n", e)
		}
	})
}
