package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/recall"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall [text]",
		Short: "Recall across all tiers",
		Long:  "Query every tier, score the hits and merge them into one ranked list. With --budget the list is packed into roughly that many tokens.",
		Run:   runRecall,
	}

	addFilterFlags(cmd)
	cmd.Flags().IntP("limit", "l", 0, "Max results (default from config)")
	cmd.Flags().IntP("budget", "b", 0, "Token budget; 0 disables packing")

	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	q := recall.Query{Text: strings.Join(args, " ")}
	if t, _ := cmd.Flags().GetString("text"); t != "" {
		q.Text = t
	}
	q.Emotion, _ = cmd.Flags().GetString("emotion")
	q.MinImportance, _ = cmd.Flags().GetInt("min-importance")
	q.IncludeArchived, _ = cmd.Flags().GetBool("include-archived")
	q.Limit, _ = cmd.Flags().GetInt("limit")
	q.Budget, _ = cmd.Flags().GetInt("budget")
	var err error
	if q.Since, err = parseTimeFlag(cmd, "since"); err != nil {
		exitErr("recall", err)
	}
	if q.Until, err = parseTimeFlag(cmd, "until"); err != nil {
		exitErr("recall", err)
	}

	a := mustApp(false)
	defer a.Close()

	svc := recall.NewService(a.store, a.cfg.Recall,
		recall.WithEmbedder(a.embedder),
		recall.WithObserver(a.obs),
		recall.WithMetrics(a.metrics),
	)
	res, err := svc.Recall(cmd.Context(), q)
	if err != nil {
		if !model.IsUnavailable(err) {
			exitErr("recall", err)
		}
		fmt.Fprintf(os.Stderr, "warning: memory store unavailable: %v\n", err)
		res = &recall.Result{Items: []recall.Item{}, Counts: map[model.Tier]int{}, Partial: true}
	}
	for tier, msg := range res.TierErrors {
		fmt.Fprintf(os.Stderr, "warning: %s tier skipped: %s\n", tier, msg)
	}

	printOut(res, func(w io.Writer) {
		for _, it := range res.Items {
			b := it.Record.GetBase()
			fmt.Fprintf(w, "%.3f  %-8s  [%s/%s]  %s\n", it.Score, it.Tier, b.Topic, b.Emotion, oneLine(b.Content, 80))
		}
	})
}
