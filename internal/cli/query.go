package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "query <tier>",
		Short: "Query a single tier",
		Long:  "Filter one tier by text, time range, emotion and importance, most relevant first.",
		Args:  cobra.ExactArgs(1),
		Run:   runQuery,
	}

	addFilterFlags(cmd)
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

// addFilterFlags registers the flags shared by query and recall.
func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("text", "", "Free text to match")
	cmd.Flags().String("since", "", "Only records at or after this time")
	cmd.Flags().String("until", "", "Only records at or before this time")
	cmd.Flags().StringP("emotion", "e", "", "Only records with this emotion")
	cmd.Flags().Int("min-importance", 0, "Only records at or above this importance")
	cmd.Flags().Bool("include-archived", false, "Include archived episodes")
}

func runQuery(cmd *cobra.Command, args []string) {
	tier, err := model.ParseTier(args[0])
	if err != nil {
		exitErr("query", err)
	}
	f := model.Filter{}
	f.Text, _ = cmd.Flags().GetString("text")
	f.Emotion, _ = cmd.Flags().GetString("emotion")
	f.MinImportance, _ = cmd.Flags().GetInt("min-importance")
	f.IncludeArchived, _ = cmd.Flags().GetBool("include-archived")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	if f.Since, err = parseTimeFlag(cmd, "since"); err != nil {
		exitErr("query", err)
	}
	if f.Until, err = parseTimeFlag(cmd, "until"); err != nil {
		exitErr("query", err)
	}

	a := mustApp(false)
	defer a.Close()

	if f.Text != "" && a.embedder != nil {
		if vec, err := a.embedder.Embed(cmd.Context(), f.Text); err == nil {
			f.Embedding = vec
		} else {
			a.obs.Log().Warn().Err(err).Msg("query embedding failed, matching text only")
		}
	}

	hits, err := a.store.Query(cmd.Context(), tier, f)
	if err != nil {
		exitErr("query", err)
	}

	printOut(hits, func(w io.Writer) {
		for _, h := range hits {
			b := h.Record.GetBase()
			fmt.Fprintf(w, "%.3f  %s  [%s/%s]  %s\n", h.Relevance, b.ID, b.Topic, b.Emotion, oneLine(b.Content, 80))
		}
	})
}
