package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <tier> <id>",
		Short: "Retrieve one record with its provenance",
		Args:  cobra.ExactArgs(2),
		Run:   runGet,
	}

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	tier, err := model.ParseTier(args[0])
	if err != nil {
		exitErr("get", err)
	}

	a := mustApp(false)
	defer a.Close()

	rec, err := a.store.GetByID(cmd.Context(), tier, args[1])
	if err != nil {
		exitErr("get", err)
	}
	links, err := a.store.GetLinks(cmd.Context(), args[1])
	if err != nil {
		exitErr("links", err)
	}

	out := struct {
		Tier       model.Tier         `json:"tier"`
		Record     model.Record       `json:"record"`
		Provenance []store.Provenance `json:"provenance,omitempty"`
	}{tier, rec, links}

	printOut(out, func(w io.Writer) {
		b := rec.GetBase()
		fmt.Fprintf(w, "%s %s [%s/%s] importance=%d\n%s\n", tier, b.ID, b.Topic, b.Emotion, b.Importance, b.Content)
		for _, l := range links {
			fmt.Fprintf(w, "  %s --%s--> %s\n", l.FromID, l.Rel, l.ToID)
		}
	})
}
