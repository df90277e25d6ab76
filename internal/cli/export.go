package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every tier as JSON",
		Long:  "Export all working, episodic (archived included) and semantic records with their provenance.",
		Args:  cobra.NoArgs,
		Run:   runExport,
	}

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	a := mustApp(false)
	defer a.Close()

	snap, err := a.store.ExportAll(cmd.Context())
	if err != nil {
		exitErr("export", err)
	}

	printOut(snap, func(w io.Writer) {
		fmt.Fprintf(w, "working=%d episodic=%d semantic=%d\n", len(snap.Working), len(snap.Episodic), len(snap.Semantic))
	})
}
