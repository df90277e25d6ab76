package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired working records",
		Long:  "Delete working records older than their 24h lifetime. Nightly consolidation does this too.",
		Args:  cobra.NoArgs,
		Run:   runSweep,
	}

	RootCmd.AddCommand(cmd)
}

func runSweep(cmd *cobra.Command, args []string) {
	a := mustApp(false)
	defer a.Close()

	n, err := a.store.DeleteExpiredWorking(cmd.Context(), time.Now())
	if err != nil {
		exitErr("sweep", err)
	}
	a.obs.Log().Info().Int("deleted", n).Msg("expired working records swept")
	printOut(map[string]int{"deleted": n}, func(w io.Writer) { fmt.Fprintf(w, "deleted %d\n", n) })
}
