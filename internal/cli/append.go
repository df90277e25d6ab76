package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/ingest"
)

func init() {
	cmd := &cobra.Command{
		Use:   "append [content]",
		Short: "Record an observation in working memory",
		Long:  "Record an observation. Content can be a positional arg or piped via stdin.",
		Run:   runAppend,
	}

	cmd.Flags().StringP("topic", "t", "", "Topic (default: general)")
	cmd.Flags().StringP("emotion", "e", "", "Emotion label (default: neutral)")
	cmd.Flags().IntP("importance", "i", 5, "Importance 1-10")
	cmd.Flags().StringP("session", "s", "", "Session id")

	RootCmd.AddCommand(cmd)
}

func runAppend(cmd *cobra.Command, args []string) {
	topic, _ := cmd.Flags().GetString("topic")
	emotion, _ := cmd.Flags().GetString("emotion")
	importance, _ := cmd.Flags().GetInt("importance")
	session, _ := cmd.Flags().GetString("session")

	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}

	a := mustApp(false)
	defer a.Close()

	svc := ingest.NewService(a.store, a.embedder, a.obs, a.metrics)
	id, err := svc.Append(cmd.Context(), ingest.Observation{
		Content:    content,
		Topic:      topic,
		Emotion:    emotion,
		Importance: importance,
		SessionID:  session,
	})
	if err != nil {
		exitErr("append", err)
	}

	printOut(map[string]string{"id": id}, func(w io.Writer) { fmt.Fprintln(w, id) })
}
