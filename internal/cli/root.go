// Package cli implements the tiered-memory CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/observe"
	"github.com/rcliao/tiered-memory/internal/store"
)

var (
	configPath string
	dbPath     string
	formatFlag string
	verbose    bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "tiered-memory",
	Short: "Tiered long-term memory for a conversational companion",
	Long: "Working, episodic and semantic memory in one SQLite file. Observations land in the\n" +
		"working tier; consolidation promotes them into episodes and distils weekly patterns.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./tiered-memory.yaml or ~/.tiered-memory/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $TMEM_STORE_PATH or ~/.tiered-memory/memory.db)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

// app holds what a command needs, built from the merged configuration.
type app struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	obs      *observe.Observer
	metrics  *metrics.Manager
	embedder embedding.Embedder
}

func loadConfig() (*config.Config, error) {
	overrides := map[string]interface{}{}
	if dbPath != "" {
		overrides["store.path"] = dbPath
	}
	if verbose {
		overrides["log.level"] = "debug"
	}
	return config.Load(configPath, overrides)
}

// newApp opens the store. Metrics are only collected when withMetrics is
// set, since a one-shot command has nobody to scrape them.
func newApp(withMetrics bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	obs := observe.FromConfig(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	m := metrics.NoOpManager()
	if withMetrics && cfg.Metrics.Enabled {
		m = metrics.NewManager(metrics.DefaultConfig())
	}

	emb, err := embedding.New(embedding.Options{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		URL:      cfg.Embedding.URL,
		APIKey:   cfg.Embedding.APIKey,
		Dims:     cfg.Embedding.Dims,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Store.Path, store.WithVectorCandidates(cfg.Recall.VectorCandidates))
	if err != nil {
		return nil, err
	}
	obs.Log().Debug().Str("db", cfg.Store.Path).Str("embedding", cfg.Embedding.Provider).Msg("store opened")

	return &app{cfg: cfg, store: s, obs: obs, metrics: m, embedder: emb}, nil
}

func (a *app) Close() {
	a.store.Close()
	a.obs.Close()
}

func mustApp(withMetrics bool) *app {
	a, err := newApp(withMetrics)
	if err != nil {
		exitErr("open store", err)
	}
	return a
}

// printOut writes v as indented JSON, or through text when --format=text.
func printOut(v interface{}, text func(w io.Writer)) {
	if formatFlag == "text" && text != nil {
		text(os.Stdout)
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func parseTimeFlag(cmd *cobra.Command, name string) (*time.Time, error) {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Plain dates are accepted too.
		if t, err = time.Parse("2006-01-02", s); err != nil {
			return nil, fmt.Errorf("--%s: want RFC3339 or YYYY-MM-DD, got %q", name, s)
		}
	}
	return &t, nil
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
