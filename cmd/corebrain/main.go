// Package main provides the CoreBrain CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nervomem/corebrain/internal/causal"
	"github.com/nervomem/corebrain/internal/config"
	"github.com/nervomem/corebrain/internal/embedding"
	"github.com/nervomem/corebrain/internal/engine"
	"github.com/nervomem/corebrain/internal/types"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "corebrain",
		Short: "CoreBrain - neuro-symbolic memory engine for LLM agents",
		Long: `CoreBrain stores, ranks and connects an agent's memories:
vector similarity search over embedded entries, a causal hypergraph
of typed relationships between them, and two learning subsystems
(pattern-weight reinforcement and entry-level Q-learning) that bias
ranking toward what has proven useful.

This CLI is an administrative shell over the facade, not a protocol
server: every subcommand opens the store, does one thing, and closes
it again.`,
	}
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (empty: in-memory, discarded on exit)")
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file (optional)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("corebrain v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newStoreCmd())
	rootCmd.AddCommand(newQueryCmd())
	rootCmd.AddCommand(newCausalCmd())
	rootCmd.AddCommand(newLearnCmd())
	rootCmd.AddCommand(newFeedbackCmd())
	rootCmd.AddCommand(newStatsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.LoadFromEnv(), nil
	}
	return config.LoadConfigOrDefault(path)
}

func openEngine(cmd *cobra.Command) (*engine.Engine, context.Context, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	var embedder embedding.Embedder
	if cfg.Embedding.Provider != "" {
		embedder, err = embedding.New(cfg.Embedding.ToEmbedderConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("configuring embedding provider: %w", err)
		}
	}

	ctx := context.Background()
	eng, err := engine.Open(ctx, dataDir, cfg, embedder)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	return eng, ctx, nil
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a data directory and a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			if dataDir == "" {
				return fmt.Errorf("init requires --data-dir")
			}
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}

			cfgPath := dataDir + "/corebrain.yaml"
			body := `# CoreBrain configuration
storage:
  data_dir: ` + dataDir + `
vector:
  dimensions: 768
embedding:
  provider: ollama
  api_url: http://localhost:11434
  model: mxbai-embed-large
`
			if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}
			fmt.Printf("initialized %s\n", dataDir)
			fmt.Printf("config written to %s\n", cfgPath)
			return nil
		},
	}
	return cmd
}

func newStoreCmd() *cobra.Command {
	var tags []string
	var sessionID, agentID, source string
	var confidence, relevance float64
	var parents []string

	cmd := &cobra.Command{
		Use:   "store [content]",
		Short: "Store a new memory entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, ctx, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			meta := types.EntryMeta{Source: types.Source(source), Tags: tags, SessionID: sessionID, AgentID: agentID}
			parentIDs := make([]types.EntryID, len(parents))
			for i, p := range parents {
				parentIDs[i] = types.EntryID(p)
			}

			entry, err := eng.Store(ctx, args[0], meta, parentIDs, confidence, relevance)
			if err != nil {
				return err
			}
			return printJSON(entry)
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&source, "source", "", "entry source: user, agent, tool, system, or external (default user)")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.8, "confidence in [0,1]")
	cmd.Flags().Float64Var(&relevance, "importance", 0.5, "importance in [0,1]")
	cmd.Flags().StringSliceVar(&parents, "parent", nil, "parent entry id (repeatable)")
	return cmd
}

func newQueryCmd() *cobra.Command {
	var topK int
	var tags []string
	var minImportance float64
	var useMemRL bool

	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Search stored memories by similarity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, ctx, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			results, err := eng.Query(ctx, args[0], engine.QueryOptions{
				TopK:          topK,
				RequiredTags:  tags,
				MinImportance: minImportance,
				UseMemRL:      useMemRL,
			})
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 10, "number of results")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "required tag (repeatable)")
	cmd.Flags().Float64Var(&minImportance, "min-importance", 0, "minimum importance")
	cmd.Flags().BoolVar(&useMemRL, "memrl", false, "rerank with MemRL instead of pattern weights")
	return cmd
}

func newCausalCmd() *cobra.Command {
	causalCmd := &cobra.Command{
		Use:   "causal",
		Short: "Causal hypergraph operations",
	}

	var sources, targets []string
	var relType string
	var strength float64
	var ttl time.Duration

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a causal edge between entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, ctx, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			srcIDs := toEntryIDs(sources)
			dstIDs := toEntryIDs(targets)
			var ttlPtr *time.Duration
			if ttl > 0 {
				ttlPtr = &ttl
			}

			edge, err := eng.AddCausal(ctx, srcIDs, dstIDs, types.RelationType(relType), strength, ttlPtr)
			if err != nil {
				return err
			}
			return printJSON(edge)
		},
	}
	addCmd.Flags().StringSliceVar(&sources, "source", nil, "source entry id (repeatable)")
	addCmd.Flags().StringSliceVar(&targets, "target", nil, "target entry id (repeatable)")
	addCmd.Flags().StringVar(&relType, "type", string(types.RelationCauses), "relation type")
	addCmd.Flags().Float64Var(&strength, "strength", 1.0, "edge strength in [0,1]")
	addCmd.Flags().DurationVar(&ttl, "ttl", 0, "time-to-live (0: permanent)")
	causalCmd.AddCommand(addCmd)

	var source, target string
	var maxDepth int
	pathsCmd := &cobra.Command{
		Use:   "paths",
		Short: "Find causal paths between two entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			paths := eng.FindPaths(types.EntryID(source), types.EntryID(target), causalTraversalOptions(maxDepth))
			return printJSON(paths)
		},
	}
	pathsCmd.Flags().StringVar(&source, "source", "", "source entry id")
	pathsCmd.Flags().StringVar(&target, "target", "", "target entry id")
	pathsCmd.Flags().IntVar(&maxDepth, "max-depth", 5, "maximum traversal depth")
	causalCmd.AddCommand(pathsCmd)

	var lineageID string
	var lineageDepth int
	lineageCmd := &cobra.Command{
		Use:   "lineage",
		Short: "Trace an entry's ancestor chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, ctx, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			entries, err := eng.TraceLineage(ctx, types.EntryID(lineageID), lineageDepth)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	lineageCmd.Flags().StringVar(&lineageID, "id", "", "entry id")
	lineageCmd.Flags().IntVar(&lineageDepth, "max-depth", 10, "maximum ancestor depth")
	causalCmd.AddCommand(lineageCmd)

	return causalCmd
}

func newLearnCmd() *cobra.Command {
	var trajectoryID string
	var quality float64

	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Apply a quality signal to a past query's trajectory",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, ctx, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			result, err := eng.Learn(ctx, types.TrajectoryID(trajectoryID), quality)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&trajectoryID, "trajectory", "", "trajectory id returned by a prior query")
	cmd.Flags().Float64Var(&quality, "quality", 0.5, "quality in [0,1]")
	return cmd
}

func newFeedbackCmd() *cobra.Command {
	var queryID string
	var reward float64

	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Apply a reward to a past MemRL-ranked query",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, ctx, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			result, err := eng.ProvideMemRLFeedback(ctx, types.MemRLQueryID(queryID), reward)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&queryID, "query", "", "memrl query id returned by a prior query --memrl")
	cmd.Flags().Float64Var(&reward, "reward", 0, "reward in [-1,1]")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show basic store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			fmt.Println("store opened successfully; per-entry statistics are available through query/causal subcommands")
			return nil
		},
	}
}

func causalTraversalOptions(maxDepth int) causal.TraversalOptions {
	return causal.TraversalOptions{Direction: causal.DirectionForward, MaxDepth: maxDepth}
}

func toEntryIDs(raw []string) []types.EntryID {
	ids := make([]types.EntryID, len(raw))
	for i, r := range raw {
		ids[i] = types.EntryID(strings.TrimSpace(r))
	}
	return ids
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
