// openmemory is the command-line surface over the memory engine: add and
// search memories, inspect maintenance stats and wipe tenants. Output is JSON
// so it composes with jq and scripts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	openmemory "github.com/lucivskvn/openmemory"
)

var (
	flagDB      string
	flagConfig  string
	flagTenant  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "openmemory",
		Short:         "Hierarchical memory engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite database path")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config path")
	root.PersistentFlags().StringVar(&flagTenant, "tenant", "", "tenant ID (empty = system bucket)")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "debug logging")

	root.AddCommand(addCmd(), searchCmd(), statsCmd(), auditCmd(), wipeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "openmemory: %v\n", err)
		os.Exit(1)
	}
}

func openEngine() (*openmemory.Engine, error) {
	var cfg openmemory.Config
	if flagConfig != "" {
		loaded, err := openmemory.LoadConfig(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	cfg.Verbose = flagVerbose
	return openmemory.Init(cfg)
}

func callerContext() openmemory.SecurityContext {
	scope := openmemory.NormalizeTenantID(flagTenant)
	if scope.All {
		return openmemory.AdminContext()
	}
	if scope.Tenant == nil {
		return openmemory.SecurityContext{}
	}
	return openmemory.TenantContext(*scope.Tenant)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func addCmd() *cobra.Command {
	var sector string
	var salience float64
	var tags []string

	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Store one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			mem, err := engine.Add(context.Background(), callerContext(), openmemory.AddRequest{
				Content:  args[0],
				Sector:   openmemory.Sector(sector),
				Tags:     tags,
				Salience: salience,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"id":       mem.ID,
				"sector":   mem.PrimarySector,
				"salience": mem.Salience,
			})
		},
	}
	cmd.Flags().StringVar(&sector, "sector", "", "sector override")
	cmd.Flags().Float64Var(&salience, "salience", 0, "initial salience (default 0.5)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	return cmd
}

func searchCmd() *cobra.Command {
	var limit int
	var minSalience float64
	var sectors []string
	var activate bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			filter := openmemory.SearchFilter{MinSalience: minSalience}
			for _, s := range sectors {
				filter.Sectors = append(filter.Sectors, openmemory.Sector(s))
			}
			matches, err := engine.Search(context.Background(), callerContext(), openmemory.SearchRequest{
				Query:    args[0],
				K:        limit,
				Filter:   filter,
				Activate: activate,
			})
			if err != nil {
				return err
			}
			out := make([]map[string]any, len(matches))
			for i, m := range matches {
				out[i] = map[string]any{
					"id":        m.ID,
					"content":   m.Content,
					"score":     m.Score,
					"sector":    m.PrimarySector,
					"salience":  m.Salience,
					"last_seen": m.LastSeenAt.Format(time.RFC3339),
				}
			}
			return printJSON(out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max results (default 10)")
	cmd.Flags().Float64Var(&minSalience, "min-salience", 0, "drop results under this salience")
	cmd.Flags().StringSliceVar(&sectors, "sector", nil, "restrict to sectors (repeatable)")
	cmd.Flags().BoolVar(&activate, "activate", false, "spread activation over waypoints")
	return cmd
}

func statsCmd() *cobra.Command {
	var statType string
	var limit int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show maintenance task stats and recent log rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			count, err := engine.Count(callerContext())
			if err != nil {
				return err
			}
			recent, err := engine.Store().RecentStats(statType, limit)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"memories": count,
				"tasks":    engine.TaskStats(),
				"log":      recent,
			})
		},
	}
	cmd.Flags().StringVar(&statType, "type", "decay", "log type: decay, reflect, user_summary, classifier_train, waypoint_prune, error")
	cmd.Flags().IntVar(&limit, "limit", 10, "log rows to show")
	return cmd
}

func auditCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent destructive operations in the tenant's scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			entries, err := engine.Store().RecentAudit(callerContext().Scope(), limit)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to show")
	return cmd
}

func wipeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete every memory in the tenant's scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to wipe without --yes")
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			n, err := engine.DeleteAll(callerContext(), nil)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"deleted": n})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}
