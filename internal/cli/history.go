package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"buildcore/internal/history"
)

func (a *app) historyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the execution history",
	}

	var (
		q         history.Query
		action    string
		since     time.Duration
		asJSON    bool
		olderThan time.Duration
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if action != "" {
				d, err := parseDigest(action)
				if err != nil {
					return err
				}
				q.Action = d
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			return a.withHistory(cmd.Context(), func(ctx context.Context, h *history.Store) error {
				recs, err := h.List(ctx, q)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(a.stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(recs)
				}
				w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "FINISHED\tLOCATION\tCACHE\tEXIT\tDURATION\tATTEMPTS\tDESCRIPTION\tERROR")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\t%d\t%s\t%s\n",
						r.FinishedAt.Local().Format(time.DateTime), r.Location, r.CacheHit, r.ExitCode,
						r.Duration.Round(time.Millisecond), r.Attempts, r.Description, r.Error)
				}
				return w.Flush()
			})
		},
	}
	lf := list.Flags()
	lf.BoolVar(&q.FailedOnly, "failed", false, "only failed executions")
	lf.StringVar(&q.Location, "location", "", "only executions at this location: local, remote or cache")
	lf.IntVar(&q.Limit, "limit", 50, "maximum number of rows; 0 means all")
	lf.StringVar(&action, "action", "", "only executions of this action digest")
	lf.DurationVar(&since, "since", 0, "only executions that finished within this duration")
	lf.BoolVar(&asJSON, "json", false, "print JSON")

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Print totals",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withHistory(cmd.Context(), func(ctx context.Context, h *history.Store) error {
				s, err := h.Summary(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "total\t%d\n", s.Total)
				fmt.Fprintf(w, "cache hits\t%d\n", s.CacheHits)
				fmt.Fprintf(w, "failures\t%d\n", s.Failures)
				locs := make([]string, 0, len(s.ByLocation))
				for l := range s.ByLocation {
					locs = append(locs, l)
				}
				sort.Strings(locs)
				for _, l := range locs {
					fmt.Fprintf(w, "%s\t%d\n", l, s.ByLocation[l])
				}
				return w.Flush()
			})
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete executions older than --older-than",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return invalidInvocationf("--older-than must be positive")
			}
			return a.withHistory(cmd.Context(), func(ctx context.Context, h *history.Store) error {
				n, err := h.Prune(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "deleted %d executions\n", n)
				return nil
			})
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the oldest execution to keep")

	cmd.AddCommand(list, summary, prune)
	return cmd
}

func (a *app) withHistory(ctx context.Context, fn func(context.Context, *history.Store) error) error {
	c, err := a.config()
	if err != nil {
		return err
	}
	if c.History.Path == "" {
		return configError(fmt.Errorf("history.path is not set"))
	}
	h, err := history.Open(c.History.Path)
	if err != nil {
		return configError(err)
	}
	defer h.Close()
	return fn(ctx, h)
}
