package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/rfarrell/chartsync/internal/store"
	"github.com/rfarrell/chartsync/internal/ui"
)

var (
	queueListStatus string
	queueListSince  string
	queueListBefore string
	queuePurgeOlder string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the local mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	Long: `List mutations in the local queue, newest last.

Times accept natural language, e.g. --since "2 hours ago" or
--before "yesterday".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q := openQueue(cfg, newLogger())
		defer q.Close()

		var muts []*store.Mutation
		if queueListStatus != "" {
			status := store.Status(queueListStatus)
			if !status.Valid() {
				return fmt.Errorf("unknown status %q (want pending, syncing, failed, or conflict)", queueListStatus)
			}
			muts, err = q.ByStatus(cmd.Context(), status)
		} else {
			muts, err = q.All(cmd.Context())
		}
		if err != nil {
			return err
		}

		if queueListSince != "" {
			since, err := parseWhen(queueListSince)
			if err != nil {
				return err
			}
			muts = filterMutations(muts, func(m *store.Mutation) bool { return !m.CreatedAt.Before(since) })
		}
		if queueListBefore != "" {
			before, err := parseWhen(queueListBefore)
			if err != nil {
				return err
			}
			muts = filterMutations(muts, func(m *store.Mutation) bool { return m.CreatedAt.Before(before) })
		}

		if len(muts) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}

		fmt.Printf("%s\n", ui.RenderHeader(fmt.Sprintf("%-36s  %-8s  %-20s  %-10s  %-8s  %s", "ID", "OP", "TABLE/ENTITY", "STATUS", "RETRIES", "AGE")))
		now := time.Now()
		for _, m := range muts {
			entity := fmt.Sprintf("%s/%s", m.Table, m.EntityID)
			if len(entity) > 20 {
				entity = entity[:17] + "..."
			}
			line := fmt.Sprintf("%-36s  %-8s  %-20s  %-10s  %-8s  %s",
				m.ID, m.Operation, entity, renderStatus(m.Status),
				fmt.Sprintf("%d/%d", m.RetryCount, m.MaxRetries),
				formatAge(now.Sub(m.CreatedAt)))
			fmt.Println(line)
			if m.LastError != "" {
				fmt.Printf("    %s\n", ui.RenderDim("last error: "+m.LastError))
			}
		}
		fmt.Printf("\n%d mutations\n", len(muts))
		return nil
	},
}

var queueSizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Show queue depth by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q := openQueue(cfg, newLogger())
		defer q.Close()

		muts, err := q.All(cmd.Context())
		if err != nil {
			return err
		}

		byStatus := make(map[store.Status]int)
		for _, m := range muts {
			byStatus[m.Status]++
		}

		fmt.Printf("Total: %d\n", len(muts))
		for _, s := range []store.Status{store.StatusPending, store.StatusSyncing, store.StatusFailed, store.StatusConflict} {
			if byStatus[s] > 0 {
				fmt.Printf("  %s: %d\n", s, byStatus[s])
			}
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset failed mutations to pending",
	Long: `Reset all failed mutations to pending so the next sync pass picks
them up again. Their retry counters start over.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q := openQueue(cfg, newLogger())
		defer q.Close()

		n, err := q.RetryFailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s Reset %d failed mutations to pending\n", ui.RenderPass("✓"), n)
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete failed mutations older than a cutoff",
	Long: `Delete failed mutations created before the cutoff. This discards
the queued edits permanently; use 'queue retry' first if they should get
another attempt.

The cutoff accepts natural language, e.g. --older-than "30 days ago".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if queuePurgeOlder == "" {
			return fmt.Errorf("--older-than is required")
		}
		cutoff, err := parseWhen(queuePurgeOlder)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q := openQueue(cfg, newLogger())
		defer q.Close()

		n, err := q.PurgeFailedBefore(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("%s Purged %d failed mutations older than %s\n", ui.RenderPass("✓"), n, cutoff.Format("2006-01-02 15:04"))
		return nil
	},
}

// parseWhen parses a natural-language or RFC3339 time expression.
func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", s)
	}
	return r.Time, nil
}

func filterMutations(muts []*store.Mutation, keep func(*store.Mutation) bool) []*store.Mutation {
	out := muts[:0]
	for _, m := range muts {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

// renderStatus colors a mutation status for terminal display.
func renderStatus(s store.Status) string {
	switch s {
	case store.StatusFailed:
		return ui.RenderFail(string(s))
	case store.StatusConflict:
		return ui.RenderWarn(string(s))
	case store.StatusSyncing:
		return ui.RenderAccent(string(s))
	default:
		return string(s)
	}
}

// formatAge renders a duration in the largest sensible unit.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "filter by status (pending, syncing, failed, conflict)")
	queueListCmd.Flags().StringVar(&queueListSince, "since", "", "only mutations created at or after this time")
	queueListCmd.Flags().StringVar(&queueListBefore, "before", "", "only mutations created before this time")
	queuePurgeCmd.Flags().StringVar(&queuePurgeOlder, "older-than", "", "purge failed mutations created before this time")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueSizeCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}
