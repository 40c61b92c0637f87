package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/rfarrell/chartsync/internal/netmon"
	"github.com/rfarrell/chartsync/internal/resolve"
	"github.com/rfarrell/chartsync/internal/store"
	"github.com/rfarrell/chartsync/internal/ui"
)

var conflictResolution string

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve held conflicts",
	Long: `Manage mutations held for manual conflict resolution.

A mutation lands here when a sync pass found the server's copy changed
since the edit was captured and the resolution policy is manual (or the
resolver deferred). Held mutations do not block other entities from
syncing.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mutations held for manual resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q := openQueue(cfg, newLogger())
		defer q.Close()

		muts, err := q.ByStatus(cmd.Context(), store.StatusConflict)
		if err != nil {
			return err
		}

		if len(muts) == 0 {
			fmt.Printf("%s No conflicts awaiting resolution\n", ui.RenderPass("✓"))
			return nil
		}

		fmt.Printf("\n%s %d conflicts awaiting resolution\n\n", ui.RenderWarn("⚠"), len(muts))
		for _, m := range muts {
			fmt.Printf("%s  %s %s/%s\n", m.ID, m.Operation, m.Table, m.EntityID)
			if payload := compactJSON(m.Payload); payload != "" {
				fmt.Printf("    %s\n", ui.RenderDim("local: "+payload))
			}
		}
		fmt.Printf("\nRun 'chartsync conflicts resolve <id>' to resolve one.\n")
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <mutation-id>",
	Short: "Resolve one held conflict",
	Long: `Resolve a held conflict by choosing which side wins.

With --resolution the choice is applied directly; without it, an
interactive prompt shows both versions and asks. Resolving fetches the
server's current copy, so the backend must be reachable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mutationID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()

		q := openQueue(cfg, logger)
		defer q.Close()

		m, err := q.Get(cmd.Context(), mutationID)
		if err != nil {
			return fmt.Errorf("failed to load mutation %s: %w", mutationID, err)
		}
		if m.Status != store.StatusConflict {
			return fmt.Errorf("mutation %s is %s, not held for resolution", mutationID, m.Status)
		}

		choice := conflictResolution
		if choice == "" {
			if !ui.IsTerminal() {
				return fmt.Errorf("--resolution is required when not running interactively")
			}
			choice, err = promptResolution(m)
			if err != nil {
				return err
			}
		}

		resolution := resolve.Resolution(choice)
		if !resolution.Valid() || resolution == resolve.Manual {
			return fmt.Errorf("unknown resolution %q (want server-wins, client-wins, or merge)", choice)
		}

		backend, err := newBackend(cfg)
		if err != nil {
			return err
		}
		eng := newEngine(cfg, q, backend, netmon.Static{State: true}, logger)

		if err := eng.ResolveManual(cmd.Context(), mutationID, resolution); err != nil {
			return err
		}

		fmt.Printf("%s Resolved %s/%s as %s\n", ui.RenderPass("✓"), m.Table, m.EntityID, resolution)
		return nil
	},
}

// promptResolution shows both versions of the record and asks which wins.
func promptResolution(m *store.Mutation) (string, error) {
	var choice string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Conflict on %s/%s (%s)", m.Table, m.EntityID, m.Operation)).
				Description(fmt.Sprintf("Your version:     %s\nCaptured against: %s", compactJSON(m.Payload), compactJSON(m.Baseline))).
				Options(
					huh.NewOption("Keep the server's version (discard this edit)", "server-wins"),
					huh.NewOption("Keep my version (overwrite the server)", "client-wins"),
					huh.NewOption("Merge field by field (my fields win on overlap)", "merge"),
				).
				Value(&choice),
		),
	)

	if err := form.Run(); err != nil {
		return "", fmt.Errorf("resolution cancelled: %w", err)
	}
	return choice, nil
}

// compactJSON renders a payload on one line for terminal display.
func compactJSON(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	if len(data) > 120 {
		data = append(data[:117], "..."...)
	}
	return string(data)
}

func init() {
	conflictsResolveCmd.Flags().StringVar(&conflictResolution, "resolution", "", "resolution to apply (server-wins, client-wins, merge)")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
