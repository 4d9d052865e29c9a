package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mobxlens/cmd/mobxlens/ui"
	"mobxlens/internal/history"
)

var (
	actionsStore   string
	actionsSession string
	actionsName    string
	actionsSince   time.Duration
	actionsLimit   int
	actionsKeep    int
	actionsStyle   string
)

// actionsCmd inspects recorded actions
var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Inspect recorded actions",
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded actions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runActionsList,
}

var actionsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one action with its changes, arguments and stack",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsShow,
}

var actionsStoresCmd = &cobra.Command{
	Use:   "stores",
	Short: "Count recorded actions per store",
	Args:  cobra.NoArgs,
	RunE:  runActionsStores,
}

var actionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest recorded actions",
	Args:  cobra.NoArgs,
	RunE:  runActionsPrune,
}

func init() {
	actionsListCmd.Flags().StringVar(&actionsStore, "store", "", "Only actions of this store")
	actionsListCmd.Flags().StringVar(&actionsSession, "session", "", "Only actions of this attach session")
	actionsListCmd.Flags().StringVar(&actionsName, "name", "", "Only actions whose name contains this")
	actionsListCmd.Flags().DurationVar(&actionsSince, "since", 0, "Only actions newer than this (e.g. 10m)")
	actionsListCmd.Flags().IntVarP(&actionsLimit, "limit", "n", 50, "Maximum number of actions")

	actionsShowCmd.Flags().StringVar(&actionsStyle, "style", "auto", "Markdown style: auto, dark, light, notty")

	actionsPruneCmd.Flags().IntVar(&actionsKeep, "keep", 1000, "Number of actions to keep")

	actionsCmd.AddCommand(actionsListCmd)
	actionsCmd.AddCommand(actionsShowCmd)
	actionsCmd.AddCommand(actionsStoresCmd)
	actionsCmd.AddCommand(actionsPruneCmd)
}

func openHistory() (*history.Store, error) {
	if !cfg.History.Enabled {
		return nil, fmt.Errorf("history is disabled in the configuration")
	}
	return history.Open(cfg.History.DatabasePath)
}

func runActionsList(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	q := history.Query{
		Store:   actionsStore,
		Session: actionsSession,
		Name:    actionsName,
		Limit:   actionsLimit,
	}
	if actionsSince > 0 {
		q.Since = time.Now().Add(-actionsSince)
	}
	records, err := store.List(commandContext(cmd), q)
	if err != nil {
		return err
	}
	logger.Debug("Listed actions", zap.Int("count", len(records)))

	out := cmd.OutOrStdout()
	if jsonOutput {
		if records == nil {
			records = []history.Record{}
		}
		return writeJSON(out, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No actions recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTORE\tACTION\tCHANGES\tID")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			r.Timestamp.Format("2006-01-02 15:04:05.000"), r.Store, r.Name, r.NumChanges, r.ID)
	}
	return w.Flush()
}

func runActionsShow(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Get(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, rec)
	}
	view, err := ui.FromRecord(rec)
	if err != nil {
		return err
	}
	md := ui.ActionMarkdown(view)
	fmt.Fprint(out, ui.Render(md, markdownStyle(actionsStyle), 100))
	return nil
}

func runActionsStores(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.StoreCounts(commandContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, counts)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STORE\tACTIONS")
	for _, name := range sortedKeys(counts) {
		fmt.Fprintf(w, "%s\t%d\n", name, counts[name])
	}
	return w.Flush()
}

func runActionsPrune(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(commandContext(cmd), actionsKeep)
	if err != nil {
		return err
	}
	logger.Info("Pruned history", zap.Int64("deleted", n), zap.Int("kept", actionsKeep))
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d actions.\n", n)
	return nil
}

// markdownStyle maps "auto" to the terminal's theme.
func markdownStyle(s string) string {
	if s != "" && s != "auto" {
		return s
	}
	if ui.DetectTheme().IsDark {
		return "dark"
	}
	return "light"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
