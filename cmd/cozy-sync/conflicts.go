package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cozy-labs/cozy-sync-engine/internal/model"
	"github.com/cozy-labs/cozy-sync-engine/internal/store"
	"github.com/cozy-labs/cozy-sync-engine/internal/store/sqlitestore"
)

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		Long:  "Display every document whose path carries the conflict sibling-name suffix.",
		RunE:  runConflicts,
	}
}

// listConflictDocs returns every document whose path carries the
// "-conflict-<timestamp>" suffix docid.ConflictingName assigns (spec.md
// §4.2), shared by both status and conflicts so the counts agree.
func listConflictDocs(ctx context.Context, st *sqlitestore.Store) ([]*model.Document, error) {
	docs, err := st.ByPathPrefix(ctx, "", store.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}

	var out []*model.Document

	for _, d := range docs {
		if strings.Contains(d.Path, "-conflict-") {
			out = append(out, d)
		}
	}

	return out, nil
}

type conflictJSON struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(cfg)
	ctx := cmd.Context()

	st, err := sqlitestore.Open(ctx, cfg.Sync.StorePath, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	conflicts, err := listConflictDocs(ctx, st)
	if err != nil {
		return err
	}

	if len(conflicts) == 0 {
		statusf("No unresolved conflicts.\n")
		return nil
	}

	if flagJSON {
		items := make([]conflictJSON, len(conflicts))
		for i, d := range conflicts {
			items[i] = conflictJSON{Path: d.Path, Kind: d.Kind.String()}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(items)
	}

	printConflictsTable(conflicts)

	return nil
}

func printConflictsTable(conflicts []*model.Document) {
	headers := []string{"PATH", "KIND", "UPDATED"}
	rows := make([][]string, len(conflicts))

	for i, d := range conflicts {
		rows[i] = []string{d.Path, d.Kind.String(), formatTime(d.UpdatedAt)}
	}

	printTable(os.Stdout, headers, rows)
}
