package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/scrypster/entityres/internal/engine"
	"github.com/scrypster/entityres/internal/report"
	"github.com/scrypster/entityres/pkg/types"
)

var (
	green  = color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow, color.Bold).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOutcome(w io.Writer, out *engine.Outcome) {
	switch out.Kind {
	case engine.KindAutoResolved:
		fmt.Fprintf(w, "%s %s (score %.3f)\n", green("resolved"), out.EntityID, out.Score)
	case engine.KindResolvedWithNotice:
		fmt.Fprintf(w, "%s %s (score %.3f)\n", yellow("resolved with notice"), out.EntityID, out.Score)
	case engine.KindClarificationRequired:
		fmt.Fprintf(w, "%s session %s\n", yellow("clarification required"), out.SessionID)
		for i, c := range out.Candidates {
			fmt.Fprintf(w, "  %d. %s %s\n", i+1, c.EntityID, gray(fmt.Sprintf("score %.3f", c.Score)))
		}
	case engine.KindNoMatch:
		fmt.Fprintf(w, "%s\n", red("no match"))
	}
	if out.Event != nil {
		fmt.Fprintf(w, "%s\n", gray("event "+out.Event.ID))
	}
}

func printEntity(w io.Writer, e *types.CanonicalEntity) {
	status := green(string(e.Status))
	if !e.IsActive() {
		status = gray(string(e.Status))
	}
	fmt.Fprintf(w, "%s  %s  [%s]  %s\n", e.ID, e.CanonicalName, e.Type, status)
	fmt.Fprintf(w, "  confidence  %.4f\n", e.Confidence)
	if len(e.Aliases) > 0 {
		fmt.Fprintf(w, "  aliases     %v\n", e.Aliases)
	}
	for system, id := range e.SourceIDs {
		fmt.Fprintf(w, "  source      %s:%s\n", system, id)
	}
	fmt.Fprintf(w, "  last seen   %s\n", e.LastSeenAt.Format("2006-01-02 15:04:05"))
}

func writeXLSX(cmd *cobra.Command, path string, es []*types.CanonicalEntity) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := report.WriteEntitiesXLSX(f, es); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d entities to %s\n", green("wrote"), len(es), path)
	return nil
}
