// Package report renders registry listings for data stewards.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/scrypster/entityres/pkg/types"
)

// ContentTypeXLSX is the media type of WriteEntitiesXLSX output.
const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const sheet = "Entities"

var header = []any{"ID", "Type", "Canonical Name", "Aliases", "Confidence", "Source IDs", "Last Seen"}

// WriteEntitiesXLSX writes es as a single-sheet workbook, one row per
// entity in the given order.
func WriteEntitiesXLSX(w io.Writer, es []*types.CanonicalEntity) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	for i, e := range es {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("report: %w", err)
		}
		row := []any{
			e.ID,
			string(e.Type),
			e.CanonicalName,
			strings.Join(e.Aliases, "; "),
			e.Confidence,
			formatSources(e.SourceIDs),
			e.LastSeenAt.UTC().Format(time.RFC3339),
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	if err := f.SetColWidth(sheet, "A", "A", 38); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := f.SetColWidth(sheet, "C", "D", 32); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("report: write workbook: %w", err)
	}
	return nil
}

// formatSources renders bindings as "system:id" pairs sorted by system.
func formatSources(ids map[string]string) string {
	systems := make([]string, 0, len(ids))
	for s := range ids {
		systems = append(systems, s)
	}
	sort.Strings(systems)
	parts := make([]string, len(systems))
	for i, s := range systems {
		parts[i] = s + ":" + ids[s]
	}
	return strings.Join(parts, "; ")
}
