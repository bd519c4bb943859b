package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/scrypster/entityres/pkg/types"
)

func TestWriteEntitiesXLSX(t *testing.T) {
	seen := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	es := []*types.CanonicalEntity{
		{
			ID:            "ent-1",
			Type:          types.EntityTypeCompany,
			CanonicalName: "Greystar",
			Aliases:       []string{"Greystar", "Greystar Properties LLC"},
			Confidence:    0.42,
			SourceIDs:     map[string]string{"erp": "9", "crm": "G-1"},
			LastSeenAt:    seen,
		},
		{
			ID:            "ent-2",
			Type:          types.EntityTypePerson,
			CanonicalName: "John A. Smith",
			Aliases:       []string{"John A. Smith"},
			Confidence:    0.3,
			LastSeenAt:    seen,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEntitiesXLSX(&buf, es))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"ID", "Type", "Canonical Name", "Aliases", "Confidence", "Source IDs", "Last Seen"}, rows[0])
	assert.Equal(t, []string{"ent-1", "company", "Greystar", "Greystar; Greystar Properties LLC", "0.42", "crm:G-1; erp:9", "2026-02-03T04:05:06Z"}, rows[1])
	assert.Equal(t, "ent-2", rows[2][0])
	assert.Equal(t, "", rows[2][5])
}

func TestWriteEntitiesXLSX_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEntitiesXLSX(&buf, nil))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
