package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrimpsizemoose/markgate/internal/app"
)

func TestBuildUpdates(t *testing.T) {
	cfg := &app.GSheetConfig{SheetName: "CIA1"}
	students := [][]interface{}{
		{"R001"},
		{},
		{"R999"},
		{" s2 "},
		{42},
	}
	rows := []Row{
		{StudentID: "s1", RegisterNo: "R001"},
		{StudentID: "s2", RegisterNo: "R002"},
	}
	values := func(r Row) []string { return []string{r.StudentID, "x"} }

	data := BuildUpdates(cfg, students, rows, []string{"Total", "Total %"}, values)
	require.Len(t, data, 3)

	assert.Equal(t, "CIA1!D1", data[0].Range)
	assert.Equal(t, [][]interface{}{{"Total", "Total %"}}, data[0].Values)

	assert.Equal(t, "CIA1!D2", data[1].Range)
	assert.Equal(t, [][]interface{}{{"s1", "x"}}, data[1].Values)

	assert.Equal(t, "CIA1!D5", data[2].Range)
	assert.Equal(t, [][]interface{}{{"s2", "x"}}, data[2].Values)
}

func TestBuildUpdatesCustomAnchor(t *testing.T) {
	cfg := &app.GSheetConfig{SheetName: "Marks", FirstColumn: "F", FirstRow: 5}
	data := BuildUpdates(cfg, [][]interface{}{{"R001"}}, []Row{{RegisterNo: "R001"}}, []string{"Total"}, func(Row) []string {
		return []string{"10"}
	})
	require.Len(t, data, 2)
	assert.Equal(t, "Marks!F4", data[0].Range)
	assert.Equal(t, "Marks!F5", data[1].Range)
}
