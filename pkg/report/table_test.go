package report

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"neuroquant/internal/models"
)

func createTestTable() *Table {
	tbl := NewTable("Dice", "Folder", "Label_Maps", "Dice_Mean", "Dice_Std")
	tbl.Append("case01", "seg.nii.gz,ref.nii.gz", 0.91, 0.02)
	tbl.Append("case02") // failed case keeps its row
	tbl.Append("case03", "seg.nii.gz,ref.nii.gz", math.NaN(), 0.0)
	return tbl
}

func TestWriteCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "dice.csv")
	require.NoError(t, createTestTable().Write(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 4)
	assert.Equal(t, []string{"Folder", "Label_Maps", "Dice_Mean", "Dice_Std"}, records[0])
	assert.Equal(t, []string{"case01", "seg.nii.gz,ref.nii.gz", "0.91", "0.02"}, records[1])
	assert.Equal(t, []string{"case02", "", "", ""}, records[2])
	assert.Equal(t, "", records[3][2])
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dice.xlsx")
	require.NoError(t, createTestTable().Write(path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Dice")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Dice_Mean", rows[0][2])
	assert.Equal(t, "case01", rows[1][0])
	assert.Equal(t, "0.91", rows[1][2])
	assert.Equal(t, "case02", rows[2][0])
	for _, cell := range rows[2][1:] {
		assert.Empty(t, cell)
	}
}

func TestWriteUnsupportedExtension(t *testing.T) {
	err := createTestTable().Write(filepath.Join(t.TempDir(), "dice.json"))
	assert.ErrorIs(t, err, models.ErrConfig)
	assert.ErrorIs(t, err, models.ErrIO)
}
