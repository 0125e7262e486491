package engine

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
)

// BenchmarkResult summarizes one bulk-recompute stress run.
type BenchmarkResult struct {
	Workbooks   int
	SheetsEach  int
	CellsPerSheet int
	TotalCells  int
}

// RunBulkRecomputeBenchmark builds workbookCount workbooks, each with
// sheetsPerWorkbook sheets of a gridSize x gridSize dependency lattice
// (every cell but the first column/row sums its left and top neighbor),
// then mutates the corner of every sheet once to drive a full cascade.
// Rendering a progress bar as each workbook completes suits a human
// watching a stress run against a large synthetic dataset, rather than
// a go test -bench run with no interactive feedback.
func RunBulkRecomputeBenchmark(workbookCount, sheetsPerWorkbook, gridSize int) BenchmarkResult {
	e := NewEngine()
	bar := progressbar.Default(int64(workbookCount), "recomputing workbooks")

	for w := 0; w < workbookCount; w++ {
		wbName := fmt.Sprintf("Workbook%d", w)
		_ = e.AddWorkbook(AddWorkbookRequest{Name: wbName})

		for s := 0; s < sheetsPerWorkbook; s++ {
			sheetName := fmt.Sprintf("Sheet%d", s)
			_ = e.AddSheet(AddSheetRequest{Workbook: wbName, Name: sheetName})

			content := make(map[string]string, gridSize*gridSize)
			for row := 1; row <= gridSize; row++ {
				for col := 1; col <= gridSize; col++ {
					ref := FormatCellRef(row, col, false, false)
					switch {
					case row == 1 && col == 1:
						content[ref] = "1"
					case row == 1:
						left := FormatCellRef(row, col-1, false, false)
						content[ref] = "=" + left + "+1"
					case col == 1:
						top := FormatCellRef(row-1, col, false, false)
						content[ref] = "=" + top + "+1"
					default:
						left := FormatCellRef(row, col-1, false, false)
						top := FormatCellRef(row-1, col, false, false)
						content[ref] = "=" + left + "+" + top
					}
				}
			}
			_ = e.SetSheetContent(wbName, sheetName, content)
			_ = e.SetCellContent(wbName, sheetName, 1, 1, "2")
		}
		_ = bar.Add(1)
	}

	return BenchmarkResult{
		Workbooks:     workbookCount,
		SheetsEach:    sheetsPerWorkbook,
		CellsPerSheet: gridSize * gridSize,
		TotalCells:    workbookCount * sheetsPerWorkbook * gridSize * gridSize,
	}
}
