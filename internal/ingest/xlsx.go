package ingest

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// loadXLSX reads the first sheet of a workbook release. The first row is the
// header; subsequent rows land as JSONB payloads.
func (in *Ingestor) loadXLSX(ctx context.Context, spec sourceSpec, runID uuid.UUID, path string, rowOffset int64) (int64, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: open xlsx %s", path)
	}
	if len(f.Sheets) == 0 {
		return 0, eris.Errorf("ingest: xlsx %s has no sheets", path)
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return 0, eris.Errorf("ingest: xlsx %s first sheet is empty", path)
	}

	header := rowToStrings(sheet.Rows[0])

	eastIdx, northIdx := -1, -1
	if spec.hasGeom {
		for i, col := range header {
			switch col {
			case spec.eastingCol:
				eastIdx = i
			case spec.northingCol:
				northIdx = i
			}
		}
	}

	var count int64
	batch := make([][]any, 0, copyBatchSize)

	for _, row := range sheet.Rows[1:] {
		cells := rowToStrings(row)

		payload := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(cells) {
				payload[col] = cells[i]
			}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return count, eris.Wrap(err, "ingest: marshal xlsx payload")
		}

		count++
		out := []any{runID, rowOffset + count, data}
		if spec.hasGeom {
			out = append(out, cellsPointEWKB(cells, eastIdx, northIdx))
		}
		batch = append(batch, out)

		if len(batch) >= copyBatchSize {
			if err := in.flush(ctx, spec, batch); err != nil {
				return count, err
			}
			batch = batch[:0]
		}
	}

	if err := in.flush(ctx, spec, batch); err != nil {
		return count, err
	}
	return count, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func cellsPointEWKB(cells []string, eastIdx, northIdx int) any {
	if eastIdx < 0 || northIdx < 0 || eastIdx >= len(cells) || northIdx >= len(cells) {
		return nil
	}
	east, err := strconv.ParseFloat(cells[eastIdx], 64)
	if err != nil {
		return nil
	}
	north, err := strconv.ParseFloat(cells[northIdx], 64)
	if err != nil {
		return nil
	}
	data, err := PointEWKB(east, north)
	if err != nil {
		return nil
	}
	return data
}
