package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// loadCSV streams a CSV file into the source's raw table. Files with a
// header row use it for column names; headerless sources (PPD) name columns
// by position from the source spec.
func (in *Ingestor) loadCSV(ctx context.Context, spec sourceSpec, runID uuid.UUID, path string, rowOffset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: open csv %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header := spec.headerColumns
	if header == nil {
		record, err := r.Read()
		if err != nil {
			return 0, eris.Wrapf(err, "ingest: read csv header %s", path)
		}
		header = record
	}

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

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, eris.Wrapf(err, "ingest: read csv row %s", path)
		}

		payload := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				payload[col] = record[i]
			}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return count, eris.Wrap(err, "ingest: marshal csv payload")
		}

		count++
		row := []any{runID, rowOffset + count, data}
		if spec.hasGeom {
			row = append(row, csvPointEWKB(record, eastIdx, northIdx))
		}
		batch = append(batch, row)

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

// csvPointEWKB builds a BNG point from coordinate columns, or nil when the
// row has no usable coordinates.
func csvPointEWKB(record []string, eastIdx, northIdx int) any {
	if eastIdx < 0 || northIdx < 0 || eastIdx >= len(record) || northIdx >= len(record) {
		return nil
	}
	east, err := strconv.ParseFloat(record[eastIdx], 64)
	if err != nil {
		return nil
	}
	north, err := strconv.ParseFloat(record[northIdx], 64)
	if err != nil {
		return nil
	}
	data, err := PointEWKB(east, north)
	if err != nil {
		return nil
	}
	return data
}
