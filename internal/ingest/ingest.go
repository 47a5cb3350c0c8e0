// Package ingest verifies and loads source releases into the raw schema,
// recording provenance in meta.ingest_run and meta.source_file.
package ingest

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/db"
	"github.com/gridref-data/streetbuild/internal/errclass"
	"github.com/gridref-data/streetbuild/internal/fetcher"
	"github.com/gridref-data/streetbuild/internal/manifest"
)

// copyBatchSize bounds memory while COPYing national-scale files.
const copyBatchSize = 5000

// sourceSpec describes how one upstream source lands in the raw schema.
type sourceSpec struct {
	rawTable string
	// hasGeom marks sources whose raw table carries a geom_bng column.
	hasGeom bool
	// eastingCol/northingCol name the coordinate columns of CSV point
	// sources; shapefile sources carry geometry in the shape record instead.
	eastingCol  string
	northingCol string
	// headerColumns is set for headerless CSVs and names columns by position.
	headerColumns []string
}

var sourceSpecs = map[string]sourceSpec{
	"onspd":        {rawTable: "onspd_row"},
	"os_open_usrn": {rawTable: "os_open_usrn_row"},
	"os_open_names": {
		rawTable:    "os_open_names_row",
		hasGeom:     true,
		eastingCol:  "GEOMETRY_X",
		northingCol: "GEOMETRY_Y",
	},
	"os_open_roads": {rawTable: "os_open_roads_row", hasGeom: true},
	"os_open_uprn": {
		rawTable:    "os_open_uprn_row",
		hasGeom:     true,
		eastingCol:  "X_COORDINATE",
		northingCol: "Y_COORDINATE",
	},
	"os_open_lids": {rawTable: "os_open_lids_row"},
	"nsul":         {rawTable: "nsul_row"},
	"osni_gazetteer": {
		rawTable:    "osni_gazetteer_row",
		hasGeom:     true,
		eastingCol:  "X_COR",
		northingCol: "Y_COR",
	},
	"dfi_highway": {rawTable: "dfi_highway_row", hasGeom: true},
	"ppd": {
		rawTable: "ppd_row",
		headerColumns: []string{
			"transaction_id", "price", "date_of_transfer", "postcode",
			"property_type", "old_new", "duration", "paon", "saon",
			"street", "locality", "town_city", "district", "county",
			"ppd_category", "record_status",
		},
	},
}

// Ingestor loads verified source files into the raw schema.
type Ingestor struct {
	pool db.Pool
	log  *zap.Logger
}

// New creates an Ingestor.
func New(pool db.Pool) *Ingestor {
	return &Ingestor{
		pool: pool,
		log:  zap.L().With(zap.String("component", "ingest")),
	}
}

// Register verifies every file in the manifest against its declared
// checksum, rejects releases previously registered under different
// checksums, loads the files into the source's raw table, and records the
// ingest run. filePaths maps manifest file names to local paths.
func (in *Ingestor) Register(ctx context.Context, m *manifest.Source, filePaths map[string]string) (uuid.UUID, error) {
	spec, ok := sourceSpecs[m.Source]
	if !ok {
		return uuid.Nil, eris.Wrapf(errclass.ErrValidation, "ingest: unknown source %q", m.Source)
	}

	for _, f := range m.Files {
		path, ok := filePaths[f.Name]
		if !ok {
			return uuid.Nil, eris.Wrapf(errclass.ErrValidation, "ingest: source %s: no local path for file %s", m.Source, f.Name)
		}
		sum, err := fetcher.FileSHA256(path)
		if err != nil {
			return uuid.Nil, err
		}
		if sum != f.SHA256 {
			return uuid.Nil, eris.Wrapf(errclass.ErrValidation,
				"ingest: source %s: file %s: checksum mismatch (manifest %s, file %s)",
				m.Source, f.Name, f.SHA256, sum)
		}
	}

	if err := in.checkReleaseConsistency(ctx, m); err != nil {
		return uuid.Nil, err
	}

	runID := uuid.New()
	if _, err := in.pool.Exec(ctx, `
		INSERT INTO meta.ingest_run (run_id, source_name, release_label, retrieved_at_utc)
		VALUES ($1, $2, $3, $4)
	`, runID, m.Source, m.Release, time.Now().UTC()); err != nil {
		return uuid.Nil, eris.Wrap(err, "ingest: insert ingest run")
	}

	var total int64
	for _, f := range m.Files {
		path := filePaths[f.Name]
		n, err := in.loadFile(ctx, spec, runID, f, path, total)
		if err != nil {
			return uuid.Nil, err
		}
		total += n

		info, statErr := os.Stat(path)
		var size int64
		if statErr == nil {
			size = info.Size()
		}
		if _, err := in.pool.Exec(ctx, `
			INSERT INTO meta.source_file (ingest_run_id, source_name, release_label, file_name, sha256, byte_size)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, runID, m.Source, m.Release, f.Name, f.SHA256, size); err != nil {
			return uuid.Nil, eris.Wrap(err, "ingest: insert source file")
		}
	}

	if _, err := in.pool.Exec(ctx,
		"UPDATE meta.ingest_run SET record_count = $1 WHERE run_id = $2",
		total, runID,
	); err != nil {
		return uuid.Nil, eris.Wrap(err, "ingest: update record count")
	}

	in.log.Info("ingest run registered",
		zap.String("source", m.Source),
		zap.String("release", m.Release),
		zap.String("run_id", runID.String()),
		zap.Int64("records", total),
	)

	return runID, nil
}

// checkReleaseConsistency rejects a release label previously registered with
// a different checksum for any of its files. A release is immutable: the
// same label must always mean the same bytes.
func (in *Ingestor) checkReleaseConsistency(ctx context.Context, m *manifest.Source) error {
	for _, f := range m.Files {
		rows, err := in.pool.Query(ctx, `
			SELECT DISTINCT sha256 FROM meta.source_file
			WHERE source_name = $1 AND release_label = $2 AND file_name = $3
		`, m.Source, m.Release, f.Name)
		if err != nil {
			return eris.Wrap(err, "ingest: query prior release checksums")
		}

		var priorSums []string
		for rows.Next() {
			var sum string
			if err := rows.Scan(&sum); err != nil {
				rows.Close()
				return eris.Wrap(err, "ingest: scan prior checksum")
			}
			priorSums = append(priorSums, sum)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "ingest: iterate prior checksums")
		}

		for _, prior := range priorSums {
			if prior != f.SHA256 {
				return eris.Wrapf(errclass.ErrValidation,
					"ingest: source %s release %s file %s already registered with checksum %s, manifest declares %s",
					m.Source, m.Release, f.Name, prior, f.SHA256)
			}
		}
	}
	return nil
}

func (in *Ingestor) loadFile(ctx context.Context, spec sourceSpec, runID uuid.UUID, f manifest.SourceFile, path string, rowOffset int64) (int64, error) {
	switch f.Format {
	case manifest.FormatCSV:
		return in.loadCSV(ctx, spec, runID, path, rowOffset)
	case manifest.FormatShapefile:
		return in.loadShapefile(ctx, spec, runID, path, rowOffset)
	case manifest.FormatXLSX:
		return in.loadXLSX(ctx, spec, runID, path, rowOffset)
	default:
		return 0, eris.Errorf("ingest: file %s: unsupported format %q", f.Name, f.Format)
	}
}

func rawColumns(spec sourceSpec) []string {
	cols := []string{"ingest_run_id", "source_row_num", "payload_jsonb"}
	if spec.hasGeom {
		cols = append(cols, "geom_bng")
	}
	return cols
}

func (in *Ingestor) flush(ctx context.Context, spec sourceSpec, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := db.CopyInto(ctx, in.pool, "raw", spec.rawTable, rawColumns(spec), rows)
	return err
}
