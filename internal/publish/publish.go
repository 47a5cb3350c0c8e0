// Package publish computes end-of-build quality warnings and atomically
// activates a built run as the current published dataset.
package publish

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/config"
	"github.com/gridref-data/streetbuild/internal/db"
	"github.com/gridref-data/streetbuild/internal/errclass"
)

// metric names persisted on meta.build_warning rows.
const (
	MetricDisagreementRate  = "disagreement_rate"
	MetricUnresolvedRate    = "unresolved_rate"
	MetricLowConfidenceRate = "low_confidence_rate"
)

// ComputeWarnings evaluates the run's quality metrics against configured
// thresholds and persists a warning row per breach. Warnings block publish
// until acknowledged; a clean run writes no rows.
func ComputeWarnings(ctx context.Context, q db.Queryer, runID uuid.UUID, cfg config.QualityConfig) error {
	log := zap.L().With(zap.String("component", "publish"))

	type metric struct {
		name      string
		threshold float64
		query     string
	}

	metrics := []metric{
		{
			name:      MetricDisagreementRate,
			threshold: cfg.MaxDisagreementRate,
			query: `
				SELECT COALESCE(
					COUNT(*) FILTER (WHERE outcome = 'disagreement')::float8 / NULLIF(COUNT(*), 0),
					0)
				FROM derived.street_reconciliation
				WHERE produced_build_run_id = $1`,
		},
		{
			name:      MetricUnresolvedRate,
			threshold: cfg.MaxUnresolvedRate,
			query: `
				SELECT COALESCE(
					COUNT(*) FILTER (WHERE outcome = 'unresolved')::float8 / NULLIF(COUNT(*), 0),
					0)
				FROM derived.street_reconciliation
				WHERE produced_build_run_id = $1`,
		},
		{
			name:      MetricLowConfidenceRate,
			threshold: cfg.MaxLowConfidenceRate,
			query: `
				SELECT COALESCE(
					COUNT(*) FILTER (WHERE confidence IN ('low', 'none'))::float8 / NULLIF(COUNT(*), 0),
					0)
				FROM derived.postcode_streets_final
				WHERE produced_build_run_id = $1`,
		},
	}

	for _, m := range metrics {
		var observed float64
		if err := q.QueryRow(ctx, m.query, runID).Scan(&observed); err != nil {
			return eris.Wrapf(err, "publish: compute %s", m.name)
		}

		if observed <= m.threshold {
			continue
		}

		if _, err := q.Exec(ctx, `
			INSERT INTO meta.build_warning (build_run_id, metric, observed, threshold)
			VALUES ($1, $2, $3, $4)
		`, runID, m.name, fmt.Sprintf("%.4f", observed), fmt.Sprintf("%.4f", m.threshold)); err != nil {
			return eris.Wrapf(err, "publish: persist %s warning", m.name)
		}

		log.Warn("quality threshold breached",
			zap.String("run_id", runID.String()),
			zap.String("metric", m.name),
			zap.Float64("observed", observed),
			zap.Float64("threshold", m.threshold),
		)
	}
	return nil
}

// Activation describes a completed publish.
type Activation struct {
	RunID          uuid.UUID
	DatasetVersion string
	LookupTable    string
	StreetLookup   string
	WarningsAcked  int64
	PublishTxID    int64
}

// versionTableSuffix turns a dataset version into an identifier-safe table
// name suffix.
func versionTableSuffix(datasetVersion string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(datasetVersion)
}

// Activate publishes a built run inside a single transaction: it snapshots
// the run's final records into versioned api tables and repoints the stable
// lookup views at them, so readers switch datasets at one commit boundary
// and never observe a half-published state. The run must be 'built', and
// every warning that requires acknowledgement must be acknowledged first or
// ackWarnings must be set, which acknowledges them here under the given
// actor.
func Activate(ctx context.Context, pool db.Pool, runID uuid.UUID, actor string, ackWarnings bool) (*Activation, error) {
	log := zap.L().With(zap.String("component", "publish"))

	if actor == "" {
		return nil, eris.Wrap(errclass.ErrValidation, "publish: actor is required")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "publish: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status, datasetVersion string
	var bundleID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT status, dataset_version, bundle_id
		FROM meta.build_run WHERE build_run_id = $1
		FOR UPDATE
	`, runID).Scan(&status, &datasetVersion, &bundleID)
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(errclass.ErrValidation, "publish: run %s not found", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "publish: lock run")
	}
	if status == "published" {
		return nil, eris.Wrapf(errclass.ErrNoOp, "publish: run %s is already published", runID)
	}
	if status != "built" {
		return nil, eris.Wrapf(errclass.ErrValidation, "publish: run %s has status %q, want built", runID, status)
	}

	var unacked int64
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM meta.build_warning
		WHERE build_run_id = $1 AND requires_ack AND NOT acknowledged
	`, runID).Scan(&unacked); err != nil {
		return nil, eris.Wrap(err, "publish: count unacknowledged warnings")
	}

	var acked int64
	if unacked > 0 {
		if !ackWarnings {
			return nil, eris.Wrapf(errclass.ErrGate,
				"publish: run %s has %d unacknowledged quality warnings", runID, unacked)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE meta.build_warning
			SET acknowledged = true, acknowledged_by = $2, acknowledged_at_utc = now()
			WHERE build_run_id = $1 AND requires_ack AND NOT acknowledged
		`, runID, actor)
		if err != nil {
			return nil, eris.Wrap(err, "publish: acknowledge warnings")
		}
		acked = tag.RowsAffected()
	}

	suffix := versionTableSuffix(datasetVersion)
	lookupTable := "postcode_lookup_" + suffix
	streetLookup := "postcode_street_lookup_" + suffix

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE api.%s AS
		SELECT p.postcode, p.status, p.lat, p.lon, p.easting, p.northing,
		       p.country_iso2, p.country_iso3, p.subdivision_code,
		       p.post_town, p.locality, p.multi_street
		FROM core.postcodes p
		WHERE p.produced_build_run_id = $1
		ORDER BY p.postcode COLLATE "C"
	`, lookupTable), runID); err != nil {
		return nil, eris.Wrap(err, "publish: snapshot postcode lookup")
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		ALTER TABLE api.%s ADD PRIMARY KEY (postcode)
	`, lookupTable)); err != nil {
		return nil, eris.Wrap(err, "publish: key postcode lookup")
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE api.%s AS
		SELECT f.postcode, f.rank, f.street_name, f.usrn, f.confidence,
		       f.frequency_score, f.probability
		FROM derived.postcode_streets_final f
		WHERE f.produced_build_run_id = $1
		ORDER BY f.postcode COLLATE "C", f.rank
	`, streetLookup), runID); err != nil {
		return nil, eris.Wrap(err, "publish: snapshot street lookup")
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		ALTER TABLE api.%s ADD PRIMARY KEY (postcode, rank)
	`, streetLookup)); err != nil {
		return nil, eris.Wrap(err, "publish: key street lookup")
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`CREATE OR REPLACE VIEW api.postcode_lookup AS SELECT * FROM api.%s`, lookupTable,
	)); err != nil {
		return nil, eris.Wrap(err, "publish: repoint postcode lookup view")
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`CREATE OR REPLACE VIEW api.postcode_street_lookup AS SELECT * FROM api.%s`, streetLookup,
	)); err != nil {
		return nil, eris.Wrap(err, "publish: repoint street lookup view")
	}

	var publishTxID int64
	if err := tx.QueryRow(ctx, "SELECT txid_current()").Scan(&publishTxID); err != nil {
		return nil, eris.Wrap(err, "publish: read transaction id")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO meta.dataset_publication
			(dataset_version, build_run_id, published_by,
			 lookup_table_name, street_lookup_table_name, publish_txid)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, datasetVersion, runID, actor, lookupTable, streetLookup, publishTxID); err != nil {
		return nil, eris.Wrap(err, "publish: record publication")
	}

	if _, err := tx.Exec(ctx,
		"UPDATE meta.build_run SET status = 'published' WHERE build_run_id = $1",
		runID,
	); err != nil {
		return nil, eris.Wrap(err, "publish: mark run published")
	}
	if _, err := tx.Exec(ctx,
		"UPDATE meta.build_bundle SET status = 'published' WHERE bundle_id = $1",
		bundleID,
	); err != nil {
		return nil, eris.Wrap(err, "publish: mark bundle published")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "publish: commit")
	}

	log.Info("dataset published",
		zap.String("run_id", runID.String()),
		zap.String("dataset_version", datasetVersion),
		zap.String("published_by", actor),
		zap.Int64("warnings_acknowledged", acked),
	)

	return &Activation{
		RunID:          runID,
		DatasetVersion: datasetVersion,
		LookupTable:    lookupTable,
		StreetLookup:   streetLookup,
		WarningsAcked:  acked,
		PublishTxID:    publishTxID,
	}, nil
}
