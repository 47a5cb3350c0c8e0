package buildrun

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/config"
	"github.com/gridref-data/streetbuild/internal/db"
	"github.com/gridref-data/streetbuild/internal/errclass"
	"github.com/gridref-data/streetbuild/internal/hashverify"
	"github.com/gridref-data/streetbuild/internal/normalise"
	"github.com/gridref-data/streetbuild/internal/publish"
	"github.com/gridref-data/streetbuild/internal/ranking"
)

// Mode selects how a build run treats prior work on the same bundle.
type Mode string

const (
	// ModeClean builds from scratch; an already-built bundle is a no-op.
	ModeClean Mode = "clean"
	// ModeResume continues the lineage's failed run, replaying only the
	// passes that never checkpointed.
	ModeResume Mode = "resume"
	// ModeRebuild discards the lineage's prior outputs and builds anew.
	ModeRebuild Mode = "rebuild"
)

// PassOrder is the closed, ordered list of build passes. New passes are
// appended; existing names are never renamed or reordered, because
// checkpoint rows reference them by name.
var PassOrder = []string{
	"0a_raw_gate",
	"0b_stage_normalise",
	"1_postcode_backbone",
	"2_canonical_streets",
	"3_named_feature_candidates",
	"4_uprn_reinforcement",
	"5_spatial_fallback",
	"6_ni_candidates",
	"7_ppd_gap_fill",
	"8_finalise",
}

// Run describes a build run's identity and state.
type Run struct {
	ID             uuid.UUID
	BundleID       uuid.UUID
	DatasetVersion string
	Status         string
}

// Scheduler executes the pass pipeline with per-pass transactions and
// checkpoints.
type Scheduler struct {
	pool    db.Pool
	cfg     *config.Config
	norm    *normalise.Normaliser
	weights ranking.Weights
	log     *zap.Logger
}

// NewScheduler wires a Scheduler, loading and validating the weight table
// up front so a bad weight file fails before any pass runs.
func NewScheduler(pool db.Pool, cfg *config.Config) (*Scheduler, error) {
	weights, err := ranking.LoadWeights(cfg.Weights.Path)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		pool:    pool,
		cfg:     cfg,
		norm:    normalise.New(cfg.Normalise),
		weights: weights,
		log:     zap.L().With(zap.String("component", "buildrun")),
	}, nil
}

// Run executes (or continues) a build of the bundle. Each pass commits in
// its own transaction together with its checkpoint row; a failure marks
// the run failed and surfaces the failing pass.
func (s *Scheduler) Run(ctx context.Context, bundleID uuid.UUID, mode Mode) (*Run, error) {
	switch mode {
	case ModeClean, ModeResume, ModeRebuild:
	default:
		return nil, eris.Wrapf(errclass.ErrValidation, "buildrun: unknown mode %q", mode)
	}

	bundle, err := LoadBundle(ctx, s.pool, bundleID)
	if err != nil {
		return nil, err
	}

	if mode == ModeClean && (bundle.Status == "built" || bundle.Status == "published") {
		run, err := s.latestRun(ctx, bundleID, []string{"built", "published"})
		if err != nil {
			return nil, err
		}
		s.log.Info("bundle already built, nothing to do",
			zap.String("bundle_id", bundleID.String()),
			zap.String("run_id", run.ID.String()),
		)
		return run, eris.Wrapf(errclass.ErrNoOp, "buildrun: bundle %s already built by run %s", bundleID, run.ID)
	}

	var run *Run
	switch mode {
	case ModeResume:
		run, err = s.reopenRun(ctx, bundleID)
	case ModeRebuild:
		if err := s.resetLineageOutputs(ctx, bundleID); err != nil {
			return nil, err
		}
		run, err = s.startRun(ctx, bundle)
	default:
		run, err = s.startRun(ctx, bundle)
	}
	if err != nil {
		return nil, err
	}

	checkpointed, err := s.checkpointedPasses(ctx, run.ID)
	if err != nil {
		return run, s.markFailed(ctx, run, "initialising", err)
	}

	for _, pass := range PassOrder {
		if checkpointed[pass] {
			s.log.Info("pass already checkpointed, skipping",
				zap.String("run_id", run.ID.String()),
				zap.String("pass", pass),
			)
			continue
		}

		if err := s.runPass(ctx, bundle, run, pass); err != nil {
			return run, s.markFailed(ctx, run, pass, err)
		}
	}

	if _, err := hashverify.New(s.pool).ComputeAndStore(ctx, run.ID); err != nil {
		return run, s.markFailed(ctx, run, "canonical_hash", err)
	}

	if err := publish.ComputeWarnings(ctx, s.pool, run.ID, s.cfg.Quality); err != nil {
		return run, s.markFailed(ctx, run, "quality_warnings", err)
	}

	if _, err := s.pool.Exec(ctx,
		"UPDATE meta.build_run SET status = 'built', current_pass = 'done', finished_at_utc = $2 WHERE build_run_id = $1",
		run.ID, time.Now().UTC(),
	); err != nil {
		return run, eris.Wrap(err, "buildrun: mark run built")
	}
	if _, err := s.pool.Exec(ctx,
		"UPDATE meta.build_bundle SET status = 'built' WHERE bundle_id = $1 AND status = 'created'",
		bundleID,
	); err != nil {
		return run, eris.Wrap(err, "buildrun: mark bundle built")
	}

	run.Status = "built"
	s.log.Info("build complete",
		zap.String("run_id", run.ID.String()),
		zap.String("dataset_version", run.DatasetVersion),
	)
	return run, nil
}

// runPass executes one pass inside its own transaction and commits the
// checkpoint with the pass writes. Pass 0b additionally streams stage rows
// outside the transaction; see its comment.
func (s *Scheduler) runPass(ctx context.Context, bundle *Bundle, run *Run, pass string) error {
	s.log.Info("pass starting", zap.String("run_id", run.ID.String()), zap.String("pass", pass))
	started := time.Now()

	if _, err := s.pool.Exec(ctx,
		"UPDATE meta.build_run SET current_pass = $2 WHERE build_run_id = $1",
		run.ID, pass,
	); err != nil {
		return eris.Wrapf(err, "buildrun: record current pass %s", pass)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "buildrun: begin pass %s", pass)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	counts, err := s.executePass(ctx, tx, bundle, run, pass)
	if err != nil {
		return err
	}

	summary, err := json.Marshal(counts)
	if err != nil {
		return eris.Wrapf(err, "buildrun: marshal checkpoint summary for %s", pass)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO meta.build_pass_checkpoint (build_run_id, pass_name, row_count_summary_json) VALUES ($1, $2, $3)",
		run.ID, pass, summary,
	); err != nil {
		return eris.Wrapf(err, "buildrun: checkpoint pass %s", pass)
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrapf(err, "buildrun: commit pass %s", pass)
	}

	s.log.Info("pass complete",
		zap.String("run_id", run.ID.String()),
		zap.String("pass", pass),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (s *Scheduler) executePass(ctx context.Context, tx pgx.Tx, bundle *Bundle, run *Run, pass string) (map[string]int64, error) {
	switch pass {
	case "0a_raw_gate":
		return s.passRawGate(ctx, tx, bundle)
	case "0b_stage_normalise":
		return s.passStageNormalise(ctx, bundle, run)
	case "1_postcode_backbone":
		return s.passPostcodeBackbone(ctx, tx, bundle, run)
	case "2_canonical_streets":
		return s.passCanonicalStreets(ctx, tx, bundle, run)
	case "3_named_feature_candidates":
		return s.passNamedFeatureCandidates(ctx, tx, bundle, run)
	case "4_uprn_reinforcement":
		return s.passUPRNReinforcement(ctx, tx, bundle, run)
	case "5_spatial_fallback":
		return s.passSpatialFallback(ctx, tx, bundle, run)
	case "6_ni_candidates":
		return s.passNICandidates(ctx, tx, bundle, run)
	case "7_ppd_gap_fill":
		return s.passPPDGapFill(ctx, tx, bundle, run)
	case "8_finalise":
		return s.passFinalise(ctx, tx, run)
	default:
		return nil, eris.Errorf("buildrun: no implementation for pass %s", pass)
	}
}

func (s *Scheduler) startRun(ctx context.Context, bundle *Bundle) (*Run, error) {
	run := &Run{
		ID:             uuid.New(),
		BundleID:       bundle.ID,
		DatasetVersion: DatasetVersion(bundle.Hash),
		Status:         "started",
	}

	_, err := s.pool.Exec(ctx,
		"INSERT INTO meta.build_run (build_run_id, bundle_id, dataset_version) VALUES ($1, $2, $3)",
		run.ID, run.BundleID, run.DatasetVersion,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 on the partial unique index means another run holds the
		// bundle's in-progress slot.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, eris.Wrapf(err, "buildrun: another run is already building bundle %s", bundle.ID)
		}
		return nil, eris.Wrap(err, "buildrun: insert run")
	}
	return run, nil
}

// reopenRun puts the lineage's most recent failed run back in progress so
// resume replays only unfinished passes. A run left at 'started' by a
// process that died mid-pass (and so never reached markFailed) is adopted
// the same way: it still holds the bundle's in-progress slot, and its
// checkpoints tell us where it got to.
func (s *Scheduler) reopenRun(ctx context.Context, bundleID uuid.UUID) (*Run, error) {
	run, err := s.latestRun(ctx, bundleID, []string{"failed", "started"})
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(errclass.ErrValidation, "buildrun: bundle %s has no failed or interrupted run to resume", bundleID)
		}
		return nil, err
	}

	if _, err := s.pool.Exec(ctx,
		"UPDATE meta.build_run SET status = 'started', error_text = NULL, finished_at_utc = NULL WHERE build_run_id = $1",
		run.ID,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, eris.Wrapf(err, "buildrun: another run is already building bundle %s", bundleID)
		}
		return nil, eris.Wrap(err, "buildrun: reopen run")
	}
	run.Status = "started"
	return run, nil
}

func (s *Scheduler) latestRun(ctx context.Context, bundleID uuid.UUID, statuses []string) (*Run, error) {
	run := &Run{BundleID: bundleID}
	err := s.pool.QueryRow(ctx, `
		SELECT build_run_id, dataset_version, status
		FROM meta.build_run
		WHERE bundle_id = $1 AND status = ANY($2)
		ORDER BY started_at_utc DESC
		LIMIT 1
	`, bundleID, statuses).Scan(&run.ID, &run.DatasetVersion, &run.Status)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(err, "buildrun: no run with status %v for bundle %s", statuses, bundleID)
		}
		return nil, eris.Wrap(err, "buildrun: load latest run")
	}
	return run, nil
}

func (s *Scheduler) checkpointedPasses(ctx context.Context, runID uuid.UUID) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT pass_name FROM meta.build_pass_checkpoint WHERE build_run_id = $1",
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: load checkpoints")
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "buildrun: scan checkpoint")
		}
		done[name] = true
	}
	return done, rows.Err()
}

// resetLineageOutputs deletes every prior run's outputs for the bundle.
// The append-only triggers are suspended for the transaction via the
// session setting they check; this is the single sanctioned path that
// removes evidence, and it removes whole lineages, never individual rows.
func (s *Scheduler) resetLineageOutputs(ctx context.Context, bundleID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "buildrun: begin rebuild reset")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SET LOCAL streetbuild.allow_rebuild_reset = 'on'"); err != nil {
		return eris.Wrap(err, "buildrun: enable rebuild reset")
	}

	statements := []string{
		`DELETE FROM derived.postcode_street_candidate_lineage WHERE produced_build_run_id IN (SELECT build_run_id FROM meta.build_run WHERE bundle_id = $1)`,
		`DELETE FROM derived.postcode_streets_final_source WHERE produced_build_run_id IN (SELECT build_run_id FROM meta.build_run WHERE bundle_id = $1)`,
		`DELETE FROM derived.postcode_streets_final_candidate WHERE produced_build_run_id IN (SELECT build_run_id FROM meta.build_run WHERE bundle_id = $1)`,
		`DELETE FROM derived.postcode_streets_final WHERE produced_build_run_id IN (SELECT build_run_id FROM meta.build_run WHERE bundle_id = $1)`,
		`DELETE FROM derived.street_reconciliation WHERE produced_build_run_id IN (SELECT build_run_id FROM meta.build_run WHERE bundle_id = $1)`,
		`DELETE FROM derived.postcode_street_candidates WHERE produced_build_run_id IN (SELECT build_run_id FROM meta.build_run WHERE bundle_id = $1)`,
		`DELETE FROM internal_idx.unit_index WHERE produced_build_run_id IN (SELECT build_run_id FROM meta.build_run WHERE bundle_id = $1)`,
		`DELETE FROM core.postcodes_meta WHERE produced_build_run_id IN (SELECT build_run_id FROM meta.build_run WHERE bundle_id = $1)`,
		`DELETE FROM core.postcodes WHERE produced_build_run_id IN (SELECT build_run_id FROM meta.build_run WHERE bundle_id = $1)`,
		`DELETE FROM core.streets_usrn WHERE produced_build_run_id IN (SELECT build_run_id FROM meta.build_run WHERE bundle_id = $1)`,
		`DELETE FROM meta.build_pass_checkpoint WHERE build_run_id IN (SELECT build_run_id FROM meta.build_run WHERE bundle_id = $1)`,
		`DELETE FROM meta.canonical_hash WHERE build_run_id IN (SELECT build_run_id FROM meta.build_run WHERE bundle_id = $1)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt, bundleID); err != nil {
			return eris.Wrap(err, "buildrun: rebuild reset delete")
		}
	}

	if _, err := tx.Exec(ctx,
		"UPDATE meta.build_bundle SET status = 'created' WHERE bundle_id = $1 AND status = 'built'",
		bundleID,
	); err != nil {
		return eris.Wrap(err, "buildrun: reset bundle status")
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "buildrun: commit rebuild reset")
	}

	s.log.Info("lineage outputs reset for rebuild", zap.String("bundle_id", bundleID.String()))
	return nil
}

// markFailed records the failure on the run and returns the original error
// with the pass name attached.
func (s *Scheduler) markFailed(ctx context.Context, run *Run, pass string, cause error) error {
	run.Status = "failed"
	if _, err := s.pool.Exec(ctx, `
		UPDATE meta.build_run
		SET status = 'failed', current_pass = $2, error_text = $3, finished_at_utc = $4
		WHERE build_run_id = $1
	`, run.ID, pass, eris.ToString(cause, false), time.Now().UTC()); err != nil {
		s.log.Error("failed to mark run failed",
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
	}
	return eris.Wrapf(cause, "buildrun: pass %s failed for run %s", pass, run.ID)
}
