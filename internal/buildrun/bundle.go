// Package buildrun owns build identity and the checkpointed pass scheduler
// that turns a pinned source bundle into a derived dataset.
package buildrun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/db"
	"github.com/gridref-data/streetbuild/internal/errclass"
	"github.com/gridref-data/streetbuild/internal/manifest"
)

// datasetVersionPrefix plus the first 12 hex characters of the bundle hash
// names the dataset version. Identical selections always yield the same
// version string.
const datasetVersionPrefix = "v"

type bundleSourceRun struct {
	Source      string `json:"source"`
	IngestRunID string `json:"ingest_run_id"`
}

type bundleIdentity struct {
	BuildProfile string            `json:"build_profile"`
	SourceRuns   []bundleSourceRun `json:"source_runs"`
}

// BundleHash computes the canonical identity hash of a source selection.
// Sources are serialized in name order, so map iteration order and the
// order sources were ingested in are irrelevant to identity.
func BundleHash(profile string, sources map[string]string) string {
	runs := make([]bundleSourceRun, 0, len(sources))
	for source, runID := range sources {
		runs = append(runs, bundleSourceRun{Source: source, IngestRunID: runID})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Source < runs[j].Source })

	// Marshal of a struct with ordered fields and a sorted slice is
	// canonical by construction.
	data, _ := json.Marshal(bundleIdentity{BuildProfile: profile, SourceRuns: runs})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DatasetVersion derives the version label from a bundle hash.
func DatasetVersion(bundleHash string) string {
	return datasetVersionPrefix + bundleHash[:12]
}

// Bundle is a pinned, hashable source selection.
type Bundle struct {
	ID      uuid.UUID
	Profile string
	Hash    string
	Status  string
	Sources map[string]uuid.UUID
}

// CreateBundle registers a bundle from a validated manifest. Every pinned
// ingest run must exist. Re-creating an identical selection returns the
// existing bundle rather than minting a new identity.
func CreateBundle(ctx context.Context, pool db.Pool, m *manifest.Bundle) (*Bundle, error) {
	log := zap.L().With(zap.String("component", "buildrun"))

	sources := make(map[string]uuid.UUID, len(m.Sources))
	for source, rawID := range m.Sources {
		runID, err := uuid.Parse(rawID)
		if err != nil {
			return nil, eris.Wrapf(errclass.ErrValidation, "buildrun: source %s: invalid ingest run id %q", source, rawID)
		}

		var exists bool
		if err := pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM meta.ingest_run WHERE run_id = $1 AND source_name = $2)",
			runID, source,
		).Scan(&exists); err != nil {
			return nil, eris.Wrapf(err, "buildrun: check ingest run for %s", source)
		}
		if !exists {
			return nil, eris.Wrapf(errclass.ErrValidation, "buildrun: source %s: ingest run %s not found", source, runID)
		}
		sources[source] = runID
	}

	// Hash the canonical lowercase form of each run id, not the manifest
	// text: "11111111-...-AAAA" and its lowercase spelling pin the same
	// ingest run and must name the same bundle.
	canonical := make(map[string]string, len(sources))
	for source, runID := range sources {
		canonical[source] = runID.String()
	}
	hash := BundleHash(m.Profile, canonical)

	var existingID uuid.UUID
	var existingStatus string
	err := pool.QueryRow(ctx,
		"SELECT bundle_id, status FROM meta.build_bundle WHERE build_profile = $1 AND bundle_hash = $2",
		m.Profile, hash,
	).Scan(&existingID, &existingStatus)
	if err == nil {
		log.Info("bundle already exists for selection",
			zap.String("bundle_id", existingID.String()),
			zap.String("hash", hash),
		)
		return &Bundle{ID: existingID, Profile: m.Profile, Hash: hash, Status: existingStatus, Sources: sources}, nil
	}
	if !eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "buildrun: look up existing bundle")
	}

	bundleID := uuid.New()
	if _, err := pool.Exec(ctx,
		"INSERT INTO meta.build_bundle (bundle_id, build_profile, bundle_hash) VALUES ($1, $2, $3)",
		bundleID, m.Profile, hash,
	); err != nil {
		return nil, eris.Wrap(err, "buildrun: insert bundle")
	}

	for _, source := range sortedKeys(sources) {
		if _, err := pool.Exec(ctx,
			"INSERT INTO meta.build_bundle_source (bundle_id, source_name, ingest_run_id) VALUES ($1, $2, $3)",
			bundleID, source, sources[source],
		); err != nil {
			return nil, eris.Wrapf(err, "buildrun: insert bundle source %s", source)
		}
	}

	log.Info("bundle created",
		zap.String("bundle_id", bundleID.String()),
		zap.String("profile", m.Profile),
		zap.String("hash", hash),
	)

	return &Bundle{ID: bundleID, Profile: m.Profile, Hash: hash, Status: "created", Sources: sources}, nil
}

// LoadBundle fetches a bundle and its pinned sources by id.
func LoadBundle(ctx context.Context, q db.Queryer, bundleID uuid.UUID) (*Bundle, error) {
	b := &Bundle{ID: bundleID, Sources: make(map[string]uuid.UUID)}

	err := q.QueryRow(ctx,
		"SELECT build_profile, bundle_hash, status FROM meta.build_bundle WHERE bundle_id = $1",
		bundleID,
	).Scan(&b.Profile, &b.Hash, &b.Status)
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(errclass.ErrValidation, "buildrun: bundle %s not found", bundleID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: load bundle")
	}

	rows, err := q.Query(ctx,
		"SELECT source_name, ingest_run_id FROM meta.build_bundle_source WHERE bundle_id = $1 ORDER BY source_name",
		bundleID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: load bundle sources")
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var runID uuid.UUID
		if err := rows.Scan(&source, &runID); err != nil {
			return nil, eris.Wrap(err, "buildrun: scan bundle source")
		}
		b.Sources[source] = runID
	}
	return b, rows.Err()
}

func sortedKeys(m map[string]uuid.UUID) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
