package buildrun

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/evidence"
	"github.com/gridref-data/streetbuild/internal/ranking"
)

// basisPointsText renders exact basis points as the 4-decimal probability
// literal the final table stores. Formatting from the integer value keeps
// float rounding out of the persisted number entirely.
func basisPointsText(bp int64) string {
	return fmt.Sprintf("%d.%04d", bp/10000, bp%10000)
}

// passFinalise collapses the run's evidence into ranked final records with
// exact probability closure per postcode, links every final row back to the
// candidates and sources that produced it, and flags multi-street postcodes
// on the core dictionary.
func (s *Scheduler) passFinalise(ctx context.Context, tx pgx.Tx, run *Run) (map[string]int64, error) {
	groups, postcodes, err := s.loadCandidateGroups(ctx, tx, run.ID)
	if err != nil {
		return nil, err
	}

	counts := map[string]int64{"postcodes": int64(len(postcodes))}
	var multiStreet []string

	for _, postcode := range postcodes {
		cands := groups[postcode]
		entries := ranking.BuildEntries(cands, s.weights)
		ranked, err := ranking.RankGroup(entries)
		if err != nil {
			return nil, eris.Wrapf(err, "buildrun: rank postcode %s", postcode)
		}

		byCanonical := make(map[string][]evidence.Candidate)
		for _, c := range cands {
			byCanonical[c.StreetNameCanonical] = append(byCanonical[c.StreetNameCanonical], c)
		}

		for _, r := range ranked {
			var finalID int64
			err := tx.QueryRow(ctx, `
				INSERT INTO derived.postcode_streets_final
					(produced_build_run_id, postcode, street_name, usrn, confidence,
					 frequency_score, probability, rank)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				RETURNING final_id
			`, run.ID, postcode, r.StreetName, r.USRN, string(r.Confidence),
				fmt.Sprintf("%.4f", r.WeightedScore), basisPointsText(r.BasisPoints), r.Rank,
			).Scan(&finalID)
			if err != nil {
				return nil, eris.Wrapf(err, "buildrun: insert final record for %s", postcode)
			}
			counts["final_records"]++

			members := byCanonical[r.CanonicalName]
			if err := s.linkFinalRecord(ctx, tx, run.ID, finalID, members); err != nil {
				return nil, err
			}
			counts["candidate_links"] += int64(len(members))
		}

		if len(ranked) > 1 {
			multiStreet = append(multiStreet, postcode)
		}
	}

	if len(multiStreet) > 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE core.postcodes SET multi_street = true
			WHERE produced_build_run_id = $1 AND postcode = ANY($2)
		`, run.ID, multiStreet)
		if err != nil {
			return nil, eris.Wrap(err, "buildrun: flag multi-street postcodes")
		}
		counts["multi_street"] = tag.RowsAffected()
	}

	s.log.Info("finalise complete",
		zap.String("run_id", run.ID.String()),
		zap.Int64("postcodes", counts["postcodes"]),
		zap.Int64("final_records", counts["final_records"]),
	)
	return counts, nil
}

// loadCandidateGroups reads the run's entire evidence set grouped by
// postcode. The read completes before any finalise write starts, because
// both run on the same pass transaction and its connection handles one
// statement at a time. Postcodes come back in byte order so the final
// table's insertion order is reproducible.
func (s *Scheduler) loadCandidateGroups(ctx context.Context, tx pgx.Tx, runID uuid.UUID) (map[string][]evidence.Candidate, []string, error) {
	rows, err := tx.Query(ctx, `
		SELECT candidate_id, produced_build_run_id, postcode, street_name_raw,
		       street_name_canonical, usrn, candidate_type, confidence,
		       evidence_ref, source_name, ingest_run_id, evidence_json
		FROM derived.postcode_street_candidates
		WHERE produced_build_run_id = $1
		ORDER BY postcode COLLATE "C", candidate_id
	`, runID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "buildrun: load candidates for finalise")
	}
	defer rows.Close()

	groups := make(map[string][]evidence.Candidate)
	var postcodes []string
	for rows.Next() {
		var c evidence.Candidate
		if err := rows.Scan(
			&c.ID, &c.BuildRunID, &c.Postcode, &c.StreetNameRaw,
			&c.StreetNameCanonical, &c.USRN, &c.Type, &c.Confidence,
			&c.EvidenceRef, &c.SourceName, &c.IngestRunID, &c.EvidenceJSON,
		); err != nil {
			return nil, nil, eris.Wrap(err, "buildrun: scan candidate for finalise")
		}
		if _, seen := groups[c.Postcode]; !seen {
			postcodes = append(postcodes, c.Postcode)
		}
		groups[c.Postcode] = append(groups[c.Postcode], c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, eris.Wrap(err, "buildrun: iterate candidates for finalise")
	}
	return groups, postcodes, nil
}

// linkFinalRecord records provenance for one final row: a link per backing
// candidate, and one aggregated contribution per distinct (source, ingest
// run, candidate type).
func (s *Scheduler) linkFinalRecord(ctx context.Context, tx pgx.Tx, runID uuid.UUID, finalID int64, members []evidence.Candidate) error {
	sorted := make([]evidence.Candidate, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	type sourceKey struct {
		sourceName  string
		ingestRunID uuid.UUID
		candType    evidence.CandidateType
	}
	contributions := make(map[sourceKey]float64)
	var keys []sourceKey

	for i, c := range sorted {
		if _, err := tx.Exec(ctx, `
			INSERT INTO derived.postcode_streets_final_candidate
				(final_id, candidate_id, produced_build_run_id, link_rank)
			VALUES ($1, $2, $3, $4)
		`, finalID, c.ID, runID, i+1); err != nil {
			return eris.Wrap(err, "buildrun: link final candidate")
		}

		key := sourceKey{c.SourceName, c.IngestRunID, c.Type}
		if _, seen := contributions[key]; !seen {
			keys = append(keys, key)
		}
		contributions[key] += s.weights[c.Type]
	}

	for _, key := range keys {
		if _, err := tx.Exec(ctx, `
			INSERT INTO derived.postcode_streets_final_source
				(final_id, source_name, ingest_run_id, candidate_type,
				 contribution_weight, produced_build_run_id)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, finalID, key.sourceName, key.ingestRunID, string(key.candType),
			fmt.Sprintf("%.4f", contributions[key]), runID); err != nil {
			return eris.Wrap(err, "buildrun: link final source")
		}
	}
	return nil
}
