package buildrun

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/evidence"
	"github.com/gridref-data/streetbuild/internal/spatial"
)

// passPostcodeBackbone projects the run's ONSPD stage rows into the core
// postcode dictionary. Every live and terminated postcode lands here; the
// enrichable flag decided in pass 0b controls which ones later passes try
// to attach streets to.
func (s *Scheduler) passPostcodeBackbone(ctx context.Context, tx pgx.Tx, bundle *Bundle, run *Run) (map[string]int64, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO core.postcodes
			(produced_build_run_id, postcode, status, lat, lon, easting, northing,
			 country_iso2, country_iso3, subdivision_code, post_town, locality,
			 enrichable, onspd_run_id)
		SELECT build_run_id, postcode_norm, status, lat, lon, easting, northing,
		       country_iso2, country_iso3, subdivision_code, post_town, locality,
		       enrichable, onspd_run_id
		FROM stage.onspd_postcode
		WHERE build_run_id = $1
	`, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: project core postcodes")
	}

	metaTag, err := tx.Exec(ctx, `
		INSERT INTO core.postcodes_meta (produced_build_run_id, postcode, meta_jsonb, onspd_run_id)
		SELECT build_run_id, postcode_norm,
		       jsonb_build_object(
		           'postcode_display', postcode_display,
		           'post_town', post_town,
		           'locality', locality,
		           'subdivision_code', subdivision_code
		       ),
		       onspd_run_id
		FROM stage.onspd_postcode
		WHERE build_run_id = $1
	`, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: project postcode meta")
	}

	return map[string]int64{
		"core_postcodes": tag.RowsAffected(),
		"postcodes_meta": metaTag.RowsAffected(),
	}, nil
}

// passCanonicalStreets projects the USRN stage rows into the canonical
// street dictionary for the run.
func (s *Scheduler) passCanonicalStreets(ctx context.Context, tx pgx.Tx, bundle *Bundle, run *Run) (map[string]int64, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO core.streets_usrn
			(produced_build_run_id, usrn, street_name, street_name_casefolded,
			 street_class, street_status, usrn_run_id)
		SELECT build_run_id, usrn, street_name, street_name_casefolded,
		       street_class, street_status, usrn_run_id
		FROM stage.streets_usrn_input
		WHERE build_run_id = $1
	`, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: project canonical streets")
	}

	return map[string]int64{"core_streets_usrn": tag.RowsAffected()}, nil
}

// passNamedFeatureCandidates appends names_postcode_feature evidence for
// every Open Names road feature that carries a postcode present in the
// run's postcode dictionary, then promotes features whose TOID correlates
// to a canonical USRN into stronger oli_toid_usrn children with a lineage
// edge back to the feature evidence.
func (s *Scheduler) passNamedFeatureCandidates(ctx context.Context, tx pgx.Tx, bundle *Bundle, run *Run) (map[string]int64, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO derived.postcode_street_candidates
			(produced_build_run_id, postcode, street_name_raw, street_name_canonical,
			 usrn, candidate_type, confidence, evidence_ref, source_name, ingest_run_id)
		SELECT f.build_run_id, f.postcode_norm, f.street_name_raw, f.street_name_casefolded,
		       NULL, 'names_postcode_feature', 'medium', f.feature_id, 'os_open_names', f.ingest_run_id
		FROM stage.open_names_road_feature f
		JOIN core.postcodes p
		  ON p.produced_build_run_id = f.build_run_id AND p.postcode = f.postcode_norm
		WHERE f.build_run_id = $1 AND f.postcode_norm IS NOT NULL AND p.enrichable
	`, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: append named feature candidates")
	}

	// Children reuse the feature id as evidence_ref, so the lineage join
	// below finds each child's parent even when one feature yields several
	// USRN correlations.
	promoTag, err := tx.Exec(ctx, `
		WITH parents AS (
			SELECT candidate_id, postcode, evidence_ref
			FROM derived.postcode_street_candidates
			WHERE produced_build_run_id = $1 AND candidate_type = 'names_postcode_feature'
		),
		inserted AS (
			INSERT INTO derived.postcode_street_candidates
				(produced_build_run_id, postcode, street_name_raw, street_name_canonical,
				 usrn, candidate_type, confidence, evidence_ref, source_name, ingest_run_id,
				 evidence_json)
			SELECT DISTINCT ON (par.postcode, str.usrn)
			       $1, par.postcode, str.street_name, str.street_name_casefolded,
			       str.usrn, 'oli_toid_usrn', 'high', par.evidence_ref, 'os_open_lids', lnk.ingest_run_id,
			       jsonb_build_object('toid', lnk.toid)
			FROM parents par
			JOIN stage.open_names_road_feature f
			  ON f.build_run_id = $1 AND f.feature_id = par.evidence_ref
			JOIN stage.oli_toid_usrn lnk
			  ON lnk.build_run_id = $1 AND lnk.toid = f.toid
			JOIN core.streets_usrn str
			  ON str.produced_build_run_id = $1 AND str.usrn = lnk.usrn
			ORDER BY par.postcode, str.usrn, par.evidence_ref
			RETURNING candidate_id, postcode, evidence_ref
		)
		INSERT INTO derived.postcode_street_candidate_lineage
			(parent_candidate_id, child_candidate_id, relation_type, produced_build_run_id)
		SELECT par.candidate_id, ins.candidate_id, 'toid_usrn_promotion', $1
		FROM inserted ins
		JOIN parents par
		  ON par.postcode = ins.postcode AND par.evidence_ref = ins.evidence_ref
	`, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: promote toid correlations")
	}

	return map[string]int64{
		"names_postcode_feature": tag.RowsAffected(),
		"toid_usrn_promotions":   promoTag.RowsAffected(),
	}, nil
}

// passUPRNReinforcement joins NSUL's UPRN→postcode assignments through the
// linked-identifier UPRN→USRN correlations into the canonical street
// dictionary, yielding the strongest evidence type. Each new candidate is
// linked to every weaker candidate it reinforces for the same postcode and
// canonical name.
func (s *Scheduler) passUPRNReinforcement(ctx context.Context, tx pgx.Tx, bundle *Bundle, run *Run) (map[string]int64, error) {
	tag, err := tx.Exec(ctx, `
		WITH hits AS (
			SELECT n.postcode_norm AS postcode, str.usrn,
			       str.street_name, str.street_name_casefolded,
			       COUNT(DISTINCT n.uprn) AS uprn_count,
			       MIN(n.uprn) AS sample_uprn,
			       MIN(n.ingest_run_id::text)::uuid AS nsul_run_id
			FROM stage.nsul_uprn_postcode n
			JOIN stage.oli_uprn_usrn lnk
			  ON lnk.build_run_id = $1 AND lnk.uprn = n.uprn
			JOIN core.streets_usrn str
			  ON str.produced_build_run_id = $1 AND str.usrn = lnk.usrn
			JOIN core.postcodes p
			  ON p.produced_build_run_id = $1 AND p.postcode = n.postcode_norm
			WHERE n.build_run_id = $1 AND p.enrichable
			GROUP BY n.postcode_norm, str.usrn, str.street_name, str.street_name_casefolded
		)
		INSERT INTO derived.postcode_street_candidates
			(produced_build_run_id, postcode, street_name_raw, street_name_canonical,
			 usrn, candidate_type, confidence, evidence_ref, source_name, ingest_run_id,
			 evidence_json)
		SELECT $1, postcode, street_name, street_name_casefolded,
		       usrn, 'uprn_usrn', 'high', 'uprn:' || sample_uprn, 'nsul', nsul_run_id,
		       jsonb_build_object('uprn_count', uprn_count)
		FROM hits
		ORDER BY postcode COLLATE "C", usrn
	`, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: append uprn reinforcement candidates")
	}

	lineageTag, err := tx.Exec(ctx, `
		INSERT INTO derived.postcode_street_candidate_lineage
			(parent_candidate_id, child_candidate_id, relation_type, produced_build_run_id)
		SELECT weaker.candidate_id, stronger.candidate_id, 'usrn_reinforced', $1
		FROM derived.postcode_street_candidates stronger
		JOIN derived.postcode_street_candidates weaker
		  ON weaker.produced_build_run_id = $1
		 AND weaker.postcode = stronger.postcode
		 AND weaker.street_name_canonical = stronger.street_name_canonical
		 AND weaker.candidate_type <> 'uprn_usrn'
		WHERE stronger.produced_build_run_id = $1
		  AND stronger.candidate_type = 'uprn_usrn'
		ON CONFLICT (parent_candidate_id, child_candidate_id, relation_type) DO NOTHING
	`, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: link uprn reinforcement lineage")
	}

	return map[string]int64{
		"uprn_usrn_candidates": tag.RowsAffected(),
		"reinforcement_edges":  lineageTag.RowsAffected(),
	}, nil
}

// passSpatialFallback covers enrichable postcodes that still have no
// evidence after the identifier-driven passes. Each one is resolved by
// exact-distance radius matching against the national road network
// (primary) and the NI highway network (secondary), reconciled under the
// fixed rule order. Every reconciliation is recorded, including the ones
// that end unresolved; a generic route number with no named alternative
// yields no candidate, because a bare "A40" is not an addressable street.
func (s *Scheduler) passSpatialFallback(ctx context.Context, tx pgx.Tx, bundle *Bundle, run *Run) (map[string]int64, error) {
	type target struct {
		postcode string
		pt       spatial.Point
	}

	rows, err := tx.Query(ctx, `
		SELECT p.postcode, p.easting, p.northing
		FROM core.postcodes p
		WHERE p.produced_build_run_id = $1
		  AND p.enrichable
		  AND NOT EXISTS (
			SELECT 1 FROM derived.postcode_street_candidates c
			WHERE c.produced_build_run_id = $1 AND c.postcode = p.postcode
		  )
		ORDER BY p.postcode COLLATE "C"
	`, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: list spatial fallback targets")
	}

	var targets []target
	for rows.Next() {
		var t target
		var easting, northing int
		if err := rows.Scan(&t.postcode, &easting, &northing); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "buildrun: scan spatial fallback target")
		}
		t.pt = spatial.Point{Easting: float64(easting), Northing: float64(northing)}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "buildrun: iterate spatial fallback targets")
	}

	store := spatial.NewGeometryStore(tx)
	counts := map[string]int64{"targets": int64(len(targets))}

	for _, t := range targets {
		primaryMatches, err := store.WithinRadius(ctx, run.ID, t.pt, s.cfg.Spatial.PrimaryRadiusM, spatial.TableOpenRoads)
		if err != nil {
			return nil, err
		}

		var primary, secondary *spatial.Match
		if m, ok := spatial.Nearest(primaryMatches); ok {
			primary = &m
		}
		// The secondary network only corroborates or overrides a primary
		// match; with no primary the assignment is unresolved and the
		// secondary is never consulted.
		if primary != nil {
			secondaryMatches, err := store.WithinRadius(ctx, run.ID, t.pt, s.cfg.Spatial.SecondaryRadiusM, spatial.TableDFIHighway)
			if err != nil {
				return nil, err
			}
			if m, ok := spatial.Nearest(secondaryMatches); ok {
				secondary = &m
			}
		}

		res := spatial.Reconcile(primary, secondary)
		if err := s.recordReconciliation(ctx, tx, run, t.postcode, primary, secondary, res); err != nil {
			return nil, err
		}
		counts["reconciliations"]++

		if res.Outcome == spatial.OutcomeUnresolved || spatial.IsGenericIdentifier(res.Chosen.NameCanonical) {
			counts["unmatched"]++
			continue
		}

		candType := evidence.TypeSpatialOSOpenRoads
		sourceName := "os_open_roads"
		if res.Chosen.SourceTable == spatial.TableDFIHighway {
			candType = evidence.TypeSpatialDFIHighway
			sourceName = "dfi_highway"
		}

		// A chosen feature inside the postcode's buffered UPRN hull is
		// corroborated by where the postcode's properties actually sit, so
		// it earns the same confidence as two-source agreement.
		withinHull := false
		hull, err := store.BufferedPostcodeHull(ctx, run.ID, t.postcode, s.cfg.Spatial.HullBufferM)
		if err != nil {
			return nil, err
		}
		if len(hull) > 0 {
			withinHull, err = store.FeatureCoveredBy(ctx, run.ID, res.Chosen.SourceTable, res.Chosen.LocalID, hull)
			if err != nil {
				return nil, err
			}
		}

		evidenceJSON, err := json.Marshal(map[string]any{
			"distance_m":       res.Chosen.DistanceM,
			"outcome":          string(res.Outcome),
			"corroborated":     res.Corroborated,
			"within_uprn_hull": withinHull,
		})
		if err != nil {
			return nil, eris.Wrap(err, "buildrun: marshal spatial evidence")
		}

		confidence := evidence.ConfidenceLow
		if res.Corroborated || withinHull {
			confidence = evidence.ConfidenceMedium
		}

		if _, err := evidence.Append(ctx, tx, evidence.Candidate{
			BuildRunID:          run.ID,
			Postcode:            t.postcode,
			StreetNameRaw:       res.Chosen.NameRaw,
			StreetNameCanonical: res.Chosen.NameCanonical,
			Type:                candType,
			Confidence:          confidence,
			EvidenceRef:         res.Chosen.LocalID,
			SourceName:          sourceName,
			IngestRunID:         bundle.Sources[sourceName],
			EvidenceJSON:        evidenceJSON,
		}); err != nil {
			return nil, err
		}
		counts["spatial_candidates"]++
	}

	s.log.Info("spatial fallback complete",
		zap.String("run_id", run.ID.String()),
		zap.Int64("targets", counts["targets"]),
		zap.Int64("matched", counts["spatial_candidates"]),
	)
	return counts, nil
}

func (s *Scheduler) recordReconciliation(ctx context.Context, tx pgx.Tx, run *Run, postcode string, primary, secondary *spatial.Match, res spatial.Resolution) error {
	var (
		primaryName, primaryID     any
		primaryDist                any
		secondarySource            any
		secondaryName, secondaryID any
		secondaryDist              any
	)
	if primary != nil {
		primaryName, primaryID = primary.NameRaw, primary.LocalID
		primaryDist = fmt.Sprintf("%.2f", primary.DistanceM)
	}
	if secondary != nil {
		secondarySource = "dfi_highway"
		secondaryName, secondaryID = secondary.NameRaw, secondary.LocalID
		secondaryDist = fmt.Sprintf("%.2f", secondary.DistanceM)
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO derived.street_reconciliation
			(produced_build_run_id, postcode, primary_source, primary_name, primary_local_id,
			 primary_distance_m, secondary_source, secondary_name, secondary_local_id,
			 secondary_distance_m, outcome, corroborated)
		VALUES ($1, $2, 'os_open_roads', $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, run.ID, postcode, primaryName, primaryID, primaryDist,
		secondarySource, secondaryName, secondaryID, secondaryDist,
		string(res.Outcome), res.Corroborated)
	if err != nil {
		return eris.Wrap(err, "buildrun: record reconciliation")
	}
	return nil
}

// passNICandidates appends direct gazetteer evidence for Northern Ireland
// postcodes. The OSNI gazetteer states the postcode on the street record,
// so no spatial inference is involved; duplicates within a street collapse
// to one candidate keyed by the lowest feature id.
func (s *Scheduler) passNICandidates(ctx context.Context, tx pgx.Tx, bundle *Bundle, run *Run) (map[string]int64, error) {
	tag, err := tx.Exec(ctx, `
		WITH direct AS (
			SELECT g.postcode_norm AS postcode,
			       g.street_name_casefolded,
			       MIN(g.street_name_raw) AS street_name_raw,
			       MIN(g.feature_id) AS feature_id,
			       MIN(g.ingest_run_id::text)::uuid AS ingest_run_id,
			       COUNT(*) AS feature_count
			FROM stage.osni_street_point g
			JOIN core.postcodes p
			  ON p.produced_build_run_id = $1
			 AND p.postcode = g.postcode_norm
			 AND p.subdivision_code = 'GB-NIR'
			WHERE g.build_run_id = $1 AND g.postcode_norm IS NOT NULL AND p.enrichable
			GROUP BY g.postcode_norm, g.street_name_casefolded
		)
		INSERT INTO derived.postcode_street_candidates
			(produced_build_run_id, postcode, street_name_raw, street_name_canonical,
			 usrn, candidate_type, confidence, evidence_ref, source_name, ingest_run_id,
			 evidence_json)
		SELECT $1, postcode, street_name_raw, street_name_casefolded,
		       NULL, 'osni_gazetteer_direct', 'medium', feature_id, 'osni_gazetteer', ingest_run_id,
		       jsonb_build_object('feature_count', feature_count)
		FROM direct
		ORDER BY postcode COLLATE "C", street_name_casefolded COLLATE "C"
	`, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: append osni gazetteer candidates")
	}

	return map[string]int64{"osni_gazetteer_direct": tag.RowsAffected()}, nil
}

// passPPDGapFill parses sold-property addresses for postcodes nothing else
// reached. Street tokens that casefold onto the canonical dictionary become
// ppd_parse_matched candidates with the matched USRN; the rest are kept as
// ppd_parse_unmatched so the postcode is at least named, not blank. The
// pass also populates the unit-level disambiguation index for every parsed
// address, gap or not; that index never reaches the published surface.
func (s *Scheduler) passPPDGapFill(ctx context.Context, tx pgx.Tx, bundle *Bundle, run *Run) (map[string]int64, error) {
	matchedTag, err := tx.Exec(ctx, `
		WITH gaps AS (
			SELECT p.postcode
			FROM core.postcodes p
			WHERE p.produced_build_run_id = $1
			  AND p.enrichable
			  AND NOT EXISTS (
				SELECT 1 FROM derived.postcode_street_candidates c
				WHERE c.produced_build_run_id = $1 AND c.postcode = p.postcode
			  )
		),
		matched AS (
			SELECT a.postcode_norm AS postcode,
			       a.street_token_casefolded,
			       MIN(a.street_token_raw) AS street_token_raw,
			       MIN(str.usrn) AS usrn,
			       MIN(a.row_hash) AS row_hash,
			       MIN(a.ingest_run_id::text)::uuid AS ingest_run_id,
			       COUNT(*) AS sale_count
			FROM stage.ppd_parsed_address a
			JOIN gaps g ON g.postcode = a.postcode_norm
			JOIN core.streets_usrn str
			  ON str.produced_build_run_id = $1
			 AND str.street_name_casefolded = a.street_token_casefolded
			WHERE a.build_run_id = $1
			GROUP BY a.postcode_norm, a.street_token_casefolded
		)
		INSERT INTO derived.postcode_street_candidates
			(produced_build_run_id, postcode, street_name_raw, street_name_canonical,
			 usrn, candidate_type, confidence, evidence_ref, source_name, ingest_run_id,
			 evidence_json)
		SELECT $1, postcode, street_token_raw, street_token_casefolded,
		       usrn, 'ppd_parse_matched', 'low', row_hash, 'ppd', ingest_run_id,
		       jsonb_build_object('sale_count', sale_count)
		FROM matched
		ORDER BY postcode COLLATE "C", street_token_casefolded COLLATE "C"
	`, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: append matched ppd candidates")
	}

	unmatchedTag, err := tx.Exec(ctx, `
		WITH gaps AS (
			SELECT p.postcode
			FROM core.postcodes p
			WHERE p.produced_build_run_id = $1
			  AND p.enrichable
			  AND NOT EXISTS (
				SELECT 1 FROM derived.postcode_street_candidates c
				WHERE c.produced_build_run_id = $1
				  AND c.postcode = p.postcode
				  AND c.candidate_type <> 'ppd_parse_matched'
			  )
		),
		unmatched AS (
			SELECT a.postcode_norm AS postcode,
			       a.street_token_casefolded,
			       MIN(a.street_token_raw) AS street_token_raw,
			       MIN(a.row_hash) AS row_hash,
			       MIN(a.ingest_run_id::text)::uuid AS ingest_run_id,
			       COUNT(*) AS sale_count
			FROM stage.ppd_parsed_address a
			JOIN gaps g ON g.postcode = a.postcode_norm
			WHERE a.build_run_id = $1
			  AND NOT EXISTS (
				SELECT 1 FROM core.streets_usrn str
				WHERE str.produced_build_run_id = $1
				  AND str.street_name_casefolded = a.street_token_casefolded
			  )
			GROUP BY a.postcode_norm, a.street_token_casefolded
		)
		INSERT INTO derived.postcode_street_candidates
			(produced_build_run_id, postcode, street_name_raw, street_name_canonical,
			 usrn, candidate_type, confidence, evidence_ref, source_name, ingest_run_id,
			 evidence_json)
		SELECT $1, postcode, street_token_raw, street_token_casefolded,
		       NULL, 'ppd_parse_unmatched', 'none', row_hash, 'ppd', ingest_run_id,
		       jsonb_build_object('sale_count', sale_count)
		FROM unmatched
		ORDER BY postcode COLLATE "C", street_token_casefolded COLLATE "C"
	`, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: append unmatched ppd candidates")
	}

	unitTag, err := tx.Exec(ctx, `
		INSERT INTO internal_idx.unit_index
			(produced_build_run_id, postcode, house_number, street_name, usrn,
			 confidence, source_type, ingest_run_id)
		SELECT $1, a.postcode_norm, a.house_number, a.street_token_raw, str.usrn,
		       CASE WHEN str.usrn IS NULL THEN 'none' ELSE 'low' END,
		       'ppd', a.ingest_run_id
		FROM stage.ppd_parsed_address a
		LEFT JOIN core.streets_usrn str
		  ON str.produced_build_run_id = $1
		 AND str.street_name_casefolded = a.street_token_casefolded
		WHERE a.build_run_id = $1 AND a.house_number IS NOT NULL
	`, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "buildrun: populate unit index")
	}

	return map[string]int64{
		"ppd_parse_matched":   matchedTag.RowsAffected(),
		"ppd_parse_unmatched": unmatchedTag.RowsAffected(),
		"unit_index_rows":     unitTag.RowsAffected(),
	}, nil
}
