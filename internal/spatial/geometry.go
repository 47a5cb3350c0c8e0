package spatial

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// The SQL in this file is part of the dataset's determinism contract:
// hull and tessellation queries are fixed expressions with every tuning
// value bound as a parameter, so two builds of the same inputs produce
// byte-identical geometry.

// PostcodeHull returns the convex hull over a postcode's UPRN points as
// EWKB, or nil when the postcode has no located points in the run.
func (s *GeometryStore) PostcodeHull(ctx context.Context, runID uuid.UUID, postcode string) ([]byte, error) {
	var hull []byte
	err := s.q.QueryRow(ctx, `
		SELECT ST_AsEWKB(ST_ConvexHull(ST_Collect(geom_bng)))
		FROM stage.uprn_point
		WHERE build_run_id = $1 AND postcode_norm = $2 AND geom_bng IS NOT NULL
	`, runID, postcode).Scan(&hull)
	if err != nil {
		return nil, eris.Wrapf(err, "spatial: convex hull for %s", postcode)
	}
	return hull, nil
}

// BufferedPostcodeHull returns the postcode's convex hull expanded by
// bufferM metres, as EWKB. The buffer distance is always bound, never
// inlined into the SQL text.
func (s *GeometryStore) BufferedPostcodeHull(ctx context.Context, runID uuid.UUID, postcode string, bufferM float64) ([]byte, error) {
	if bufferM <= 0 {
		return nil, eris.Errorf("spatial: hull buffer must be positive, got %v", bufferM)
	}
	var hull []byte
	err := s.q.QueryRow(ctx, `
		SELECT ST_AsEWKB(ST_Buffer(ST_ConvexHull(ST_Collect(geom_bng)), $3))
		FROM stage.uprn_point
		WHERE build_run_id = $1 AND postcode_norm = $2 AND geom_bng IS NOT NULL
	`, runID, postcode, bufferM).Scan(&hull)
	if err != nil {
		return nil, eris.Wrapf(err, "spatial: buffered hull for %s", postcode)
	}
	return hull, nil
}

// FeatureCoveredBy reports whether a source feature's geometry lies
// entirely within the supplied EWKB geometry.
func (s *GeometryStore) FeatureCoveredBy(ctx context.Context, runID uuid.UUID, sourceTable, localID string, geomEWKB []byte) (bool, error) {
	cols, ok := sourceTableColumns[sourceTable]
	if !ok {
		return false, eris.Errorf("spatial: unknown source table %q", sourceTable)
	}

	var covered bool
	err := s.q.QueryRow(ctx, `
		SELECT ST_CoveredBy(geom_bng, ST_GeomFromEWKB($3))
		FROM stage.`+sourceTable+`
		WHERE build_run_id = $1 AND `+cols.idCol+` = $2
	`, runID, localID, geomEWKB).Scan(&covered)
	if err != nil {
		return false, eris.Wrapf(err, "spatial: coverage check for %s in %s", localID, sourceTable)
	}
	return covered, nil
}

// VoronoiCell is one postcode's tessellation cell.
type VoronoiCell struct {
	Postcode string
	GeomEWKB []byte
}

// VoronoiCells tessellates the run's postcode seed points (UPRN centroids)
// into cells clipped to the buffered hull of all seeds, returned in
// postcode byte order. Each cell is matched back to its seed by
// containment, so the assignment does not depend on tessellation output
// order.
func (s *GeometryStore) VoronoiCells(ctx context.Context, runID uuid.UUID, hullBufferM float64) ([]VoronoiCell, error) {
	if hullBufferM <= 0 {
		return nil, eris.Errorf("spatial: hull buffer must be positive, got %v", hullBufferM)
	}

	rows, err := s.q.Query(ctx, `
		WITH seeds AS (
			SELECT postcode_norm, ST_Centroid(ST_Collect(geom_bng)) AS seed
			FROM stage.uprn_point
			WHERE build_run_id = $1 AND postcode_norm IS NOT NULL AND geom_bng IS NOT NULL
			GROUP BY postcode_norm
		),
		cells AS (
			SELECT (ST_Dump(ST_VoronoiPolygons(
				ST_Collect(seed),
				0.0,
				ST_Buffer(ST_ConvexHull(ST_Collect(seed)), $2)
			))).geom AS cell
			FROM seeds
		)
		SELECT s.postcode_norm, ST_AsEWKB(c.cell)
		FROM cells c
		JOIN seeds s ON ST_Contains(c.cell, s.seed)
		ORDER BY s.postcode_norm COLLATE "C"
	`, runID, hullBufferM)
	if err != nil {
		return nil, eris.Wrap(err, "spatial: voronoi tessellation")
	}
	defer rows.Close()

	var out []VoronoiCell
	for rows.Next() {
		var c VoronoiCell
		if err := rows.Scan(&c.Postcode, &c.GeomEWKB); err != nil {
			return nil, eris.Wrap(err, "spatial: scan voronoi cell")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
