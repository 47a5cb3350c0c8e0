// Package spatial performs deterministic nearest-feature matching and
// two-source street reconciliation over EPSG:27700 geometry.
package spatial

import (
	"context"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/gridref-data/streetbuild/internal/db"
)

// Point is a position in British National Grid metres.
type Point struct {
	Easting  float64
	Northing float64
}

// Match is one candidate feature with its exact planar distance from the
// query point.
type Match struct {
	LocalID       string
	NameRaw       string
	NameCanonical string
	DistanceM     float64
	SourceTable   string
}

// Geometry source tables the store may query. Table names reach SQL text,
// so the set is closed.
const (
	TableOpenRoads  = "open_roads_segment"
	TableDFIHighway = "dfi_road_segment"
	TableOSNIPoints = "osni_street_point"
)

var sourceTableColumns = map[string]struct {
	idCol, nameRawCol, nameKeyCol string
}{
	TableOpenRoads:  {"segment_id", "road_name", "road_name_casefolded"},
	TableDFIHighway: {"segment_id", "street_name_raw", "street_name_casefolded"},
	TableOSNIPoints: {"feature_id", "street_name_raw", "street_name_casefolded"},
}

// GeometryStore runs radius queries against stage geometry tables.
type GeometryStore struct {
	q db.Queryer
}

// NewGeometryStore creates a GeometryStore over q.
func NewGeometryStore(q db.Queryer) *GeometryStore {
	return &GeometryStore{q: q}
}

// WithinRadius returns every feature of sourceTable within radiusM metres
// of pt, ordered by exact planar distance then local id. The query filters
// with ST_DWithin and orders by ST_Distance; index-assisted nearest-
// neighbour operators are never used because their ordering is approximate.
func (s *GeometryStore) WithinRadius(ctx context.Context, runID uuid.UUID, pt Point, radiusM float64, sourceTable string) ([]Match, error) {
	cols, ok := sourceTableColumns[sourceTable]
	if !ok {
		return nil, eris.Errorf("spatial: unknown source table %q", sourceTable)
	}
	if radiusM <= 0 {
		return nil, eris.Errorf("spatial: radius must be positive, got %v", radiusM)
	}

	sql := `
		SELECT ` + cols.idCol + `, ` + cols.nameRawCol + `, ` + cols.nameKeyCol + `,
		       ST_Distance(geom_bng, ST_SetSRID(ST_MakePoint($2, $3), 27700)) AS distance_m
		FROM stage.` + sourceTable + `
		WHERE build_run_id = $1
		  AND geom_bng IS NOT NULL
		  AND ST_DWithin(geom_bng, ST_SetSRID(ST_MakePoint($2, $3), 27700), $4)
		ORDER BY distance_m, ` + cols.idCol + ` COLLATE "C"`

	rows, err := s.q.Query(ctx, sql, runID, pt.Easting, pt.Northing, radiusM)
	if err != nil {
		return nil, eris.Wrapf(err, "spatial: radius query against %s", sourceTable)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		m := Match{SourceTable: sourceTable}
		if err := rows.Scan(&m.LocalID, &m.NameRaw, &m.NameCanonical, &m.DistanceM); err != nil {
			return nil, eris.Wrap(err, "spatial: scan radius match")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Nearest returns the single closest match, breaking distance ties by local
// id byte order. The slice is re-sorted here rather than trusting upstream
// ordering, so the result is deterministic regardless of how the matches
// were produced.
func Nearest(matches []Match) (Match, bool) {
	if len(matches) == 0 {
		return Match{}, false
	}
	sorted := make([]Match, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].DistanceM != sorted[j].DistanceM {
			return sorted[i].DistanceM < sorted[j].DistanceM
		}
		return sorted[i].LocalID < sorted[j].LocalID
	})
	return sorted[0], true
}

// genericNameRe matches bare route identifiers (A40, M1, B4425, A1M) that
// name a road classification rather than an addressable street.
var genericNameRe = regexp.MustCompile(`^[ABM][0-9]+[MA]?$`)

// IsGenericIdentifier reports whether the canonical name is a bare route
// number rather than a usable street name.
func IsGenericIdentifier(nameCanonical string) bool {
	return genericNameRe.MatchString(nameCanonical)
}

// Outcome classifies a reconciliation decision.
type Outcome string

const (
	OutcomePrimaryKept       Outcome = "primary_kept"
	OutcomeSecondaryReplaced Outcome = "secondary_replaced"
	OutcomeCorroborated      Outcome = "corroborated"
	OutcomeDisagreement      Outcome = "disagreement"
	OutcomeUnresolved        Outcome = "unresolved"
)

// Resolution is the result of reconciling a primary and secondary match.
type Resolution struct {
	Outcome Outcome
	// Chosen is the winning match; zero-valued when Outcome is unresolved.
	Chosen Match
	// Corroborated is true when both sources agreed on the canonical name.
	Corroborated bool
}

// Reconcile applies the fixed rule order to a primary match and an optional
// secondary match:
//
//  1. no primary → unresolved, the secondary source never decides alone;
//  2. no secondary → primary wins;
//  3. primary name is a bare route identifier and a secondary exists →
//     secondary wins;
//  4. canonical names equal → corroborated, primary display form kept;
//  5. otherwise → primary wins and the disagreement is surfaced, never
//     silently resolved.
func Reconcile(primary, secondary *Match) Resolution {
	if primary == nil {
		return Resolution{Outcome: OutcomeUnresolved}
	}
	if secondary == nil {
		return Resolution{Outcome: OutcomePrimaryKept, Chosen: *primary}
	}

	if IsGenericIdentifier(primary.NameCanonical) {
		return Resolution{Outcome: OutcomeSecondaryReplaced, Chosen: *secondary}
	}

	if primary.NameCanonical == secondary.NameCanonical {
		return Resolution{Outcome: OutcomeCorroborated, Chosen: *primary, Corroborated: true}
	}

	return Resolution{Outcome: OutcomeDisagreement, Chosen: *primary}
}
