// Package evidence is the append-only store of postcode ↔ street candidates
// and their promotion lineage. There is deliberately no update or delete
// API, and the database enforces the same rule with triggers, so evidence
// written by any pass is permanent for the life of the run.
package evidence

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/gridref-data/streetbuild/internal/db"
)

// CandidateType is the closed vocabulary of evidence kinds, listed from
// strongest to weakest. New types may be appended; existing values are
// never renamed or reordered.
type CandidateType string

const (
	TypeUPRNUSRN             CandidateType = "uprn_usrn"
	TypeOLIToidUSRN          CandidateType = "oli_toid_usrn"
	TypeNamesPostcodeFeature CandidateType = "names_postcode_feature"
	TypeOSNIGazetteerDirect  CandidateType = "osni_gazetteer_direct"
	TypeSpatialOSOpenRoads   CandidateType = "spatial_os_open_roads"
	TypeSpatialDFIHighway    CandidateType = "spatial_dfi_highway"
	TypePPDParseMatched      CandidateType = "ppd_parse_matched"
	TypePPDParseUnmatched    CandidateType = "ppd_parse_unmatched"
)

// Confidence grades how directly the evidence ties a street to a postcode.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// strengthRank orders candidate types for promotion decisions. Higher wins.
var strengthRank = map[CandidateType]int{
	TypeUPRNUSRN:             8,
	TypeOLIToidUSRN:          7,
	TypeNamesPostcodeFeature: 6,
	TypeOSNIGazetteerDirect:  6,
	TypeSpatialOSOpenRoads:   5,
	TypeSpatialDFIHighway:    5,
	TypePPDParseMatched:      4,
	TypePPDParseUnmatched:    3,
}

// confidenceRank orders confidence grades for ranking ties. Higher wins.
var confidenceRank = map[Confidence]int{
	ConfidenceHigh:   4,
	ConfidenceMedium: 3,
	ConfidenceLow:    2,
	ConfidenceNone:   1,
}

// Valid reports whether t is a member of the closed vocabulary.
func (t CandidateType) Valid() bool {
	_, ok := strengthRank[t]
	return ok
}

// Strength returns the promotion strength of the type; stronger types
// supersede weaker ones for the same (postcode, street) pair.
func (t CandidateType) Strength() int {
	return strengthRank[t]
}

// Valid reports whether c is a known confidence grade.
func (c Confidence) Valid() bool {
	_, ok := confidenceRank[c]
	return ok
}

// Rank returns the ordering value of the confidence grade.
func (c Confidence) Rank() int {
	return confidenceRank[c]
}

// Candidate is one atomic unit of street evidence for a postcode.
type Candidate struct {
	ID                  int64
	BuildRunID          uuid.UUID
	Postcode            string
	StreetNameRaw       string
	StreetNameCanonical string
	USRN                *int64
	Type                CandidateType
	Confidence          Confidence
	EvidenceRef         string
	SourceName          string
	IngestRunID         uuid.UUID
	EvidenceJSON        []byte
}

func (c *Candidate) validate() error {
	if !c.Type.Valid() {
		return eris.Errorf("evidence: unknown candidate type %q", c.Type)
	}
	if !c.Confidence.Valid() {
		return eris.Errorf("evidence: unknown confidence %q", c.Confidence)
	}
	if c.Postcode == "" {
		return eris.New("evidence: candidate postcode is required")
	}
	if c.StreetNameCanonical == "" {
		return eris.New("evidence: candidate canonical street name is required")
	}
	if c.EvidenceRef == "" {
		return eris.New("evidence: candidate evidence ref is required")
	}
	return nil
}

// Append inserts a candidate and returns its id. q is typically the pass
// transaction so evidence commits atomically with the pass checkpoint.
func Append(ctx context.Context, q db.Queryer, c Candidate) (int64, error) {
	if err := c.validate(); err != nil {
		return 0, err
	}

	evidenceJSON := c.EvidenceJSON
	if len(evidenceJSON) == 0 {
		evidenceJSON = []byte("{}")
	}

	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO derived.postcode_street_candidates
			(produced_build_run_id, postcode, street_name_raw, street_name_canonical,
			 usrn, candidate_type, confidence, evidence_ref, source_name, ingest_run_id, evidence_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING candidate_id
	`, c.BuildRunID, c.Postcode, c.StreetNameRaw, c.StreetNameCanonical,
		c.USRN, c.Type, c.Confidence, c.EvidenceRef, c.SourceName, c.IngestRunID, evidenceJSON,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "evidence: append candidate")
	}
	return id, nil
}

// Promote appends child as a new candidate and records a lineage edge from
// parent to child. The parent row is untouched; promotion never mutates,
// it supersedes by appending.
func Promote(ctx context.Context, q db.Queryer, parentID int64, child Candidate, relation string) (int64, error) {
	if relation == "" {
		return 0, eris.New("evidence: promotion relation is required")
	}

	childID, err := Append(ctx, q, child)
	if err != nil {
		return 0, err
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO derived.postcode_street_candidate_lineage
			(parent_candidate_id, child_candidate_id, relation_type, produced_build_run_id)
		VALUES ($1, $2, $3, $4)
	`, parentID, childID, relation, child.BuildRunID); err != nil {
		return 0, eris.Wrap(err, "evidence: record lineage edge")
	}

	return childID, nil
}

// ByPostcode returns all candidates for a postcode within a run, oldest
// first (insertion order, which candidate_id preserves).
func ByPostcode(ctx context.Context, q db.Queryer, runID uuid.UUID, postcode string) ([]Candidate, error) {
	rows, err := q.Query(ctx, `
		SELECT candidate_id, produced_build_run_id, postcode, street_name_raw,
		       street_name_canonical, usrn, candidate_type, confidence,
		       evidence_ref, source_name, ingest_run_id, evidence_json
		FROM derived.postcode_street_candidates
		WHERE produced_build_run_id = $1 AND postcode = $2
		ORDER BY candidate_id
	`, runID, postcode)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: query candidates by postcode")
	}
	defer rows.Close()

	return scanCandidates(rows)
}

// ByStreetKey returns all candidates sharing a canonical street name within
// a run.
func ByStreetKey(ctx context.Context, q db.Queryer, runID uuid.UUID, streetKey string) ([]Candidate, error) {
	rows, err := q.Query(ctx, `
		SELECT candidate_id, produced_build_run_id, postcode, street_name_raw,
		       street_name_canonical, usrn, candidate_type, confidence,
		       evidence_ref, source_name, ingest_run_id, evidence_json
		FROM derived.postcode_street_candidates
		WHERE produced_build_run_id = $1 AND street_name_canonical = $2
		ORDER BY candidate_id
	`, runID, streetKey)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: query candidates by street key")
	}
	defer rows.Close()

	return scanCandidates(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanCandidates(rows rowScanner) ([]Candidate, error) {
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(
			&c.ID, &c.BuildRunID, &c.Postcode, &c.StreetNameRaw,
			&c.StreetNameCanonical, &c.USRN, &c.Type, &c.Confidence,
			&c.EvidenceRef, &c.SourceName, &c.IngestRunID, &c.EvidenceJSON,
		); err != nil {
			return nil, eris.Wrap(err, "evidence: scan candidate")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
