package evidence

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func validCandidate(runID uuid.UUID) Candidate {
	return Candidate{
		BuildRunID:          runID,
		Postcode:            "SW1A1AA",
		StreetNameRaw:       "The Mall",
		StreetNameCanonical: "THE MALL",
		Type:                TypeNamesPostcodeFeature,
		Confidence:          ConfidenceHigh,
		EvidenceRef:         "os_open_names:osgb4000000012345678",
		SourceName:          "os_open_names",
		IngestRunID:         uuid.New(),
	}
}

func TestCandidateTypeVocabulary(t *testing.T) {
	known := []CandidateType{
		TypeUPRNUSRN, TypeOLIToidUSRN, TypeNamesPostcodeFeature,
		TypeOSNIGazetteerDirect, TypeSpatialOSOpenRoads, TypeSpatialDFIHighway,
		TypePPDParseMatched, TypePPDParseUnmatched,
	}
	for _, ct := range known {
		assert.True(t, ct.Valid(), string(ct))
	}
	assert.False(t, CandidateType("made_up").Valid())

	// Direct linkage outranks spatial inference, which outranks parsing.
	assert.Greater(t, TypeUPRNUSRN.Strength(), TypeSpatialOSOpenRoads.Strength())
	assert.Greater(t, TypeSpatialOSOpenRoads.Strength(), TypePPDParseMatched.Strength())
	assert.Greater(t, TypePPDParseMatched.Strength(), TypePPDParseUnmatched.Strength())
}

func TestConfidenceOrdering(t *testing.T) {
	assert.Greater(t, ConfidenceHigh.Rank(), ConfidenceMedium.Rank())
	assert.Greater(t, ConfidenceMedium.Rank(), ConfidenceLow.Rank())
	assert.Greater(t, ConfidenceLow.Rank(), ConfidenceNone.Rank())
	assert.False(t, Confidence("certain").Valid())
}

func TestAppend(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	c := validCandidate(runID)

	mock.ExpectQuery("INSERT INTO derived.postcode_street_candidates").
		WithArgs(c.BuildRunID, c.Postcode, c.StreetNameRaw, c.StreetNameCanonical,
			c.USRN, c.Type, c.Confidence, c.EvidenceRef, c.SourceName, c.IngestRunID,
			[]byte("{}")).
		WillReturnRows(pgxmock.NewRows([]string{"candidate_id"}).AddRow(int64(42)))

	id, err := Append(context.Background(), mock, c)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_Invalid(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()

	bad := validCandidate(runID)
	bad.Type = "mystery"
	_, err = Append(context.Background(), mock, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown candidate type")

	bad = validCandidate(runID)
	bad.Confidence = "certain"
	_, err = Append(context.Background(), mock, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown confidence")

	bad = validCandidate(runID)
	bad.Postcode = ""
	_, err = Append(context.Background(), mock, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postcode is required")

	bad = validCandidate(runID)
	bad.EvidenceRef = ""
	_, err = Append(context.Background(), mock, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evidence ref is required")

	// No statements must have reached the database.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromote(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	child := validCandidate(runID)
	child.Type = TypeUPRNUSRN

	mock.ExpectQuery("INSERT INTO derived.postcode_street_candidates").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"candidate_id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO derived.postcode_street_candidate_lineage").
		WithArgs(int64(3), int64(7), "usrn_reinforced", child.BuildRunID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	childID, err := Promote(context.Background(), mock, 3, child, "usrn_reinforced")
	require.NoError(t, err)
	assert.Equal(t, int64(7), childID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromote_RequiresRelation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = Promote(context.Background(), mock, 3, validCandidate(uuid.New()), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relation is required")
}

func TestByPostcode(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	ingestID := uuid.New()

	rows := pgxmock.NewRows([]string{
		"candidate_id", "produced_build_run_id", "postcode", "street_name_raw",
		"street_name_canonical", "usrn", "candidate_type", "confidence",
		"evidence_ref", "source_name", "ingest_run_id", "evidence_json",
	}).
		AddRow(int64(1), runID, "SW1A1AA", "The Mall", "THE MALL", (*int64)(nil),
			TypeNamesPostcodeFeature, ConfidenceHigh, "ref1", "os_open_names", ingestID, []byte("{}")).
		AddRow(int64(2), runID, "SW1A1AA", "The Mall", "THE MALL", ptrInt64(21900035),
			TypeUPRNUSRN, ConfidenceHigh, "ref2", "os_open_lids", ingestID, []byte("{}"))

	mock.ExpectQuery("FROM derived.postcode_street_candidates").
		WithArgs(runID, "SW1A1AA").
		WillReturnRows(rows)

	got, err := ByPostcode(context.Background(), mock, runID, "SW1A1AA")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, TypeUPRNUSRN, got[1].Type)
	require.NotNil(t, got[1].USRN)
	assert.Equal(t, int64(21900035), *got[1].USRN)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func ptrInt64(v int64) *int64 { return &v }
