package ranking

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridref-data/streetbuild/internal/errclass"
	"github.com/gridref-data/streetbuild/internal/evidence"
)

func validWeightsYAML() []byte {
	return []byte(`
weights:
  uprn_usrn: 5.0
  oli_toid_usrn: 4.0
  names_postcode_feature: 3.5
  osni_gazetteer_direct: 3.5
  spatial_os_open_roads: 2.0
  spatial_dfi_highway: 2.0
  ppd_parse_matched: 1.5
  ppd_parse_unmatched: 0.5
`)
}

func TestParseWeights_Valid(t *testing.T) {
	w, err := ParseWeights(validWeightsYAML())
	require.NoError(t, err)
	assert.Len(t, w, 8)
	assert.Equal(t, 5.0, w[evidence.TypeUPRNUSRN])
}

func TestParseWeights_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"missing type",
			"weights:\n  uprn_usrn: 5.0\n",
			"missing candidate type",
		},
		{
			"unknown type",
			string(validWeightsYAML()) + "  street_view_guess: 1.0\n",
			"unknown candidate type",
		},
		{
			"zero weight",
			"weights:\n  uprn_usrn: 0\n",
			"must be positive",
		},
		{
			"negative weight",
			"weights:\n  uprn_usrn: -2\n",
			"must be positive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWeights([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, errclass.ExitValidation, errclass.ExitCode(err))
		})
	}
}

func usrn(v int64) *int64 { return &v }

func TestRankGroup_ProbabilityClosure(t *testing.T) {
	entries := []Entry{
		{CanonicalName: "HIGH STREET", Confidence: evidence.ConfidenceHigh, WeightedScore: 7.0},
		{CanonicalName: "BACK LANE", Confidence: evidence.ConfidenceMedium, WeightedScore: 2.0},
		{CanonicalName: "STATION ROAD", Confidence: evidence.ConfidenceLow, WeightedScore: 1.0},
	}

	ranked, err := RankGroup(entries)
	require.NoError(t, err)
	require.Len(t, ranked, 3)

	var sum int64
	for _, r := range ranked {
		sum += r.BasisPoints
	}
	assert.Equal(t, int64(10000), sum)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, "HIGH STREET", ranked[0].CanonicalName)
	assert.Equal(t, "STATION ROAD", ranked[2].CanonicalName)
}

func TestRankGroup_ResidualOnRankOne(t *testing.T) {
	// 1/3 splits round to 3333 each; the residual point goes to rank 1.
	entries := []Entry{
		{CanonicalName: "A STREET", Confidence: evidence.ConfidenceHigh, WeightedScore: 1.0},
		{CanonicalName: "B STREET", Confidence: evidence.ConfidenceHigh, WeightedScore: 1.0},
		{CanonicalName: "C STREET", Confidence: evidence.ConfidenceHigh, WeightedScore: 1.0},
	}

	ranked, err := RankGroup(entries)
	require.NoError(t, err)
	assert.Equal(t, "A STREET", ranked[0].CanonicalName)
	assert.Equal(t, int64(3334), ranked[0].BasisPoints)
	assert.Equal(t, int64(3333), ranked[1].BasisPoints)
	assert.Equal(t, int64(3333), ranked[2].BasisPoints)
}

func TestRankGroup_TieBreakOrder(t *testing.T) {
	entries := []Entry{
		{CanonicalName: "ZEBRA WAY", Confidence: evidence.ConfidenceHigh, WeightedScore: 2.0, USRN: usrn(200)},
		{CanonicalName: "ZEBRA WAY", Confidence: evidence.ConfidenceHigh, WeightedScore: 2.0, USRN: usrn(100)},
		{CanonicalName: "ALPHA ROAD", Confidence: evidence.ConfidenceHigh, WeightedScore: 2.0},
		{CanonicalName: "ALPHA ROAD", Confidence: evidence.ConfidenceLow, WeightedScore: 2.0},
	}

	ranked, err := RankGroup(entries)
	require.NoError(t, err)
	require.Len(t, ranked, 4)

	// Equal scores: confidence first, then name bytes, then USRN nulls last.
	assert.Equal(t, "ALPHA ROAD", ranked[0].CanonicalName)
	assert.Equal(t, evidence.ConfidenceHigh, ranked[0].Confidence)
	assert.Equal(t, int64(100), *ranked[1].USRN)
	assert.Equal(t, int64(200), *ranked[2].USRN)
	assert.Equal(t, evidence.ConfidenceLow, ranked[3].Confidence)
}

func TestRankGroup_StableUnderShuffle(t *testing.T) {
	base := []Entry{
		{CanonicalName: "HIGH STREET", Confidence: evidence.ConfidenceHigh, WeightedScore: 5.5},
		{CanonicalName: "BACK LANE", Confidence: evidence.ConfidenceMedium, WeightedScore: 5.5},
		{CanonicalName: "MILL ROAD", Confidence: evidence.ConfidenceMedium, WeightedScore: 5.5, USRN: usrn(42)},
		{CanonicalName: "STATION ROAD", Confidence: evidence.ConfidenceLow, WeightedScore: 1.0},
	}

	want, err := RankGroup(base)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 25; i++ {
		shuffled := make([]Entry, len(base))
		copy(shuffled, base)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got, err := RankGroup(shuffled)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRankGroup_SingleEntry(t *testing.T) {
	ranked, err := RankGroup([]Entry{
		{CanonicalName: "ONLY STREET", Confidence: evidence.ConfidenceHigh, WeightedScore: 0.5},
	})
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, int64(10000), ranked[0].BasisPoints)
	assert.Equal(t, 1.0, ranked[0].Probability())
}

func TestRankGroup_NonPositiveTotalIsGateFailure(t *testing.T) {
	_, err := RankGroup([]Entry{
		{CanonicalName: "GHOST STREET", Confidence: evidence.ConfidenceNone, WeightedScore: 0},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-positive total weight")
	assert.Equal(t, errclass.ExitGate, errclass.ExitCode(err))
}

func TestRankGroup_Empty(t *testing.T) {
	ranked, err := RankGroup(nil)
	require.NoError(t, err)
	assert.Nil(t, ranked)
}

func TestBuildEntries(t *testing.T) {
	w, err := ParseWeights(validWeightsYAML())
	require.NoError(t, err)

	cands := []evidence.Candidate{
		{ID: 1, StreetNameRaw: "High Street", StreetNameCanonical: "HIGH STREET",
			Type: evidence.TypeSpatialOSOpenRoads, Confidence: evidence.ConfidenceMedium},
		{ID: 2, StreetNameRaw: "HIGH STREET", StreetNameCanonical: "HIGH STREET", USRN: usrn(21900035),
			Type: evidence.TypeUPRNUSRN, Confidence: evidence.ConfidenceHigh},
		{ID: 3, StreetNameRaw: "Back Lane", StreetNameCanonical: "BACK LANE",
			Type: evidence.TypePPDParseMatched, Confidence: evidence.ConfidenceLow},
	}

	entries := BuildEntries(cands, w)
	require.Len(t, entries, 2)

	// Entries come back in canonical-name order.
	assert.Equal(t, "BACK LANE", entries[0].CanonicalName)
	assert.Equal(t, 1.5, entries[0].WeightedScore)

	// The strongest candidate supplies display name, confidence, and USRN.
	assert.Equal(t, "HIGH STREET", entries[1].StreetName)
	assert.Equal(t, evidence.ConfidenceHigh, entries[1].Confidence)
	require.NotNil(t, entries[1].USRN)
	assert.Equal(t, int64(21900035), *entries[1].USRN)
	assert.Equal(t, 7.0, entries[1].WeightedScore)
}

func TestBuildEntries_OrderIndependent(t *testing.T) {
	w, err := ParseWeights(validWeightsYAML())
	require.NoError(t, err)

	cands := []evidence.Candidate{
		{ID: 1, StreetNameRaw: "a", StreetNameCanonical: "A", Type: evidence.TypeUPRNUSRN, Confidence: evidence.ConfidenceHigh},
		{ID: 2, StreetNameRaw: "b", StreetNameCanonical: "B", Type: evidence.TypePPDParseMatched, Confidence: evidence.ConfidenceLow},
		{ID: 3, StreetNameRaw: "a2", StreetNameCanonical: "A", Type: evidence.TypeSpatialDFIHighway, Confidence: evidence.ConfidenceMedium},
	}
	reversed := []evidence.Candidate{cands[2], cands[1], cands[0]}

	assert.Equal(t, BuildEntries(cands, w), BuildEntries(reversed, w))
}
