package spatial

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

func TestNearest_TieBreaksOnLocalID(t *testing.T) {
	matches := []Match{
		{LocalID: "seg_b", NameCanonical: "STATION ROAD", DistanceM: 12.5},
		{LocalID: "seg_a", NameCanonical: "HIGH STREET", DistanceM: 12.5},
		{LocalID: "seg_c", NameCanonical: "BACK LANE", DistanceM: 40.0},
	}

	got, ok := Nearest(matches)
	require.True(t, ok)
	assert.Equal(t, "seg_a", got.LocalID)

	// Input order must not influence the winner.
	reversed := []Match{matches[2], matches[0], matches[1]}
	got2, ok := Nearest(reversed)
	require.True(t, ok)
	assert.Equal(t, got, got2)
}

func TestNearest_Empty(t *testing.T) {
	_, ok := Nearest(nil)
	assert.False(t, ok)
}

func TestNearest_DoesNotMutateInput(t *testing.T) {
	matches := []Match{
		{LocalID: "b", DistanceM: 2},
		{LocalID: "a", DistanceM: 1},
	}
	_, _ = Nearest(matches)
	assert.Equal(t, "b", matches[0].LocalID)
}

func TestIsGenericIdentifier(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"A road", "A40", true},
		{"B road", "B4425", true},
		{"motorway", "M1", true},
		{"a-road motorway variant", "A1M", true},
		{"named street", "WESTERN AVENUE", false},
		{"name starting with route letter", "M STREET", false},
		{"route with suffix word", "A40 TRUNK", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsGenericIdentifier(tt.in))
		})
	}
}

func TestReconcile(t *testing.T) {
	primary := &Match{LocalID: "or_1", NameRaw: "A40", NameCanonical: "A40", DistanceM: 10}
	secondary := &Match{LocalID: "dfi_1", NameRaw: "Western Avenue", NameCanonical: "WESTERN AVENUE", DistanceM: 14}

	t.Run("no secondary keeps primary", func(t *testing.T) {
		res := Reconcile(primary, nil)
		assert.Equal(t, OutcomePrimaryKept, res.Outcome)
		assert.Equal(t, *primary, res.Chosen)
		assert.False(t, res.Corroborated)
	})

	t.Run("generic primary replaced by named secondary", func(t *testing.T) {
		res := Reconcile(primary, secondary)
		assert.Equal(t, OutcomeSecondaryReplaced, res.Outcome)
		assert.Equal(t, "WESTERN AVENUE", res.Chosen.NameCanonical)
	})

	t.Run("equal canonical names corroborate, primary display kept", func(t *testing.T) {
		p := &Match{LocalID: "or_2", NameRaw: "HIGH STREET", NameCanonical: "HIGH STREET"}
		s := &Match{LocalID: "dfi_2", NameRaw: "High Street", NameCanonical: "HIGH STREET"}
		res := Reconcile(p, s)
		assert.Equal(t, OutcomeCorroborated, res.Outcome)
		assert.True(t, res.Corroborated)
		assert.Equal(t, "HIGH STREET", res.Chosen.NameRaw)
		assert.Equal(t, "or_2", res.Chosen.LocalID)
	})

	t.Run("different names keep primary and surface disagreement", func(t *testing.T) {
		p := &Match{LocalID: "or_3", NameRaw: "Back Lane", NameCanonical: "BACK LANE"}
		s := &Match{LocalID: "dfi_3", NameRaw: "Station Road", NameCanonical: "STATION ROAD"}
		res := Reconcile(p, s)
		assert.Equal(t, OutcomeDisagreement, res.Outcome)
		assert.Equal(t, "BACK LANE", res.Chosen.NameCanonical)
	})

	t.Run("generic primary replaced even by generic secondary", func(t *testing.T) {
		p := &Match{LocalID: "or_4", NameCanonical: "A40"}
		s := &Match{LocalID: "dfi_4", NameCanonical: "B100"}
		res := Reconcile(p, s)
		assert.Equal(t, OutcomeSecondaryReplaced, res.Outcome)
		assert.Equal(t, "B100", res.Chosen.NameCanonical)
	})

	t.Run("both absent is unresolved", func(t *testing.T) {
		res := Reconcile(nil, nil)
		assert.Equal(t, OutcomeUnresolved, res.Outcome)
	})

	t.Run("secondary alone never decides", func(t *testing.T) {
		res := Reconcile(nil, secondary)
		assert.Equal(t, OutcomeUnresolved, res.Outcome)
		assert.Equal(t, Match{}, res.Chosen)
	})
}

func TestWithinRadius(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	store := NewGeometryStore(mock)

	rows := pgxmock.NewRows([]string{"segment_id", "road_name", "road_name_casefolded", "distance_m"}).
		AddRow("seg_1", "High Street", "HIGH STREET", 11.2).
		AddRow("seg_2", "Back Lane", "BACK LANE", 48.9)

	mock.ExpectQuery("ST_DWithin").
		WithArgs(runID, 530047.0, 180422.0, 150.0).
		WillReturnRows(rows)

	got, err := store.WithinRadius(context.Background(), runID, Point{Easting: 530047, Northing: 180422}, 150, TableOpenRoads)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "seg_1", got[0].LocalID)
	assert.Equal(t, "HIGH STREET", got[0].NameCanonical)
	assert.Equal(t, TableOpenRoads, got[0].SourceTable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinRadius_Validation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewGeometryStore(mock)

	_, err = store.WithinRadius(context.Background(), uuid.New(), Point{}, 150, "pg_catalog.pg_tables")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source table")

	_, err = store.WithinRadius(context.Background(), uuid.New(), Point{}, 0, TableOpenRoads)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radius must be positive")
}

func TestBufferedPostcodeHull_Validation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewGeometryStore(mock)
	_, err = store.BufferedPostcodeHull(context.Background(), uuid.New(), "SW1A1AA", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hull buffer must be positive")

	_, err = store.VoronoiCells(context.Background(), uuid.New(), -1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hull buffer must be positive")
}

func TestPostcodeHull(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	store := NewGeometryStore(mock)

	ewkb := []byte{0x01, 0x03, 0x00, 0x00, 0x20}
	mock.ExpectQuery("ST_ConvexHull").
		WithArgs(runID, "SW1A1AA").
		WillReturnRows(pgxmock.NewRows([]string{"hull"}).AddRow(ewkb))

	hull, err := store.PostcodeHull(context.Background(), runID, "SW1A1AA")
	require.NoError(t, err)
	assert.Equal(t, ewkb, hull)

	// No located points yields a nil hull, not an error.
	mock.ExpectQuery("ST_ConvexHull").
		WithArgs(runID, "ZZ99ZZZ").
		WillReturnRows(pgxmock.NewRows([]string{"hull"}).AddRow([]byte(nil)))

	hull, err = store.PostcodeHull(context.Background(), runID, "ZZ99ZZZ")
	require.NoError(t, err)
	assert.Nil(t, hull)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeatureCoveredBy(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	store := NewGeometryStore(mock)
	hull := []byte{0x01, 0x03}

	mock.ExpectQuery("ST_CoveredBy").
		WithArgs(runID, "seg_1", hull).
		WillReturnRows(pgxmock.NewRows([]string{"covered"}).AddRow(true))

	covered, err := store.FeatureCoveredBy(context.Background(), runID, TableOpenRoads, "seg_1", hull)
	require.NoError(t, err)
	assert.True(t, covered)

	_, err = store.FeatureCoveredBy(context.Background(), runID, "not_a_table", "seg_1", hull)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVoronoiCells(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	store := NewGeometryStore(mock)

	mock.ExpectQuery("ST_VoronoiPolygons").
		WithArgs(runID, 5000.0).
		WillReturnRows(pgxmock.NewRows([]string{"postcode_norm", "cell"}).
			AddRow("BT11AA", []byte{0x01}).
			AddRow("SW1A1AA", []byte{0x02}))

	cells, err := store.VoronoiCells(context.Background(), runID, 5000)
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.Equal(t, "BT11AA", cells[0].Postcode)
	assert.Equal(t, "SW1A1AA", cells[1].Postcode)
	assert.NoError(t, mock.ExpectationsWereMet())
}
