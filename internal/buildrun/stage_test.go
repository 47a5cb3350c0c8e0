package buildrun

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageNSUL_NormalisesAndDeduplicates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	ingestRunID := uuid.New()

	mock.ExpectQuery("FROM raw.nsul_row").
		WithArgs(ingestRunID).
		WillReturnRows(pgxmock.NewRows([]string{"source_row_num", "payload_jsonb"}).
			AddRow(int64(1), []byte(`{"UPRN": "100023336956", "PCDS": "SW1A 1AA"}`)).
			AddRow(int64(2), []byte(`{"UPRN": "100023336956", "PCDS": "sw1a1aa"}`)).
			AddRow(int64(3), []byte(`{"UPRN": "", "PCDS": "BT1 1AA"}`)).
			AddRow(int64(4), []byte(`{"UPRN": "200001234567", "PCDS": "BT1 1AA"}`)))

	mock.ExpectCopyFrom(
		pgx.Identifier{"stage", "nsul_uprn_postcode"},
		[]string{"build_run_id", "uprn", "postcode_norm", "ingest_run_id"},
	).WillReturnResult(2)

	n, err := testScheduler(mock).stageNSUL(context.Background(), runID, ingestRunID)
	require.NoError(t, err)
	// Row 2 duplicates row 1 after normalisation; row 3 has no UPRN.
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStagePPD_CollapsesRepeatSales(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	ingestRunID := uuid.New()

	mock.ExpectQuery("FROM raw.ppd_row").
		WithArgs(ingestRunID).
		WillReturnRows(pgxmock.NewRows([]string{"source_row_num", "payload_jsonb"}).
			AddRow(int64(1), []byte(`{"postcode": "SW1A 1AA", "paon": "12", "street": "High St"}`)).
			AddRow(int64(2), []byte(`{"postcode": "SW1A 1AA", "paon": "12", "street": "HIGH STREET"}`)).
			AddRow(int64(3), []byte(`{"postcode": "SW1A 1AA", "paon": "", "street": ""}`)))

	mock.ExpectCopyFrom(
		pgx.Identifier{"stage", "ppd_parsed_address"},
		[]string{"build_run_id", "row_hash", "postcode_norm", "house_number",
			"street_token_raw", "street_token_casefolded", "ingest_run_id"},
	).WillReturnResult(1)

	n, err := testScheduler(mock).stagePPD(context.Background(), runID, ingestRunID)
	require.NoError(t, err)
	// "High St" and "HIGH STREET" casefold to the same key, so the resale
	// collapses; the streetless row is dropped.
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStageLinkedIdentifiers_ClassifiesPairs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	ingestRunID := uuid.New()

	mock.ExpectQuery("FROM raw.os_open_lids_row").
		WithArgs(ingestRunID).
		WillReturnRows(pgxmock.NewRows([]string{"source_row_num", "payload_jsonb"}).
			AddRow(int64(1), []byte(`{"IDENTIFIER_1": "osgb4000000030480123", "IDENTIFIER_2": "21900035"}`)).
			AddRow(int64(2), []byte(`{"IDENTIFIER_1": "100023336956", "IDENTIFIER_2": "21900035"}`)).
			AddRow(int64(3), []byte(`{"IDENTIFIER_1": "", "IDENTIFIER_2": "21900035"}`)))

	mock.ExpectCopyFrom(
		pgx.Identifier{"stage", "oli_identifier_pair"},
		[]string{"build_run_id", "id_1", "id_2", "relation_type", "ingest_run_id"},
	).WillReturnResult(2)
	mock.ExpectCopyFrom(
		pgx.Identifier{"stage", "oli_toid_usrn"},
		[]string{"build_run_id", "toid", "usrn", "ingest_run_id"},
	).WillReturnResult(1)
	mock.ExpectCopyFrom(
		pgx.Identifier{"stage", "oli_uprn_usrn"},
		[]string{"build_run_id", "uprn", "usrn", "ingest_run_id"},
	).WillReturnResult(1)

	n, err := testScheduler(mock).stageLinkedIdentifiers(context.Background(), runID, ingestRunID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
