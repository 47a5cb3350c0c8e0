package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jonas-p/go-shp"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/errclass"
	"github.com/gridref-data/streetbuild/internal/fetcher"
	"github.com/gridref-data/streetbuild/internal/manifest"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func writeTempCSV(t *testing.T, name, content string) (path, sha string) {
	t.Helper()
	path = filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	sha, err := fetcher.FileSHA256(path)
	require.NoError(t, err)
	return path, sha
}

func TestPointEWKB_RoundTrip(t *testing.T) {
	data, err := PointEWKB(530047, 180422)
	require.NoError(t, err)

	g, err := ewkb.Unmarshal(data)
	require.NoError(t, err)
	pt, ok := g.(*geom.Point)
	require.True(t, ok)
	assert.Equal(t, sridBNG, pt.SRID())
	assert.Equal(t, 530047.0, pt.X())
	assert.Equal(t, 180422.0, pt.Y())
}

func TestEncodeShapeEWKB(t *testing.T) {
	t.Run("nil shape", func(t *testing.T) {
		data, err := EncodeShapeEWKB(nil)
		require.NoError(t, err)
		assert.Nil(t, data)
	})

	t.Run("point", func(t *testing.T) {
		data, err := EncodeShapeEWKB(&shp.Point{X: 337000, Y: 374000})
		require.NoError(t, err)
		g, err := ewkb.Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, sridBNG, g.SRID())
	})

	t.Run("polyline", func(t *testing.T) {
		pl := &shp.PolyLine{
			NumParts:  1,
			NumPoints: 2,
			Parts:     []int32{0},
			Points: []shp.Point{
				{X: 400000, Y: 300000},
				{X: 400100, Y: 300050},
			},
		}
		data, err := EncodeShapeEWKB(pl)
		require.NoError(t, err)
		g, err := ewkb.Unmarshal(data)
		require.NoError(t, err)
		mls, ok := g.(*geom.MultiLineString)
		require.True(t, ok)
		assert.Equal(t, sridBNG, mls.SRID())
		assert.Equal(t, 1, mls.NumLineStrings())
	})

	t.Run("empty polyline", func(t *testing.T) {
		data, err := EncodeShapeEWKB(&shp.PolyLine{})
		require.NoError(t, err)
		assert.Nil(t, data)
	})
}

func TestRegister_ChecksumMismatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	path, _ := writeTempCSV(t, "onspd.csv", "pcds,lat\nSW1A 1AA,51.5\n")

	m := &manifest.Source{
		Source:  "onspd",
		Release: "2025-05",
		Files: []manifest.SourceFile{{
			Name:   "onspd.csv",
			SHA256: "0000000000000000000000000000000000000000000000000000000000000000",
			Format: manifest.FormatCSV,
		}},
	}

	_, err = New(mock).Register(context.Background(), m, map[string]string{"onspd.csv": path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.Equal(t, errclass.ExitValidation, errclass.ExitCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_UnknownSource(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	m := &manifest.Source{Source: "mystery", Release: "1", Files: []manifest.SourceFile{{
		Name:   "a.csv",
		SHA256: "0000000000000000000000000000000000000000000000000000000000000000",
		Format: manifest.FormatCSV,
	}}}

	_, err = New(mock).Register(context.Background(), m, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
	assert.Equal(t, errclass.ExitValidation, errclass.ExitCode(err))
}

func TestRegister_DuplicateReleaseDifferentChecksum(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	path, sha := writeTempCSV(t, "onspd.csv", "pcds,lat\nSW1A 1AA,51.5\n")

	m := &manifest.Source{
		Source:  "onspd",
		Release: "2025-05",
		Files:   []manifest.SourceFile{{Name: "onspd.csv", SHA256: sha, Format: manifest.FormatCSV}},
	}

	mock.ExpectQuery("SELECT DISTINCT sha256 FROM meta.source_file").
		WithArgs("onspd", "2025-05", "onspd.csv").
		WillReturnRows(pgxmock.NewRows([]string{"sha256"}).AddRow("a different checksum"))

	_, err = New(mock).Register(context.Background(), m, map[string]string{"onspd.csv": path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered with checksum")
	assert.Equal(t, errclass.ExitValidation, errclass.ExitCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	path, sha := writeTempCSV(t, "onspd.csv", "pcds,lat\nSW1A 1AA,51.5\nBT7 1NN,54.58\n")

	m := &manifest.Source{
		Source:  "onspd",
		Release: "2025-05",
		Files:   []manifest.SourceFile{{Name: "onspd.csv", SHA256: sha, Format: manifest.FormatCSV}},
	}

	mock.ExpectQuery("SELECT DISTINCT sha256 FROM meta.source_file").
		WithArgs("onspd", "2025-05", "onspd.csv").
		WillReturnRows(pgxmock.NewRows([]string{"sha256"}))

	mock.ExpectExec("INSERT INTO meta.ingest_run").
		WithArgs(pgxmock.AnyArg(), "onspd", "2025-05", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	mock.ExpectCopyFrom(
		pgx.Identifier{"raw", "onspd_row"},
		[]string{"ingest_run_id", "source_row_num", "payload_jsonb"},
	).WillReturnResult(2)

	mock.ExpectExec("INSERT INTO meta.source_file").
		WithArgs(pgxmock.AnyArg(), "onspd", "2025-05", "onspd.csv", sha, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	mock.ExpectExec("UPDATE meta.ingest_run SET record_count").
		WithArgs(int64(2), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	runID, err := New(mock).Register(context.Background(), m, map[string]string{"onspd.csv": path})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCSVPointEWKB(t *testing.T) {
	record := []string{"100023336956", "530047", "180422"}
	val := csvPointEWKB(record, 1, 2)
	require.NotNil(t, val)

	g, err := ewkb.Unmarshal(val.([]byte))
	require.NoError(t, err)
	assert.Equal(t, sridBNG, g.SRID())

	assert.Nil(t, csvPointEWKB(record, -1, 2))
	assert.Nil(t, csvPointEWKB([]string{"x", "notanumber", "180422"}, 1, 2))
}
