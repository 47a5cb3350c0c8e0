package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridref-data/streetbuild/internal/errclass"
)

const goodSHA = "a3f5c2d4e6b8901234567890abcdef1234567890abcdef1234567890abcdef12"

func TestParseSource_Valid(t *testing.T) {
	data := []byte(`
source: onspd
release: "2025-05"
files:
  - name: ONSPD_MAY_2025.csv
    sha256: ` + goodSHA + `
    format: csv
`)
	m, err := ParseSource(data)
	require.NoError(t, err)
	assert.Equal(t, "onspd", m.Source)
	assert.Equal(t, "2025-05", m.Release)
	require.Len(t, m.Files, 1)
	assert.Equal(t, FormatCSV, m.Files[0].Format)
}

func TestParseSource_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"missing source name",
			"release: \"2025-05\"\nfiles:\n  - {name: a.csv, sha256: " + goodSHA + ", format: csv}\n",
			"source name is required",
		},
		{
			"missing release",
			"source: onspd\nfiles:\n  - {name: a.csv, sha256: " + goodSHA + ", format: csv}\n",
			"release label is required",
		},
		{
			"no files",
			"source: onspd\nrelease: \"2025-05\"\n",
			"at least one file",
		},
		{
			"bad checksum",
			"source: onspd\nrelease: \"2025-05\"\nfiles:\n  - {name: a.csv, sha256: abc123, format: csv}\n",
			"sha256 must be 64 lowercase hex",
		},
		{
			"unsupported format",
			"source: onspd\nrelease: \"2025-05\"\nfiles:\n  - {name: a.csv, sha256: " + goodSHA + ", format: parquet}\n",
			"unsupported format",
		},
		{
			"duplicate file",
			"source: onspd\nrelease: \"2025-05\"\nfiles:\n  - {name: a.csv, sha256: " + goodSHA + ", format: csv}\n  - {name: a.csv, sha256: " + goodSHA + ", format: csv}\n",
			"duplicate file",
		},
		{
			"unknown field rejected",
			"source: onspd\nrelease: \"2025-05\"\nfilez:\n  - {name: a.csv}\n",
			"decode source manifest",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSource([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, errclass.ExitValidation, errclass.ExitCode(err))
		})
	}
}

func TestParseBundle_Valid(t *testing.T) {
	data := []byte(`
profile: gb_ni_default
sources:
  onspd: 6f1c8a52-9f04-4d52-9f6e-0f4d1c3a9b21
  os_open_usrn: 0b7e4a10-33de-4d4a-9f0c-2a6b8e1d5c43
`)
	m, err := ParseBundle(data)
	require.NoError(t, err)
	assert.Equal(t, "gb_ni_default", m.Profile)
	assert.Len(t, m.Sources, 2)
}

func TestParseBundle_Invalid(t *testing.T) {
	_, err := ParseBundle([]byte("sources:\n  onspd: 6f1c8a52-9f04-4d52-9f6e-0f4d1c3a9b21\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "profile is required")

	_, err = ParseBundle([]byte("profile: p\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one source")

	_, err = ParseBundle([]byte("profile: p\nsources:\n  onspd: not-a-uuid\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ingest run id")
	assert.Equal(t, errclass.ExitValidation, errclass.ExitCode(err))
}

func TestLoadSource_MissingFile(t *testing.T) {
	_, err := LoadSource("/nonexistent/manifest.yaml")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "read source manifest"))
}
