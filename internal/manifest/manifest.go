// Package manifest parses and validates the YAML manifests that drive
// ingestion and bundle assembly.
package manifest

import (
	"bytes"
	"io"
	"os"
	"regexp"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/gridref-data/streetbuild/internal/errclass"
)

// Formats a source file may declare. Anything else is rejected at parse time
// rather than at ingest time.
const (
	FormatCSV       = "csv"
	FormatShapefile = "shapefile"
	FormatXLSX      = "xlsx"
	FormatGeoJSON   = "geojson"
)

var sha256Re = regexp.MustCompile(`^[0-9a-f]{64}$`)

// SourceFile is one file within a source release.
type SourceFile struct {
	Name   string `yaml:"name"`
	SHA256 string `yaml:"sha256"`
	Format string `yaml:"format"`
	URL    string `yaml:"url,omitempty"`
}

// Source describes one versioned release of an upstream dataset.
type Source struct {
	Source  string       `yaml:"source"`
	Release string       `yaml:"release"`
	Files   []SourceFile `yaml:"files"`
}

// Bundle pins a build profile to one ingest run per source.
type Bundle struct {
	Profile string            `yaml:"profile"`
	Sources map[string]string `yaml:"sources"`
}

// LoadSource reads and validates a source manifest from disk.
func LoadSource(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "manifest: read source manifest %s", path)
	}
	return ParseSource(data)
}

// ParseSource decodes a source manifest. Unknown fields are an error: a
// typo in a manifest must never silently drop a file from ingestion.
func ParseSource(data []byte) (*Source, error) {
	var m Source
	if err := strictDecode(data, &m); err != nil {
		return nil, eris.Wrapf(errclass.ErrValidation, "manifest: decode source manifest: %v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks structural completeness of a source manifest.
func (m *Source) Validate() error {
	if m.Source == "" {
		return eris.Wrap(errclass.ErrValidation, "manifest: source name is required")
	}
	if m.Release == "" {
		return eris.Wrapf(errclass.ErrValidation, "manifest: source %s: release label is required", m.Source)
	}
	if len(m.Files) == 0 {
		return eris.Wrapf(errclass.ErrValidation, "manifest: source %s: at least one file is required", m.Source)
	}

	seen := make(map[string]bool, len(m.Files))
	for i, f := range m.Files {
		if f.Name == "" {
			return eris.Wrapf(errclass.ErrValidation, "manifest: source %s: file %d has no name", m.Source, i)
		}
		if seen[f.Name] {
			return eris.Wrapf(errclass.ErrValidation, "manifest: source %s: duplicate file %s", m.Source, f.Name)
		}
		seen[f.Name] = true

		if !sha256Re.MatchString(f.SHA256) {
			return eris.Wrapf(errclass.ErrValidation, "manifest: source %s: file %s: sha256 must be 64 lowercase hex characters", m.Source, f.Name)
		}
		switch f.Format {
		case FormatCSV, FormatShapefile, FormatXLSX, FormatGeoJSON:
		default:
			return eris.Wrapf(errclass.ErrValidation, "manifest: source %s: file %s: unsupported format %q", m.Source, f.Name, f.Format)
		}
	}
	return nil
}

// LoadBundle reads and validates a bundle manifest from disk.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "manifest: read bundle manifest %s", path)
	}
	return ParseBundle(data)
}

// ParseBundle decodes a bundle manifest and verifies every pinned ingest
// run is a well-formed UUID.
func ParseBundle(data []byte) (*Bundle, error) {
	var m Bundle
	if err := strictDecode(data, &m); err != nil {
		return nil, eris.Wrapf(errclass.ErrValidation, "manifest: decode bundle manifest: %v", err)
	}
	if m.Profile == "" {
		return nil, eris.Wrap(errclass.ErrValidation, "manifest: bundle profile is required")
	}
	if len(m.Sources) == 0 {
		return nil, eris.Wrapf(errclass.ErrValidation, "manifest: bundle %s: at least one source is required", m.Profile)
	}
	for source, runID := range m.Sources {
		if source == "" {
			return nil, eris.Wrapf(errclass.ErrValidation, "manifest: bundle %s: empty source name", m.Profile)
		}
		if _, err := uuid.Parse(runID); err != nil {
			return nil, eris.Wrapf(errclass.ErrValidation, "manifest: bundle %s: source %s: invalid ingest run id %q: %v", m.Profile, source, runID, err)
		}
	}
	return &m, nil
}

func strictDecode(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}
