// Package ranking turns accumulated street evidence into weighted,
// probability-ranked results with exact four-decimal closure per postcode.
package ranking

import (
	"bytes"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/gridref-data/streetbuild/internal/errclass"
	"github.com/gridref-data/streetbuild/internal/evidence"
)

// Weights maps each candidate type to its frequency weight. A valid weight
// table covers the whole vocabulary with positive values.
type Weights map[evidence.CandidateType]float64

type weightsFile struct {
	Weights map[string]float64 `yaml:"weights"`
}

// LoadWeights reads and validates the frequency weight table. A table that
// is missing a type, names an unknown type, or carries a non-positive
// weight is rejected outright: a silently defaulted weight would change
// every probability in the dataset.
func LoadWeights(path string) (Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ranking: read weights %s", path)
	}
	return ParseWeights(data)
}

// ParseWeights decodes and validates a weight table.
func ParseWeights(data []byte) (Weights, error) {
	var f weightsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, eris.Wrapf(errclass.ErrValidation, "ranking: decode weights: %v", err)
	}

	w := make(Weights, len(f.Weights))
	for name, value := range f.Weights {
		ct := evidence.CandidateType(name)
		if !ct.Valid() {
			return nil, eris.Wrapf(errclass.ErrValidation, "ranking: unknown candidate type %q in weights", name)
		}
		if value <= 0 {
			return nil, eris.Wrapf(errclass.ErrValidation, "ranking: weight for %s must be positive, got %v", name, value)
		}
		w[ct] = value
	}

	for _, ct := range []evidence.CandidateType{
		evidence.TypeUPRNUSRN,
		evidence.TypeOLIToidUSRN,
		evidence.TypeNamesPostcodeFeature,
		evidence.TypeOSNIGazetteerDirect,
		evidence.TypeSpatialOSOpenRoads,
		evidence.TypeSpatialDFIHighway,
		evidence.TypePPDParseMatched,
		evidence.TypePPDParseUnmatched,
	} {
		if _, ok := w[ct]; !ok {
			return nil, eris.Wrapf(errclass.ErrValidation, "ranking: weights missing candidate type %s", ct)
		}
	}

	return w, nil
}
