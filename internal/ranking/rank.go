package ranking

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/gridref-data/streetbuild/internal/errclass"
	"github.com/gridref-data/streetbuild/internal/evidence"
)

// basisPointScale is the fixed probability resolution: 1.0000 == 10000.
// Probabilities are carried as int64 basis points so closure is exact, not
// approximately-float-equal.
const basisPointScale = 10000

// Entry is one distinct street within a postcode group, with its summed
// evidence weight.
type Entry struct {
	StreetName    string
	CanonicalName string
	USRN          *int64
	Confidence    evidence.Confidence
	WeightedScore float64
}

// Ranked is an Entry with its final rank and exact probability.
type Ranked struct {
	Entry
	Rank        int
	BasisPoints int64
}

// Probability returns the probability as a float for display. The stored
// truth is BasisPoints.
func (r Ranked) Probability() float64 {
	return float64(r.BasisPoints) / basisPointScale
}

// BuildEntries groups candidates by canonical street name, sums their
// weights, and selects the display name and confidence from the strongest
// candidate of each group. Candidate order does not affect the result.
func BuildEntries(cands []evidence.Candidate, w Weights) []Entry {
	groups := make(map[string][]evidence.Candidate)
	for _, c := range cands {
		groups[c.StreetNameCanonical] = append(groups[c.StreetNameCanonical], c)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		members := groups[key]
		// Strongest candidate first: type strength, then confidence, then
		// insertion order via candidate id.
		sort.SliceStable(members, func(i, j int) bool {
			a, b := members[i], members[j]
			if a.Type.Strength() != b.Type.Strength() {
				return a.Type.Strength() > b.Type.Strength()
			}
			if a.Confidence.Rank() != b.Confidence.Rank() {
				return a.Confidence.Rank() > b.Confidence.Rank()
			}
			return a.ID < b.ID
		})

		rep := members[0]
		entry := Entry{
			StreetName:    rep.StreetNameRaw,
			CanonicalName: rep.StreetNameCanonical,
			Confidence:    rep.Confidence,
		}
		for _, c := range members {
			entry.WeightedScore += w[c.Type]
			if entry.USRN == nil && c.USRN != nil {
				entry.USRN = c.USRN
			}
		}
		out = append(out, entry)
	}
	return out
}

// RankGroup orders one postcode's entries and assigns exact probabilities.
// Ordering: unrounded probability descending, confidence rank descending,
// canonical name byte order ascending, USRN ascending with nulls last.
// Rounded probabilities are corrected on the rank-1 row so the group sums
// to exactly 1.0000.
func RankGroup(entries []Entry) ([]Ranked, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	var total float64
	for _, e := range entries {
		total += e.WeightedScore
	}
	if total <= 0 {
		return nil, eris.Wrapf(errclass.ErrGate, "ranking: group of %d entries has non-positive total weight %v", len(entries), total)
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.WeightedScore != b.WeightedScore {
			return a.WeightedScore > b.WeightedScore
		}
		if a.Confidence.Rank() != b.Confidence.Rank() {
			return a.Confidence.Rank() > b.Confidence.Rank()
		}
		if a.CanonicalName != b.CanonicalName {
			return a.CanonicalName < b.CanonicalName
		}
		switch {
		case a.USRN == nil && b.USRN == nil:
			return false
		case a.USRN == nil:
			return false
		case b.USRN == nil:
			return true
		default:
			return *a.USRN < *b.USRN
		}
	})

	out := make([]Ranked, len(sorted))
	var sum int64
	for i, e := range sorted {
		bp := int64(math.Round(e.WeightedScore / total * basisPointScale))
		out[i] = Ranked{Entry: e, Rank: i + 1, BasisPoints: bp}
		sum += bp
	}

	// The residual from rounding lands on the rank-1 row, which has the
	// largest probability and so absorbs it with the least relative error.
	out[0].BasisPoints += basisPointScale - sum

	return out, nil
}
