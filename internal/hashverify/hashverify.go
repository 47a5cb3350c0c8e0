// Package hashverify computes and re-checks canonical content hashes over
// the dataset's published objects, so a rebuild of the same inputs can be
// proven byte-identical.
package hashverify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/db"
	"github.com/gridref-data/streetbuild/internal/errclass"
)

// Object names one hashable dataset object: a fixed column projection and
// a query with fully deterministic row order. Every column is cast to text
// in SQL so serialization does not depend on client-side type formatting,
// and text ordering uses COLLATE "C" so it does not depend on the
// database's locale.
type Object struct {
	Name       string
	Projection []string
	Query      string
}

// Objects is the closed list of hashed dataset objects.
var Objects = []Object{
	{
		Name:       "core_postcodes",
		Projection: []string{"postcode", "status", "lat", "lon", "easting", "northing", "country_iso2", "country_iso3", "subdivision_code", "post_town", "locality", "enrichable", "multi_street"},
		Query: `
			SELECT postcode::text, status::text, lat::text, lon::text,
			       easting::text, northing::text, country_iso2::text, country_iso3::text,
			       subdivision_code::text, post_town::text, locality::text,
			       enrichable::text, multi_street::text
			FROM core.postcodes
			WHERE produced_build_run_id = $1
			ORDER BY postcode COLLATE "C"`,
	},
	{
		Name:       "core_streets_usrn",
		Projection: []string{"usrn", "street_name", "street_name_casefolded", "street_class", "street_status"},
		Query: `
			SELECT usrn::text, street_name::text, street_name_casefolded::text,
			       street_class::text, street_status::text
			FROM core.streets_usrn
			WHERE produced_build_run_id = $1
			ORDER BY usrn`,
	},
	{
		Name:       "postcode_streets_final",
		Projection: []string{"postcode", "rank", "street_name", "usrn", "confidence", "frequency_score", "probability"},
		Query: `
			SELECT postcode::text, rank::text, street_name::text, usrn::text,
			       confidence::text, frequency_score::text, probability::text
			FROM derived.postcode_streets_final
			WHERE produced_build_run_id = $1
			ORDER BY postcode COLLATE "C", rank`,
	},
}

// Result is one object's computed hash.
type Result struct {
	Object   string
	RowCount int64
	SHA256   string
}

// Verifier computes canonical hashes for a build run.
type Verifier struct {
	q   db.Queryer
	log *zap.Logger
}

// New creates a Verifier over q.
func New(q db.Queryer) *Verifier {
	return &Verifier{
		q:   q,
		log: zap.L().With(zap.String("component", "hashverify")),
	}
}

// computeObject streams the object's rows in canonical order and hashes a
// stable serialization of each row plus a newline.
func (v *Verifier) computeObject(ctx context.Context, runID uuid.UUID, obj Object) (Result, error) {
	rows, err := v.q.Query(ctx, obj.Query, runID)
	if err != nil {
		return Result{}, eris.Wrapf(err, "hashverify: query object %s", obj.Name)
	}
	defer rows.Close()

	h := sha256.New()
	var count int64

	values := make([]*string, len(obj.Projection))
	dests := make([]any, len(obj.Projection))
	for i := range values {
		dests[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dests...); err != nil {
			return Result{}, eris.Wrapf(err, "hashverify: scan object %s", obj.Name)
		}
		line, err := json.Marshal(values)
		if err != nil {
			return Result{}, eris.Wrapf(err, "hashverify: serialize row of %s", obj.Name)
		}
		h.Write(line)
		h.Write([]byte("\n"))
		count++
	}
	if err := rows.Err(); err != nil {
		return Result{}, eris.Wrapf(err, "hashverify: iterate object %s", obj.Name)
	}

	return Result{
		Object:   obj.Name,
		RowCount: count,
		SHA256:   hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// ComputeAndStore hashes every object and persists the results for the run.
// A stored hash is written once and never revised: if the (run, object) row
// already exists, such as when a run that died after hashing is resumed, the
// recomputed value must equal the stored one. A difference means the run's
// outputs changed after they were hashed, which is a gate failure, not an
// update.
func (v *Verifier) ComputeAndStore(ctx context.Context, runID uuid.UUID) ([]Result, error) {
	results := make([]Result, 0, len(Objects))
	for _, obj := range Objects {
		res, err := v.computeObject(ctx, runID, obj)
		if err != nil {
			return nil, err
		}

		projection, err := json.Marshal(obj.Projection)
		if err != nil {
			return nil, eris.Wrap(err, "hashverify: marshal projection")
		}

		tag, err := v.q.Exec(ctx, `
			INSERT INTO meta.canonical_hash (build_run_id, object_name, projection, row_count, sha256)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (build_run_id, object_name) DO NOTHING
		`, runID, res.Object, projection, res.RowCount, res.SHA256)
		if err != nil {
			return nil, eris.Wrapf(err, "hashverify: store hash for %s", res.Object)
		}

		if tag.RowsAffected() == 0 {
			var storedCount int64
			var storedSum string
			if err := v.q.QueryRow(ctx, `
				SELECT row_count, sha256 FROM meta.canonical_hash
				WHERE build_run_id = $1 AND object_name = $2
			`, runID, obj.Name).Scan(&storedCount, &storedSum); err != nil {
				return nil, eris.Wrapf(err, "hashverify: load stored hash for %s", obj.Name)
			}
			if storedCount != res.RowCount || storedSum != res.SHA256 {
				return nil, eris.Wrapf(errclass.ErrGate,
					"hashverify: object %s already hashed as %s (%d rows), recomputed %s (%d rows)",
					obj.Name, storedSum, storedCount, res.SHA256, res.RowCount)
			}
		}

		v.log.Info("canonical hash computed",
			zap.String("object", res.Object),
			zap.Int64("rows", res.RowCount),
			zap.String("sha256", res.SHA256),
		)
		results = append(results, res)
	}
	return results, nil
}

// Verify re-computes every object hash and compares against the stored
// values. Probability closure is re-checked first: a dataset that does not
// sum to exactly 1.0000 per postcode must not verify, whatever its hashes
// say. Any mismatch is a gate failure.
func (v *Verifier) Verify(ctx context.Context, runID uuid.UUID) error {
	if err := v.CheckProbabilityClosure(ctx, runID); err != nil {
		return err
	}

	for _, obj := range Objects {
		res, err := v.computeObject(ctx, runID, obj)
		if err != nil {
			return err
		}

		var storedCount int64
		var storedSum string
		err = v.q.QueryRow(ctx, `
			SELECT row_count, sha256 FROM meta.canonical_hash
			WHERE build_run_id = $1 AND object_name = $2
		`, runID, obj.Name).Scan(&storedCount, &storedSum)
		if err != nil {
			return eris.Wrapf(err, "hashverify: load stored hash for %s", obj.Name)
		}

		if storedCount != res.RowCount {
			return eris.Wrapf(errclass.ErrGate,
				"hashverify: object %s row count drifted: stored %d, recomputed %d",
				obj.Name, storedCount, res.RowCount)
		}
		if storedSum != res.SHA256 {
			return eris.Wrapf(errclass.ErrGate,
				"hashverify: object %s content drifted: stored %s, recomputed %s",
				obj.Name, storedSum, res.SHA256)
		}
	}
	return nil
}

// CheckProbabilityClosure fails if any postcode group's probabilities do
// not sum to exactly 1.0000.
func (v *Verifier) CheckProbabilityClosure(ctx context.Context, runID uuid.UUID) error {
	rows, err := v.q.Query(ctx, `
		SELECT postcode, SUM(probability)::text
		FROM derived.postcode_streets_final
		WHERE produced_build_run_id = $1
		GROUP BY postcode
		HAVING SUM(probability) <> 1.0000
		ORDER BY postcode COLLATE "C"
		LIMIT 5
	`, runID)
	if err != nil {
		return eris.Wrap(err, "hashverify: probability closure query")
	}
	defer rows.Close()

	var broken []string
	for rows.Next() {
		var postcode, sum string
		if err := rows.Scan(&postcode, &sum); err != nil {
			return eris.Wrap(err, "hashverify: scan closure violation")
		}
		broken = append(broken, postcode+"="+sum)
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "hashverify: iterate closure violations")
	}

	if len(broken) > 0 {
		return eris.Wrapf(errclass.ErrGate,
			"hashverify: probability closure violated for %d+ postcodes (first: %v)",
			len(broken), broken)
	}
	return nil
}
