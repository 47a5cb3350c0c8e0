package buildrun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/gridref-data/streetbuild/internal/db"
	"github.com/gridref-data/streetbuild/internal/errclass"
	"github.com/gridref-data/streetbuild/internal/normalise"
)

const stageBatchSize = 5000

// rawTables maps bundle sources to their raw landing tables, for the gate
// pass's row counts.
var rawTables = map[string]string{
	"onspd":          "onspd_row",
	"os_open_usrn":   "os_open_usrn_row",
	"os_open_names":  "os_open_names_row",
	"os_open_roads":  "os_open_roads_row",
	"os_open_uprn":   "os_open_uprn_row",
	"os_open_lids":   "os_open_lids_row",
	"nsul":           "nsul_row",
	"osni_gazetteer": "osni_gazetteer_row",
	"dfi_highway":    "dfi_highway_row",
	"ppd":            "ppd_row",
}

// passRawGate proves the bundle's raw inputs are intact before any derived
// work starts: every pinned ingest run must exist and its recorded row
// count must match what is actually in the raw table. A mismatch means the
// inputs drifted after registration, which voids determinism.
func (s *Scheduler) passRawGate(ctx context.Context, tx pgx.Tx, bundle *Bundle) (map[string]int64, error) {
	counts := make(map[string]int64, len(bundle.Sources))

	for _, source := range sortedKeys(bundle.Sources) {
		ingestRunID := bundle.Sources[source]
		rawTable, ok := rawTables[source]
		if !ok {
			return nil, eris.Wrapf(errclass.ErrValidation, "buildrun: bundle pins unknown source %q", source)
		}

		var recorded int64
		err := tx.QueryRow(ctx,
			"SELECT record_count FROM meta.ingest_run WHERE run_id = $1 AND source_name = $2",
			ingestRunID, source,
		).Scan(&recorded)
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(errclass.ErrValidation, "buildrun: ingest run %s for %s not found", ingestRunID, source)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "buildrun: load ingest run for %s", source)
		}

		var actual int64
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM raw."+rawTable+" WHERE ingest_run_id = $1",
			ingestRunID,
		).Scan(&actual); err != nil {
			return nil, eris.Wrapf(err, "buildrun: count raw rows for %s", source)
		}

		if actual != recorded {
			return nil, eris.Wrapf(errclass.ErrGate,
				"buildrun: raw gate: %s ingest run %s recorded %d rows but raw table holds %d",
				source, ingestRunID, recorded, actual)
		}
		counts[source] = actual
	}

	return counts, nil
}

// passStageNormalise rebuilds the run's stage rows from raw. Sources are
// independent tables, so their loaders run in parallel on the pool rather
// than inside the pass transaction; the pass starts by clearing the run's
// stage rows, so a partial failure leaves nothing a retry would not
// overwrite. Within each source, rows stream in source_row_num order.
func (s *Scheduler) passStageNormalise(ctx context.Context, bundle *Bundle, run *Run) (map[string]int64, error) {
	stageTables := []string{
		"onspd_postcode", "streets_usrn_input", "open_names_road_feature",
		"open_roads_segment", "uprn_point", "oli_toid_usrn", "oli_uprn_usrn",
		"oli_identifier_pair", "nsul_uprn_postcode", "osni_street_point",
		"dfi_road_segment", "ppd_parsed_address",
	}
	for _, table := range stageTables {
		if _, err := s.pool.Exec(ctx,
			"DELETE FROM stage."+table+" WHERE build_run_id = $1",
			run.ID,
		); err != nil {
			return nil, eris.Wrapf(err, "buildrun: clear stage.%s", table)
		}
	}

	loaders := map[string]func(context.Context, uuid.UUID, uuid.UUID) (int64, error){
		"onspd":          s.stageONSPD,
		"os_open_usrn":   s.stageUSRN,
		"os_open_names":  s.stageOpenNames,
		"os_open_roads":  s.stageOpenRoads,
		"os_open_uprn":   s.stageUPRN,
		"os_open_lids":   s.stageLinkedIdentifiers,
		"nsul":           s.stageNSUL,
		"osni_gazetteer": s.stageOSNI,
		"dfi_highway":    s.stageDFI,
		"ppd":            s.stagePPD,
	}

	var mu sync.Mutex
	counts := make(map[string]int64)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, source := range sortedKeys(bundle.Sources) {
		loader, ok := loaders[source]
		if !ok {
			continue
		}
		ingestRunID := bundle.Sources[source]
		g.Go(func() error {
			n, err := loader(gctx, run.ID, ingestRunID)
			if err != nil {
				return err
			}
			mu.Lock()
			counts[source] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// UPRN points learn their postcode from NSUL once both tables exist.
	if _, err := s.pool.Exec(ctx, `
		UPDATE stage.uprn_point u
		SET postcode_norm = n.postcode_norm
		FROM stage.nsul_uprn_postcode n
		WHERE u.build_run_id = $1 AND n.build_run_id = $1 AND n.uprn = u.uprn
	`, run.ID); err != nil {
		return nil, eris.Wrap(err, "buildrun: attach postcodes to uprn points")
	}

	return counts, nil
}

// rawRow is one raw record with its decoded payload.
type rawRow struct {
	num     int64
	payload map[string]string
	geom    []byte
}

// forEachRawRow streams a raw table's rows for one ingest run in
// source_row_num order.
func (s *Scheduler) forEachRawRow(ctx context.Context, rawTable string, ingestRunID uuid.UUID, withGeom bool, fn func(rawRow) error) error {
	sql := "SELECT source_row_num, payload_jsonb FROM raw." + rawTable + " WHERE ingest_run_id = $1 ORDER BY source_row_num"
	if withGeom {
		sql = "SELECT source_row_num, payload_jsonb, geom_bng FROM raw." + rawTable + " WHERE ingest_run_id = $1 ORDER BY source_row_num"
	}

	rows, err := s.pool.Query(ctx, sql, ingestRunID)
	if err != nil {
		return eris.Wrapf(err, "buildrun: stream raw.%s", rawTable)
	}
	defer rows.Close()

	for rows.Next() {
		var r rawRow
		var raw []byte
		if withGeom {
			if err := rows.Scan(&r.num, &raw, &r.geom); err != nil {
				return eris.Wrapf(err, "buildrun: scan raw.%s", rawTable)
			}
		} else {
			if err := rows.Scan(&r.num, &raw); err != nil {
				return eris.Wrapf(err, "buildrun: scan raw.%s", rawTable)
			}
		}
		if err := json.Unmarshal(raw, &r.payload); err != nil {
			return eris.Wrapf(err, "buildrun: decode raw.%s payload", rawTable)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// stageWriter batches COPYs into one stage table.
type stageWriter struct {
	pool    db.Pool
	table   string
	columns []string
	batch   [][]any
	count   int64
}

func (w *stageWriter) add(ctx context.Context, row []any) error {
	w.batch = append(w.batch, row)
	w.count++
	if len(w.batch) >= stageBatchSize {
		return w.flush(ctx)
	}
	return nil
}

func (w *stageWriter) flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	if _, err := db.CopyInto(ctx, w.pool, "stage", w.table, w.columns, w.batch); err != nil {
		return err
	}
	w.batch = w.batch[:0]
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64(v string) any {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return n
}

// countryForONSPD maps the ONSPD country code to ISO codes and the home
// nation subdivision.
func countryForONSPD(ctry string) (iso2, iso3, subdivision string) {
	switch {
	case strings.HasPrefix(ctry, "E92"):
		return "GB", "GBR", "GB-ENG"
	case strings.HasPrefix(ctry, "W92"):
		return "GB", "GBR", "GB-WLS"
	case strings.HasPrefix(ctry, "S92"):
		return "GB", "GBR", "GB-SCT"
	case strings.HasPrefix(ctry, "N92"):
		return "GB", "GBR", "GB-NIR"
	default:
		return "GB", "GBR", ""
	}
}

func (s *Scheduler) stageONSPD(ctx context.Context, runID, ingestRunID uuid.UUID) (int64, error) {
	w := &stageWriter{pool: s.pool, table: "onspd_postcode", columns: []string{
		"build_run_id", "postcode_norm", "postcode_display", "status",
		"lat", "lon", "easting", "northing",
		"country_iso2", "country_iso3", "subdivision_code",
		"post_town", "locality", "enrichable", "onspd_run_id",
	}}

	seen := make(map[string]bool)
	err := s.forEachRawRow(ctx, "onspd_row", ingestRunID, false, func(r rawRow) error {
		norm := normalise.PostcodeNorm(r.payload["pcds"])
		if norm == "" || seen[norm] {
			return nil
		}
		seen[norm] = true

		status := "live"
		if r.payload["doterm"] != "" {
			status = "terminated"
		}

		iso2, iso3, subdivision := countryForONSPD(r.payload["ctry"])

		easting := nullableInt64(r.payload["oseast1m"])
		northing := nullableInt64(r.payload["osnrth1m"])
		enrichable := status == "live" && easting != nil && northing != nil

		return w.add(ctx, []any{
			runID, norm, normalise.PostcodeDisplay(norm), status,
			nullable(r.payload["lat"]), nullable(r.payload["long"]),
			easting, northing,
			iso2, iso3, nullable(subdivision),
			nullable(r.payload["posttown"]), nullable(r.payload["locality"]),
			enrichable, ingestRunID,
		})
	})
	if err != nil {
		return 0, err
	}
	return w.count, w.flush(ctx)
}

func (s *Scheduler) stageUSRN(ctx context.Context, runID, ingestRunID uuid.UUID) (int64, error) {
	w := &stageWriter{pool: s.pool, table: "streets_usrn_input", columns: []string{
		"build_run_id", "usrn", "street_name", "street_name_casefolded",
		"street_class", "street_status", "usrn_run_id",
	}}

	seen := make(map[int64]bool)
	err := s.forEachRawRow(ctx, "os_open_usrn_row", ingestRunID, false, func(r rawRow) error {
		usrn := nullableInt64(r.payload["usrn"])
		name := r.payload["street_name"]
		if usrn == nil || name == "" {
			return nil
		}
		if seen[usrn.(int64)] {
			return nil
		}
		seen[usrn.(int64)] = true

		return w.add(ctx, []any{
			runID, usrn, name, s.norm.StreetKey(name),
			nullable(r.payload["street_classification"]),
			nullable(r.payload["street_state"]),
			ingestRunID,
		})
	})
	if err != nil {
		return 0, err
	}
	return w.count, w.flush(ctx)
}

func (s *Scheduler) stageOpenNames(ctx context.Context, runID, ingestRunID uuid.UUID) (int64, error) {
	w := &stageWriter{pool: s.pool, table: "open_names_road_feature", columns: []string{
		"build_run_id", "feature_id", "toid", "postcode_norm",
		"street_name_raw", "street_name_casefolded", "geom_bng", "ingest_run_id",
	}}

	err := s.forEachRawRow(ctx, "os_open_names_row", ingestRunID, true, func(r rawRow) error {
		if r.payload["LOCAL_TYPE"] != "Named Road" {
			return nil
		}
		name := r.payload["NAME1"]
		featureID := r.payload["ID"]
		if name == "" || featureID == "" {
			return nil
		}

		return w.add(ctx, []any{
			runID, featureID, nullable(r.payload["SAME_AS_TOID"]),
			nullable(normalise.PostcodeNorm(r.payload["POSTCODE"])),
			name, s.norm.StreetKey(name), r.geom, ingestRunID,
		})
	})
	if err != nil {
		return 0, err
	}
	return w.count, w.flush(ctx)
}

func (s *Scheduler) stageOpenRoads(ctx context.Context, runID, ingestRunID uuid.UUID) (int64, error) {
	w := &stageWriter{pool: s.pool, table: "open_roads_segment", columns: []string{
		"build_run_id", "segment_id", "road_id", "postcode_norm", "usrn",
		"road_name", "road_name_casefolded", "geom_bng", "ingest_run_id",
	}}

	err := s.forEachRawRow(ctx, "os_open_roads_row", ingestRunID, true, func(r rawRow) error {
		segmentID := r.payload["id"]
		if segmentID == "" {
			segmentID = r.payload["gml_id"]
		}
		if segmentID == "" {
			return nil
		}

		// Named segments carry the street name; unnamed classified roads
		// carry only a route number, which still matters for the generic-
		// identifier reconciliation rule.
		name := r.payload["name1"]
		if name == "" {
			name = r.payload["roadNumber"]
		}
		if name == "" {
			return nil
		}

		return w.add(ctx, []any{
			runID, segmentID, nullable(r.payload["roadNameTOID"]), nil, nil,
			name, s.norm.StreetKey(name), r.geom, ingestRunID,
		})
	})
	if err != nil {
		return 0, err
	}
	return w.count, w.flush(ctx)
}

func (s *Scheduler) stageUPRN(ctx context.Context, runID, ingestRunID uuid.UUID) (int64, error) {
	w := &stageWriter{pool: s.pool, table: "uprn_point", columns: []string{
		"build_run_id", "uprn", "postcode_norm", "geom_bng", "ingest_run_id",
	}}

	err := s.forEachRawRow(ctx, "os_open_uprn_row", ingestRunID, true, func(r rawRow) error {
		uprn := nullableInt64(r.payload["UPRN"])
		if uprn == nil {
			return nil
		}
		return w.add(ctx, []any{runID, uprn, nil, r.geom, ingestRunID})
	})
	if err != nil {
		return 0, err
	}
	return w.count, w.flush(ctx)
}

func (s *Scheduler) stageLinkedIdentifiers(ctx context.Context, runID, ingestRunID uuid.UUID) (int64, error) {
	pairs := &stageWriter{pool: s.pool, table: "oli_identifier_pair", columns: []string{
		"build_run_id", "id_1", "id_2", "relation_type", "ingest_run_id",
	}}
	toidUSRN := &stageWriter{pool: s.pool, table: "oli_toid_usrn", columns: []string{
		"build_run_id", "toid", "usrn", "ingest_run_id",
	}}
	uprnUSRN := &stageWriter{pool: s.pool, table: "oli_uprn_usrn", columns: []string{
		"build_run_id", "uprn", "usrn", "ingest_run_id",
	}}

	seenToid := make(map[string]bool)
	seenUPRN := make(map[string]bool)

	err := s.forEachRawRow(ctx, "os_open_lids_row", ingestRunID, false, func(r rawRow) error {
		id1 := r.payload["IDENTIFIER_1"]
		id2 := r.payload["IDENTIFIER_2"]
		if id1 == "" || id2 == "" {
			return nil
		}

		switch {
		case strings.HasPrefix(id1, "osgb"):
			// TOID → USRN correlation.
			usrn := nullableInt64(id2)
			if usrn == nil {
				return nil
			}
			key := id1 + "|" + id2
			if seenToid[key] {
				return nil
			}
			seenToid[key] = true
			if err := pairs.add(ctx, []any{runID, id1, id2, "toid_usrn", ingestRunID}); err != nil {
				return err
			}
			return toidUSRN.add(ctx, []any{runID, id1, usrn, ingestRunID})

		default:
			// UPRN → USRN correlation.
			uprn := nullableInt64(id1)
			usrn := nullableInt64(id2)
			if uprn == nil || usrn == nil {
				return nil
			}
			key := id1 + "|" + id2
			if seenUPRN[key] {
				return nil
			}
			seenUPRN[key] = true
			if err := pairs.add(ctx, []any{runID, id1, id2, "uprn_usrn", ingestRunID}); err != nil {
				return err
			}
			return uprnUSRN.add(ctx, []any{runID, uprn, usrn, ingestRunID})
		}
	})
	if err != nil {
		return 0, err
	}

	for _, w := range []*stageWriter{pairs, toidUSRN, uprnUSRN} {
		if err := w.flush(ctx); err != nil {
			return 0, err
		}
	}
	return pairs.count, nil
}

func (s *Scheduler) stageNSUL(ctx context.Context, runID, ingestRunID uuid.UUID) (int64, error) {
	w := &stageWriter{pool: s.pool, table: "nsul_uprn_postcode", columns: []string{
		"build_run_id", "uprn", "postcode_norm", "ingest_run_id",
	}}

	seen := make(map[string]bool)
	err := s.forEachRawRow(ctx, "nsul_row", ingestRunID, false, func(r rawRow) error {
		uprn := nullableInt64(r.payload["UPRN"])
		postcode := normalise.PostcodeNorm(r.payload["PCDS"])
		if uprn == nil || postcode == "" {
			return nil
		}
		key := r.payload["UPRN"] + "|" + postcode
		if seen[key] {
			return nil
		}
		seen[key] = true
		return w.add(ctx, []any{runID, uprn, postcode, ingestRunID})
	})
	if err != nil {
		return 0, err
	}
	return w.count, w.flush(ctx)
}

func (s *Scheduler) stageOSNI(ctx context.Context, runID, ingestRunID uuid.UUID) (int64, error) {
	w := &stageWriter{pool: s.pool, table: "osni_street_point", columns: []string{
		"build_run_id", "feature_id", "postcode_norm",
		"street_name_raw", "street_name_casefolded", "geom_bng", "ingest_run_id",
	}}

	err := s.forEachRawRow(ctx, "osni_gazetteer_row", ingestRunID, true, func(r rawRow) error {
		name := r.payload["STREET_NAME"]
		if name == "" {
			return nil
		}
		return w.add(ctx, []any{
			runID, strconv.FormatInt(r.num, 10),
			nullable(normalise.PostcodeNorm(r.payload["POSTCODE"])),
			name, s.norm.StreetKey(name), r.geom, ingestRunID,
		})
	})
	if err != nil {
		return 0, err
	}
	return w.count, w.flush(ctx)
}

func (s *Scheduler) stageDFI(ctx context.Context, runID, ingestRunID uuid.UUID) (int64, error) {
	w := &stageWriter{pool: s.pool, table: "dfi_road_segment", columns: []string{
		"build_run_id", "segment_id", "postcode_norm",
		"street_name_raw", "street_name_casefolded", "geom_bng", "ingest_run_id",
	}}

	err := s.forEachRawRow(ctx, "dfi_highway_row", ingestRunID, true, func(r rawRow) error {
		name := r.payload["ROAD_NAME"]
		if name == "" {
			name = r.payload["STREET_NAME"]
		}
		if name == "" {
			return nil
		}
		segmentID := r.payload["OBJECTID"]
		if segmentID == "" {
			segmentID = strconv.FormatInt(r.num, 10)
		}
		return w.add(ctx, []any{
			runID, segmentID, nil,
			name, s.norm.StreetKey(name), r.geom, ingestRunID,
		})
	})
	if err != nil {
		return 0, err
	}
	return w.count, w.flush(ctx)
}

func (s *Scheduler) stagePPD(ctx context.Context, runID, ingestRunID uuid.UUID) (int64, error) {
	w := &stageWriter{pool: s.pool, table: "ppd_parsed_address", columns: []string{
		"build_run_id", "row_hash", "postcode_norm", "house_number",
		"street_token_raw", "street_token_casefolded", "ingest_run_id",
	}}

	// Identical (postcode, house, street) triples collapse to one stage
	// row; re-sold properties add no new address evidence.
	seen := make(map[string]bool)
	err := s.forEachRawRow(ctx, "ppd_row", ingestRunID, false, func(r rawRow) error {
		postcode := normalise.PostcodeNorm(r.payload["postcode"])
		street := strings.TrimSpace(r.payload["street"])
		if postcode == "" || street == "" {
			return nil
		}

		house := strings.TrimSpace(r.payload["paon"])
		hashInput := postcode + "|" + strings.ToUpper(house) + "|" + s.norm.StreetKey(street)
		sum := sha256.Sum256([]byte(hashInput))
		rowHash := hex.EncodeToString(sum[:])
		if seen[rowHash] {
			return nil
		}
		seen[rowHash] = true

		return w.add(ctx, []any{
			runID, rowHash, postcode, nullable(house),
			street, s.norm.StreetKey(street), ingestRunID,
		})
	})
	if err != nil {
		return 0, err
	}
	return w.count, w.flush(ctx)
}
