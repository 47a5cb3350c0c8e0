package ingest

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"
)

// sridBNG is the only CRS geometry is stored in. Metric distance work is
// meaningless in a geographic CRS, so coordinates are never kept in 4326.
const sridBNG = 27700

// loadShapefile reads a shapefile and lands attributes as JSONB plus the
// geometry as EWKB in EPSG:27700.
func (in *Ingestor) loadShapefile(ctx context.Context, spec sourceSpec, runID uuid.UUID, path string, rowOffset int64) (int64, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
	}

	var count int64
	var skipped int
	batch := make([][]any, 0, copyBatchSize)

	for reader.Next() {
		_, shape := reader.Shape()

		payload := make(map[string]string, len(names))
		for i, name := range names {
			val := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			payload[name] = val
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return count, eris.Wrap(err, "ingest: marshal shapefile payload")
		}

		wkbData, err := EncodeShapeEWKB(shape)
		if err != nil || wkbData == nil {
			skipped++
			continue
		}

		count++
		batch = append(batch, []any{runID, rowOffset + count, data, wkbData})

		if len(batch) >= copyBatchSize {
			if err := in.flush(ctx, spec, batch); err != nil {
				return count, err
			}
			batch = batch[:0]
		}
	}

	if skipped > 0 {
		in.log.Warn("skipped shapefile records without usable geometry",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}

	if err := in.flush(ctx, spec, batch); err != nil {
		return count, err
	}
	return count, nil
}

// EncodeShapeEWKB converts a go-shp geometry to EWKB bytes in EPSG:27700.
// Returns nil, nil for unsupported or empty shapes.
func EncodeShapeEWKB(shape shp.Shape) ([]byte, error) {
	if shape == nil {
		return nil, nil
	}

	var g geom.T

	switch s := shape.(type) {
	case *shp.Point:
		g = geom.NewPointFlat(geom.XY, []float64{s.X, s.Y}).SetSRID(sridBNG)

	case *shp.PolyLine:
		g = polyLineToMultiLineString(s)

	case *shp.Polygon:
		g = polygonToMultiPolygon(s)

	default:
		return nil, nil
	}

	if g == nil {
		return nil, nil
	}

	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: encode EWKB")
	}

	return data, nil
}

// PointEWKB encodes a BNG point as EWKB bytes.
func PointEWKB(easting, northing float64) ([]byte, error) {
	pt := geom.NewPointFlat(geom.XY, []float64{easting, northing}).SetSRID(sridBNG)
	data, err := ewkb.Marshal(pt, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: encode point EWKB")
	}
	return data, nil
}

func polyLineToMultiLineString(pl *shp.PolyLine) geom.T {
	if pl == nil || pl.NumParts == 0 || len(pl.Points) == 0 {
		return nil
	}

	mls := geom.NewMultiLineString(geom.XY).SetSRID(sridBNG)

	for i := int32(0); i < pl.NumParts; i++ {
		start := pl.Parts[i]
		var end int32
		if i+1 < pl.NumParts {
			end = pl.Parts[i+1]
		} else {
			end = int32(len(pl.Points))
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, pl.Points[j].X, pl.Points[j].Y)
		}

		ls := geom.NewLineStringFlat(geom.XY, flat)
		if err := mls.Push(ls); err != nil {
			zap.L().Debug("ingest: skipping malformed linestring part", zap.Int32("part", i), zap.Error(err))
			continue
		}
	}

	if mls.NumLineStrings() == 0 {
		return nil
	}
	return mls
}

func polygonToMultiPolygon(p *shp.Polygon) geom.T {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(sridBNG)

	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		var end int32
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		} else {
			end = int32(len(p.Points))
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		ring := geom.NewLinearRingFlat(geom.XY, flat)
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(ring); err != nil {
			zap.L().Debug("ingest: skipping malformed polygon ring", zap.Int32("part", i), zap.Error(err))
			continue
		}

		if err := mp.Push(poly); err != nil {
			zap.L().Debug("ingest: skipping malformed polygon part", zap.Int32("part", i), zap.Error(err))
			continue
		}
	}

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}
