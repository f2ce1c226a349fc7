package geodata

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

const (
	ntaIDProperty   = "NTA2020"
	ntaNameProperty = "NTAName"
)

// loadNeighborhoods reads the NTA polygon layer from a GeoJSON file.
func loadNeighborhoods(path string) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(fc.Features) == 0 {
		return nil, fmt.Errorf("%s holds no features", path)
	}

	return fc, nil
}

func geometryContains(g orb.Geometry, pt orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, pt)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, pt)
	}
	return false
}

// joinNeighborhoods assigns each incident to the neighborhood containing
// its coordinate and returns per-category incident counts keyed by NTA
// id. Incidents outside every polygon are dropped, matching an inner
// spatial join.
func joinNeighborhoods(records []Incident, fc *geojson.FeatureCollection) map[string]map[string]int {
	counts := make(map[string]map[string]int, len(categories))
	for _, c := range categories {
		counts[c.Name] = make(map[string]int)
	}

	for _, rec := range records {
		pt := orb.Point{rec.Longitude, rec.Latitude}

		ntaID := ""
		for _, f := range fc.Features {
			if geometryContains(f.Geometry, pt) {
				ntaID = f.Properties.MustString(ntaIDProperty, "")
				break
			}
		}
		if ntaID == "" {
			continue
		}

		for _, c := range categories {
			if c.matches(rec.TypeDesc) {
				counts[c.Name][ntaID]++
			}
		}
	}

	return counts
}
