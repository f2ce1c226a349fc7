package geodata

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"

	"github.com/paulmach/orb/geojson"
)

//go:embed templates/choropleth.html.tmpl
var choroplethTemplate string

var choroplethPage = template.Must(template.New("choropleth").Parse(choroplethTemplate))

// Sequential yellow-orange-red ramp; neighborhoods without incidents
// stay gray so empty areas read as "no data" rather than "low".
var (
	fillRamp   = []string{"#FFFFB2", "#FECC5C", "#FD8D3C", "#F03B20", "#BD0026"}
	fillNoData = "#808080"
)

func fillColor(count, max int) string {
	if count == 0 || max == 0 {
		return fillNoData
	}
	bin := count * len(fillRamp) / (max + 1)
	return fillRamp[bin]
}

// renderChoropleths spatial-joins the incident records against the
// neighborhood polygons and pre-renders one map page per category.
func renderChoropleths(records []Incident, ntaPath string) (map[string]string, error) {
	fc, err := loadNeighborhoods(ntaPath)
	if err != nil {
		return nil, err
	}

	counts := joinNeighborhoods(records, fc)

	pages := make(map[string]string, len(categories))
	for _, c := range categories {
		page, err := renderChoropleth(c.Name, fc, counts[c.Name])
		if err != nil {
			return nil, fmt.Errorf("rendering %s choropleth: %w", c.Name, err)
		}
		pages[c.Name] = page
	}

	return pages, nil
}

// renderChoropleth emits a self-contained map page for one category,
// with the per-neighborhood counts and fill colors baked into the
// embedded feature collection.
func renderChoropleth(category string, fc *geojson.FeatureCollection, counts map[string]int) (string, error) {
	max := 0
	for _, n := range counts {
		if n > max {
			max = n
		}
	}

	shaded := geojson.NewFeatureCollection()
	for _, f := range fc.Features {
		count := counts[f.Properties.MustString(ntaIDProperty, "")]

		clone := geojson.NewFeature(f.Geometry)
		clone.Properties[ntaIDProperty] = f.Properties.MustString(ntaIDProperty, "")
		clone.Properties[ntaNameProperty] = f.Properties.MustString(ntaNameProperty, "(unknown)")
		clone.Properties["count"] = count
		clone.Properties["fill"] = fillColor(count, max)

		shaded.Append(clone)
	}

	encoded, err := json.Marshal(shaded)
	if err != nil {
		return "", err
	}

	var page strings.Builder
	err = choroplethPage.Execute(&page, struct {
		Title    string
		Subtitle string
		GeoJSON  template.JS
	}{
		Title:    category + " in NYC",
		Subtitle: "Neighborhood incident counts",
		GeoJSON:  template.JS(encoded),
	})
	if err != nil {
		return "", err
	}

	return page.String(), nil
}
