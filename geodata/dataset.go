// Package geodata implements the location provider behind the guessing
// game: a police incident dataset sampled for round targets, per-ZIP
// crime breakdowns for the results chart, and pre-rendered neighborhood
// choropleth maps.
package geodata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// ErrUnavailable is returned whenever the dataset has not finished
// loading or holds no usable records.
var ErrUnavailable = errors.New("incident dataset unavailable")

// Incident is one record of the tabular dataset.
type Incident struct {
	TypeDesc  string
	Latitude  float64
	Longitude float64
	ZipCode   string
}

// CrimeStat is one bar of the per-area crime breakdown chart.
type CrimeStat struct {
	Category string `json:"crime_type"`
	Count    int    `json:"count"`
	Color    string `json:"color"`
}

// Location is an immutable sampled target for one round.
type Location struct {
	Latitude      float64     `json:"latitude"`
	Longitude     float64     `json:"longitude"`
	StreetViewURL string      `json:"street_view_url"`
	ZipCode       string      `json:"zip_code"`
	CrimeStats    []CrimeStat `json:"crime_stats"`
}

// Category buckets incident type descriptions by keyword. A record
// matches when any include keyword appears (or all of them, for
// conjunctive categories) and no exclude keyword does.
type Category struct {
	Name       string
	Color      string
	include    []string
	exclude    []string
	requireAll bool
}

func (c Category) matches(typeDesc string) bool {
	desc := strings.ToUpper(typeDesc)

	if c.requireAll {
		for _, kw := range c.include {
			if !strings.Contains(desc, kw) {
				return false
			}
		}
	} else {
		found := false
		for _, kw := range c.include {
			if strings.Contains(desc, kw) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, kw := range c.exclude {
		if strings.Contains(desc, kw) {
			return false
		}
	}
	return true
}

// categories lists the nine chart categories with their fixed colors.
// Order matters: the breakdown chart always shows them in this order.
var categories = []Category{
	{Name: "Shooting", Color: "#EF553B", include: []string{"SHOT SPOTTER", "SHOTS", "FIREARM"}},
	{Name: "Robbery", Color: "#636EFA", include: []string{"ROBBERY"}},
	{Name: "Burglary", Color: "#AB63FA", include: []string{"BURGLARY"}},
	{Name: "Theft (non vehicle)", Color: "#FECB52", include: []string{"LARCENY"}, exclude: []string{"VEHICLE"}},
	{Name: "Vehicle theft", Color: "#FFA15A", include: []string{"LARCENY", "VEHICLE"}, requireAll: true},
	{Name: "Assault", Color: "#00CC96", include: []string{"ASSAULT"}},
	{Name: "Harassment", Color: "#19D3F3", include: []string{"HARASSMENT", "VIOL ORDER PROTECT", "DOMESTIC", "FAMILY"}, exclude: []string{"ASSAULT"}},
	{Name: "Drug", Color: "#FF6692", include: []string{"NARCO", "MARIJUANA"}},
	{Name: "Vandalism", Color: "#B6E880", include: []string{"CRIM MISCHIEF", "TRESPASS", "GRAFF"}, exclude: []string{"ASSAULT", "HARASSMENT"}},
}

// Categories returns the chart category names in display order.
func Categories() []string {
	return lo.Map(categories, func(c Category, _ int) string {
		return c.Name
	})
}

// Source holds the loaded dataset and everything derived from it. A load
// swaps the whole state under the write lock, so consumers either see the
// previous generation or the new one, never a half-built mix.
type Source struct {
	mapsAPIKey string

	mu      sync.RWMutex
	ready   bool
	records []Incident
	byZip   map[string][]int
	maps    map[string]string
}

func NewSource(mapsAPIKey string) *Source {
	return &Source{
		mapsAPIKey: mapsAPIKey,
		byZip:      make(map[string][]int),
		maps:       make(map[string]string),
	}
}

// Load reads the incident dataset (and, when ntaPath is set, the
// neighborhood polygon layer) and replaces the source's state. It
// returns the record count and the number of rendered choropleth maps.
func (s *Source) Load(datasetPath, ntaPath string) (int, int, error) {
	records, err := readIncidents(datasetPath)
	if err != nil {
		return 0, 0, err
	}
	if len(records) == 0 {
		return 0, 0, fmt.Errorf("dataset %s holds no usable records", datasetPath)
	}

	byZip := make(map[string][]int)
	for i, rec := range records {
		byZip[rec.ZipCode] = append(byZip[rec.ZipCode], i)
	}

	maps := make(map[string]string)
	if ntaPath != "" {
		maps, err = renderChoropleths(records, ntaPath)
		if err != nil {
			return 0, 0, err
		}
	}

	s.mu.Lock()
	s.records = records
	s.byZip = byZip
	s.maps = maps
	s.ready = true
	s.mu.Unlock()

	return len(records), len(maps), nil
}

// Ready reports whether the dataset has been loaded.
func (s *Source) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.ready
}

// SampleLocation returns a uniformly random incident with its ZIP-level
// crime breakdown. Fails closed while the dataset is unavailable.
func (s *Source) SampleLocation() (*Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready || len(s.records) == 0 {
		return nil, ErrUnavailable
	}

	rec := s.records[rand.Intn(len(s.records))]

	return &Location{
		Latitude:      rec.Latitude,
		Longitude:     rec.Longitude,
		StreetViewURL: s.streetViewURL(rec),
		ZipCode:       rec.ZipCode,
		CrimeStats:    s.statsForLocked(rec.ZipCode),
	}, nil
}

// StatsFor counts incidents by category for one ZIP code. Categories
// with no incidents are left out of the chart.
func (s *Source) StatsFor(zipCode string) []CrimeStat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.statsForLocked(zipCode)
}

func (s *Source) statsForLocked(zipCode string) []CrimeStat {
	indexes := s.byZip[zipCode]

	stats := lo.Map(categories, func(c Category, _ int) CrimeStat {
		count := 0
		for _, i := range indexes {
			if c.matches(s.records[i].TypeDesc) {
				count++
			}
		}
		return CrimeStat{Category: c.Name, Count: count, Color: c.Color}
	})

	return lo.Filter(stats, func(stat CrimeStat, _ int) bool {
		return stat.Count > 0
	})
}

// Heatmap returns the pre-rendered choropleth page for a category. The
// lookup ignores case, so "ASSAULT" and "assault" find "Assault".
func (s *Source) Heatmap(category string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if page, ok := s.maps[category]; ok {
		return page, true
	}
	for name, page := range s.maps {
		if strings.EqualFold(name, category) {
			return page, true
		}
	}
	return "", false
}

// HeatmapCount returns how many choropleth pages have been rendered.
func (s *Source) HeatmapCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.maps)
}

func (s *Source) streetViewURL(rec Incident) string {
	if s.mapsAPIKey == "" {
		return ""
	}
	return fmt.Sprintf(
		"https://maps.googleapis.com/maps/api/streetview?size=600x400&location=%f,%f&key=%s",
		rec.Latitude, rec.Longitude, s.mapsAPIKey,
	)
}

// readIncidents parses the dataset CSV. Expected columns (by header):
// TYP_DESC, Latitude, Longitude, ZIPCODE. Rows with unparseable
// coordinates or an empty ZIP are skipped rather than failing the load.
func readIncidents(path string) ([]Incident, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parseIncidents(f)
}

func parseIncidents(r io.Reader) ([]Incident, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading dataset header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"TYP_DESC", "Latitude", "Longitude", "ZIPCODE"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("dataset is missing column %q", required)
		}
	}

	var records []Incident
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading dataset row: %w", err)
		}

		lat, latErr := strconv.ParseFloat(row[cols["Latitude"]], 64)
		lon, lonErr := strconv.ParseFloat(row[cols["Longitude"]], 64)
		zip := strings.TrimSpace(row[cols["ZIPCODE"]])

		if latErr != nil || lonErr != nil || zip == "" {
			continue
		}

		records = append(records, Incident{
			TypeDesc:  row[cols["TYP_DESC"]],
			Latitude:  lat,
			Longitude: lon,
			ZipCode:   zip,
		})
	}

	return records, nil
}
