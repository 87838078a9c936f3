package targetserver

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
)

const earthRadiusKm = 6371.0

// City is a populated place.
type City struct {
	ID         int
	Name       string
	Country    string
	Admin1     string
	Admin2     string
	Lat        float64
	Lng        float64
	Population int
}

// Match is a search hit with its great-circle distance to the query.
type Match struct {
	City       City
	DistanceKm float64
}

// builtinCities keeps the server usable without a geonames export. The Rhine
// area entries surround the coordinates of the bundled example scenario.
var builtinCities = []City{
	{ID: 2886242, Name: "Köln", Country: "DE", Admin1: "07", Admin2: "053", Lat: 50.93333, Lng: 6.95, Population: 963395},
	{ID: 2946447, Name: "Bonn", Country: "DE", Admin1: "07", Admin2: "053", Lat: 50.73438, Lng: 7.09549, Population: 313125},
	{ID: 2832495, Name: "Siegburg", Country: "DE", Admin1: "07", Admin2: "053", Lat: 50.80019, Lng: 7.20769, Population: 39389},
	{ID: 2821736, Name: "Troisdorf", Country: "DE", Admin1: "07", Admin2: "053", Lat: 50.80901, Lng: 7.14968, Population: 74749},
	{ID: 2947416, Name: "Bergisch Gladbach", Country: "DE", Admin1: "07", Admin2: "053", Lat: 50.9856, Lng: 7.13298, Population: 111966},
	{ID: 2878695, Name: "Lohmar", Country: "DE", Admin1: "07", Admin2: "053", Lat: 50.83868, Lng: 7.21399, Population: 30723},
	{ID: 2855745, Name: "Overath", Country: "DE", Admin1: "07", Admin2: "053", Lat: 50.93275, Lng: 7.28389, Population: 27166},
	{ID: 2877088, Name: "Leverkusen", Country: "DE", Admin1: "07", Admin2: "051", Lat: 51.0303, Lng: 6.98432, Population: 163729},
	{ID: 2934246, Name: "Düsseldorf", Country: "DE", Admin1: "07", Admin2: "051", Lat: 51.22172, Lng: 6.77616, Population: 620523},
	{ID: 2928810, Name: "Essen", Country: "DE", Admin1: "07", Admin2: "051", Lat: 51.45657, Lng: 7.01228, Population: 593085},
	{ID: 2950159, Name: "Berlin", Country: "DE", Admin1: "16", Admin2: "00", Lat: 52.52437, Lng: 13.41053, Population: 3426354},
	{ID: 2911298, Name: "Hamburg", Country: "DE", Admin1: "04", Admin2: "00", Lat: 53.57532, Lng: 10.01534, Population: 1739117},
	{ID: 2867714, Name: "München", Country: "DE", Admin1: "02", Admin2: "091", Lat: 48.13743, Lng: 11.57549, Population: 1260391},
	{ID: 2925533, Name: "Frankfurt am Main", Country: "DE", Admin1: "05", Admin2: "064", Lat: 50.11552, Lng: 8.68417, Population: 650000},
	{ID: 2988507, Name: "Paris", Country: "FR", Admin1: "11", Admin2: "75", Lat: 48.85341, Lng: 2.3488, Population: 2138551},
	{ID: 2759794, Name: "Amsterdam", Country: "NL", Admin1: "07", Admin2: "0363", Lat: 52.37403, Lng: 4.88969, Population: 741636},
	{ID: 2643743, Name: "London", Country: "GB", Admin1: "ENG", Admin2: "GLA", Lat: 51.50853, Lng: -0.12574, Population: 8961989},
	{ID: 5128581, Name: "New York City", Country: "US", Admin1: "NY", Admin2: "", Lat: 40.71427, Lng: -74.00597, Population: 8804190},
	{ID: 1850147, Name: "Tokyo", Country: "JP", Admin1: "40", Admin2: "", Lat: 35.6895, Lng: 139.69171, Population: 8336599},
	{ID: 2147714, Name: "Sydney", Country: "AU", Admin1: "02", Admin2: "", Lat: -33.86785, Lng: 151.20732, Population: 4627345},
	{ID: 3448439, Name: "São Paulo", Country: "BR", Admin1: "27", Admin2: "", Lat: -23.5475, Lng: -46.63611, Population: 10021295},
	{ID: 360630, Name: "Cairo", Country: "EG", Admin1: "11", Admin2: "", Lat: 30.06263, Lng: 31.24967, Population: 9606916},
}

// BuiltinCities returns a copy of the bundled city list.
func BuiltinCities() []City {
	out := make([]City, len(builtinCities))
	copy(out, builtinCities)
	return out
}

// Geonames export column positions.
const (
	colID         = 0
	colName       = 1
	colLat        = 4
	colLng        = 5
	colCountry    = 8
	colAdmin1     = 10
	colAdmin2     = 11
	colPopulation = 14
	minColumns    = 15
)

// ParseGeonames reads a tab separated geonames export (citiesN.txt).
// Rows that cannot be parsed are skipped.
func ParseGeonames(r io.Reader) ([]City, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var cities []City
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return nil, err
		}
		if len(rec) < minColumns {
			continue
		}
		city, ok := parseRecord(rec)
		if ok {
			cities = append(cities, city)
		}
	}
	if len(cities) == 0 {
		return nil, errors.New("no cities found")
	}
	return cities, nil
}

func parseRecord(rec []string) (City, bool) {
	id, err := strconv.Atoi(rec[colID])
	if err != nil {
		return City{}, false
	}
	lat, err1 := strconv.ParseFloat(rec[colLat], 64)
	lng, err2 := strconv.ParseFloat(rec[colLng], 64)
	if err1 != nil || err2 != nil || !validCoordinates(lat, lng) {
		return City{}, false
	}
	pop, _ := strconv.Atoi(rec[colPopulation])
	return City{
		ID:         id,
		Name:       rec[colName],
		Country:    rec[colCountry],
		Admin1:     rec[colAdmin1],
		Admin2:     rec[colAdmin2],
		Lat:        lat,
		Lng:        lng,
		Population: pop,
	}, true
}

// LoadGeonames reads cities from a geonames export file.
func LoadGeonames(path string) ([]City, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening city data: %w", err)
	}
	defer f.Close()
	cities, err := ParseGeonames(f)
	if err != nil {
		return nil, fmt.Errorf("error parsing city data %s: %w", path, err)
	}
	return cities, nil
}

func validCoordinates(lat, lng float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lng) &&
		lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Geocoder answers nearest-city queries over a fixed city set.
type Geocoder struct {
	cities []City
}

// NewGeocoder creates a geocoder. The slice is not copied.
func NewGeocoder(cities []City) *Geocoder {
	return &Geocoder{cities: cities}
}

// Len returns the number of cities.
func (g *Geocoder) Len() int {
	return len(g.cities)
}

// Nearest returns up to n cities closest to (lat, lng), nearest first.
func (g *Geocoder) Nearest(lat, lng float64, n int) []Match {
	if n <= 0 {
		return nil
	}
	matches := make([]Match, len(g.cities))
	for i, c := range g.cities {
		matches[i] = Match{City: c, DistanceKm: haversineKm(lat, lng, c.Lat, c.Lng)}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].DistanceKm < matches[j].DistanceKm
	})
	if n < len(matches) {
		matches = matches[:n]
	}
	return matches
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}
