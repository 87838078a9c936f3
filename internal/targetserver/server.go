// Package targetserver is a local reverse-geocoding service to aim load tests at.
//
// GET /?lat=<deg>&lng=<deg>&results=<n> answers a GeoJSON FeatureCollection of
// the n nearest cities. A global token bucket limits throughput and answers
// 429 once exhausted, and a configurable share of requests can be failed
// with 500 to exercise check and threshold failures.
package targetserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultAddr          = "127.0.0.1:5353"
	DefaultQuotaBurst    = 10
	DefaultQuotaInterval = 1000 * time.Millisecond
	DefaultResults       = 1
	MaxResults           = 100

	// VersionHeader carries the server version on every response.
	VersionHeader = "X-Version"
)

// Config configures a Server.
type Config struct {
	Addr string
	// QuotaBurst is the token bucket size. Zero disables the quota.
	QuotaBurst int
	// QuotaInterval is the time to replenish one token.
	QuotaInterval time.Duration
	// FailRate is the probability in [0, 1] of answering 500.
	FailRate float64
	// Latency is added to every geocode response.
	Latency time.Duration
	Version string
	Cities  []City
	Logger  *zap.Logger
}

// DefaultConfig returns the defaults of the original service.
func DefaultConfig() Config {
	return Config{
		Addr:          DefaultAddr,
		QuotaBurst:    DefaultQuotaBurst,
		QuotaInterval: DefaultQuotaInterval,
		Version:       "dev",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.QuotaBurst < 0 {
		return fmt.Errorf("quota burst must be non-negative, got %d", c.QuotaBurst)
	}
	if c.QuotaBurst > 0 && c.QuotaInterval <= 0 {
		return fmt.Errorf("quota interval must be positive, got %s", c.QuotaInterval)
	}
	if c.FailRate < 0 || c.FailRate > 1 {
		return fmt.Errorf("fail rate must be within [0, 1], got %g", c.FailRate)
	}
	if c.Latency < 0 {
		return fmt.Errorf("latency must be non-negative, got %s", c.Latency)
	}
	return nil
}

// Server is the reverse-geocoding HTTP service.
type Server struct {
	cfg      Config
	geocoder *Geocoder
	limiter  *rate.Limiter
	logger   *zap.Logger
	router   *mux.Router
	// failRoll returns a value in [0, 1); replaced in tests.
	failRoll func() float64
}

// New creates a server. Without cities the built-in list is used.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Cities) == 0 {
		cfg.Cities = BuiltinCities()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		cfg:      cfg,
		geocoder: NewGeocoder(cfg.Cities),
		logger:   cfg.Logger,
		failRoll: rand.Float64,
	}
	if cfg.QuotaBurst > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.QuotaInterval), cfg.QuotaBurst)
	}

	r := mux.NewRouter()
	r.Use(s.versionMiddleware, s.accessLogMiddleware, s.quotaMiddleware)
	r.HandleFunc("/", s.handleGeocode).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	s.router = r
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on cfg.Addr until ctx is cancelled. ready, when not
// nil, receives the bound address once the listener is open.
func (s *Server) ListenAndServe(ctx context.Context, ready func(addr string)) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("geocoder listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("cities", s.geocoder.Len()),
		zap.Int("quotaBurst", s.cfg.QuotaBurst),
		zap.Duration("quotaInterval", s.cfg.QuotaInterval),
		zap.Float64("failRate", s.cfg.FailRate))
	if ready != nil {
		ready(ln.Addr().String())
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Warn("shutdown signal received, starting graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cities": s.geocoder.Len()})
}

func (s *Server) handleGeocode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := parseCoordinate(q.Get("lat"), "lat", 90)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lng, err := parseCoordinate(q.Get("lng"), "lng", 180)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results := DefaultResults
	if raw := q.Get("results"); raw != "" {
		results, err = strconv.Atoi(raw)
		if err != nil || results < 1 || results > MaxResults {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("results must be an integer between 1 and %d", MaxResults))
			return
		}
	}

	if s.cfg.FailRate > 0 && s.failRoll() < s.cfg.FailRate {
		writeError(w, http.StatusInternalServerError, "injected failure")
		return
	}
	if s.cfg.Latency > 0 {
		select {
		case <-time.After(s.cfg.Latency):
		case <-r.Context().Done():
			return
		}
	}

	writeJSON(w, http.StatusOK, toFeatureCollection(s.geocoder.Nearest(lat, lng, results)))
}

func parseCoordinate(raw, name string, limit float64) (float64, error) {
	if raw == "" {
		return 0, fmt.Errorf("missing query parameter %q", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	if v < -limit || v > limit {
		return 0, fmt.Errorf("%s %g is not on earth", name, v)
	}
	return v, nil
}

// FeatureCollection is a GeoJSON feature collection of matched cities.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// Feature is a GeoJSON point feature.
type Feature struct {
	Type       string            `json:"type"`
	Geometry   Geometry          `json:"geometry"`
	Properties FeatureProperties `json:"properties"`
}

// Geometry is a GeoJSON point; coordinates are [lng, lat].
type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// FeatureProperties describe the matched city.
type FeatureProperties struct {
	Name            string  `json:"name"`
	Admin1          string  `json:"admin1"`
	Admin2          string  `json:"admin2"`
	Country         string  `json:"country"`
	DistanceToQuery float64 `json:"distanceToQuery"`
}

func toFeatureCollection(matches []Match) FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0, len(matches))}
	for _, m := range matches {
		fc.Features = append(fc.Features, Feature{
			Type:     "Feature",
			Geometry: Geometry{Type: "Point", Coordinates: [2]float64{m.City.Lng, m.City.Lat}},
			Properties: FeatureProperties{
				Name:            m.City.Name,
				Admin1:          m.City.Admin1,
				Admin2:          m.City.Admin2,
				Country:         m.City.Country,
				DistanceToQuery: float64(int(m.DistanceKm)),
			},
		})
	}
	return fc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
