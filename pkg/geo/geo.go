// Package geo resolves answer IPs to coarse locations for the query-log map
// view, backed by an optional MaxMind database.
package geo

import (
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"sentinel/pkg/logging"
	"sentinel/pkg/storage"
)

// restatInterval bounds how often the database file is re-statted for changes.
const restatInterval = 60 * time.Second

// Reason buckets for entries that resolve to no location.
const (
	ReasonPrivateNetwork = "Private Network"
	ReasonBlockedNoIPs   = "Blocked (no IP answers)"
	ReasonNoIPAnswers    = "No IP answers (non-A/AAAA)"
	ReasonUnknown        = "Unknown location"
)

// gridDegrees buckets point markers to a ~11 km grid.
const gridDegrees = 0.1

// Location is one resolved destination.
type Location struct {
	Country   string  `json:"country"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Point is an aggregated map marker.
type Point struct {
	Location
	Count int64 `json:"count"`
}

// Summary is the geo aggregation over a set of log entries.
type Summary struct {
	Points    []Point          `json:"points"`
	Countries map[string]int64 `json:"countries"`
	Unlocated map[string]int64 `json:"unlocated"` // reason → count
}

type mmRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// Resolver wraps a maxminddb reader, reloading when the file changes on
// disk. Stat runs at most once per restat interval.
type Resolver struct {
	path   string
	logger *logging.Logger

	mu         sync.Mutex
	reader     *maxminddb.Reader
	modTime    time.Time
	lastStat   time.Time
}

// NewResolver creates the resolver. A missing database is not an error; every
// lookup simply reports no location until the file appears.
func NewResolver(path string, logger *logging.Logger) *Resolver {
	return &Resolver{path: path, logger: logger}
}

// Close releases the reader.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader != nil {
		_ = r.reader.Close()
		r.reader = nil
	}
}

// Lookup resolves one IP. ok is false when no database is loaded or the IP
// has no record.
func (r *Resolver) Lookup(ip net.IP) (Location, bool) {
	reader := r.currentReader()
	if reader == nil {
		return Location{}, false
	}

	var rec mmRecord
	if err := reader.Lookup(ip, &rec); err != nil || rec.Country.ISOCode == "" {
		return Location{}, false
	}
	return Location{
		Country:   rec.Country.ISOCode,
		City:      rec.City.Names["en"],
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}, true
}

// currentReader returns the open reader, reloading if the file changed.
func (r *Resolver) currentReader() *maxminddb.Reader {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastStat) < restatInterval {
		return r.reader
	}
	r.lastStat = now

	info, err := os.Stat(r.path)
	if err != nil {
		if r.reader != nil {
			_ = r.reader.Close()
			r.reader = nil
		}
		return nil
	}
	if r.reader != nil && info.ModTime().Equal(r.modTime) {
		return r.reader
	}

	reader, err := maxminddb.Open(r.path)
	if err != nil {
		r.logger.Error("Opening GeoIP database failed", "path", r.path, "error", err)
		return r.reader
	}
	if r.reader != nil {
		_ = r.reader.Close()
	}
	r.reader = reader
	r.modTime = info.ModTime()
	r.logger.Info("GeoIP database loaded", "path", r.path)
	return r.reader
}

// Aggregate buckets log entries into map points and reason counts. The first
// answer IP of each entry is its destination.
func (r *Resolver) Aggregate(entries []storage.LogEntry) Summary {
	s := Summary{
		Countries: map[string]int64{},
		Unlocated: map[string]int64{},
	}
	points := map[[2]float64]*Point{}

	for _, e := range entries {
		if len(e.AnswerIPs) == 0 {
			if e.Status == storage.StatusBlocked || e.Status == storage.StatusShadowBlocked {
				s.Unlocated[ReasonBlockedNoIPs]++
			} else {
				s.Unlocated[ReasonNoIPAnswers]++
			}
			continue
		}

		ip := net.ParseIP(e.AnswerIPs[0])
		if ip == nil {
			s.Unlocated[ReasonUnknown]++
			continue
		}
		if isPrivate(ip) {
			s.Unlocated[ReasonPrivateNetwork]++
			continue
		}

		loc, ok := r.Lookup(ip)
		if !ok {
			s.Unlocated[ReasonUnknown]++
			continue
		}

		s.Countries[loc.Country]++
		key := [2]float64{snap(loc.Latitude), snap(loc.Longitude)}
		if p, exists := points[key]; exists {
			p.Count++
		} else {
			points[key] = &Point{
				Location: Location{
					Country: loc.Country, City: loc.City,
					Latitude: key[0], Longitude: key[1],
				},
				Count: 1,
			}
		}
	}

	for _, p := range points {
		s.Points = append(s.Points, *p)
	}
	return s
}

func snap(deg float64) float64 {
	return math.Round(deg/gridDegrees) * gridDegrees
}

func isPrivate(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
