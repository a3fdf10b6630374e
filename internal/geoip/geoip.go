// Package geoip resolves endpoint addresses to a location using a local
// MaxMind GeoLite2 City database.
package geoip

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"darn/internal/hostapi"
	"darn/internal/models"
)

// Locator looks addresses up in an mmdb file. A nil *Locator is valid and
// locates nothing.
type Locator struct {
	reader *geoip2.Reader
	logger *zap.Logger
}

// Open loads the database at path.
func Open(path string, logger *zap.Logger) (*Locator, error) {
	if path == "" {
		return nil, errors.New("geoip: database path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("geoip database: %w", err)
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{reader: reader, logger: logger}, nil
}

// OpenOptional returns a Locator when the database exists and nil otherwise,
// logging why geolocation is off.
func OpenOptional(path string, logger *zap.Logger) *Locator {
	loc, err := Open(path, logger)
	if err != nil {
		if logger != nil {
			logger.Info("geolocation disabled", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	return loc
}

// Close releases the database.
func (l *Locator) Close() error {
	if l == nil || l.reader == nil {
		return nil
	}
	return l.reader.Close()
}

// Lookup returns the location of host, or nil when host is not an IP
// address, is unknown to the database, or has no coordinates.
func (l *Locator) Lookup(host string) *models.Geo {
	if l == nil || l.reader == nil {
		return nil
	}
	ip := net.ParseIP(hostapi.Hostname(host))
	if ip == nil {
		return nil
	}
	record, err := l.reader.City(ip)
	if err != nil {
		l.logger.Debug("geoip lookup failed", zap.String("ip", ip.String()), zap.Error(err))
		return nil
	}
	return fromCity(record)
}

func fromCity(record *geoip2.City) *models.Geo {
	if record == nil {
		return nil
	}
	lat, lon := record.Location.Latitude, record.Location.Longitude
	if lat == 0 && lon == 0 {
		return nil
	}
	geo := &models.Geo{
		Lat:     &lat,
		Lon:     &lon,
		City:    models.StringPtr(record.City.Names["en"]),
		Country: models.StringPtr(record.Country.Names["en"]),
	}
	if n := len(record.Subdivisions); n > 0 {
		geo.Region = models.StringPtr(record.Subdivisions[n-1].Names["en"])
	}
	return geo
}
