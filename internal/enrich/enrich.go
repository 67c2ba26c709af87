// Package enrich attaches request-derived context (geo, device) to
// event rows at creation time.
package enrich

import (
	"encoding/json"
	"net"

	"github.com/mileusna/useragent"
	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"
)

// Context is the enrichment stored on an event row, serialized to JSON.
type Context struct {
	Country    string `json:"country,omitempty"`
	City       string `json:"city,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	OS         string `json:"os,omitempty"`
	Browser    string `json:"browser,omitempty"`
	Bot        bool   `json:"bot,omitempty"`
}

// Enricher resolves geo from a MaxMind database and device class from
// the user agent. A nil geo reader is fine; geo fields stay empty.
type Enricher struct {
	geo    *maxminddb.Reader
	logger *zap.Logger
}

// geoRecord is the subset of the GeoLite2 City schema we read.
type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// New opens the MaxMind database at path. An empty path disables geo
// lookups without error.
func New(path string, logger *zap.Logger) (*Enricher, error) {
	e := &Enricher{logger: logger}
	if path == "" {
		return e, nil
	}
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	e.geo = reader
	return e, nil
}

// Enrich builds the context for a request. Lookup failures degrade to
// empty fields.
func (e *Enricher) Enrich(ip, userAgent string) Context {
	var c Context

	if e.geo != nil {
		if parsed := net.ParseIP(ip); parsed != nil {
			var rec geoRecord
			if err := e.geo.Lookup(parsed, &rec); err != nil {
				e.logger.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
			} else {
				c.Country = rec.Country.ISOCode
				c.City = rec.City.Names["en"]
			}
		}
	}

	if userAgent != "" {
		ua := useragent.Parse(userAgent)
		c.OS = ua.OS
		c.Browser = ua.Name
		c.Bot = ua.Bot
		switch {
		case ua.Mobile:
			c.DeviceType = "phone"
		case ua.Tablet:
			c.DeviceType = "tablet"
		case ua.Desktop:
			c.DeviceType = "desktop"
		}
	}

	return c
}

// EnrichJSON is Enrich serialized for storage on an event row.
func (e *Enricher) EnrichJSON(ip, userAgent string) string {
	b, err := json.Marshal(e.Enrich(ip, userAgent))
	if err != nil {
		return ""
	}
	return string(b)
}

// Close releases the geo database.
func (e *Enricher) Close() error {
	if e.geo != nil {
		return e.geo.Close()
	}
	return nil
}
