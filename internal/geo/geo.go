// Package geo maps client addresses to ISO country codes using a MaxMind
// database, with an in-memory cache in front of it.
package geo

import (
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Lookup reads countries from a MaxMind GeoIP2/GeoLite2 database.
type Lookup struct {
	db *maxminddb.Reader
}

// Open opens the database at path. An empty path disables lookups and
// returns nil, nil.
func Open(path string) (*Lookup, error) {
	if path == "" {
		return nil, nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &Lookup{db: db}, nil
}

// Close releases the database.
func (g *Lookup) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

// Country returns the ISO code for ip, or "" when unknown.
func (g *Lookup) Country(ip string) string {
	if g == nil || g.db == nil || ip == "" {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	var record struct {
		Country struct {
			ISO string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := g.db.Lookup(parsed, &record); err != nil {
		return ""
	}
	return record.Country.ISO
}

// Source is anything that resolves an address to a country.
type Source interface {
	Country(ip string) string
}

// Cached puts a Cache in front of src.
type Cached struct {
	src   Source
	cache *Cache
}

// NewCached wraps src with cache.
func NewCached(src Source, cache *Cache) *Cached {
	return &Cached{src: src, cache: cache}
}

// Country consults the cache before src. Misses, including unknown
// addresses, are cached too.
func (c *Cached) Country(ip string) string {
	if country, ok := c.cache.Get(ip); ok {
		return country
	}
	country := c.src.Country(ip)
	c.cache.Set(ip, country)
	return country
}

// Stats exposes the cache counters.
func (c *Cached) Stats() CacheStats {
	return c.cache.Stats()
}
