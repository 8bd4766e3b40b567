// Package geoip resolves the coarse location of a connecting device from its
// tunnel address. Lookups never fail: private and loopback peers resolve to
// the local-network sentinel, and anything the database cannot place resolves
// to unknown.
package geoip

import (
	"log/slog"
	"net"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oschwald/geoip2-golang"
)

// Location is the decoration attached to a session.
type Location struct {
	Country string `json:"country"`
	City    string `json:"city,omitempty"`
	Region  string `json:"region,omitempty"`
}

var (
	// LocalNetwork is the sentinel for private, loopback and link-local
	// peers, which have no meaningful geo record.
	LocalNetwork = Location{Country: "local network"}

	// Unknown is the fallback for unresolvable or unparsable addresses.
	Unknown = Location{Country: "unknown"}
)

type Resolver interface {
	Resolve(ip net.IP) Location
}

const cacheTTL = 15 * time.Minute

type resolver struct {
	log   *slog.Logger
	db    *geoip2.Reader
	cache *ttlcache.Cache[string, Location]
}

// NewResolver wraps a City-level database reader. A nil reader is allowed;
// every public address then resolves to Unknown.
func NewResolver(log *slog.Logger, db *geoip2.Reader) Resolver {
	return &resolver{
		log: log,
		db:  db,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, Location](cacheTTL),
		),
	}
}

func (r *resolver) Resolve(ip net.IP) Location {
	if ip == nil {
		return Unknown
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return LocalNetwork
	}
	if r.db == nil {
		return Unknown
	}

	key := ip.String()
	if item := r.cache.Get(key); item != nil {
		return item.Value()
	}

	rec, err := r.db.City(ip)
	if err != nil {
		r.log.Debug("geoip: city lookup failed", "ip", key, "error", err)
		return Unknown
	}

	loc := Location{}
	if rec.Country.Names["en"] != "" {
		loc.Country = rec.Country.Names["en"]
	} else if rec.Country.IsoCode != "" {
		loc.Country = rec.Country.IsoCode
	}
	if rec.City.Names["en"] != "" {
		loc.City = rec.City.Names["en"]
	}
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].Names["en"]
	}
	if loc.Country == "" {
		return Unknown
	}

	r.cache.Set(key, loc, ttlcache.DefaultTTL)
	return loc
}

// ResolveHost parses host (an IP literal, with or without a port) and
// resolves it. Parse failures resolve to Unknown.
func ResolveHost(r Resolver, host string) Location {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Unknown
	}
	return r.Resolve(ip)
}
