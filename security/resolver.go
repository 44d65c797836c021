package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oschwald/geoip2-golang"
	cache "github.com/patrickmn/go-cache"
	"github.com/stationops/geofence/model"
	"gorm.io/gorm"
)

// ErrLookupUnavailable is returned when the upstream geolocation
// provider cannot be reached, times out, or returns garbage. Callers
// decide the fail-open/fail-closed consequence; the resolver never does.
var ErrLookupUnavailable = errors.New("geolocation lookup unavailable")

// Lookup is the provider-neutral result of an IP geolocation query.
type Lookup struct {
	CountryCode  string
	CountryName  string
	Region       string
	City         string
	ISP          string
	Organization string
	Latitude     float64
	Longitude    float64
	IsProxy      bool
	IsVPN        bool
	IsTor        bool
}

// Provider resolves a single IP to a Lookup or fails.
type Provider interface {
	Lookup(ctx context.Context, ip string) (*Lookup, error)
}

// Resolver fronts a Provider with a TTL cache and persists every
// resolution into the GeoRecord table. The cache only spares the
// provider call; the database upsert always runs so access counters and
// last-seen stamps stay truthful.
type Resolver struct {
	db       *gorm.DB
	provider Provider
	cache    *cache.Cache
	timeout  time.Duration

	cacheHits   int64
	cacheMisses int64
}

// NewResolver builds a resolver with a 24h lookup cache purged hourly,
// mirroring the provider data's practical freshness.
func NewResolver(db *gorm.DB, provider Provider, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Resolver{
		db:       db,
		provider: provider,
		cache:    cache.New(24*time.Hour, 1*time.Hour),
		timeout:  timeout,
	}
}

// Resolve maps ip to its GeoRecord, creating or refreshing the cache row.
// Private and loopback addresses short-circuit to a local placeholder
// without touching the provider.
func (r *Resolver) Resolve(ctx context.Context, ip string) (*model.GeoRecord, error) {
	if ip == "" {
		return nil, fmt.Errorf("%w: empty ip", ErrLookupUnavailable)
	}

	if isPrivateIP(ip) {
		return model.TouchGeoRecord(r.db, &model.GeoRecord{
			IPAddress:   ip,
			CountryCode: "",
			CountryName: "Local Network",
		})
	}

	lookup, err := r.cachedLookup(ctx, ip)
	if err != nil {
		return nil, err
	}

	return model.TouchGeoRecord(r.db, &model.GeoRecord{
		IPAddress:    ip,
		CountryCode:  lookup.CountryCode,
		CountryName:  lookup.CountryName,
		Region:       lookup.Region,
		City:         lookup.City,
		ISP:          lookup.ISP,
		Organization: lookup.Organization,
		Latitude:     lookup.Latitude,
		Longitude:    lookup.Longitude,
		IsProxy:      lookup.IsProxy,
		IsVPN:        lookup.IsVPN,
		IsTor:        lookup.IsTor,
	})
}

func (r *Resolver) cachedLookup(ctx context.Context, ip string) (*Lookup, error) {
	if v, ok := r.cache.Get(ip); ok {
		atomic.AddInt64(&r.cacheHits, 1)
		if lookup, ok := v.(*Lookup); ok {
			return lookup, nil
		}
	}
	atomic.AddInt64(&r.cacheMisses, 1)

	if r.provider == nil {
		return nil, fmt.Errorf("%w: no provider configured", ErrLookupUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	lookup, err := r.provider.Lookup(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
	}

	r.cache.Set(ip, lookup, cache.DefaultExpiration)
	return lookup, nil
}

// CacheMetrics returns lookup cache hits, misses and current size.
func (r *Resolver) CacheMetrics() (hits int64, misses int64, size int) {
	return atomic.LoadInt64(&r.cacheHits), atomic.LoadInt64(&r.cacheMisses), r.cache.ItemCount()
}

func isPrivateIP(ip string) bool {
	if ip == "127.0.0.1" || ip == "::1" {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast()
}

// HTTPProvider queries a JSON geolocation API. The response shape
// follows the common ip-api.com field names.
type HTTPProvider struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPProvider builds a provider for baseURL, which is joined with
// the queried IP (e.g. http://ip-api.com/json).
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type httpProviderResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	CountryCode string  `json:"countryCode"`
	Country     string  `json:"country"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Proxy       bool    `json:"proxy"`
	Hosting     bool    `json:"hosting"`
}

func (p *HTTPProvider) Lookup(ctx context.Context, ip string) (*Lookup, error) {
	url := fmt.Sprintf("%s/%s?fields=status,message,countryCode,country,regionName,city,isp,org,lat,lon,proxy,hosting", p.BaseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var body httpProviderResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Status != "" && body.Status != "success" {
		return nil, fmt.Errorf("provider lookup failed: %s", body.Message)
	}

	return &Lookup{
		CountryCode:  body.CountryCode,
		CountryName:  body.Country,
		Region:       body.RegionName,
		City:         body.City,
		ISP:          body.ISP,
		Organization: body.Org,
		Latitude:     body.Lat,
		Longitude:    body.Lon,
		IsProxy:      body.Proxy,
		IsVPN:        body.Hosting,
	}, nil
}

// MMDBProvider answers lookups from a local GeoIP2/GeoLite2 database.
// The .mmdb file carries no anonymizer flags, so proxy/VPN/Tor are
// always false from this provider.
type MMDBProvider struct {
	reader *geoip2.Reader
}

// NewMMDBProvider opens the GeoIP database at path.
func NewMMDBProvider(path string) (*MMDBProvider, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &MMDBProvider{reader: r}, nil
}

// Close releases the underlying database handle.
func (p *MMDBProvider) Close() error {
	return p.reader.Close()
}

func (p *MMDBProvider) Lookup(_ context.Context, ip string) (*Lookup, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip %q", ip)
	}
	rec, err := p.reader.City(parsed)
	if err != nil {
		return nil, err
	}

	lookup := &Lookup{
		CountryCode: rec.Country.IsoCode,
		Latitude:    rec.Location.Latitude,
		Longitude:   rec.Location.Longitude,
	}
	if rec.Country.Names != nil {
		lookup.CountryName = rec.Country.Names["en"]
	}
	if lookup.CountryName == "" {
		lookup.CountryName = rec.Country.IsoCode
	}
	if rec.City.Names != nil {
		lookup.City = rec.City.Names["en"]
	}
	if len(rec.Subdivisions) > 0 && rec.Subdivisions[0].Names != nil {
		lookup.Region = rec.Subdivisions[0].Names["en"]
	}
	return lookup, nil
}
