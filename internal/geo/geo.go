// Package geo resolves an approximate signer location from an IP address
// using public lookup endpoints.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Location struct {
	IP        string  `json:"ip"`
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Source    string  `json:"source"`
}

// Lookuper is the narrow interface the signing service needs.
type Lookuper interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
}

type Locator struct {
	endpoints []string
	http      *http.Client
}

// NewLocator takes endpoint templates with one %s for the IP, consulted in order.
func NewLocator(endpoints []string, timeout time.Duration) *Locator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Locator{endpoints: endpoints, http: &http.Client{Timeout: timeout}}
}

var ErrNoLocation = errors.New("geo: no endpoint returned a location")

func (l *Locator) Lookup(ctx context.Context, ip string) (*Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("geo: invalid ip %q", ip)
	}
	if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() {
		return nil, fmt.Errorf("geo: %s is not publicly routable", ip)
	}
	var errs []error
	for _, tmpl := range l.endpoints {
		loc, err := l.fetch(ctx, fmt.Sprintf(tmpl, ip))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loc.IP = ip
		return loc, nil
	}
	return nil, errors.Join(append([]error{ErrNoLocation}, errs...)...)
}

func (l *Locator) fetch(ctx context.Context, url string) (*Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo: %s returned %d", req.URL.Host, resp.StatusCode)
	}
	var raw map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("geo: decode %s: %w", req.URL.Host, err)
	}
	// ipwho.is style error reporting
	if ok, present := raw["success"].(bool); present && !ok {
		return nil, fmt.Errorf("geo: %s reported failure", req.URL.Host)
	}
	if e, _ := raw["error"].(bool); e {
		return nil, fmt.Errorf("geo: %s reported failure", req.URL.Host)
	}
	loc := &Location{
		City:      str(raw, "city"),
		Region:    str(raw, "region", "regionName"),
		Country:   str(raw, "country_name", "country"),
		Latitude:  num(raw, "latitude", "lat"),
		Longitude: num(raw, "longitude", "lon"),
		Source:    req.URL.Host,
	}
	if loc.City == "" && loc.Country == "" {
		return nil, fmt.Errorf("geo: %s returned no location", req.URL.Host)
	}
	return loc, nil
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func num(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		}
	}
	return 0
}
