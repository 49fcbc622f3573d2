// Package geo turns a client IP address into a coarse, human-readable
// location. Results are advisory and every failure degrades to Unknown.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/devicegate/devicegate/internal/metrics"
	"github.com/devicegate/devicegate/internal/model"
)

const (
	DefaultEndpoint = "https://ipapi.co"
	DefaultTimeout  = 3 * time.Second
)

// Resolver resolves network information for a client address.
type Resolver interface {
	Resolve(ctx context.Context, ip string) model.NetworkInfo
}

// Nop resolves nothing. The IP is kept when known.
type Nop struct{}

func (Nop) Resolve(_ context.Context, ip string) model.NetworkInfo {
	return unknown(ip)
}

// Static always reports the same location.
type Static struct{ Location string }

func (s Static) Resolve(_ context.Context, ip string) model.NetworkInfo {
	info := unknown(ip)
	if s.Location != "" {
		info.Location = s.Location
	}
	return info
}

func unknown(ip string) model.NetworkInfo {
	info := model.UnknownNetwork
	if ip != "" {
		info.IP = ip
	}
	return info
}

// HTTPResolver queries an ipapi.co compatible service:
// GET {endpoint}/{ip}/json/ returning city, region and country_name.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPResolver creates a resolver. An empty endpoint selects ipapi.co.
func NewHTTPResolver(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPResolver {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPResolver{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "geo"),
	}
}

type ipapiResponse struct {
	IP          string `json:"ip"`
	City        string `json:"city"`
	Region      string `json:"region"`
	CountryName string `json:"country_name"`
	Error       bool   `json:"error"`
	Reason      string `json:"reason"`
}

// Resolve looks ip up. Private and loopback addresses are not sent to the
// service.
func (r *HTTPResolver) Resolve(ctx context.Context, ip string) model.NetworkInfo {
	if addr, err := netip.ParseAddr(ip); err != nil || !addr.IsGlobalUnicast() || addr.IsPrivate() {
		return unknown(ip)
	}

	info, err := r.lookup(ctx, ip)
	if err != nil {
		metrics.GeoLookupsTotal.WithLabelValues("failed").Inc()
		r.logger.Debug("location lookup failed", "ip", ip, "error", err)
		return unknown(ip)
	}
	metrics.GeoLookupsTotal.WithLabelValues("ok").Inc()
	return info
}

func (r *HTTPResolver) lookup(ctx context.Context, ip string) (model.NetworkInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/"+ip+"/json/", nil)
	if err != nil {
		return model.NetworkInfo{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return model.NetworkInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.NetworkInfo{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body ipapiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.NetworkInfo{}, fmt.Errorf("decode response: %w", err)
	}
	if body.Error {
		return model.NetworkInfo{}, fmt.Errorf("service error: %s", body.Reason)
	}
	return model.NetworkInfo{IP: ip, Location: FormatLocation(body.City, body.Region, body.CountryName)}, nil
}

// FormatLocation joins the known parts as "city, region, country".
func FormatLocation(city, region, country string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{city, region, country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return model.Unknown
	}
	return strings.Join(parts, ", ")
}
