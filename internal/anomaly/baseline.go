package anomaly

import (
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

// Baseline is the learned picture of normal activity. Rates are per
// hour, smoothed with an exponential moving average.
type Baseline struct {
	Rates             map[string]float64 `json:"rates"`
	Hourly            [24]float64        `json:"hourly"`
	KnownDomains      map[string]bool    `json:"known_domains"`
	KnownPathPrefixes map[string]bool    `json:"known_path_prefixes"`
	Updates           int                `json:"updates"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// NewBaseline returns an empty baseline.
func NewBaseline() *Baseline {
	return &Baseline{
		Rates:             make(map[string]float64),
		KnownDomains:      make(map[string]bool),
		KnownPathPrefixes: make(map[string]bool),
	}
}

func (b *Baseline) ensureMaps() {
	if b.Rates == nil {
		b.Rates = make(map[string]float64)
	}
	if b.KnownDomains == nil {
		b.KnownDomains = make(map[string]bool)
	}
	if b.KnownPathPrefixes == nil {
		b.KnownPathPrefixes = make(map[string]bool)
	}
}

// ema folds one observation into a smoothed value.
func ema(smoothed, recent, alpha float64) float64 {
	return alpha*recent + (1-alpha)*smoothed
}

// Fold applies one hourly update. counts holds the activity observed in
// the hour that just ended; hour is that hour of day.
func (b *Baseline) Fold(counts map[string]int, hour int, alpha float64, now time.Time) {
	b.ensureMaps()
	total := 0
	seen := make(map[string]bool, len(counts))
	for activity, n := range counts {
		b.Rates[activity] = ema(b.Rates[activity], float64(n), alpha)
		total += n
		seen[activity] = true
	}
	// Activities that went quiet decay toward zero.
	for activity, rate := range b.Rates {
		if !seen[activity] {
			b.Rates[activity] = ema(rate, 0, alpha)
		}
	}
	b.Hourly[hour%24] = ema(b.Hourly[hour%24], float64(total), alpha)
	b.Updates++
	b.UpdatedAt = now
}

// Domains returns the known domains sorted.
func (b *Baseline) Domains() []string {
	out := make([]string, 0, len(b.KnownDomains))
	for d := range b.KnownDomains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// hostOf extracts a lower-case host from a URL or bare host target.
func hostOf(target string) string {
	t := strings.TrimSpace(target)
	if t == "" {
		return ""
	}
	if !strings.Contains(t, "://") {
		t = "//" + t
	}
	u, err := url.Parse(t)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
}

// registrable returns the last two labels of host, a cheap stand-in for
// the registrable domain.
func registrable(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// pathPrefix returns the first two segments of an absolute path, which
// is the granularity known-path learning works at.
func pathPrefix(p string) string {
	if p == "" {
		return ""
	}
	clean := path.Clean(p)
	if !strings.HasPrefix(clean, "/") && !strings.HasPrefix(clean, "~") {
		return ""
	}
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	if strings.HasPrefix(clean, "/") {
		return "/" + strings.Join(parts, "/")
	}
	return strings.Join(parts, "/")
}
