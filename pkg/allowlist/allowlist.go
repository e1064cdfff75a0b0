// Package allowlist holds the set of origin domains allowed to open live
// sessions. The set is loaded explicitly and refreshed on demand or on a
// timer; it is never loaded lazily behind a caller's back.
package allowlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrNotLoaded is returned by Allowed until the first successful Refresh.
var ErrNotLoaded = errors.New("allowlist: not loaded")

// Loader fetches the current domain list.
type Loader interface {
	LoadDomains(ctx context.Context) ([]string, error)
}

type LoaderFunc func(ctx context.Context) ([]string, error)

func (f LoaderFunc) LoadDomains(ctx context.Context) ([]string, error) { return f(ctx) }

type List struct {
	loader Loader
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	loaded   bool
	domains  map[string]struct{}
	loadedAt time.Time
}

func New(loader Loader, logger *slog.Logger) *List {
	if logger == nil {
		logger = slog.Default()
	}
	return &List{loader: loader, logger: logger, now: time.Now}
}

// Refresh replaces the domain set. On failure the previous set stays in use.
func (l *List) Refresh(ctx context.Context) error {
	raw, err := l.loader.LoadDomains(ctx)
	if err != nil {
		return fmt.Errorf("allowlist: refresh: %w", err)
	}
	next := make(map[string]struct{}, len(raw))
	for _, d := range raw {
		if d = normalize(d); d != "" {
			next[d] = struct{}{}
		}
	}
	l.mu.Lock()
	l.domains = next
	l.loaded = true
	l.loadedAt = l.now()
	l.mu.Unlock()
	return nil
}

func (l *List) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.domains)
}

// Allowed reports whether host, or any parent domain of it, is listed.
// "*" in the list allows every host.
func (l *List) Allowed(host string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.loaded {
		return false, ErrNotLoaded
	}
	if _, ok := l.domains["*"]; ok {
		return true, nil
	}
	h := normalize(host)
	for h != "" {
		if _, ok := l.domains[h]; ok {
			return true, nil
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			break
		}
		h = h[i+1:]
	}
	return false, nil
}

// AllowedOrigin checks the host part of an Origin header value.
func (l *List) AllowedOrigin(origin string) (bool, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Host == "" {
		if !l.Loaded() {
			return false, ErrNotLoaded
		}
		return false, nil
	}
	return l.Allowed(u.Hostname())
}

// Run refreshes every interval until ctx is done. Failures are logged and the
// previous set is kept.
func (l *List) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				l.logger.Warn("allowlist refresh failed", "error", err)
			}
		}
	}
}

func normalize(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if h, _, err := net.SplitHostPort(d); err == nil {
		d = h
	}
	d = strings.TrimPrefix(d, "*.")
	return strings.TrimSuffix(d, ".")
}

// StaticLoader serves a fixed list, typically parsed from configuration.
type StaticLoader []string

func (s StaticLoader) LoadDomains(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// MultiLoader unions several loaders. Any loader failing fails the load so
// a partial list never replaces a complete one.
type MultiLoader []Loader

func (m MultiLoader) LoadDomains(ctx context.Context) ([]string, error) {
	var out []string
	for _, l := range m {
		d, err := l.LoadDomains(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, d...)
	}
	return out, nil
}
