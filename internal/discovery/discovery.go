// Package discovery is the service directory: a broadcaster advertises
// itself by name over mDNS and clients turn a locator into a WebSocket URL.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	ServiceType = "_eve._tcp"
	Domain      = "local."

	// RPCPath is where the server mounts its WebSocket endpoint.
	RPCPath = "/rpc"

	// DefaultLookupTimeout bounds an mDNS lookup.
	DefaultLookupTimeout = 3 * time.Second

	mdnsScheme = "mdns:"
)

var ErrNotFound = errors.New("service not found")

// Advertiser announces one broadcaster until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
	logger zerolog.Logger
}

// Advertise registers name as an _eve._tcp instance on port.
func Advertise(name string, port int, logger zerolog.Logger) (*Advertiser, error) {
	txt := []string{"path=" + RPCPath, "version=1"}
	server, err := zeroconf.Register(name, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register service: %w", err)
	}
	logger.Info().Str("instance", name).Int("port", port).Msg("mDNS advertiser started")
	return &Advertiser{server: server, logger: logger}, nil
}

func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info().Msg("mDNS advertiser stopped")
}

// Locator says how to reach a broadcaster. Exactly one of Name and URL is
// set.
type Locator struct {
	Name string // mDNS instance name
	URL  string // ws:// or wss:// endpoint
}

// ParseLocator accepts "mdns:<name>", a ws/wss/http/https URL, or a bare
// host:port.
func ParseLocator(s string) (Locator, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Locator{}, errors.New("empty locator")
	}
	if name, ok := strings.CutPrefix(s, mdnsScheme); ok {
		if name == "" {
			return Locator{}, fmt.Errorf("locator %q has no service name", s)
		}
		return Locator{Name: name}, nil
	}

	if !strings.Contains(s, "://") {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return Locator{}, fmt.Errorf("locator %q: %w", s, err)
		}
		return Locator{URL: "ws://" + s + RPCPath}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Locator{}, fmt.Errorf("locator %q: %w", s, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return Locator{}, fmt.Errorf("locator %q: unsupported scheme %q", s, u.Scheme)
	}
	if u.Host == "" {
		return Locator{}, fmt.Errorf("locator %q has no host", s)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = RPCPath
	}
	return Locator{URL: u.String()}, nil
}

// Resolve turns a locator string into a WebSocket URL, browsing mDNS when
// the locator names a service.
func Resolve(ctx context.Context, locator string, timeout time.Duration, logger zerolog.Logger) (string, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return "", err
	}
	if loc.URL != "" {
		return loc.URL, nil
	}
	return Lookup(ctx, loc.Name, timeout, logger)
}

// Lookup finds the mDNS instance called name and returns its endpoint.
func Lookup(ctx context.Context, name string, timeout time.Duration, logger zerolog.Logger) (string, error) {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create resolver: %w", err)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := resolver.Lookup(lookupCtx, name, ServiceType, Domain, entries); err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", name, err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrNotFound, name)
			}
			if u, ok := EntryURL(entry); ok {
				logger.Debug().Str("instance", name).Str("url", u).Msg("service resolved")
				return u, nil
			}
			logger.Debug().Str("instance", entry.Instance).Msg("skipping service without IPv4 address")
		case <-lookupCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
	}
}

// EntryURL builds the WebSocket URL for a resolved entry.
func EntryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return "", false
	}
	path := RPCPath
	for _, txt := range entry.Text {
		if k, v, ok := strings.Cut(txt, "="); ok && k == "path" && v != "" {
			path = v
		}
	}
	host := net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port))
	return "ws://" + host + path, true
}

// HTTPBase converts ws://host:port/rpc into http://host:port.
func HTTPBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host), nil
}
