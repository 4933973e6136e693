// Package urlfetch downloads external URLs for ingestion. Every URL and
// every redirect hop is validated against an SSRF policy before any
// connection reuse, and the response body is wrapped in a guard that
// enforces size, idle-timeout and content-length limits.
package urlfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

var (
	// ErrBlocked means the URL failed the SSRF policy.
	ErrBlocked = errors.New("url blocked by policy")

	// ErrTooLarge means the body exceeded the configured byte ceiling.
	ErrTooLarge = errors.New("download exceeds size limit")

	// ErrIdleTimeout means no bytes arrived within the idle window.
	ErrIdleTimeout = errors.New("download idle timeout")

	// ErrLengthMismatch means the body ended short of the advertised
	// Content-Length.
	ErrLengthMismatch = errors.New("download shorter than advertised length")

	// ErrTooManyRedirects means the redirect chain exceeded the limit.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// Hostname suffixes that always resolve inside an infrastructure.
var blockedSuffixes = []string{
	".local",
	".internal",
	".lan",
	".home",
	".svc",
	".cluster.local",
}

// Config controls fetch policy.
type Config struct {
	// BlockUnsafeConnections enables the SSRF guard.
	BlockUnsafeConnections bool

	// HTTPSOnly restricts fetches to https URLs.
	HTTPSOnly bool

	// IdleTimeout resets on every received chunk.
	IdleTimeout time.Duration

	// MaxBytes caps the body size; 0 means unlimited.
	MaxBytes int64

	// MaxRedirects caps the redirect chain length.
	MaxRedirects int
}

// Download is a fetched response stream. The caller owns Body.
type Download struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64 // -1 when the server did not advertise one
	Filename      string
	FinalURL      string
}

// Fetcher downloads URLs under the configured policy.
type Fetcher struct {
	config Config
	client *http.Client

	// lookupIP is swappable for tests.
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

// New creates a fetcher.
func New(config Config) *Fetcher {
	return &Fetcher{
		config: config,
		client: &http.Client{
			// Redirects are followed manually so every hop is re-validated.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
}

// Fetch validates rawURL, follows redirects up to the limit re-validating
// each hop, and returns the guarded body stream.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Download, error) {
	current := rawURL

	for hop := 0; ; hop++ {
		u, err := url.Parse(current)
		if err != nil {
			return nil, fmt.Errorf("invalid url: %w", err)
		}
		if err := f.validate(ctx, u); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch failed: %w", err)
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()

			if location == "" {
				return nil, fmt.Errorf("redirect without location from %s", u.Host)
			}
			if hop >= f.config.MaxRedirects {
				return nil, ErrTooManyRedirects
			}
			next, err := u.Parse(location)
			if err != nil {
				return nil, fmt.Errorf("invalid redirect location: %w", err)
			}
			current = next.String()
			continue
		}

		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
		}

		return &Download{
			Body:          newGuardReader(resp.Body, f.config.MaxBytes, f.config.IdleTimeout, resp.ContentLength),
			ContentType:   resp.Header.Get("Content-Type"),
			ContentLength: resp.ContentLength,
			Filename:      filenameFromResponse(resp, u),
			FinalURL:      u.String(),
		}, nil
	}
}

// validate applies the SSRF policy to one URL.
func (f *Fetcher) validate(ctx context.Context, u *url.URL) error {
	switch u.Scheme {
	case "https":
	case "http":
		if f.config.HTTPSOnly {
			return fmt.Errorf("%w: https required", ErrBlocked)
		}
	default:
		return fmt.Errorf("%w: unsupported protocol %q", ErrBlocked, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: empty hostname", ErrBlocked)
	}

	if !f.config.BlockUnsafeConnections {
		return nil
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: localhost", ErrBlocked)
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("%w: internal hostname %q", ErrBlocked, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: private address %s", ErrBlocked, ip)
		}
		return nil
	}

	// DNS names: re-check every resolved address to catch names pointed
	// at internal ranges.
	ips, err := f.lookupIP(ctx, host)
	if err != nil {
		return fmt.Errorf("failed to resolve %q: %w", host, err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: %q resolves to private address %s", ErrBlocked, host, ip)
		}
	}
	return nil
}

// isPrivateIP reports whether ip belongs to a range that must never be
// fetched on behalf of a client: RFC 1918, loopback, link-local, ULA,
// unspecified.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		isULA(ip)
}

// isULA reports whether ip is an IPv6 unique local address (fc00::/7).
func isULA(ip net.IP) bool {
	v6 := ip.To16()
	if v6 == nil || ip.To4() != nil {
		return false
	}
	return v6[0]&0xfe == 0xfc
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// filenameFromResponse prefers the Content-Disposition filename and falls
// back to the final URL's path base.
func filenameFromResponse(resp *http.Response, u *url.URL) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." || base == "" {
		return ""
	}
	return base
}
