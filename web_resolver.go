package accessip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"
)

// Public IP services queried by default, in order of preference.
var (
	DefaultIPv4Providers = []string{
		"https://ipv4.icanhazip.com/",
		"https://api.ipify.org",
		"https://v4.ident.me",
	}
	DefaultIPv6Providers = []string{
		"https://ipv6.icanhazip.com/",
		"https://api64.ipify.org",
		"https://v6.ident.me",
	}
)

// DefaultLookupTimeout bounds each request to a public IP service.
const DefaultLookupTimeout = 5 * time.Second

// WebResolver constructs a resolver which uses external web services to look up a "public" IP address.
//
// Each service URL must speak http, return a 2xx status,
// and respond with a single IP address as the body (surrounding whitespace is ignored).
//
// Services are tried one at a time in the order given and the first address of the requested family wins.
// A failed request, an unparseable body,
// or an address of the wrong family (dual-stack services often answer an IPv6 request over IPv4)
// moves on to the next service.
// Nothing is retried; running the pass again later is the retry.
//
// Nil slices select DefaultIPv4Providers and DefaultIPv6Providers.
// Pass an empty non-nil slice to disable a family.
func WebResolver(ipv4, ipv6 []string) (Resolver, error) {
	if ipv4 == nil {
		ipv4 = DefaultIPv4Providers
	}
	if ipv6 == nil {
		ipv6 = DefaultIPv6Providers
	}
	wr := &webResolver{
		timeout: DefaultLookupTimeout,
		logger:  zap.NewNop(),
	}
	var err error
	if wr.ipv4, err = parseURLs(ipv4); err != nil {
		return nil, fmt.Errorf("IPv4 providers: %w", err)
	}
	if wr.ipv6, err = parseURLs(ipv6); err != nil {
		return nil, fmt.Errorf("IPv6 providers: %w", err)
	}
	return wr, nil
}

func parseURLs(raw []string) ([]*url.URL, error) {
	urls := make([]*url.URL, 0, len(raw))
	for _, u := range raw {
		pu, err := url.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("error parsing URL: %w", err)
		}
		if pu.Scheme != "http" && pu.Scheme != "https" {
			return nil, fmt.Errorf("provider %q: scheme must be http or https", u)
		}
		urls = append(urls, pu)
	}
	return urls, nil
}

type webResolver struct {
	httpClient *http.Client
	ipv4       []*url.URL
	ipv6       []*url.URL
	timeout    time.Duration
	logger     *zap.Logger
	metrics    *Metrics
}

func (wr *webResolver) SetLogger(logger *zap.Logger)       { wr.logger = logger }
func (wr *webResolver) SetHTTPClient(client *http.Client) { wr.httpClient = client }
func (wr *webResolver) SetTimeout(d time.Duration)        { wr.timeout = d }
func (wr *webResolver) SetMetrics(m *Metrics)              { wr.metrics = m }

// Resolve implements accessip.Resolver.
func (wr *webResolver) Resolve(ctx context.Context, family Family) (netip.Addr, error) {
	var providers []*url.URL
	switch family {
	case IPv4:
		providers = wr.ipv4
	case IPv6:
		providers = wr.ipv6
	default:
		return netip.Addr{}, fmt.Errorf("unknown address family %d", family)
	}
	if len(providers) == 0 {
		return netip.Addr{}, &ResolutionError{Family: family, Errs: []error{errors.New("no providers configured")}}
	}

	var errs []error
	for _, u := range providers {
		addr, err := wr.lookup(ctx, u)
		if err == nil && !family.Matches(addr) {
			err = fmt.Errorf("got %s, not an %s address", addr, family)
		}
		if err != nil {
			perr := &ProviderError{Provider: u.String(), Family: family, Err: err}
			wr.logger.Warn("address provider failed",
				zap.String("provider", u.String()),
				zap.Stringer("family", family),
				zap.Error(err))
			wr.metrics.providerFailed(family)
			errs = append(errs, perr)
			continue
		}
		wr.logger.Info("resolved public address",
			zap.Stringer("family", family),
			zap.Stringer("addr", addr),
			zap.String("provider", u.String()))
		return addr, nil
	}
	return netip.Addr{}, &ResolutionError{Family: family, Errs: errs}
}

func (wr *webResolver) lookup(ctx context.Context, u *url.URL) (netip.Addr, error) {
	timeout := wr.timeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "text/plain")

	httpclient := wr.httpClient
	if httpclient == nil {
		httpclient = cleanhttp.DefaultClient()
	}

	resp, err := httpclient.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return netip.Addr{}, fmt.Errorf("http request returned %s", resp.Status)
	}

	// an address is at most 45 characters; anything much longer is not an address
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error reading response body: %w", err)
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error parsing IP address from response body: %w", err)
	}
	return ip, nil
}
