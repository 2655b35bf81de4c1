package accessip

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the outcome of a successful reconciliation pass.
type Status int

const (
	// Unchanged means the policy already allowed exactly the resolved ranges.
	Unchanged Status = iota
	// Updated means the policy include list was replaced (or would have been, for a dry run).
	Updated
)

func (s Status) String() string {
	if s == Updated {
		return "updated"
	}
	return "unchanged"
}

// Result describes a successful pass.
type Result struct {
	Status Status
	IPv4   netip.Addr
	IPv6   netip.Prefix // zero when no IPv6 address was resolved

	Old []string // ranges found in the policy
	New []string // ranges the policy should hold
	// DryRun is set when an update was needed but not written.
	DryRun bool
}

// New constructs a Client.
//
// A PolicyClient must be registered before calling Reconcile, usually with UsingCloudflareAccess.
// Without UsingResolver the public IP services in DefaultIPv4Providers and DefaultIPv6Providers are used.
func New(options ...Option) (*Client, error) {
	defaultResolver, err := WebResolver(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("accessip.New: %w", err)
	}
	c := &Client{
		Resolver:  defaultResolver,
		prefixLen: DefaultIPv6PrefixLength,
		resolveV6: true,
		logger:    zap.NewNop(),
	}
	for i, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("accessip.New: option %d returned an error: %s", i, err)
		}
	}

	// dependencies registered after WithLogger still need the logger
	c.propagate()
	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

var errNoPolicyClient = errors.New("accessip: no policy client was registered - use accessip.UsingCloudflareAccess or similar")

// UsingCloudflareAccess registers the Cloudflare Access policy described by cfg.
func UsingCloudflareAccess(cfg CloudflareConfig) Option {
	return func(c *Client) (err error) {
		if c.PolicyClient, err = newCloudflareAccess(cfg); err != nil {
			return fmt.Errorf("accessip.UsingCloudflareAccess: %w", err)
		}
		return nil
	}
}

// UsingPolicyClient registers any PolicyClient implementation.
func UsingPolicyClient(pc PolicyClient) Option {
	return func(c *Client) error {
		if pc == nil {
			return errors.New("nil PolicyClient")
		}
		c.PolicyClient = pc
		return nil
	}
}

func UsingResolver(resolver Resolver) Option {
	return func(c *Client) error {
		if resolver == nil {
			return errors.New("nil Resolver")
		}
		c.Resolver = resolver
		return nil
	}
}

// UsingWebResolver replaces the default public IP services.
// A nil slice keeps the defaults for that family.
func UsingWebResolver(ipv4, ipv6 []string) Option {
	return func(c *Client) (err error) {
		c.Resolver, err = WebResolver(ipv4, ipv6)
		return err
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			logger = zap.NewNop()
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics records every pass, and every failed address lookup, into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// UsingHTTPClient sets the client used by the web resolver and the Cloudflare policy client.
func UsingHTTPClient(httpclient *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = httpclient
		return nil
	}
}

// WithLookupTimeout bounds each request to a public IP service.
func WithLookupTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("lookup timeout must be positive; got %s", d)
		}
		c.lookupTimeout = d
		return nil
	}
}

// WithIPv6PrefixLength sets the length of the IPv6 network allowed. The default is 64.
func WithIPv6PrefixLength(bits int) Option {
	return func(c *Client) error {
		if bits < 0 || bits > 128 {
			return fmt.Errorf("IPv6 prefix length %d out of range [0,128]", bits)
		}
		c.prefixLen = bits
		return nil
	}
}

// WithoutIPv6 skips IPv6 resolution; the policy will only allow the IPv4 address.
func WithoutIPv6() Option {
	return func(c *Client) error {
		c.resolveV6 = false
		return nil
	}
}

// WithDryRun computes the change but never writes the policy.
func WithDryRun() Option {
	return func(c *Client) error {
		c.dryRun = true
		return nil
	}
}

func (c *Client) propagate() {
	type setLogger interface{ SetLogger(*zap.Logger) }
	type setHTTPClient interface{ SetHTTPClient(*http.Client) }
	type setTimeout interface{ SetTimeout(time.Duration) }
	type setMetrics interface{ SetMetrics(*Metrics) }

	eachResolver(c.Resolver, func(r Resolver) {
		if s, ok := r.(setLogger); ok {
			s.SetLogger(c.logger)
		}
		if s, ok := r.(setHTTPClient); ok && c.httpClient != nil {
			s.SetHTTPClient(c.httpClient)
		}
		if s, ok := r.(setTimeout); ok && c.lookupTimeout > 0 {
			s.SetTimeout(c.lookupTimeout)
		}
		if s, ok := r.(setMetrics); ok {
			s.SetMetrics(c.metrics)
		}
	})
	if p, ok := c.PolicyClient.(setLogger); ok {
		p.SetLogger(c.logger)
	}
	if p, ok := c.PolicyClient.(setHTTPClient); ok && c.httpClient != nil {
		p.SetHTTPClient(c.httpClient)
	}
}

// Client reconciles a policy allowlist with the current public address.
type Client struct {
	Resolver
	PolicyClient

	logger        *zap.Logger
	metrics       *Metrics
	httpClient    *http.Client
	lookupTimeout time.Duration
	prefixLen     int
	resolveV6     bool
	dryRun        bool
}

// Reconcile runs one pass: resolve, fetch, compare, and update only on a difference.
//
// Failing to resolve IPv4, fetch the policy, or write it is returned as an error
// and nothing is written.
// Failing to resolve IPv6 is logged and the pass continues with IPv4 alone.
func (c *Client) Reconcile(ctx context.Context) (res Result, err error) {
	logger := c.logger.With(zap.String("run_id", uuid.NewString()))
	defer func() { c.metrics.observe(res, err) }()

	if c.PolicyClient == nil {
		return Result{}, errNoPolicyClient
	}

	res, err = c.desired(ctx, logger)
	if err != nil {
		return Result{}, err
	}

	policy, err := c.FetchPolicy(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("error fetching policy: %w", err)
	}
	res.Old = policy.CIDRs()

	if sameSet(res.Old, res.New) {
		logger.Info("IP ranges already up to date", zap.Strings("cidrs", res.Old))
		res.Status = Unchanged
		return res, nil
	}

	res.Status = Updated
	logger.Info("policy allowlist differs",
		zap.Strings("old", res.Old),
		zap.Strings("new", res.New))
	if n := policy.OtherRules(); n > 0 {
		logger.Warn("replacing include drops rules that are not IP rules", zap.Int("dropped", n))
	}
	policy.SetAllowlist(res.New)

	if c.dryRun {
		res.DryRun = true
		logger.Info("dry run; policy not written")
		return res, nil
	}
	if err := c.ReplacePolicy(ctx, policy); err != nil {
		return Result{}, fmt.Errorf("error updating policy: %w", err)
	}
	logger.Info("policy successfully updated")
	return res, nil
}

// Desired resolves the current addresses and returns the allowlist the policy should hold
// in Result.New, without contacting the policy endpoint.
func (c *Client) Desired(ctx context.Context) (Result, error) {
	return c.desired(ctx, c.logger)
}

func (c *Client) desired(ctx context.Context, logger *zap.Logger) (res Result, err error) {
	res.IPv4, err = c.Resolve(ctx, IPv4)
	if err == nil && !IPv4.Matches(res.IPv4) {
		err = &ResolutionError{Family: IPv4, Errs: []error{
			&InvalidAddressError{Addr: res.IPv4.String(), Reason: "resolver returned a non-IPv4 address"},
		}}
	}
	if err != nil {
		return Result{}, fmt.Errorf("no public IPv4 address: %w", err)
	}
	logger.Info("current public address", zap.Stringer("ipv4", res.IPv4))

	if c.resolveV6 {
		res.IPv6, err = c.ipv6Prefix(ctx, logger)
		if err != nil {
			return Result{}, err
		}
		if res.IPv6.IsValid() {
			logger.Info("using IPv6 prefix for policy", zap.Stringer("prefix", res.IPv6))
		} else {
			logger.Info("no IPv6 prefix will be set in the policy; IPv4 only")
		}
	}

	res.New = desiredEntries(res.IPv4, res.IPv6)
	return res, nil
}

// ipv6Prefix resolves the IPv6 network to allow.
// A resolution failure, including an answer of the wrong family, is not an error;
// it returns the zero Prefix.
func (c *Client) ipv6Prefix(ctx context.Context, logger *zap.Logger) (netip.Prefix, error) {
	addr, err := c.Resolve(ctx, IPv6)
	if err == nil && !IPv6.Matches(addr) {
		err = &InvalidAddressError{Addr: addr.String(), Reason: "resolver returned a non-IPv6 address"}
	}
	if err != nil {
		logger.Warn("could not get IPv6 address", zap.Error(err))
		return netip.Prefix{}, nil
	}
	p, err := Prefix(addr.String(), c.prefixLen)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("error deriving IPv6 prefix: %w", err)
	}
	return p, nil
}

// desiredEntries is the allowlist for the resolved addresses:
// the IPv4 host, plus the IPv6 network when present.
func desiredEntries(v4 netip.Addr, v6 netip.Prefix) []string {
	entries := []string{netip.PrefixFrom(v4, 32).String()}
	if v6.IsValid() {
		entries = append(entries, v6.String())
	}
	return entries
}
