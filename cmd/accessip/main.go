// Command accessip keeps a Cloudflare Access policy allowlist in sync with
// the public address of the machine it runs on.
//
// It performs one pass and exits; run it from cron or a systemd timer.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Travis-Britz/accessip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "accessip: %s\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand shares after flags are parsed.
type app struct {
	v          *viper.Viper
	configFile string
	envFile    string

	cfg    *config
	logger *zap.Logger

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: newViper(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "accessip",
		Short: "Sync a Cloudflare Access policy allowlist with this host's public IP",
		Long: `accessip resolves the public IPv4 address and IPv6 prefix of this host
and replaces the include rules of a Cloudflare Access policy when they differ.

Credentials are read from CF_API_TOKEN, CF_ACCOUNT_ID and CF_ACCESS_POLICY_ID,
from a .env file, from a config file, or from flags.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
		RunE: a.runReconcile,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (yaml, json or toml)")
	pf.StringVar(&a.envFile, "env-file", ".env", "file of environment variables to load if present")
	pf.String("key-file", defaultKeyFile(), "path to a file holding the Cloudflare API token")
	pf.String("account-id", "", "Cloudflare account ID")
	pf.String("policy-id", "", "Cloudflare Access policy ID")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-file", "", "also write JSON logs to this file, rotated")
	addResolveFlags(root)
	addRunFlags(root)

	run := &cobra.Command{
		Use:   "run",
		Short: "Update the policy allowlist once (default command)",
		Args:  cobra.NoArgs,
		RunE:  a.runReconcile,
	}
	addResolveFlags(run)
	addRunFlags(run)

	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Print the allowlist this host should have, without contacting Cloudflare",
		Args:  cobra.NoArgs,
		RunE:  a.runResolve,
	}
	addResolveFlags(resolve)

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check that the API token is active and the policy can be read",
		Args:  cobra.NoArgs,
		RunE:  a.runVerify,
	}
	verify.Flags().Duration("request-timeout", accessip.DefaultRequestTimeout, "timeout for each Cloudflare API request")

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Prompt for an API token, verify it, and write it to the key file",
		Args:  cobra.NoArgs,
		RunE:  a.runSetup,
	}

	root.AddCommand(run, resolve, verify, setupCmd)
	return root
}

func addResolveFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSlice("ipv4-provider", accessip.DefaultIPv4Providers, "URL returning this host's IPv4 address as text; repeat to add fallbacks")
	f.StringSlice("ipv6-provider", accessip.DefaultIPv6Providers, "URL returning this host's IPv6 address as text; repeat to add fallbacks")
	f.Bool("no-ipv6", false, "allow IPv4 only")
	f.Int("ipv6-prefix-length", accessip.DefaultIPv6PrefixLength, "length of the IPv6 prefix to allow")
	f.String("static-ipv4", "", "use this IPv4 address instead of looking it up")
	f.String("static-ipv6", "", "use this IPv6 address instead of looking it up")
	f.StringSlice("interface", nil, "prefer public addresses assigned to these network interfaces")
	f.Duration("lookup-timeout", accessip.DefaultLookupTimeout, "timeout for each address lookup")
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Duration("request-timeout", accessip.DefaultRequestTimeout, "timeout for each Cloudflare API request")
	f.Bool("dry-run", false, "report what would change without writing the policy")
	f.String("metrics-file", "", "write Prometheus metrics for the pass to this file")
}

// setup loads configuration for the command being run and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := bindFlags(a.v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := loadConfig(a.v, a.configFile, a.envFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, a.stderr)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

// resolver builds the resolver chain: static addresses, then interfaces, then web services.
func (a *app) resolver() (accessip.Resolver, error) {
	var chain []accessip.Resolver

	var static []string
	for _, s := range []string{a.cfg.StaticIPv4, a.cfg.StaticIPv6} {
		if s != "" {
			static = append(static, s)
		}
	}
	if len(static) > 0 {
		r, err := accessip.FromString(static...)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}

	if len(a.cfg.Interfaces) > 0 {
		chain = append(chain, accessip.InterfaceResolver(a.cfg.Interfaces...))
	}

	// an empty list from the config disables the family instead of restoring the defaults
	ipv4 := append([]string{}, a.cfg.IPv4Providers...)
	ipv6 := append([]string{}, a.cfg.IPv6Providers...)
	web, err := accessip.WebResolver(ipv4, ipv6)
	if err != nil {
		return nil, err
	}
	chain = append(chain, web)

	return accessip.Chain(chain...), nil
}

// clientOptions are the options shared by run and resolve.
func (a *app) clientOptions() ([]accessip.Option, error) {
	if err := a.cfg.validateResolve(); err != nil {
		return nil, err
	}
	r, err := a.resolver()
	if err != nil {
		return nil, err
	}
	opts := []accessip.Option{
		accessip.UsingResolver(r),
		accessip.WithLogger(a.logger),
		accessip.WithLookupTimeout(a.cfg.LookupTimeout),
		accessip.WithIPv6PrefixLength(a.cfg.IPv6PrefixLength),
	}
	if !a.cfg.IPv6 {
		opts = append(opts, accessip.WithoutIPv6())
	}
	return opts, nil
}

func (a *app) cloudflareConfig() accessip.CloudflareConfig {
	return accessip.CloudflareConfig{
		APIToken:  a.cfg.APIToken,
		AccountID: a.cfg.AccountID,
		PolicyID:  a.cfg.PolicyID,
		BaseURL:   apiBaseURL,
		Timeout:   a.cfg.RequestTimeout,
	}
}

func (a *app) runReconcile(cmd *cobra.Command, _ []string) error {
	if err := a.cfg.validatePolicy(); err != nil {
		return err
	}
	opts, err := a.clientOptions()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	opts = append(opts,
		accessip.UsingCloudflareAccess(a.cloudflareConfig()),
		accessip.WithMetrics(accessip.NewMetrics(reg)),
	)
	if a.cfg.DryRun {
		opts = append(opts, accessip.WithDryRun())
	}

	client, err := accessip.New(opts...)
	if err != nil {
		return fmt.Errorf("error creating accessip.Client: %w", err)
	}

	res, runErr := client.Reconcile(cmd.Context())
	if a.cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(a.cfg.MetricsFile, reg); err != nil {
			a.logger.Error("failed to write metrics file", zap.String("path", a.cfg.MetricsFile), zap.Error(err))
		}
	}
	if runErr != nil {
		return runErr
	}

	printResult(a.stdout, res)
	return nil
}

func (a *app) runResolve(cmd *cobra.Command, _ []string) error {
	opts, err := a.clientOptions()
	if err != nil {
		return err
	}
	client, err := accessip.New(opts...)
	if err != nil {
		return fmt.Errorf("error creating accessip.Client: %w", err)
	}
	res, err := client.Desired(cmd.Context())
	if err != nil {
		return err
	}
	for _, cidr := range res.New {
		fmt.Fprintln(a.stdout, cidr)
	}
	return nil
}

func printResult(w io.Writer, res accessip.Result) {
	switch {
	case res.Status == accessip.Unchanged:
		fmt.Fprintf(w, "unchanged: %v\n", res.New)
	case res.DryRun:
		fmt.Fprintf(w, "would update: %v -> %v\n", res.Old, res.New)
	default:
		fmt.Fprintf(w, "updated: %v -> %v\n", res.Old, res.New)
	}
}
