package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/Travis-Britz/accessip"
	"github.com/cloudflare/cloudflare-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// apiBaseURL is replaced in tests.
var apiBaseURL = accessip.DefaultAPIBaseURL

func verifyToken(ctx context.Context, token string) error {
	api, err := cloudflare.NewWithAPIToken(token, cloudflare.BaseURL(apiBaseURL))
	if err != nil {
		return fmt.Errorf("error creating api client: %w", err)
	}
	result, err := api.VerifyAPIToken(ctx)
	if err != nil {
		return fmt.Errorf("unable to verify api token: %w", err)
	}
	if result.Status != "active" {
		return fmt.Errorf("expected api token status to be \"active\"; got \"%s\"", result.Status)
	}
	return nil
}

func (a *app) runVerify(cmd *cobra.Command, _ []string) error {
	if err := a.cfg.validatePolicy(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.RequestTimeout)
	defer cancel()
	a.logger.Info("verifying token...")
	if err := verifyToken(ctx, a.cfg.APIToken); err != nil {
		return err
	}
	a.logger.Info("token verified successfully")

	pc, err := accessip.NewCloudflareAccess(a.cloudflareConfig())
	if err != nil {
		return err
	}
	policy, err := pc.FetchPolicy(cmd.Context())
	if err != nil {
		return fmt.Errorf("error fetching policy: %w", err)
	}
	fmt.Fprintf(a.stdout, "ok: policy %s allows %v\n", a.cfg.PolicyID, policy.CIDRs())
	if n := policy.OtherRules(); n > 0 {
		a.logger.Warn("policy has include rules that are not IP rules; they will be dropped on update", zap.Int("count", n))
	}
	return nil
}

func (a *app) runSetup(cmd *cobra.Command, _ []string) error {
	a.logger.Info("running setup")
	fmt.Fprintf(a.stderr, "Enter Cloudflare API Token: \n")
	bytekey, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return fmt.Errorf("runSetup: error reading from stdin: %w", err)
	}
	return a.writeToken(cmd.Context(), strings.TrimSpace(string(bytekey)))
}

// writeToken verifies token and stores it in the key file, which must not already exist.
func (a *app) writeToken(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("empty API token")
	}

	timeout := a.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = accessip.DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	a.logger.Info("verifying token...")
	if err := verifyToken(ctx, token); err != nil {
		return err
	}
	a.logger.Info("token verified successfully")

	path := a.cfg.KeyFile
	a.logger.Info("creating key file", zap.String("path", path))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("unable to create \"%s\": %w", path, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, token); err != nil {
		return fmt.Errorf("error writing \"%s\": %w", path, err)
	}
	a.logger.Info("token written", zap.String("path", path))
	return nil
}
