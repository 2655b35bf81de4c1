package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Travis-Britz/accessip"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type config struct {
	APIToken  string `mapstructure:"api_token"`
	AccountID string `mapstructure:"account_id"`
	PolicyID  string `mapstructure:"policy_id"`
	KeyFile   string `mapstructure:"key_file"`

	IPv4Providers    []string      `mapstructure:"ipv4_providers"`
	IPv6Providers    []string      `mapstructure:"ipv6_providers"`
	IPv6             bool          `mapstructure:"ipv6"`
	IPv6PrefixLength int           `mapstructure:"ipv6_prefix_length"`
	StaticIPv4       string        `mapstructure:"static_ipv4"`
	StaticIPv6       string        `mapstructure:"static_ipv6"`
	Interfaces       []string      `mapstructure:"interfaces"`
	LookupTimeout    time.Duration `mapstructure:"lookup_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`

	DryRun      bool   `mapstructure:"dry_run"`
	MetricsFile string `mapstructure:"metrics_file"`

	Log logConfig `mapstructure:"log"`
}

type logConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"account-id":         "account_id",
	"policy-id":          "policy_id",
	"key-file":           "key_file",
	"ipv4-provider":      "ipv4_providers",
	"ipv6-provider":      "ipv6_providers",
	"ipv6-prefix-length": "ipv6_prefix_length",
	"static-ipv4":        "static_ipv4",
	"static-ipv6":        "static_ipv6",
	"interface":          "interfaces",
	"lookup-timeout":     "lookup_timeout",
	"request-timeout":    "request_timeout",
	"dry-run":            "dry_run",
	"metrics-file":       "metrics_file",
	"log-level":          "log.level",
	"log-file":           "log.file",
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cloudflare-access"
	}
	return filepath.Join(home, ".cloudflare-access")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("api_token", "")
	v.SetDefault("account_id", "")
	v.SetDefault("policy_id", "")
	v.SetDefault("key_file", defaultKeyFile())
	v.SetDefault("ipv4_providers", accessip.DefaultIPv4Providers)
	v.SetDefault("ipv6_providers", accessip.DefaultIPv6Providers)
	v.SetDefault("ipv6", true)
	v.SetDefault("ipv6_prefix_length", accessip.DefaultIPv6PrefixLength)
	v.SetDefault("static_ipv4", "")
	v.SetDefault("static_ipv6", "")
	v.SetDefault("interfaces", []string{})
	v.SetDefault("lookup_timeout", accessip.DefaultLookupTimeout)
	v.SetDefault("request_timeout", accessip.DefaultRequestTimeout)
	v.SetDefault("dry_run", false)
	v.SetDefault("metrics_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", false)

	// CF_* are the names used in existing .env files
	v.SetEnvPrefix("ACCESSIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("api_token", "CF_API_TOKEN", "ACCESSIP_API_TOKEN")
	_ = v.BindEnv("account_id", "CF_ACCOUNT_ID", "ACCESSIP_ACCOUNT_ID")
	_ = v.BindEnv("policy_id", "CF_ACCESS_POLICY_ID", "ACCESSIP_POLICY_ID")
	return v
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag --%s: %w", name, err)
		}
	}
	// --no-ipv6 inverts the ipv6 key, so it can't be bound directly
	if f := flags.Lookup("no-ipv6"); f != nil && f.Changed {
		v.Set("ipv6", false)
	}
	return nil
}

// loadConfig merges, in decreasing priority: flags, environment, .env, the config file, defaults.
func loadConfig(v *viper.Viper, configFile, envFile string) (*config, error) {
	if envFile != "" {
		// godotenv never overrides variables that are already set
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// validateResolve checks what every command that resolves addresses needs.
func (cfg *config) validateResolve() error {
	if cfg.IPv6PrefixLength < 0 || cfg.IPv6PrefixLength > 128 {
		return fmt.Errorf("ipv6_prefix_length must be between 0 and 128; got %d", cfg.IPv6PrefixLength)
	}
	if cfg.LookupTimeout <= 0 {
		return fmt.Errorf("lookup_timeout must be positive; got %s", cfg.LookupTimeout)
	}
	if len(cfg.IPv4Providers) == 0 && cfg.StaticIPv4 == "" && len(cfg.Interfaces) == 0 {
		return errors.New("ipv4_providers cannot be empty without static_ipv4 or interfaces")
	}
	return nil
}

// validatePolicy checks the credentials and identifiers needed to touch the policy,
// reading the token from the key file when none was configured directly.
func (cfg *config) validatePolicy() error {
	if cfg.APIToken == "" {
		if _, err := os.Stat(cfg.KeyFile); err == nil {
			if err := verifyPermissions(cfg.KeyFile); err != nil {
				return err
			}
			if cfg.APIToken, err = readKey(cfg.KeyFile); err != nil {
				return fmt.Errorf("error reading key: %w", err)
			}
		}
	}
	var missing []string
	if cfg.APIToken == "" {
		missing = append(missing, "api_token (CF_API_TOKEN or key file)")
	}
	if cfg.AccountID == "" {
		missing = append(missing, "account_id (CF_ACCOUNT_ID)")
	}
	if cfg.PolicyID == "" {
		missing = append(missing, "policy_id (CF_ACCESS_POLICY_ID)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive; got %s", cfg.RequestTimeout)
	}
	return nil
}

func readKey(path string) (key string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("error reading key: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	keyb, _, err := r.ReadLine()
	if err != nil {
		return "", fmt.Errorf("error reading line: %w", err)
	}
	return strings.TrimSpace(string(keyb)), nil
}

func verifyPermissions(path string) error {

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("error checking keyfile permissions: %w", err)
	}

	perms := info.Mode().Perm()
	// Error messages will state that we want 0600,
	// but we'll also accept 0400 which is even more restricted.
	// The file might be provided by some secrets managing software as readonly.
	if perms != 0600 && perms != 0400 {
		return fmt.Errorf("invalid permissions for \"%s\": expected file permissions \"-rw-------\"; found \"%s\"", path, fs.FileMode(perms))
	}

	return nil
}
