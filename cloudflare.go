package accessip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"
)

const (
	// DefaultAPIBaseURL is the Cloudflare v4 API root.
	DefaultAPIBaseURL = "https://api.cloudflare.com/client/v4"

	// DefaultRequestTimeout bounds each call to the policy endpoint.
	DefaultRequestTimeout = 30 * time.Second

	maxErrorBody = 4 << 10
)

// CloudflareConfig identifies a reusable Access policy and the credentials used to edit it.
// APIToken, AccountID and PolicyID are required.
type CloudflareConfig struct {
	APIToken  string
	AccountID string
	PolicyID  string

	BaseURL    string        // defaults to DefaultAPIBaseURL
	HTTPClient *http.Client  // defaults to a cleanhttp client
	Timeout    time.Duration // defaults to DefaultRequestTimeout
}

// NewCloudflareAccess returns a PolicyClient for the account-level Access policy
// at /accounts/{AccountID}/access/policies/{PolicyID}.
//
// Calls are made once; a failed call returns a *RemoteError or a transport error and is not retried.
func NewCloudflareAccess(cfg CloudflareConfig) (PolicyClient, error) {
	return newCloudflareAccess(cfg)
}

func newCloudflareAccess(cfg CloudflareConfig) (*cloudflareAccess, error) {
	var missing []string
	if cfg.APIToken == "" {
		missing = append(missing, "API token")
	}
	if cfg.AccountID == "" {
		missing = append(missing, "account ID")
	}
	if cfg.PolicyID == "" {
		missing = append(missing, "policy ID")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("cloudflare access: missing %s", strings.Join(missing, ", "))
	}

	base := cfg.BaseURL
	if base == "" {
		base = DefaultAPIBaseURL
	}
	endpoint, err := url.JoinPath(base, "accounts", cfg.AccountID, "access", "policies", cfg.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("cloudflare access: error building policy URL: %w", err)
	}

	ca := &cloudflareAccess{
		endpoint:   endpoint,
		token:      cfg.APIToken,
		httpClient: cfg.HTTPClient,
		timeout:    cfg.Timeout,
		logger:     zap.NewNop(),
	}
	if ca.httpClient == nil {
		ca.httpClient = cleanhttp.DefaultClient()
	}
	if ca.timeout <= 0 {
		ca.timeout = DefaultRequestTimeout
	}
	return ca, nil
}

// cloudflareAccess implements accessip.PolicyClient.
type cloudflareAccess struct {
	endpoint   string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

func (ca *cloudflareAccess) SetLogger(logger *zap.Logger)       { ca.logger = logger }
func (ca *cloudflareAccess) SetHTTPClient(client *http.Client) { ca.httpClient = client }

// envelope is the v4 API response wrapper.
type envelope struct {
	cloudflare.Response
	Result json.RawMessage `json:"result"`
}

func (ca *cloudflareAccess) FetchPolicy(ctx context.Context) (*Policy, error) {
	ca.logger.Debug("fetching access policy", zap.String("url", ca.endpoint))
	body, err := ca.do(ctx, "fetch", http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("fetch policy: error decoding response: %w", err)
	}
	if len(env.Result) == 0 {
		return nil, errors.New("fetch policy: response has no result")
	}
	policy := new(Policy)
	if err := json.Unmarshal(env.Result, policy); err != nil {
		return nil, fmt.Errorf("fetch policy: %w", err)
	}
	ca.logger.Debug("fetched access policy", zap.Int("include_rules", len(policy.Include)))
	return policy, nil
}

func (ca *cloudflareAccess) ReplacePolicy(ctx context.Context, policy *Policy) error {
	if policy == nil {
		return errors.New("replace policy: nil policy")
	}
	payload, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("replace policy: error encoding policy: %w", err)
	}
	ca.logger.Debug("replacing access policy", zap.String("url", ca.endpoint), zap.Int("include_rules", len(policy.Include)))
	_, err = ca.do(ctx, "replace", http.MethodPut, payload)
	return err
}

func (ca *cloudflareAccess) do(ctx context.Context, op, method string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, ca.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, ca.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%s policy: error creating request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+ca.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := ca.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s policy: http request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s policy: error reading response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newRemoteError(op, resp.StatusCode, respBody)
	}
	return respBody, nil
}

func newRemoteError(op string, status int, body []byte) *RemoteError {
	e := &RemoteError{Op: op, StatusCode: status}
	if len(body) > maxErrorBody {
		e.Body = string(body[:maxErrorBody]) + "..."
	} else {
		e.Body = string(body)
	}
	var env cloudflare.Response
	if json.Unmarshal(body, &env) == nil {
		for _, ri := range env.Errors {
			e.Messages = append(e.Messages, fmt.Sprintf("%d: %s", ri.Code, ri.Message))
		}
	}
	return e
}
