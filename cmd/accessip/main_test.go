package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeAPI serves the Cloudflare endpoints the command uses.
type fakeAPI struct {
	mu      sync.Mutex
	include string
	puts    int
	status  string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/client/v4/user/tokens/verify":
		io.WriteString(w, `{"success":true,"errors":[],"messages":[],"result":{"id":"tok","status":"`+f.status+`"}}`)
	case r.URL.Path == "/client/v4/accounts/acct123/access/policies/pol456" && r.Method == http.MethodGet:
		io.WriteString(w, `{"success":true,"errors":[],"messages":[],"result":{"name":"home","decision":"allow","include":`+f.include+`}}`)
	case r.URL.Path == "/client/v4/accounts/acct123/access/policies/pol456" && r.Method == http.MethodPut:
		var body struct {
			Include json.RawMessage `json:"include"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.include = string(body.Include)
		f.puts++
		io.WriteString(w, `{"success":true,"errors":[],"messages":[],"result":{}}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAPI) written() (include string, puts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.include, f.puts
}

func (f *fakeAPI) setStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func newFakeAPI(t *testing.T, include string) *fakeAPI {
	t.Helper()
	api := &fakeAPI{include: include, status: "active"}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	orig := apiBaseURL
	apiBaseURL = srv.URL + "/client/v4"
	t.Cleanup(func() { apiBaseURL = orig })
	return api
}

func credentials(t *testing.T) {
	t.Setenv("CF_API_TOKEN", "test-token")
	t.Setenv("CF_ACCOUNT_ID", "acct123")
	t.Setenv("CF_ACCESS_POLICY_ID", "pol456")
}

func execute(t *testing.T, args ...string) (stdout string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(append([]string{"--env-file="}, args...))
	err = cmd.ExecuteContext(context.Background())
	t.Log(errOut.String())
	return out.String(), err
}

func TestRunUpdatesPolicy(t *testing.T) {
	isolate(t)
	credentials(t)
	api := newFakeAPI(t, `[{"ip":{"ip":"198.51.100.1/32"}}]`)
	metrics := filepath.Join(t.TempDir(), "accessip.prom")

	out, err := execute(t, "run", "--static-ipv4=203.0.113.7", "--no-ipv6", "--metrics-file="+metrics)
	require.NoError(t, err)
	assert.Equal(t, "updated: [198.51.100.1/32] -> [203.0.113.7/32]\n", out)
	include, puts := api.written()
	assert.Equal(t, 1, puts)
	assert.JSONEq(t, `[{"ip":{"ip":"203.0.113.7/32"}}]`, include)

	b, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(b), "accessip_policy_updated 1")
	assert.Contains(t, string(b), "accessip_last_run_success 1")

	// second pass finds nothing to do
	out, err = execute(t, "--static-ipv4=203.0.113.7", "--no-ipv6")
	require.NoError(t, err)
	assert.Equal(t, "unchanged: [203.0.113.7/32]\n", out)
	_, puts = api.written()
	assert.Equal(t, 1, puts)
}

func TestRunWithIPv6(t *testing.T) {
	isolate(t)
	credentials(t)
	api := newFakeAPI(t, `[]`)

	out, err := execute(t, "run",
		"--static-ipv4=203.0.113.7",
		"--static-ipv6=2001:db8:e3c4:f590:2054:d22b:da8:f4ae",
		"--ipv6-prefix-length=56",
	)
	require.NoError(t, err)
	assert.Equal(t, "updated: [] -> [203.0.113.7/32 2001:db8:e3c4:f500::/56]\n", out)
	include, _ := api.written()
	assert.JSONEq(t, `[{"ip":{"ip":"203.0.113.7/32"}},{"ip":{"ip":"2001:db8:e3c4:f500::/56"}}]`, include)
}

func TestRunDryRun(t *testing.T) {
	isolate(t)
	credentials(t)
	api := newFakeAPI(t, `[{"ip":{"ip":"198.51.100.1/32"}}]`)

	out, err := execute(t, "run", "--static-ipv4=203.0.113.7", "--no-ipv6", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "would update: [198.51.100.1/32] -> [203.0.113.7/32]\n", out)
	_, puts := api.written()
	assert.Equal(t, 0, puts)
}

func TestRunMissingCredentials(t *testing.T) {
	isolate(t)
	_, err := execute(t, "run", "--static-ipv4=203.0.113.7", "--no-ipv6")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required configuration")
}

func TestRunRejectsBadStaticAddress(t *testing.T) {
	isolate(t)
	credentials(t)
	newFakeAPI(t, `[]`)

	_, err := execute(t, "run", "--static-ipv4=not-an-ip", "--no-ipv6")
	assert.Error(t, err)
}

func TestResolvePrintsAllowlist(t *testing.T) {
	isolate(t)
	out, err := execute(t, "resolve",
		"--static-ipv4=203.0.113.7",
		"--static-ipv6=2001:db8:e3c4:f590:2054:d22b:da8:f4ae",
	)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7/32\n2001:db8:e3c4:f590::/64\n", out)
}

func TestVerify(t *testing.T) {
	isolate(t)
	credentials(t)
	newFakeAPI(t, `[{"ip":{"ip":"198.51.100.1/32"}},{"email":{"email":"me@example.com"}}]`)

	out, err := execute(t, "verify")
	require.NoError(t, err)
	assert.Equal(t, "ok: policy pol456 allows [198.51.100.1/32]\n", out)
}

func TestVerifyInactiveToken(t *testing.T) {
	isolate(t)
	credentials(t)
	api := newFakeAPI(t, `[]`)
	api.setStatus("disabled")

	_, err := execute(t, "verify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `got "disabled"`)
}

func TestWriteToken(t *testing.T) {
	newFakeAPI(t, `[]`)
	path := filepath.Join(t.TempDir(), "key")
	a := &app{cfg: &config{KeyFile: path, RequestTimeout: time.Second}, logger: zaptest.NewLogger(t)}

	require.NoError(t, a.writeToken(context.Background(), "new-token"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	key, err := readKey(path)
	require.NoError(t, err)
	assert.Equal(t, "new-token", key)

	// never overwrite an existing key file
	assert.Error(t, a.writeToken(context.Background(), "other-token"))
	key, err = readKey(path)
	require.NoError(t, err)
	assert.Equal(t, "new-token", key)
}

func TestWriteTokenRejectsInactive(t *testing.T) {
	api := newFakeAPI(t, `[]`)
	api.setStatus("expired")
	path := filepath.Join(t.TempDir(), "key")
	a := &app{cfg: &config{KeyFile: path, RequestTimeout: time.Second}, logger: zaptest.NewLogger(t)}

	assert.Error(t, a.writeToken(context.Background(), "bad-token"))
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteTokenUsesRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	orig := apiBaseURL
	apiBaseURL = srv.URL + "/client/v4"
	t.Cleanup(func() { apiBaseURL = orig })

	path := filepath.Join(t.TempDir(), "key")
	a := &app{cfg: &config{KeyFile: path, RequestTimeout: 50 * time.Millisecond}, logger: zaptest.NewLogger(t)}

	start := time.Now()
	err := a.writeToken(context.Background(), "slow-token")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
