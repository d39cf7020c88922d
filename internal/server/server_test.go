package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/lifecycle"
	"github.com/blockadesystems/certfoundry/internal/server"
	"github.com/blockadesystems/certfoundry/internal/testutils"
)

type stubLifecycle struct {
	status    lifecycle.Status
	pending   bool
	initCalls atomic.Int32
}

func (s *stubLifecycle) Status() lifecycle.Status { return s.status }
func (s *stubLifecycle) AnyPending() bool         { return s.pending }
func (s *stubLifecycle) Init()                    { s.initCalls.Add(1) }

func setupServer(t *testing.T) (*httptest.Server, *stubLifecycle, config.CertificatePaths) {
	t.Helper()

	dir := t.TempDir()
	settings := &testutils.MapSettings{
		Strings: map[string]string{
			config.KeyCertificateDirectory: dir,
			config.KeyCertificateFilename:  "fullchain.pem",
			config.KeyCertificateKeyFile:   "privkey.pem",
			config.KeyCertificateAuthFile:  "ca.pem",
			config.KeyAccountKeyPath:       filepath.Join(dir, "account_key.pem"),
		},
	}

	stub := &stubLifecycle{}
	e := echo.New()
	server.ApplyCommonMiddleware(e)
	server.RegisterRoutes(e.Group("/acme"), stub, settings)

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return ts, stub, config.GetCertificatePaths(settings)
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestHandleStatus(t *testing.T) {
	ts, stub, _ := setupServer(t)
	stub.status.Directory.Status = lifecycle.StatusOK
	stub.status.Account.Status = lifecycle.StatusUnknown
	stub.status.Certificate.Status = lifecycle.StatusError
	stub.status.Certificate.Error = &lifecycle.StageError{Type: "invalid"}

	res := doRequest(t, http.MethodGet, ts.URL+"/acme/status", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "application/json")

	var status lifecycle.Status
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	assert.Equal(t, lifecycle.StatusOK, status.Directory.Status)
	require.NotNil(t, status.Certificate.Error)
	assert.Equal(t, "invalid", status.Certificate.Error.Type)
}

func TestHandleUpdate(t *testing.T) {
	t.Run("idle starts a new cycle", func(t *testing.T) {
		ts, stub, _ := setupServer(t)

		res := doRequest(t, http.MethodPost, ts.URL+"/acme/update", "")
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, int32(1), stub.initCalls.Load())
	})

	t.Run("pending cycle is not interrupted", func(t *testing.T) {
		ts, stub, _ := setupServer(t)
		stub.pending = true

		res := doRequest(t, http.MethodPost, ts.URL+"/acme/update", "")
		assert.Equal(t, http.StatusConflict, res.StatusCode)
		assert.Zero(t, stub.initCalls.Load())
	})
}

func TestFileUploadAndDelete(t *testing.T) {
	ts, _, paths := setupServer(t)
	certURL := ts.URL + "/acme/cert"

	res := doRequest(t, http.MethodPut, certURL, "uploaded chain")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	content, err := os.ReadFile(paths.Cert)
	require.NoError(t, err)
	assert.Equal(t, "uploaded chain", string(content))

	// Uploading over an existing file is refused.
	res = doRequest(t, http.MethodPut, certURL, "second upload")
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	content, err = os.ReadFile(paths.Cert)
	require.NoError(t, err)
	assert.Equal(t, "uploaded chain", string(content))

	res = doRequest(t, http.MethodDelete, certURL, "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NoFileExists(t, paths.Cert)

	// Deleting a file that is not there is an IO failure.
	res = doRequest(t, http.MethodDelete, certURL, "")
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestFileRoutesCoverAllManagedFiles(t *testing.T) {
	ts, _, paths := setupServer(t)

	for route, path := range map[string]string{
		"/acme/cert":             paths.Cert,
		"/acme/cert-key":         paths.Key,
		"/acme/cert-authorities": paths.TrustedAuthorities,
	} {
		res := doRequest(t, http.MethodPut, ts.URL+route, "content for "+route)
		assert.Equal(t, http.StatusOK, res.StatusCode, route)
		assert.FileExists(t, path, route)
	}

	res := doRequest(t, http.MethodPut, ts.URL+"/acme/account-key", "account key material")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
