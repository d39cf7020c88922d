package challenge_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfoundry/internal/challenge"
)

func TestNew_InvalidType(t *testing.T) {
	_, err := challenge.New(challenge.Params{Type: "dns"})
	assert.Error(t, err)
}

func TestManualHandler(t *testing.T) {
	h, err := challenge.New(challenge.Params{Type: "manual"})
	require.NoError(t, err)
	defer h.Close()

	// Publication is the operator's job; the handler only advertises a
	// generous self-check window.
	h.AddChallenge("example.org", "/.well-known/acme-challenge/tok", "tok.auth")
	assert.Equal(t, 120*time.Second, h.SelfCheckDuration())
	assert.Equal(t, time.Second, h.SelfCheckInterval())
}

func TestFilesHandler_WriteAndCleanup(t *testing.T) {
	webroot := t.TempDir()
	h, err := challenge.New(challenge.Params{
		Type:       "files",
		DomainDirs: map[string]string{"example.org": webroot},
	})
	require.NoError(t, err)

	location := "/.well-known/acme-challenge/sometoken"
	h.AddChallenge("example.org", location, "sometoken.keyauth")

	challengeFile := filepath.Join(webroot, ".well-known", "acme-challenge", "sometoken")
	content, err := os.ReadFile(challengeFile)
	require.NoError(t, err)
	assert.Equal(t, "sometoken.keyauth", string(content))

	assert.Equal(t, 2*time.Second, h.SelfCheckDuration())
	assert.Equal(t, 250*time.Millisecond, h.SelfCheckInterval())

	h.Close()
	assert.NoFileExists(t, challengeFile)
	assert.NoDirExists(t, filepath.Join(webroot, ".well-known", "acme-challenge"),
		"emptied challenge directory should be removed")
}

func TestFilesHandler_CleanupKeepsNonEmptyDirs(t *testing.T) {
	webroot := t.TempDir()
	h, err := challenge.New(challenge.Params{
		Type:       "files",
		DomainDirs: map[string]string{"example.org": webroot},
	})
	require.NoError(t, err)

	h.AddChallenge("example.org", "/.well-known/acme-challenge/tok", "tok.auth")

	// An unrelated file makes the directory non-removable; cleanup must
	// warn and move on rather than fail.
	challengeDir := filepath.Join(webroot, ".well-known", "acme-challenge")
	unrelated := filepath.Join(challengeDir, "keepme")
	require.NoError(t, os.WriteFile(unrelated, []byte("x"), 0644))

	h.Close()
	assert.NoFileExists(t, filepath.Join(challengeDir, "tok"))
	assert.FileExists(t, unrelated)
}

func TestSelfCheck_AllRespond(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	start := time.Now()
	challenge.SelfCheck([]string{ts.URL + "/a", ts.URL + "/b"}, 2*time.Second, 50*time.Millisecond)

	assert.GreaterOrEqual(t, hits.Load(), int32(2), "each URL should be polled at least once")
	assert.Less(t, time.Since(start), time.Second, "responsive URLs should finish well before the window")
}

func TestSelfCheck_TimesOutWithoutAborting(t *testing.T) {
	// Nothing listens on this URL; the check must give up after the
	// window and return rather than error.
	start := time.Now()
	challenge.SelfCheck([]string{"http://127.0.0.1:1/missing"}, 300*time.Millisecond, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestSelfCheck_NoURLs(t *testing.T) {
	done := make(chan struct{})
	go func() {
		challenge.SelfCheck(nil, time.Minute, time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SelfCheck with no URLs should return immediately")
	}
}
