package acme_test

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfoundry/internal/acme"
	"github.com/blockadesystems/certfoundry/internal/keyutil"
	"github.com/blockadesystems/certfoundry/internal/testutils"
)

func newTestClient(t *testing.T, ca *testutils.MockCA) *acme.Client {
	t.Helper()
	key, err := keyutil.GeneratePrivateKey()
	require.NoError(t, err)
	return acme.NewClient(key, ca.DirectoryURL(), "", "")
}

func TestDiscover(t *testing.T) {
	ca := testutils.NewMockCA(t)
	client := newTestClient(t, ca)

	dir, err := client.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ca.Server.URL+"/new-nonce", dir.NewNonce)
	assert.Equal(t, ca.Server.URL+"/new-account", dir.NewAccount)
	assert.Equal(t, ca.Server.URL+"/new-order", dir.NewOrder)
	require.NotNil(t, dir.Meta)
}

func TestDiscover_Unreachable(t *testing.T) {
	key, err := keyutil.GeneratePrivateKey()
	require.NoError(t, err)
	client := acme.NewClient(key, "http://127.0.0.1:1/directory", "", "")

	_, err = client.Discover(context.Background())
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	ca := testutils.NewMockCA(t)
	client := newTestClient(t, ca)

	account, err := client.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "valid", account.Status)
	assert.Greater(t, ca.JWSRequests(), 0, "registration must be a signed request")
}

func TestKeyAuthorizationFormat(t *testing.T) {
	ca := testutils.NewMockCA(t)
	client := newTestClient(t, ca)

	keyAuth, err := client.KeyAuthorization("token-value")
	require.NoError(t, err)

	parts := strings.SplitN(keyAuth, ".", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "token-value", parts[0])
	assert.Len(t, parts[1], 43, "SHA-256 thumbprint is 43 base64url chars")
}

func TestNewOrder_Failure(t *testing.T) {
	ca := testutils.NewMockCA(t)
	ca.FailNewOrder = true
	client := newTestClient(t, ca)
	_, err := client.Register(context.Background())
	require.NoError(t, err)

	_, err = client.NewOrder(context.Background(), []string{"example.org"})
	require.Error(t, err)

	problem := &acme.Problem{}
	require.ErrorAs(t, err, &problem)
	assert.Equal(t, "urn:ietf:params:acme:error:serverInternal", problem.Type)
	assert.Equal(t, 500, problem.Status)
}

func TestOrderLifecycle(t *testing.T) {
	ca := testutils.NewMockCA(t)
	client := newTestClient(t, ca)
	ctx := context.Background()

	_, err := client.Register(ctx)
	require.NoError(t, err)

	domains := []string{"example.org", "www.example.org"}
	order, err := client.NewOrder(ctx, domains)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusPending, order.Status)
	assert.NotEmpty(t, order.URL)
	require.Len(t, order.Authorizations, 2)

	for _, authzURL := range order.Authorizations {
		authz, err := client.GetAuthorization(ctx, authzURL)
		require.NoError(t, err)
		assert.Contains(t, domains, authz.Identifier.Value)

		ch, err := acme.HTTP01Challenge(authz)
		require.NoError(t, err)
		assert.NotEmpty(t, ch.Token)

		require.NoError(t, client.Accept(ctx, ch))
	}

	order, err = client.PollOrder(ctx, order.URL, acme.StatusReady)
	require.NoError(t, err)

	certKey, err := keyutil.GeneratePrivateKey()
	require.NoError(t, err)
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}, certKey)
	require.NoError(t, err)

	_, err = client.Finalize(ctx, order, csr)
	require.NoError(t, err)

	order, err = client.PollOrder(ctx, order.URL, acme.StatusValid)
	require.NoError(t, err)
	require.NotEmpty(t, order.Certificate)

	chainPEM, err := client.DownloadCertificate(ctx, order.Certificate)
	require.NoError(t, err)

	block, rest := pem.Decode(chainPEM)
	require.NotNil(t, block, "chain should be PEM")
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.ElementsMatch(t, domains, leaf.DNSNames)

	caBlock, _ := pem.Decode(rest)
	require.NotNil(t, caBlock, "chain should include the issuing certificate")
	issuer, err := x509.ParseCertificate(caBlock.Bytes)
	require.NoError(t, err)
	assert.Equal(t, ca.CACertificate().Subject.CommonName, issuer.Subject.CommonName)
}

func TestHTTP01Challenge_Missing(t *testing.T) {
	_, err := acme.HTTP01Challenge(&acme.Authorization{
		Challenges: []acme.Challenge{{Type: "dns-01"}},
	})
	assert.ErrorIs(t, err, acme.ErrNoHTTP01)
}

func TestProblemError(t *testing.T) {
	problem := &acme.Problem{Type: "urn:ietf:params:acme:error:badNonce", Detail: "stale"}
	assert.True(t, problem.IsBadNonce())
	assert.Contains(t, problem.Error(), "badNonce")
	assert.Contains(t, problem.Error(), "stale")
}
