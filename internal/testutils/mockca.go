// Package testutils provides an in-process mock ACME CA for tests. It
// implements enough of RFC 8555 to drive the whole client cycle:
// directory, nonces, account creation, orders with one http-01
// challenge per identifier, finalization against a real CSR, and
// certificate download. JWS signatures are not verified; payloads are
// simply unwrapped.
package testutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// MockCA is a throwaway ACME server bound to an httptest listener.
type MockCA struct {
	Server *httptest.Server

	// FailNewOrder makes every new-order request fail with an internal
	// server problem, for exercising the error branches.
	FailNewOrder bool

	// CertLifetime is the validity of issued certificates.
	CertLifetime time.Duration

	mu      sync.Mutex
	caKey   *ecdsa.PrivateKey
	caCert  *x509.Certificate
	orders  map[string]*mockOrder
	authzs  map[string]*mockAuthz
	nextID  int
	jwsSeen int
}

type mockOrder struct {
	id          string
	identifiers []identifier
	authzIDs    []string
	status      string
	certPEM     []byte
}

type mockAuthz struct {
	orderID string
	domain  string
	token   string
	status  string
}

type identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// NewMockCA starts the mock server and registers cleanup with t.
func NewMockCA(t *testing.T) *MockCA {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate mock CA key: %v", err)
	}
	caCert, err := selfSignedCA(caKey)
	if err != nil {
		t.Fatalf("failed to create mock CA certificate: %v", err)
	}

	m := &MockCA{
		CertLifetime: 90 * 24 * time.Hour,
		caKey:        caKey,
		caCert:       caCert,
		orders:       make(map[string]*mockOrder),
		authzs:       make(map[string]*mockAuthz),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("Replay-Nonce", uuid.NewString())
			return next(c)
		}
	})

	e.GET("/directory", m.handleDirectory)
	e.HEAD("/new-nonce", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/new-nonce", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.POST("/new-account", m.handleNewAccount)
	e.POST("/new-order", m.handleNewOrder)
	e.POST("/order/:orderID", m.handleGetOrder)
	e.POST("/authz/:authzID", m.handleAuthorization)
	e.POST("/chall/:authzID", m.handleChallenge)
	e.POST("/finalize/:orderID", m.handleFinalize)
	e.POST("/cert/:orderID", m.handleCertificate)

	m.Server = httptest.NewServer(e)
	t.Cleanup(m.Server.Close)
	return m
}

// DirectoryURL is the endpoint to hand to the client under test.
func (m *MockCA) DirectoryURL() string {
	return m.Server.URL + "/directory"
}

// CACertificate returns the issuing certificate for chain assertions.
func (m *MockCA) CACertificate() *x509.Certificate {
	return m.caCert
}

// JWSRequests reports how many signed requests the server unwrapped.
func (m *MockCA) JWSRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jwsSeen
}

func (m *MockCA) handleDirectory(c echo.Context) error {
	base := m.Server.URL
	return c.JSON(http.StatusOK, map[string]any{
		"newNonce":   base + "/new-nonce",
		"newAccount": base + "/new-account",
		"newOrder":   base + "/new-order",
		"revokeCert": base + "/revoke-cert",
		"meta":       map[string]any{"termsOfService": base + "/terms"},
	})
}

func (m *MockCA) handleNewAccount(c echo.Context) error {
	if _, err := m.jwsPayload(c); err != nil {
		return problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", err.Error())
	}
	c.Response().Header().Set("Location", m.Server.URL+"/account/1")
	return c.JSON(http.StatusCreated, map[string]any{"status": "valid"})
}

func (m *MockCA) handleNewOrder(c echo.Context) error {
	payload, err := m.jwsPayload(c)
	if err != nil {
		return problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", err.Error())
	}
	if m.FailNewOrder {
		return problem(c, http.StatusInternalServerError,
			"urn:ietf:params:acme:error:serverInternal", "order creation disabled")
	}

	var req struct {
		Identifiers []identifier `json:"identifiers"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Identifiers) == 0 {
		return problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "no identifiers")
	}

	m.mu.Lock()
	m.nextID++
	order := &mockOrder{
		id:          strconv.Itoa(m.nextID),
		identifiers: req.Identifiers,
		status:      "pending",
	}
	for _, ident := range req.Identifiers {
		m.nextID++
		authzID := strconv.Itoa(m.nextID)
		m.authzs[authzID] = &mockAuthz{
			orderID: order.id,
			domain:  ident.Value,
			token:   uuid.NewString(),
			status:  "pending",
		}
		order.authzIDs = append(order.authzIDs, authzID)
	}
	m.orders[order.id] = order
	m.mu.Unlock()

	c.Response().Header().Set("Location", m.Server.URL+"/order/"+order.id)
	return c.JSON(http.StatusCreated, m.orderJSON(order))
}

func (m *MockCA) handleGetOrder(c echo.Context) error {
	if _, err := m.jwsPayload(c); err != nil {
		return problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", err.Error())
	}
	m.mu.Lock()
	order, ok := m.orders[c.Param("orderID")]
	m.mu.Unlock()
	if !ok {
		return problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
	}
	return c.JSON(http.StatusOK, m.orderJSON(order))
}

func (m *MockCA) handleAuthorization(c echo.Context) error {
	if _, err := m.jwsPayload(c); err != nil {
		return problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", err.Error())
	}
	authzID := c.Param("authzID")
	m.mu.Lock()
	authz, ok := m.authzs[authzID]
	m.mu.Unlock()
	if !ok {
		return problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such authorization")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"identifier": identifier{Type: "dns", Value: authz.domain},
		"status":     authz.status,
		"challenges": []map[string]any{{
			"type":   "http-01",
			"url":    m.Server.URL + "/chall/" + authzID,
			"status": authz.status,
			"token":  authz.token,
		}},
	})
}

// handleChallenge marks the authorization valid immediately; when every
// authorization of the order is valid the order becomes ready.
func (m *MockCA) handleChallenge(c echo.Context) error {
	if _, err := m.jwsPayload(c); err != nil {
		return problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", err.Error())
	}
	authzID := c.Param("authzID")

	m.mu.Lock()
	authz, ok := m.authzs[authzID]
	if ok {
		authz.status = "valid"
		order := m.orders[authz.orderID]
		allValid := true
		for _, id := range order.authzIDs {
			if m.authzs[id].status != "valid" {
				allValid = false
				break
			}
		}
		if allValid && order.status == "pending" {
			order.status = "ready"
		}
	}
	m.mu.Unlock()

	if !ok {
		return problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such challenge")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"type":   "http-01",
		"url":    m.Server.URL + "/chall/" + authzID,
		"status": "valid",
		"token":  authz.token,
	})
}

func (m *MockCA) handleFinalize(c echo.Context) error {
	payload, err := m.jwsPayload(c)
	if err != nil {
		return problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", err.Error())
	}

	m.mu.Lock()
	order, ok := m.orders[c.Param("orderID")]
	m.mu.Unlock()
	if !ok {
		return problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
	}
	if order.status != "ready" {
		return problem(c, http.StatusForbidden,
			"urn:ietf:params:acme:error:orderNotReady", "order is "+order.status)
	}

	var req struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "bad finalize payload")
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(req.CSR)
	if err != nil {
		return problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:badCSR", "csr is not base64url")
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:badCSR", "csr does not parse")
	}

	certPEM, err := m.issue(csr)
	if err != nil {
		return problem(c, http.StatusInternalServerError,
			"urn:ietf:params:acme:error:serverInternal", err.Error())
	}

	m.mu.Lock()
	order.status = "valid"
	order.certPEM = certPEM
	m.mu.Unlock()

	return c.JSON(http.StatusOK, m.orderJSON(order))
}

func (m *MockCA) handleCertificate(c echo.Context) error {
	if _, err := m.jwsPayload(c); err != nil {
		return problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", err.Error())
	}
	m.mu.Lock()
	order, ok := m.orders[c.Param("orderID")]
	m.mu.Unlock()
	if !ok || order.status != "valid" {
		return problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no certificate")
	}
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", order.certPEM)
}

func (m *MockCA) orderJSON(order *mockOrder) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	authzURLs := make([]string, 0, len(order.authzIDs))
	for _, id := range order.authzIDs {
		authzURLs = append(authzURLs, m.Server.URL+"/authz/"+id)
	}
	doc := map[string]any{
		"status":         order.status,
		"identifiers":    order.identifiers,
		"authorizations": authzURLs,
		"finalize":       m.Server.URL + "/finalize/" + order.id,
	}
	if order.status == "valid" {
		doc["certificate"] = m.Server.URL + "/cert/" + order.id
	}
	return doc
}

// jwsPayload unwraps the payload of a flattened JWS request body
// without verifying the signature.
func (m *MockCA) jwsPayload(c echo.Context) ([]byte, error) {
	var body struct {
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("request body is not a JWS: %w", err)
	}
	m.mu.Lock()
	m.jwsSeen++
	m.mu.Unlock()
	if body.Payload == "" {
		return nil, nil
	}
	return base64.RawURLEncoding.DecodeString(body.Payload)
}

// issue signs the CSR's public key into a short-lived leaf and returns
// the leaf + CA PEM chain.
func (m *MockCA) issue(csr *x509.CertificateRequest) ([]byte, error) {
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		DNSNames:              csr.DNSNames,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(m.CertLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, &template, m.caCert, csr.PublicKey, m.caKey)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, err
	}
	return append(encodeCertPEM(leaf), encodeCertPEM(m.caCert)...), nil
}

func encodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func selfSignedCA(key *ecdsa.PrivateKey) (*x509.Certificate, error) {
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"certfoundry test"}, CommonName: "certfoundry test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func problem(c echo.Context, status int, problemType, detail string) error {
	return c.JSON(status, map[string]any{
		"type":   problemType,
		"detail": detail,
		"status": status,
	})
}
