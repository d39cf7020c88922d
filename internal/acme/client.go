// Package acme implements the client half of RFC 8555 over HTTP-01:
// JWS-signed requests, nonce handling, account and order management,
// finalization and certificate download.
package acme

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("acme: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "acme"))
}

const (
	// ACME clients MUST send a User-Agent header (RFC 8555 section 6.1)
	// and sign requests as application/jose+json (section 6.2).
	userAgent   = "certfoundry (+https://github.com/blockadesystems/certfoundry)"
	contentType = "application/jose+json"

	maxCertChainSize = 1 << 20

	defaultPollInterval = 2 * time.Second
	maxPollAttempts     = 10
)

// ErrNoHTTP01 indicates an authorization offered no http-01 challenge.
var ErrNoHTTP01 = errors.New("acme: authorization offers no http-01 challenge")

// Client talks to one ACME directory on behalf of one account key.
// The zero value is not usable; construct with NewClient.
type Client struct {
	key          crypto.Signer
	directoryURL string
	eabKid       string
	eabHMAC      string
	httpClient   *http.Client

	mu    sync.Mutex
	dir   *Directory
	kid   string
	nonce string
}

// NewClient builds a client for the given account key and directory
// endpoint. eabKid and eabHMAC are optional External Account Binding
// credentials; pass empty strings when the CA does not require them.
func NewClient(key crypto.Signer, directoryURL, eabKid, eabHMAC string) *Client {
	return &Client{
		key:          key,
		directoryURL: directoryURL,
		eabKid:       eabKid,
		eabHMAC:      eabHMAC,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SetHTTPClient overrides the underlying HTTP client, mainly for tests.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// Discover fetches and caches the directory object.
func (c *Client) Discover(ctx context.Context) (*Directory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.directoryURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acme: directory fetch failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, responseProblem(res, "directory fetch")
	}

	dir := &Directory{}
	if err := json.NewDecoder(res.Body).Decode(dir); err != nil {
		return nil, fmt.Errorf("acme: unable to decode directory: %w", err)
	}

	c.mu.Lock()
	c.dir = dir
	c.mu.Unlock()
	return dir, nil
}

// Register creates the account for the client key, or fetches the
// existing one bound to it. The returned account URL is retained as the
// kid for all later requests.
func (c *Client) Register(ctx context.Context) (*Account, error) {
	dir, err := c.directory(ctx)
	if err != nil {
		return nil, err
	}

	payload := &Account{TermsOfServiceAgreed: true}
	if c.eabKid != "" && c.eabHMAC != "" {
		eab, err := c.externalAccountBinding(dir.NewAccount)
		if err != nil {
			return nil, err
		}
		payload.ExternalAccountBinding = eab
	}

	res, err := c.post(ctx, dir.NewAccount, payload)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	account := &Account{}
	if err := json.NewDecoder(res.Body).Decode(account); err != nil {
		return nil, fmt.Errorf("acme: unable to decode account: %w", err)
	}

	kid := res.Header.Get("Location")
	if kid == "" {
		return nil, errors.New("acme: account response has no Location header")
	}
	c.mu.Lock()
	c.kid = kid
	c.mu.Unlock()

	logger.Debug("account registered", zap.String("kid", kid), zap.String("status", account.Status))
	return account, nil
}

// NewOrder places an order for the given ACE-encoded domains.
func (c *Client) NewOrder(ctx context.Context, domains []string) (*Order, error) {
	dir, err := c.directory(ctx)
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		return nil, errors.New("acme: order requires at least one domain")
	}

	identifiers := make([]Identifier, 0, len(domains))
	for _, domain := range domains {
		identifiers = append(identifiers, Identifier{Type: "dns", Value: domain})
	}

	res, err := c.post(ctx, dir.NewOrder, &Order{Identifiers: identifiers})
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	order := &Order{}
	if err := json.NewDecoder(res.Body).Decode(order); err != nil {
		return nil, fmt.Errorf("acme: unable to decode order: %w", err)
	}
	order.URL = res.Header.Get("Location")
	if order.URL == "" {
		return nil, errors.New("acme: order response has no Location header")
	}
	return order, nil
}

// GetAuthorization fetches one authorization object via POST-as-GET.
func (c *Client) GetAuthorization(ctx context.Context, url string) (*Authorization, error) {
	res, err := c.post(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	authz := &Authorization{}
	if err := json.NewDecoder(res.Body).Decode(authz); err != nil {
		return nil, fmt.Errorf("acme: unable to decode authorization: %w", err)
	}
	return authz, nil
}

// HTTP01Challenge selects the http-01 challenge of an authorization.
func HTTP01Challenge(authz *Authorization) (*Challenge, error) {
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == ChallengeTypeHTTP01 {
			return &authz.Challenges[i], nil
		}
	}
	return nil, ErrNoHTTP01
}

// KeyAuthorization computes the key authorization string for a token:
// token '.' base64url(SHA-256 thumbprint of the account JWK).
func (c *Client) KeyAuthorization(token string) (string, error) {
	jwk := jose.JSONWebKey{Key: c.key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("acme: unable to compute key thumbprint: %w", err)
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// Accept tells the CA a challenge is ready for validation.
func (c *Client) Accept(ctx context.Context, challenge *Challenge) error {
	res, err := c.post(ctx, challenge.URL, struct{}{})
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return json.NewDecoder(res.Body).Decode(challenge)
}

// PollOrder polls the order URL until it reaches the target status.
// An order going invalid, or the attempts running out, is an error.
func (c *Client) PollOrder(ctx context.Context, orderURL, target string) (*Order, error) {
	interval := defaultPollInterval
	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		res, err := c.post(ctx, orderURL, nil)
		if err != nil {
			return nil, err
		}

		order := &Order{}
		decodeErr := json.NewDecoder(res.Body).Decode(order)
		interval = retryAfter(res.Header.Get("Retry-After"), defaultPollInterval)
		res.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("acme: unable to decode order: %w", decodeErr)
		}
		order.URL = orderURL

		switch order.Status {
		case target:
			return order, nil
		case StatusInvalid:
			if order.Error != nil {
				return nil, fmt.Errorf("acme: order became invalid: %w", order.Error)
			}
			return nil, errors.New("acme: order became invalid")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("acme: order did not reach status %q in time", target)
}

// Finalize submits the CSR (DER encoded) to the order's finalize URL.
func (c *Client) Finalize(ctx context.Context, order *Order, csrDER []byte) (*Order, error) {
	payload := struct {
		CSR string `json:"csr"`
	}{CSR: base64.RawURLEncoding.EncodeToString(csrDER)}

	res, err := c.post(ctx, order.Finalize, payload)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	updated := &Order{}
	if err := json.NewDecoder(res.Body).Decode(updated); err != nil {
		return nil, fmt.Errorf("acme: unable to decode finalize response: %w", err)
	}
	updated.URL = order.URL
	return updated, nil
}

// DownloadCertificate fetches the issued PEM chain via POST-as-GET.
func (c *Client) DownloadCertificate(ctx context.Context, certURL string) ([]byte, error) {
	res, err := c.post(ctx, certURL, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	chain, err := io.ReadAll(io.LimitReader(res.Body, maxCertChainSize))
	if err != nil {
		return nil, fmt.Errorf("acme: unable to read certificate chain: %w", err)
	}
	return chain, nil
}

func (c *Client) directory(ctx context.Context) (*Directory, error) {
	c.mu.Lock()
	dir := c.dir
	c.mu.Unlock()
	if dir != nil {
		return dir, nil
	}
	return c.Discover(ctx)
}

// post signs payload into a flattened JWS and POSTs it. A nil payload
// produces a POST-as-GET (empty payload). Responses outside 2xx are
// turned into errors, a *Problem when the body is a problem document;
// a badNonce rejection is retried once
// with a fresh nonce per RFC 8555 section 6.5.
func (c *Client) post(ctx context.Context, url string, payload any) (*http.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	for attempt := 0; ; attempt++ {
		nonce, err := c.popNonce(ctx)
		if err != nil {
			return nil, err
		}

		signed, err := c.signJWS(url, nonce, body)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(signed)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("User-Agent", userAgent)

		res, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("acme: request to %s failed: %w", url, err)
		}
		c.storeNonce(res.Header.Get("Replay-Nonce"))

		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return res, nil
		}

		problem := responseProblem(res, url)
		res.Body.Close()
		var acmeProblem *Problem
		if attempt == 0 && errors.As(problem, &acmeProblem) && acmeProblem.IsBadNonce() {
			logger.Debug("retrying after badNonce rejection", zap.String("url", url))
			continue
		}
		return nil, problem
	}
}

// signJWS produces the flattened JWS JSON serialization of body for
// url. Before an account exists the JWK is embedded; afterwards the
// account URL is sent as kid.
func (c *Client) signJWS(url, nonce string, body []byte) (string, error) {
	alg, err := signatureAlgorithm(c.key)
	if err != nil {
		return "", err
	}

	opts := &jose.SignerOptions{NonceSource: staticNonce(nonce)}
	opts.WithHeader("url", url)

	c.mu.Lock()
	kid := c.kid
	c.mu.Unlock()

	var signingKey jose.SigningKey
	if kid == "" {
		opts.EmbedJWK = true
		signingKey = jose.SigningKey{Algorithm: alg, Key: c.key}
	} else {
		signingKey = jose.SigningKey{
			Algorithm: alg,
			Key:       &jose.JSONWebKey{Key: c.key, KeyID: kid, Algorithm: string(alg)},
		}
	}

	signer, err := jose.NewSigner(signingKey, opts)
	if err != nil {
		return "", fmt.Errorf("acme: unable to create JWS signer: %w", err)
	}
	jws, err := signer.Sign(body)
	if err != nil {
		return "", fmt.Errorf("acme: unable to sign request: %w", err)
	}
	return jws.FullSerialize(), nil
}

// externalAccountBinding builds the inner EAB JWS: the account public
// JWK signed with the CA-provided HMAC key under the CA-provided kid.
func (c *Client) externalAccountBinding(newAccountURL string) (json.RawMessage, error) {
	macKey, err := decodeEABKey(c.eabHMAC)
	if err != nil {
		return nil, fmt.Errorf("acme: invalid EAB HMAC key: %w", err)
	}

	jwk := jose.JSONWebKey{Key: c.key.Public()}
	jwkJSON, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("acme: unable to marshal account JWK: %w", err)
	}

	opts := &jose.SignerOptions{}
	opts.WithHeader("kid", c.eabKid)
	opts.WithHeader("url", newAccountURL)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: macKey}, opts)
	if err != nil {
		return nil, fmt.Errorf("acme: unable to create EAB signer: %w", err)
	}
	jws, err := signer.Sign(jwkJSON)
	if err != nil {
		return nil, fmt.Errorf("acme: unable to sign EAB: %w", err)
	}
	return json.RawMessage(jws.FullSerialize()), nil
}

func (c *Client) popNonce(ctx context.Context) (string, error) {
	c.mu.Lock()
	nonce := c.nonce
	c.nonce = ""
	c.mu.Unlock()
	if nonce != "" {
		return nonce, nil
	}

	dir, err := c.directory(ctx)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, dir.NewNonce, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("acme: nonce fetch failed: %w", err)
	}
	defer res.Body.Close()

	nonce = res.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", errors.New("acme: server returned no Replay-Nonce")
	}
	return nonce, nil
}

func (c *Client) storeNonce(nonce string) {
	if nonce == "" {
		return
	}
	c.mu.Lock()
	c.nonce = nonce
	c.mu.Unlock()
}

// staticNonce satisfies jose.NonceSource with a pre-fetched value.
type staticNonce string

func (n staticNonce) Nonce() (string, error) { return string(n), nil }

func signatureAlgorithm(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch pub := key.Public().(type) {
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
		return "", fmt.Errorf("acme: unsupported ECDSA curve %s", pub.Curve.Params().Name)
	case *rsa.PublicKey:
		return jose.RS256, nil
	default:
		return "", errors.New("acme: unsupported account key type")
	}
}

func decodeEABKey(encoded string) ([]byte, error) {
	if key, err := base64.RawURLEncoding.DecodeString(encoded); err == nil {
		return key, nil
	}
	return base64.URLEncoding.DecodeString(encoded)
}

// responseProblem decodes an error response into a *Problem, falling
// back to a generic error when the body is not a problem document.
func responseProblem(res *http.Response, operation string) error {
	body, err := io.ReadAll(io.LimitReader(res.Body, maxCertChainSize))
	if err == nil && len(body) > 0 {
		problem := &Problem{}
		if json.Unmarshal(body, problem) == nil && problem.Type != "" {
			if problem.Status == 0 {
				problem.Status = res.StatusCode
			}
			return problem
		}
	}
	return fmt.Errorf("acme: %s returned HTTP %d", operation, res.StatusCode)
}

// retryAfter interprets a Retry-After header, either delta-seconds or
// an HTTP date, falling back to the given default.
func retryAfter(header string, fallback time.Duration) time.Duration {
	if header == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return fallback
}
