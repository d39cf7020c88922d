// Package lifecycle drives the automated certificate lifecycle: it
// decides on startup whether a certificate must be obtained, runs the
// ACME order cycle, and keeps a single-shot renewal timer armed from
// every outcome. A periodic watcher additionally picks up certificates
// replaced on disk by external tooling.
package lifecycle

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/acme"
	"github.com/blockadesystems/certfoundry/internal/certstore"
	"github.com/blockadesystems/certfoundry/internal/challenge"
	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/keyutil"
)

var logger *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("lifecycle: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "lifecycle"))
}

const (
	// retryInterval is the flat wait after a failed cycle. Shorter
	// intervals risk tripping CA rate limits, longer ones delay
	// recovery.
	retryInterval = 24 * time.Hour

	// updateCheckInterval is how often the watcher looks for
	// certificates replaced on disk outside of our own cycles.
	updateCheckInterval = 24 * time.Hour

	// cycleTimeout bounds one whole ACME conversation.
	cycleTimeout = 10 * time.Minute
)

// stage names index the status document.
const (
	stageDirectory   = "directory"
	stageAccount     = "account"
	stageCertificate = "certificate"
)

// Manager owns the renewal state machine for one set of domains.
type Manager struct {
	settings config.Settings
	notify   func(config.CertificatePaths)
	now      func() time.Time

	mu            sync.Mutex
	status        Status
	handler       challenge.Handler
	selfCheckURLs []string
	renewalTimer  *time.Timer
	expiry        time.Time
	cycleActive   bool

	updateTicker *time.Ticker
	done         chan struct{}
	closeOnce    sync.Once
}

// New builds a Manager and immediately evaluates the on-disk state, the
// same way a restart after a configuration change would. notify is
// invoked whenever a newer certificate becomes visible on disk; the
// host's TLS listeners reload from it.
func New(settings config.Settings, notify func(config.CertificatePaths)) *Manager {
	m := newManager(settings, notify)
	m.updateTicker = time.NewTicker(updateCheckInterval)
	go m.watchExternalUpdates()
	m.Init()
	return m
}

func newManager(settings config.Settings, notify func(config.CertificatePaths)) *Manager {
	return &Manager{
		settings: settings,
		notify:   notify,
		now:      time.Now,
		status:   newStatus(),
		done:     make(chan struct{}),
	}
}

// Close stops the timers and releases any challenge resources. Pending
// network operations are abandoned.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.updateTicker != nil {
			m.updateTicker.Stop()
		}
		m.mu.Lock()
		if m.renewalTimer != nil {
			m.renewalTimer.Stop()
		}
		m.mu.Unlock()
		m.releaseHandler()
	})
}

// Status returns a snapshot of the status document.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.clone()
}

// AnyPending reports whether a cycle stage is currently in flight.
func (m *Manager) AnyPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.AnyPending()
}

// Init resets the status document and branches on the state found on
// disk: a full certificate pair is checked for expiry, a missing pair
// starts a fresh order, and a partial pair is a deliberately fatal
// condition, because it indicates operator intent we must not silently
// overwrite.
func (m *Manager) Init() {
	m.mu.Lock()
	m.status = newStatus()
	m.mu.Unlock()

	if !m.settings.GetBool(config.KeyEnableClient) {
		return
	}

	paths := config.GetCertificatePaths(m.settings)
	certExists := certstore.Exists(paths.Cert)
	keyExists := certstore.Exists(paths.Key)

	switch {
	case certExists && keyExists:
		m.checkExpiry(paths)
	case !certExists && !keyExists:
		m.startCycle(paths)
	default:
		missing, present := paths.Cert, paths.Key
		if certExists {
			missing, present = paths.Key, paths.Cert
		}
		m.setStageError(stageCertificate, "missing", map[string]any{
			"missing": missing,
			"present": present,
		})
		logger.Error("certificate file pair is incomplete; "+
			"either provide the missing file, or remove the other to generate a new certificate",
			zap.String("missing", missing), zap.String("present", present))
	}
}

// checkExpiry reads the on-disk certificate and hands its expiry to the
// renewal logic, or records why it could not.
func (m *Manager) checkExpiry(paths config.CertificatePaths) {
	cert := certstore.Read(paths)
	if cert.Fullchain == "" || cert.Privkey == "" {
		message := "failed to read certificate files"
		m.setStageError(stageCertificate, "invalid", map[string]any{"message": message})
		logger.Error(message, zap.String("cert", paths.Cert), zap.String("key", paths.Key))
		return
	}

	expiry, err := cert.Expiry()
	if err != nil {
		message := "failed to read certificate expiry date"
		m.setStageError(stageCertificate, "invalid", map[string]any{"message": message})
		logger.Error(message, zap.Error(err))
		return
	}

	m.handleRenewal(time.Unix(expiry, 0), paths)
}

// handleRenewal records a valid certificate and either arms the renewal
// timer or, when the renewal point has already passed, starts ordering
// a replacement right away.
func (m *Manager) handleRenewal(expiry time.Time, paths config.CertificatePaths) {
	m.mu.Lock()
	m.status.Certificate.Status = StatusOK
	expirySecs := expiry.Unix()
	m.status.Certificate.Expiry = &expirySecs
	m.expiry = expiry
	m.mu.Unlock()

	if remaining := m.remainingTime(expiry); remaining > 0 {
		m.scheduleRenewalIn(remaining)
	} else {
		m.startCycle(paths)
	}
}

// remainingTime is the delay until renewal: two thirds of the time left
// on the certificate, so the order happens with a third of the lifetime
// remaining and a failed attempt leaves room for retries.
func (m *Manager) remainingTime(expiry time.Time) time.Duration {
	return expiry.Sub(m.now()) * 2 / 3
}

// scheduleRenewalIn (re)arms the single-shot renewal timer and records
// the schedule in the status document.
func (m *Manager) scheduleRenewalIn(duration time.Duration) {
	m.mu.Lock()
	if m.renewalTimer != nil {
		m.renewalTimer.Stop()
	}
	m.renewalTimer = time.AfterFunc(duration, m.Init)
	scheduleTime := m.now().Add(duration)
	scheduleSecs := scheduleTime.Unix()
	m.status.Certificate.Renewal = &scheduleSecs
	m.mu.Unlock()

	logger.Debug("renewal scheduled", zap.Time("at", scheduleTime))
}

// startCycle runs the ACME order cycle on its own goroutine, refusing
// to start while a previous cycle is still in flight.
func (m *Manager) startCycle(paths config.CertificatePaths) {
	m.mu.Lock()
	if m.cycleActive {
		m.mu.Unlock()
		logger.Warn("refusing to start a cycle while one is in flight")
		return
	}
	m.cycleActive = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.cycleActive = false
			m.mu.Unlock()
		}()
		m.generateCertificate(paths)
	}()
}

// generateCertificate is one full ACME cycle: account key, directory,
// account, order, challenges, self-check, finalization, download and
// persistence. Any protocol failure records an error under the stage
// that was pending, releases the challenge handler and arms a flat
// retry; success hands the new expiry back to the renewal logic.
func (m *Manager) generateCertificate(paths config.CertificatePaths) {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	accountKeyPath := config.GetAccountKeyPath(m.settings)
	if !certstore.Exists(accountKeyPath) {
		if err := certstore.CreateAccountKey(accountKeyPath); err != nil {
			m.setStageError(stageAccount, "key-write", map[string]any{"message": err.Error()})
			logger.Error("failed to create account key file",
				zap.String("path", accountKeyPath), zap.Error(err))
			m.scheduleRenewalIn(retryInterval)
			return
		}
	}
	accountKeyPEM, err := certstore.ReadAccountKey(accountKeyPath)
	if err != nil {
		m.setStageError(stageAccount, "key-read", map[string]any{"message": err.Error()})
		logger.Error("failed to read account key file",
			zap.String("path", accountKeyPath), zap.Error(err))
		m.scheduleRenewalIn(retryInterval)
		return
	}
	accountKey, err := keyutil.ParsePrivateKey(accountKeyPEM)
	if err != nil {
		m.setStageError(stageAccount, "key-read", map[string]any{"message": err.Error()})
		logger.Error("account key file is not a usable private key",
			zap.String("path", accountKeyPath), zap.Error(err))
		m.scheduleRenewalIn(retryInterval)
		return
	}

	specs := config.GetDomainSpecs(m.settings)
	domains := make([]string, 0, len(specs))
	domainDirs := make(map[string]string, len(specs))
	for _, spec := range specs {
		domains = append(domains, spec.ACEDomain)
		domainDirs[spec.ACEDomain] = spec.ChallengeDir
	}
	handlerParams := challenge.Params{
		Type:       m.settings.GetString(config.KeyChallengeHandlerType),
		DomainDirs: domainDirs,
	}

	client := acme.NewClient(accountKey,
		m.settings.GetString(config.KeyDirectoryEndpoint),
		m.settings.GetString(config.KeyEABKid),
		m.settings.GetString(config.KeyEABMac))

	m.setStageStatus(stageDirectory, StatusPending)
	if _, err := client.Discover(ctx); err != nil {
		m.failCycle(stageDirectory, err)
		return
	}
	m.setStageStatus(stageDirectory, StatusOK)

	m.setStageStatus(stageAccount, StatusPending)
	if _, err := client.Register(ctx); err != nil {
		m.failCycle(stageAccount, err)
		return
	}
	m.setStageStatus(stageAccount, StatusOK)

	m.setStageStatus(stageCertificate, StatusPending)
	order, err := client.NewOrder(ctx, domains)
	if err != nil {
		m.failCycle(stageCertificate, err)
		return
	}
	logger.Debug("ordered certificate",
		zap.String("order_url", order.URL),
		zap.String("finalize_url", order.Finalize),
		zap.Int("domains", len(domains)),
		zap.Int("authorizations", len(order.Authorizations)))

	pending, err := m.publishChallenges(ctx, client, order, handlerParams)
	if err != nil {
		m.failCycle(stageCertificate, err)
		return
	}

	m.runSelfCheck()

	for i := range pending {
		if err := client.Accept(ctx, &pending[i]); err != nil {
			m.failCycle(stageCertificate, err)
			return
		}
	}

	if _, err := client.PollOrder(ctx, order.URL, acme.StatusReady); err != nil {
		m.failCycle(stageCertificate, err)
		return
	}

	certKey, err := keyutil.GeneratePrivateKey()
	if err != nil {
		m.failCycle(stageCertificate, err)
		return
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}, certKey)
	if err != nil {
		m.failCycle(stageCertificate, err)
		return
	}

	if _, err := client.Finalize(ctx, order, csr); err != nil {
		m.failCycle(stageCertificate, err)
		return
	}
	order, err = client.PollOrder(ctx, order.URL, acme.StatusValid)
	if err != nil {
		m.failCycle(stageCertificate, err)
		return
	}
	chain, err := client.DownloadCertificate(ctx, order.Certificate)
	if err != nil {
		m.failCycle(stageCertificate, err)
		return
	}

	m.releaseHandler()

	certKeyPEM, err := keyutil.EncodePrivateKey(certKey)
	if err != nil {
		m.failCycle(stageCertificate, err)
		return
	}
	cert := certstore.Certificate{Fullchain: string(chain), Privkey: string(certKeyPEM)}
	expiry, err := cert.Expiry()
	if err != nil {
		m.failCycle(stageCertificate, err)
		return
	}
	logger.Debug("certificate retrieved", zap.Time("expires", time.Unix(expiry, 0)))

	if err := certstore.Write(cert, paths); err != nil {
		m.setStageError(stageCertificate, "write", map[string]any{"message": err.Error()})
		logger.Error("failed to write certificate files",
			zap.String("cert", paths.Cert), zap.String("key", paths.Key), zap.Error(err))
		m.scheduleRenewalIn(retryInterval)
		return
	}

	m.notifyUpdated(paths)
	m.handleRenewal(time.Unix(expiry, 0), paths)
}

// publishChallenges walks the order's authorizations, publishes every
// http-01 challenge through the configured handler and collects the
// challenges that still need a readiness notification. The handler is
// constructed lazily on the first challenge seen because the server
// variant binds port 80.
func (m *Manager) publishChallenges(ctx context.Context, client *acme.Client, order *acme.Order, params challenge.Params) ([]acme.Challenge, error) {
	var pending []acme.Challenge
	for _, authzURL := range order.Authorizations {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, err
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		ch, err := acme.HTTP01Challenge(authz)
		if err != nil {
			return nil, err
		}
		keyAuth, err := client.KeyAuthorization(ch.Token)
		if err != nil {
			return nil, err
		}

		domain := authz.Identifier.Value
		location := "/.well-known/acme-challenge/" + ch.Token
		logger.Debug("got challenge",
			zap.String("domain", domain),
			zap.String("location", location))

		m.mu.Lock()
		if m.handler == nil {
			m.mu.Unlock()
			handler, err := challenge.New(params)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			m.handler = handler
		}
		m.handler.AddChallenge(domain, location, keyAuth)
		m.selfCheckURLs = append(m.selfCheckURLs, "http://"+domain+location)
		m.mu.Unlock()

		pending = append(pending, *ch)
	}
	return pending, nil
}

// runSelfCheck polls the published challenge URLs from the public side
// until they all respond or the handler's window elapses. It is best
// effort: publication problems show up here first, but the CA performs
// the authoritative validation either way.
func (m *Manager) runSelfCheck() {
	m.mu.Lock()
	urls := m.selfCheckURLs
	m.selfCheckURLs = nil
	handler := m.handler
	m.mu.Unlock()

	if handler == nil || len(urls) == 0 {
		return
	}
	challenge.SelfCheck(urls, handler.SelfCheckDuration(), handler.SelfCheckInterval())
}

// failCycle terminates the cycle: the error lands under the stage that
// was pending, challenge resources are released, and a retry is armed.
func (m *Manager) failCycle(stage string, err error) {
	m.setStageError(stage, "acme", map[string]any{"message": err.Error()})
	logger.Error("acme cycle failed", zap.String("stage", stage), zap.Error(err))

	m.releaseHandler()
	m.mu.Lock()
	m.selfCheckURLs = nil
	m.mu.Unlock()

	m.scheduleRenewalIn(retryInterval)
}

func (m *Manager) releaseHandler() {
	m.mu.Lock()
	handler := m.handler
	m.handler = nil
	m.mu.Unlock()
	if handler != nil {
		handler.Close()
	}
}

func (m *Manager) notifyUpdated(paths config.CertificatePaths) {
	if m.notify != nil {
		m.notify(paths)
	}
}

// watchExternalUpdates periodically re-reads the certificate files and,
// when external tooling has replaced them with a later-expiring pair,
// emits the updated notification and adopts the new expiry. This lets
// manual certificate replacement take effect without a restart.
func (m *Manager) watchExternalUpdates() {
	for {
		select {
		case <-m.done:
			return
		case <-m.updateTicker.C:
			m.checkExternalUpdate()
		}
	}
}

func (m *Manager) checkExternalUpdate() {
	paths := config.GetCertificatePaths(m.settings)
	if !certstore.Exists(paths.Cert) || !certstore.Exists(paths.Key) {
		return
	}
	cert := certstore.Read(paths)
	if cert.Fullchain == "" || cert.Privkey == "" {
		return
	}
	expiry, err := cert.Expiry()
	if err != nil {
		return
	}
	newExpiry := time.Unix(expiry, 0)

	m.mu.Lock()
	updated := m.expiry.Before(newExpiry)
	if updated {
		m.expiry = newExpiry
		expirySecs := newExpiry.Unix()
		m.status.Certificate.Expiry = &expirySecs
	}
	m.mu.Unlock()

	if updated {
		logger.Info("externally updated certificate detected",
			zap.Time("expires", newExpiry))
		m.notifyUpdated(paths)
	}
}

func (m *Manager) setStageStatus(stage, status string) {
	m.mu.Lock()
	m.stage(stage).Status = status
	m.mu.Unlock()
}

func (m *Manager) setStageError(stage, errType string, data map[string]any) {
	m.mu.Lock()
	s := m.stage(stage)
	s.Status = StatusError
	s.Error = &StageError{Type: errType, Data: data}
	m.mu.Unlock()
}

// stage must be called with m.mu held.
func (m *Manager) stage(name string) *Stage {
	switch name {
	case stageDirectory:
		return &m.status.Directory
	case stageAccount:
		return &m.status.Account
	default:
		return &m.status.Certificate.Stage
	}
}
