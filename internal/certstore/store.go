// Package certstore persists the certificate chain, certificate key and
// ACME account key on disk. Private keys are written with owner-only
// permissions; all writes go through a temp file and rename so readers
// never observe a partial file.
package certstore

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/keyutil"
)

var logger *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("certstore: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "certstore"))
}

const (
	keyFileMode  = 0600
	certFileMode = 0644
)

// Certificate is the chain/key pair as stored on disk. Either field may
// be empty when the corresponding file is absent or unreadable.
type Certificate struct {
	Fullchain string
	Privkey   string
}

// Expiry parses the NotAfter timestamp out of the leaf certificate.
func (c Certificate) Expiry() (int64, error) {
	expiry, err := keyutil.CertificateExpiry([]byte(c.Fullchain))
	if err != nil {
		return 0, err
	}
	return expiry.Unix(), nil
}

// Read loads the certificate pair. Missing or unreadable files yield
// empty strings; callers interpret empty as absent.
func Read(paths config.CertificatePaths) Certificate {
	return Certificate{
		Fullchain: readAll(paths.Cert),
		Privkey:   readAll(paths.Key),
	}
}

// Write persists both halves of the certificate. The chain is written
// first; an error on either file fails the write as a whole.
func Write(cert Certificate, paths config.CertificatePaths) error {
	if err := writeAll([]byte(cert.Fullchain), paths.Cert, certFileMode); err != nil {
		return fmt.Errorf("certstore: failed to write certificate chain: %w", err)
	}
	if err := writeAll([]byte(cert.Privkey), paths.Key, keyFileMode); err != nil {
		return fmt.Errorf("certstore: failed to write certificate key: %w", err)
	}
	return nil
}

// Exists reports whether a regular file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// CreateAccountKey generates a fresh account private key at path with
// owner-only permissions, creating parent directories as needed.
func CreateAccountKey(path string) error {
	key, err := keyutil.GeneratePrivateKey()
	if err != nil {
		return err
	}
	pemBytes, err := keyutil.EncodePrivateKey(key)
	if err != nil {
		return err
	}
	if err := writeAll(pemBytes, path, keyFileMode); err != nil {
		return err
	}
	logger.Info("generated new account key", zap.String("path", path))
	return nil
}

// ReadAccountKey loads the PEM-encoded account key.
func ReadAccountKey(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func readAll(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// writeAll writes data to path atomically via a temp file in the same
// directory, applying mode before any bytes land.
func writeAll(data []byte, path string, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
