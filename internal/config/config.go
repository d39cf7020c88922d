package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/net/idna"
)

var logger *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("config: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "config"))
}

// Settings is the read-only keyed configuration source the lifecycle
// manager consumes. The daemon backs it with viper; tests back it with
// a plain map.
type Settings interface {
	GetBool(key string) bool
	GetString(key string) string
	DomainRecords() []DomainRecord
}

// DomainRecord is one entry of acme.certificate_domains as configured
// by the operator, before ACE encoding.
type DomainRecord struct {
	Domain    string `mapstructure:"domain"`
	Directory string `mapstructure:"directory"`
}

// DomainSpec is a configured domain after ACE (punycode) encoding,
// paired with the directory served for its HTTP-01 challenges.
type DomainSpec struct {
	ACEDomain    string
	ChallengeDir string
}

// CertificatePaths holds the resolved locations of the certificate
// chain, private key and optional trust bundle.
type CertificatePaths struct {
	Cert               string
	Key                string
	TrustedAuthorities string
}

const (
	KeyEnableClient         = "acme.enable_client"
	KeyAccountKeyPath       = "acme.account_key_path"
	KeyCertificateDirectory = "acme.certificate_directory"
	KeyCertificateFilename  = "acme.certificate_filename"
	KeyCertificateKeyFile   = "acme.certificate_key_filename"
	KeyCertificateAuthFile  = "acme.certificate_authority_filename"
	KeyCertificateDomains   = "acme.certificate_domains"
	KeyChallengeHandlerType = "acme.challenge_handler_type"
	KeyDirectoryEndpoint    = "acme.directory_endpoint"
	KeyEABKid               = "acme.eab_kid"
	KeyEABMac               = "acme.eab_mac"
)

const (
	defaultCertificateFilename  = "fullchain.pem"
	defaultCertificateKeyFile   = "privkey.pem"
	defaultCertificateAuthFile  = "ca.pem"
	defaultChallengeHandlerType = "manual"
	defaultDirectoryEndpoint    = "https://acme-v02.api.letsencrypt.org/directory"
	defaultAccountKeyFilename   = "acme_account_key.pem"
)

// ViperSettings adapts a viper instance to the Settings interface.
type ViperSettings struct {
	v *viper.Viper
}

// Load builds the daemon settings source: defaults for every acme.* key,
// overridable through the environment (CERTFOUNDRY_ACME_ENABLE_CLIENT and
// friends) and an optional config file.
func Load(configFile string) (*ViperSettings, error) {
	v := viper.New()

	v.SetDefault(KeyEnableClient, false)
	v.SetDefault(KeyAccountKeyPath, "")
	v.SetDefault(KeyCertificateDirectory, "")
	v.SetDefault(KeyCertificateFilename, defaultCertificateFilename)
	v.SetDefault(KeyCertificateKeyFile, defaultCertificateKeyFile)
	v.SetDefault(KeyCertificateAuthFile, defaultCertificateAuthFile)
	v.SetDefault(KeyCertificateDomains, []DomainRecord{})
	v.SetDefault(KeyChallengeHandlerType, defaultChallengeHandlerType)
	v.SetDefault(KeyDirectoryEndpoint, defaultDirectoryEndpoint)
	v.SetDefault(KeyEABKid, "")
	v.SetDefault(KeyEABMac, "")

	v.SetEnvPrefix("CERTFOUNDRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		logger.Info("loaded configuration file", zap.String("file", configFile))
	}

	return &ViperSettings{v: v}, nil
}

func (s *ViperSettings) GetBool(key string) bool     { return s.v.GetBool(key) }
func (s *ViperSettings) GetString(key string) string { return s.v.GetString(key) }

func (s *ViperSettings) DomainRecords() []DomainRecord {
	var records []DomainRecord
	if err := s.v.UnmarshalKey(KeyCertificateDomains, &records); err != nil {
		logger.Warn("invalid certificate_domains setting", zap.Error(err))
		return nil
	}
	return records
}

// AppLocalDataPath is where account keys and certificates live when the
// operator does not configure explicit locations.
func AppLocalDataPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "certfoundry")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "certfoundry")
	}
	return filepath.Join(home, ".local", "share", "certfoundry")
}

// GetCertificatePaths resolves the certificate file locations from the
// settings source. Called at the start of every cycle so directory or
// filename changes take effect on restart.
func GetCertificatePaths(s Settings) CertificatePaths {
	certDir := s.GetString(KeyCertificateDirectory)
	if certDir == "" {
		certDir = AppLocalDataPath()
	}
	return CertificatePaths{
		Cert:               filepath.Join(certDir, s.GetString(KeyCertificateFilename)),
		Key:                filepath.Join(certDir, s.GetString(KeyCertificateKeyFile)),
		TrustedAuthorities: filepath.Join(certDir, s.GetString(KeyCertificateAuthFile)),
	}
}

// GetAccountKeyPath resolves the ACME account key location, falling back
// to the app-local data directory.
func GetAccountKeyPath(s Settings) string {
	if path := s.GetString(KeyAccountKeyPath); path != "" {
		return path
	}
	return filepath.Join(AppLocalDataPath(), defaultAccountKeyFilename)
}

// GetDomainSpecs returns the configured domains in order, ACE encoded.
// A domain that fails ACE encoding is skipped with a warning rather than
// aborting the whole list.
func GetDomainSpecs(s Settings) []DomainSpec {
	var specs []DomainSpec
	for _, record := range s.DomainRecords() {
		ace, err := idna.Lookup.ToASCII(record.Domain)
		if err != nil {
			logger.Warn("skipping domain that cannot be ACE encoded",
				zap.String("domain", record.Domain), zap.Error(err))
			continue
		}
		dir := record.Directory
		if dir == "" {
			dir = "."
		}
		specs = append(specs, DomainSpec{ACEDomain: ace, ChallengeDir: dir})
	}
	return specs
}
