package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/testutils"
)

func TestLoad_Defaults(t *testing.T) {
	settings, err := config.Load("")
	require.NoError(t, err)

	assert.False(t, settings.GetBool(config.KeyEnableClient))
	assert.Equal(t, "manual", settings.GetString(config.KeyChallengeHandlerType))
	assert.Equal(t, "https://acme-v02.api.letsencrypt.org/directory",
		settings.GetString(config.KeyDirectoryEndpoint))
	assert.Empty(t, settings.DomainRecords())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CERTFOUNDRY_ACME_ENABLE_CLIENT", "true")
	t.Setenv("CERTFOUNDRY_ACME_DIRECTORY_ENDPOINT", "https://ca.example.org/dir")

	settings, err := config.Load("")
	require.NoError(t, err)

	assert.True(t, settings.GetBool(config.KeyEnableClient))
	assert.Equal(t, "https://ca.example.org/dir", settings.GetString(config.KeyDirectoryEndpoint))
}

func TestLoad_ConfigFileDomains(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
acme:
  enable_client: true
  certificate_domains:
    - domain: example.org
      directory: /srv/www/example
    - domain: bücher.example
`), 0644))

	settings, err := config.Load(configFile)
	require.NoError(t, err)

	records := settings.DomainRecords()
	require.Len(t, records, 2)
	assert.Equal(t, "example.org", records[0].Domain)
	assert.Equal(t, "/srv/www/example", records[0].Directory)
}

func TestGetDomainSpecs_ACEEncoding(t *testing.T) {
	settings := &testutils.MapSettings{
		Domains: []config.DomainRecord{
			{Domain: "example.org", Directory: "/srv/www"},
			{Domain: "bücher.example"},
		},
	}

	specs := config.GetDomainSpecs(settings)
	require.Len(t, specs, 2)
	assert.Equal(t, "example.org", specs[0].ACEDomain)
	assert.Equal(t, "/srv/www", specs[0].ChallengeDir)
	assert.Equal(t, "xn--bcher-kva.example", specs[1].ACEDomain)
	assert.Equal(t, ".", specs[1].ChallengeDir, "empty directory defaults to the working directory")
}

func TestGetCertificatePaths(t *testing.T) {
	settings := &testutils.MapSettings{
		Strings: map[string]string{
			config.KeyCertificateDirectory: "/etc/certfoundry",
			config.KeyCertificateFilename:  "fullchain.pem",
			config.KeyCertificateKeyFile:   "privkey.pem",
			config.KeyCertificateAuthFile:  "ca.pem",
		},
	}

	paths := config.GetCertificatePaths(settings)
	assert.Equal(t, "/etc/certfoundry/fullchain.pem", paths.Cert)
	assert.Equal(t, "/etc/certfoundry/privkey.pem", paths.Key)
	assert.Equal(t, "/etc/certfoundry/ca.pem", paths.TrustedAuthorities)
}

func TestGetCertificatePaths_DefaultsToAppLocalData(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")

	settings := &testutils.MapSettings{
		Strings: map[string]string{
			config.KeyCertificateFilename: "fullchain.pem",
			config.KeyCertificateKeyFile:  "privkey.pem",
			config.KeyCertificateAuthFile: "ca.pem",
		},
	}

	paths := config.GetCertificatePaths(settings)
	assert.Equal(t, "/tmp/xdg/certfoundry/fullchain.pem", paths.Cert)
}

func TestGetAccountKeyPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")

	explicit := &testutils.MapSettings{
		Strings: map[string]string{config.KeyAccountKeyPath: "/etc/keys/account.pem"},
	}
	assert.Equal(t, "/etc/keys/account.pem", config.GetAccountKeyPath(explicit))

	assert.Equal(t, "/tmp/xdg/certfoundry/acme_account_key.pem",
		config.GetAccountKeyPath(&testutils.MapSettings{}))
}
