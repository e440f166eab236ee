package config_test

import (
	"bytes"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maritimecloud/idreg/config"
	"github.com/maritimecloud/idreg/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idregca.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2035, cfg.CA.ExpiryYear)
	assert.Equal(t, pki.IntermediateCRLWindow, cfg.CA.CRLWindow)
	assert.Equal(t, config.DriverBolt, cfg.Storage.Driver)

	// Default subjects must be usable by init-ca.
	_, err := pki.ParseDN(cfg.CA.RootSubject)
	assert.NoError(t, err)
	_, err = pki.ParseDN(cfg.CA.IntermediateSubject)
	assert.NoError(t, err)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
ca:
  root_keystore: keys/root.p12
  intermediate_keystore: /etc/idreg/it.p12
  expiry_year: 2040
  crl_window: 48h
  crl_url: https://mcp.example/crl
storage:
  driver: sqlite
  path: idreg.sqlite
logging:
  format: text
  level: debug
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "keys/root.p12"), cfg.CA.RootKeystore)
	assert.Equal(t, "/etc/idreg/it.p12", cfg.CA.IntermediateKeystore)
	assert.Equal(t, filepath.Join(dir, "ca/mc-truststore.p12"), cfg.CA.Truststore, "defaults are kept")
	assert.Equal(t, 2040, cfg.CA.ExpiryYear)
	assert.Equal(t, 48*time.Hour, cfg.CA.CRLWindow)
	assert.Equal(t, config.DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, filepath.Join(dir, "idreg.sqlite"), cfg.Storage.Path)

	ic := cfg.Issuer()
	assert.Equal(t, "https://mcp.example/crl", ic.CRLURL)
	assert.Equal(t, 2040, ic.ExpiryYear)
	ks := cfg.Keystores()
	assert.Equal(t, cfg.CA.RootKeystore, ks.RootKeystorePath)
	assert.True(t, cfg.Bootstrap(true).Overwrite)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(config.EnvKeystorePassword, "ks-secret")
	t.Setenv(config.EnvTruststorePassword, "ts-secret")
	t.Setenv(config.EnvStoragePath, "/var/lib/idreg/db")
	t.Setenv(config.EnvListenAddr, "127.0.0.1:9443")
	t.Setenv(config.EnvAuditWebhookHeader, "Authorization: Bearer hook")

	path := writeConfig(t, "ca:\n  keystore_password: from-file\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ks-secret", cfg.CA.KeystorePassword)
	assert.Equal(t, "ts-secret", cfg.CA.TruststorePassword)
	assert.Equal(t, "/var/lib/idreg/db", cfg.Storage.Path)
	assert.Equal(t, "127.0.0.1:9443", cfg.Server.ListenAddr)
	assert.Equal(t, "Authorization: Bearer hook", cfg.Server.AuditWebhookHeader)
}

func TestTrustedProxyPrefixes(t *testing.T) {
	s := config.ServerConfig{TrustedProxies: []string{"10.1.2.3/8", " 192.0.2.10 ", "::1"}}
	prefixes, err := s.TrustedProxyPrefixes()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.10/32"),
		netip.MustParsePrefix("::1/128"),
	}, prefixes)

	def, err := config.Default().Server.TrustedProxyPrefixes()
	require.NoError(t, err)
	assert.True(t, def[0].Contains(netip.MustParseAddr("127.0.0.1")))
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "ca/root-keystore.p12", cfg.CA.RootKeystore)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Malformed(t *testing.T) {
	_, err := config.Load(writeConfig(t, "ca: [not, a, mapping"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"no root keystore", func(c *config.Config) { c.CA.RootKeystore = " " }, "ca.root_keystore"},
		{"bad driver", func(c *config.Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"no path", func(c *config.Config) { c.Storage.Path = "" }, "storage.path"},
		{"half tls", func(c *config.Config) { c.Server.TLSCertFile = "cert.pem" }, "tls_key_file"},
		{"bad level", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero window", func(c *config.Config) { c.CA.CRLWindow = 0 }, "crl_window"},
		{"bad year", func(c *config.Config) { c.CA.ExpiryYear = 0 }, "expiry_year"},
		{"bad proxy", func(c *config.Config) { c.Server.TrustedProxies = []string{"localhost"} }, "trusted_proxies"},
		{"bad webhook", func(c *config.Config) { c.Server.AuditWebhookURL = "ftp://audit" }, "audit_webhook_url"},
		{"bad webhook header", func(c *config.Config) { c.Server.AuditWebhookHeader = "Bearer x" }, "audit_webhook_header"},
		{"zero lookup timeout", func(c *config.Config) { c.Server.LookupTimeout = 0 }, "lookup_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	cfg.Storage.Path = ""
	assert.NoError(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := config.LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	config.LoggingConfig{Format: "text"}.NewLogger(&buf).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestParseLevel(t *testing.T) {
	lvl, err := config.ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)
	_, err = config.ParseLevel("trace")
	assert.Error(t, err)
}
