// Package config loads the idregca configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maritimecloud/idreg/pki"
)

// Environment variables that override file settings.
const (
	EnvKeystorePassword   = "IDREG_KEYSTORE_PASSWORD"
	EnvTruststorePassword = "IDREG_TRUSTSTORE_PASSWORD"
	EnvStoragePath        = "IDREG_STORAGE_PATH"
	EnvListenAddr         = "IDREG_LISTEN_ADDR"
	EnvAuditWebhookHeader = "IDREG_AUDIT_WEBHOOK_HEADER"
)

// Storage drivers.
const (
	DriverBolt   = "bbolt"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config is the complete idregca configuration.
type Config struct {
	CA      CAConfig      `yaml:"ca"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// CAConfig locates the key material and describes issued certificates.
type CAConfig struct {
	RootSubject         string `yaml:"root_subject"`
	IntermediateSubject string `yaml:"intermediate_subject"`

	RootKeystore         string `yaml:"root_keystore"`
	IntermediateKeystore string `yaml:"intermediate_keystore"`
	Truststore           string `yaml:"truststore"`
	KeystorePassword     string `yaml:"keystore_password"`
	TruststorePassword   string `yaml:"truststore_password"`
	RootCRLPath          string `yaml:"root_crl_path"`

	CRLURL     string `yaml:"crl_url"`
	OCSPURL    string `yaml:"ocsp_url"`
	ExpiryYear int    `yaml:"expiry_year"`

	// CRLWindow is the distance between thisUpdate and nextUpdate of the
	// leaf CRL.
	CRLWindow time.Duration `yaml:"crl_window"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // bbolt, sqlite, memory
	Path   string `yaml:"path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	// ClientCertHeader carries the PEM client certificate when TLS is
	// terminated by a proxy.
	ClientCertHeader string `yaml:"client_cert_header"`
	// RequireClientCert makes the TLS listener demand a client certificate
	// signed by the CA.
	RequireClientCert bool          `yaml:"require_client_cert"`
	LookupTimeout     time.Duration `yaml:"lookup_timeout"`
	EnableDocs        bool          `yaml:"enable_docs"`
	// TrustedProxies lists the peers (CIDRs or bare addresses) whose
	// forwarding headers are honored.
	TrustedProxies []string `yaml:"trusted_proxies"`

	AuditWebhookURL    string `yaml:"audit_webhook_url"`
	AuditWebhookHeader string `yaml:"audit_webhook_header"` // "Name: Value"
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		CA: CAConfig{
			RootSubject:          "C=DK, ST=Denmark, L=Copenhagen, O=MaritimeCloud Test, OU=MaritimeCloud Test, CN=MaritimeCloud Test Root Certificate, E=info@maritimecloud.net",
			IntermediateSubject:  "C=DK, ST=Denmark, L=Copenhagen, O=MaritimeCloud Test, OU=MaritimeCloud Test, CN=MaritimeCloud Test Identity Registry, E=info@maritimecloud.net",
			RootKeystore:         "ca/root-keystore.p12",
			IntermediateKeystore: "ca/mc-it-keystore.p12",
			Truststore:           "ca/mc-truststore.p12",
			RootCRLPath:          "ca/root-ca.crl",
			CRLURL:               "https://localhost/x509/api/certificates/crl",
			OCSPURL:              "https://localhost/x509/api/certificates/ocsp",
			ExpiryYear:           2035,
			CRLWindow:            pki.IntermediateCRLWindow,
		},
		Storage: StorageConfig{
			Driver: DriverBolt,
			Path:   "data/idreg.db",
		},
		Server: ServerConfig{
			ListenAddr:       ":8443",
			ClientCertHeader: "X-Client-Certificate",
			LookupTimeout:    5 * time.Second,
			EnableDocs:       true,
			TrustedProxies:   []string{"127.0.0.1/32", "::1/128"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths makes relative file paths relative to the config file.
func (c *Config) resolvePaths(dir string) {
	for _, p := range []*string{
		&c.CA.RootKeystore, &c.CA.IntermediateKeystore, &c.CA.Truststore,
		&c.CA.RootCRLPath, &c.Storage.Path,
		&c.Server.TLSCertFile, &c.Server.TLSKeyFile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvKeystorePassword); ok {
		c.CA.KeystorePassword = v
	}
	if v, ok := lookup(EnvTruststorePassword); ok {
		c.CA.TruststorePassword = v
	}
	if v, ok := lookup(EnvStoragePath); ok && v != "" {
		c.Storage.Path = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.Server.ListenAddr = v
	}
	if v, ok := lookup(EnvAuditWebhookHeader); ok {
		c.Server.AuditWebhookHeader = v
	}
}

// Validate checks that required settings are present and well formed.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.CA.RootKeystore) == "" {
		errs = append(errs, errors.New("ca.root_keystore is required"))
	}
	if strings.TrimSpace(c.CA.IntermediateKeystore) == "" {
		errs = append(errs, errors.New("ca.intermediate_keystore is required"))
	}
	if strings.TrimSpace(c.CA.Truststore) == "" {
		errs = append(errs, errors.New("ca.truststore is required"))
	}
	if c.CA.ExpiryYear < 1970 {
		errs = append(errs, fmt.Errorf("ca.expiry_year %d is invalid", c.CA.ExpiryYear))
	}
	if c.CA.CRLWindow <= 0 {
		errs = append(errs, errors.New("ca.crl_window must be positive"))
	}
	switch c.Storage.Driver {
	case DriverBolt, DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %s", c.Storage.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of bbolt, sqlite, memory", c.Storage.Driver))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tls_cert_file and server.tls_key_file must be set together"))
	}
	if c.Server.LookupTimeout <= 0 {
		errs = append(errs, errors.New("server.lookup_timeout must be positive"))
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if u := c.Server.AuditWebhookURL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("server.audit_webhook_url %q is not an http(s) URL", u))
		}
	}
	if h := c.Server.AuditWebhookHeader; h != "" && !strings.Contains(h, ":") {
		errs = append(errs, errors.New(`server.audit_webhook_header must have the form "Name: Value"`))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is treated as
// a single-host prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %q is neither a CIDR nor an address", raw)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Keystores returns the keystore locations and passwords.
func (c *Config) Keystores() pki.KeystoreConfig {
	return pki.KeystoreConfig{
		RootKeystorePath:         c.CA.RootKeystore,
		IntermediateKeystorePath: c.CA.IntermediateKeystore,
		TruststorePath:           c.CA.Truststore,
		KeystorePassword:         c.CA.KeystorePassword,
		TruststorePassword:       c.CA.TruststorePassword,
	}
}

// Issuer returns the leaf issuance settings.
func (c *Config) Issuer() pki.IssuerConfig {
	return pki.IssuerConfig{
		CRLURL:     c.CA.CRLURL,
		OCSPURL:    c.CA.OCSPURL,
		ExpiryYear: c.CA.ExpiryYear,
	}
}

// Bootstrap returns the settings used to create a new CA.
func (c *Config) Bootstrap(overwrite bool) pki.BootstrapConfig {
	return pki.BootstrapConfig{
		RootSubject:         c.CA.RootSubject,
		IntermediateSubject: c.CA.IntermediateSubject,
		Keystores:           c.Keystores(),
		RootCRLPath:         c.CA.RootCRLPath,
		Issuer:              c.Issuer(),
		Overwrite:           overwrite,
	}
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", s)
}

// NewLogger builds the process logger writing to w.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
