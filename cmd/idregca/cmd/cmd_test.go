package cmd

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maritimecloud/idreg/config"
	"github.com/maritimecloud/idreg/entity"
	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/storage"
)

const testConfig = `
ca:
  truststore_password: trust-me
  crl_url: https://idreg.test/x509/api/certificates/crl
  ocsp_url: https://idreg.test/x509/api/certificates/ocsp
storage:
  driver: bbolt
  path: data/idreg.db
logging:
  level: error
`

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(bytes.NewReader(nil))
	err := rootCmd.ExecuteContext(t.Context())
	require.NoError(t, err, "idregca %v: %s", args, errOut.String())
	return out.String()
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "idregca.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0o600))

	// The keystore password only comes from the env file.
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(config.EnvKeystorePassword+"=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv(config.EnvKeystorePassword) })

	global := []string{"--config", configFile, "--env-file", envPath}
	cli := func(args ...string) string {
		t.Helper()
		return run(t, append(args, global...)...)
	}

	out := cli("init-ca")
	assert.Contains(t, out, "Root CA:")
	assert.Contains(t, out, "CN=MaritimeCloud Test Identity Registry")
	for _, f := range []string{"ca/root-keystore.p12", "ca/mc-it-keystore.p12", "ca/mc-truststore.p12", "ca/root-ca.crl"} {
		assert.FileExists(t, filepath.Join(dir, f))
	}
	_, err := pki.LoadSigningIdentity(filepath.Join(dir, "ca/root-keystore.p12"), "from-dotenv")
	require.NoError(t, err, "keystore is protected by the env file password")

	rootCmd.SetArgs(append([]string{"init-ca"}, global...))
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	assert.ErrorIs(t, rootCmd.ExecuteContext(t.Context()), pki.ErrAlreadyInitialized)

	out = cli("org", "add", "--mrn", "urn:mrn:mcl:org:dma", "--name", "Danish Maritime Authority", "--country", "Denmark")
	assert.Contains(t, out, "urn:mrn:mcl:org:dma")
	out = cli("role", "add", "--org", "urn:mrn:mcl:org:dma", "--permission", "MCADMIN", "--role", "ROLE_SITE_ADMIN")
	assert.Contains(t, out, "MCADMIN grants ROLE_SITE_ADMIN")

	deviceFile := filepath.Join(dir, "device.json")
	require.NoError(t, os.WriteFile(deviceFile, []byte(`{"mrn":"urn:mrn:mcl:device:dma:ais-7","name":"AIS base station 7"}`), 0o600))
	bundle := filepath.Join(dir, "bundle")
	out = cli("issue", "urn:mrn:mcl:org:dma", "device", "-f", deviceFile, "--out-dir", bundle)
	assert.Contains(t, out, "AIS base station 7")

	info, err := os.Stat(filepath.Join(bundle, "private-key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	certPEM, err := os.ReadFile(filepath.Join(bundle, "certificate.pem"))
	require.NoError(t, err)
	cert, err := pki.ParseCertificateText(certPEM)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://idreg.test/x509/api/certificates/crl"}, cert.CRLDistributionPoints)

	out = cli("revoke", cert.SerialNumber.String(), "--reason", "keyCompromise")
	assert.Contains(t, out, "keyCompromise")

	crlFile := filepath.Join(dir, "leaf.crl")
	cli("crl", "-o", crlFile)
	crl := readCRL(t, crlFile)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, cert.SerialNumber, crl.RevokedCertificateEntries[0].SerialNumber)

	rootFile := filepath.Join(dir, "root.crl")
	cli("crl", "--root", "-o", rootFile)
	assert.Empty(t, readCRL(t, rootFile).RevokedCertificateEntries)

	assert.Equal(t, "idregca "+Version+"\n", run(t, "version"))
}

func readCRL(t *testing.T, path string) *x509.RevocationList {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	return crl
}

func TestReadOwner(t *testing.T) {
	owner, err := entity.New(entity.TypeVessel, "urn:mrn:mcl:org:dma")
	require.NoError(t, err)
	err = readOwner(bytes.NewReader([]byte(`{"mrn":"urn:mrn:mcl:vessel:dma:x","name":"X"}`)), "-", owner)
	require.NoError(t, err)
	assert.Equal(t, "X", owner.CertificateProfile().CommonName)

	assert.Error(t, readOwner(nil, "", owner))
	assert.Error(t, readOwner(nil, filepath.Join(t.TempDir(), "missing.json"), owner))
	assert.Error(t, readOwner(bytes.NewReader([]byte("{")), "-", owner))
}

func TestOpenRepository(t *testing.T) {
	for _, driver := range []string{config.DriverBolt, config.DriverSQLite, config.DriverMemory} {
		t.Run(driver, func(t *testing.T) {
			repo, closeRepo, err := openRepository(config.StorageConfig{
				Driver: driver,
				Path:   filepath.Join(t.TempDir(), "nested", driver+".db"),
			})
			require.NoError(t, err)
			org, err := repo.SaveOrganization(t.Context(), &storage.Organization{MRN: "urn:mrn:mcl:org:dma", Country: "Denmark"})
			require.NoError(t, err)
			assert.NotZero(t, org.ID)
			require.NoError(t, closeRepo())
		})
	}

	_, _, err := openRepository(config.StorageConfig{Driver: "postgres"})
	assert.Error(t, err)
}
