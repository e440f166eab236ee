package cmd

import (
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/maritimecloud/idreg/internal/util"
	"github.com/maritimecloud/idreg/pki"
)

var (
	initForce             bool
	initGeneratePasswords bool
)

const generatedPasswordLength = 24

var initCACmd = &cobra.Command{
	Use:   "init-ca",
	Short: "Create the root and intermediate CA",
	Long: `Generates the root and intermediate signing identities, writes the root
keystore, the intermediate keystore and the truststore, and publishes an
empty root CRL. Existing keystores are kept unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if initGeneratePasswords {
			if cfg.CA.KeystorePassword == "" {
				p, err := util.RandomChars(generatedPasswordLength)
				if err != nil {
					return err
				}
				cfg.CA.KeystorePassword = p
				fmt.Fprintf(out, "Generated keystore password: %s\n", p)
			}
			if cfg.CA.TruststorePassword == "" {
				p, err := util.RandomChars(generatedPasswordLength)
				if err != nil {
					return err
				}
				cfg.CA.TruststorePassword = p
				fmt.Fprintf(out, "Generated truststore password: %s\n", p)
			}
		}

		material, err := pki.Bootstrap(cfg.Bootstrap(initForce), logger)
		if err != nil {
			return err
		}
		describeCA(out, "Root", material.Root.Certificate(), cfg.CA.RootKeystore)
		describeCA(out, "Intermediate", material.Intermediate.Certificate(), cfg.CA.IntermediateKeystore)
		fmt.Fprintf(out, "Truststore:   %s\n", cfg.CA.Truststore)
		if cfg.CA.RootCRLPath != "" {
			fmt.Fprintf(out, "Root CRL:     %s\n", cfg.CA.RootCRLPath)
		}
		return nil
	},
}

func describeCA(w io.Writer, label string, cert *x509.Certificate, path string) {
	sum := sha256.Sum256(cert.Raw)
	dn, err := pki.RawDNString(cert.RawSubject)
	if err != nil {
		dn = pki.DNString(cert.Subject)
	}
	fmt.Fprintf(w, "%s CA:\n", label)
	fmt.Fprintf(w, "  Subject:     %s\n", dn)
	fmt.Fprintf(w, "  Serial:      %s\n", cert.SerialNumber)
	fmt.Fprintf(w, "  Valid until: %s\n", cert.NotAfter.UTC().Format("2006-01-02"))
	fmt.Fprintf(w, "  SHA-256:     %s\n", util.ColonHex(sum[:]))
	fmt.Fprintf(w, "  Keystore:    %s\n", path)
}

func init() {
	rootCmd.AddCommand(initCACmd)
	initCACmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing keystores")
	initCACmd.Flags().BoolVar(&initGeneratePasswords, "generate-passwords", false, "Generate keystore passwords that are not configured")
}
