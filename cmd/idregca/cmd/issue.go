package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/maritimecloud/idreg/entity"
	"github.com/maritimecloud/idreg/pki"
)

var (
	issueFile   string
	issueOutDir string
)

var issueCmd = &cobra.Command{
	Use:   "issue <org-mrn> <entity-type>",
	Short: "Issue a certificate for a user, device, service or vessel",
	Long: `Issues a certificate for the entity described by the JSON document in
--file ("-" reads stdin). The certificate, public key and private key are
written to --out-dir, or printed as JSON when no directory is given. The
private key is not stored and cannot be retrieved again.`,
	Example: `  idregca issue urn:mrn:mcl:org:dma vessel -f vessel.json --out-dir ./poul-lowenorn`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := entity.ParseType(args[1])
		if err != nil {
			return err
		}
		owner, err := entity.New(typ, args[0])
		if err != nil {
			return err
		}
		if err := readOwner(cmd.InOrStdin(), issueFile, owner); err != nil {
			return err
		}

		ca, err := loadAuthority(cfg)
		if err != nil {
			return err
		}
		defer ca.close()

		issued, err := ca.service.IssueForOwner(cmd.Context(), owner)
		if err != nil {
			return err
		}
		if issueOutDir == "" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"id":          issued.Record.ID,
				"serial":      issued.Certificate.SerialNumber.String(),
				"certificate": issued.CertificatePEM,
				"public_key":  issued.PublicKeyPEM,
				"private_key": issued.PrivateKeyPEM,
			})
		}
		if err := writeBundle(issueOutDir, issued); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Issued certificate %d for %s, written to %s\n",
			issued.Record.ID, issued.Certificate.Subject.CommonName, issueOutDir)
		return nil
	},
}

// readOwner decodes the entity document at path into owner.
func readOwner(stdin io.Reader, path string, owner entity.Owner) error {
	var r io.Reader
	switch path {
	case "":
		return fmt.Errorf("--file is required")
	case "-":
		r = stdin
	default:
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening entity file: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(owner); err != nil {
		return fmt.Errorf("decoding entity: %w", err)
	}
	return nil
}

func writeBundle(dir string, issued *pki.IssuedCertificate) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	for _, f := range []struct {
		name string
		data string
		mode os.FileMode
	}{
		{"certificate.pem", issued.CertificatePEM, 0o644},
		{"public-key.pem", issued.PublicKeyPEM, 0o644},
		{"private-key.pem", issued.PrivateKeyPEM, 0o600},
	} {
		if err := os.WriteFile(filepath.Join(dir, f.name), []byte(f.data), f.mode); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(issueCmd)
	issueCmd.Flags().StringVarP(&issueFile, "file", "f", "", `JSON entity document ("-" for stdin)`)
	issueCmd.Flags().StringVar(&issueOutDir, "out-dir", "", "Directory receiving the PEM files")
}
