package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	crlRoot bool
	crlOut  string
)

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Generate a signed CRL",
	Long: `Writes the intermediate CRL of every revoked certificate, or with --root
the root tier's CRL, as PEM to stdout or --out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ca, err := loadAuthority(cfg)
		if err != nil {
			return err
		}
		defer ca.close()

		var crl []byte
		if crlRoot {
			crl, err = ca.service.GenerateRootCRL()
		} else {
			crl, err = ca.service.GenerateCRL(cmd.Context())
		}
		if err != nil {
			return err
		}
		if crlOut == "" {
			_, err = cmd.OutOrStdout().Write(crl)
			return err
		}
		if err := os.WriteFile(crlOut, crl, 0o644); err != nil {
			return fmt.Errorf("writing CRL: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "CRL written to %s\n", crlOut)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(crlCmd)
	crlCmd.Flags().BoolVar(&crlRoot, "root", false, "Generate the root CRL instead of the intermediate CRL")
	crlCmd.Flags().StringVarP(&crlOut, "out", "o", "", "Output file (default stdout)")
}
