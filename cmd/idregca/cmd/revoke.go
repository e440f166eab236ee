package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	revokeReason string
	revokeAt     string
)

var revokeCmd = &cobra.Command{
	Use:   "revoke <certificate-id>",
	Short: "Revoke an issued certificate",
	Long: `Marks a certificate as revoked. The reason is one of the RFC 5280 reason
names (keyCompromise, superseded, cessationOfOperation, ...). --at sets the
revocation time (RFC 3339) and defaults to now; a future time takes effect
only once reached.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid certificate id %q", args[0])
		}
		at := time.Now()
		if revokeAt != "" {
			at, err = time.Parse(time.RFC3339, revokeAt)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
		}

		ca, err := loadAuthority(cfg)
		if err != nil {
			return err
		}
		defer ca.close()

		rec, err := ca.service.Revoke(cmd.Context(), id, revokeReason, &at)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked certificate %d (%s) as of %s\n",
			rec.ID, rec.RevokeReason, rec.RevokedAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(revokeCmd)
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "unspecified", "Revocation reason")
	revokeCmd.Flags().StringVar(&revokeAt, "at", "", "Revocation time (RFC 3339, default now)")
}
