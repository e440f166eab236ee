package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maritimecloud/idreg/storage"
)

var (
	orgMRN     string
	orgName    string
	orgCountry string

	roleOrg        string
	rolePermission string
	roleName       string
)

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Manage directory organizations",
}

var orgAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update an organization",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeRepo, err := openRepository(cfg.Storage)
		if err != nil {
			return err
		}
		defer closeRepo()

		// Saving an org with a known MRN updates it in place.
		org, err := repo.SaveOrganization(cmd.Context(), &storage.Organization{
			MRN: orgMRN, Name: orgName, Country: orgCountry,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Organization %d: %s (%s)\n", org.ID, org.MRN, org.Name)
		return nil
	},
}

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Manage permission to role mappings",
}

var roleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Map a permission of an organization to a role",
	Example: `  idregca role add --org urn:mrn:mcl:org:dma --permission MCADMIN --role ROLE_SITE_ADMIN`,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeRepo, err := openRepository(cfg.Storage)
		if err != nil {
			return err
		}
		defer closeRepo()

		org, err := repo.OrganizationByMRN(cmd.Context(), roleOrg)
		if err != nil {
			return fmt.Errorf("organization %s: %w", roleOrg, err)
		}
		role, err := repo.SaveRole(cmd.Context(), &storage.Role{
			OrganizationID: org.ID,
			Permission:     rolePermission,
			RoleName:       roleName,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Role %d: %s grants %s in %s\n", role.ID, role.Permission, role.RoleName, org.MRN)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(orgCmd, roleCmd)
	orgCmd.AddCommand(orgAddCmd)
	roleCmd.AddCommand(roleAddCmd)

	orgAddCmd.Flags().StringVar(&orgMRN, "mrn", "", "Organization MRN")
	orgAddCmd.Flags().StringVar(&orgName, "name", "", "Organization name")
	orgAddCmd.Flags().StringVar(&orgCountry, "country", "", "Country name, e.g. Denmark")
	orgAddCmd.MarkFlagRequired("mrn")
	orgAddCmd.MarkFlagRequired("country")

	roleAddCmd.Flags().StringVar(&roleOrg, "org", "", "Organization MRN")
	roleAddCmd.Flags().StringVar(&rolePermission, "permission", "", "Permission string carried in certificates")
	roleAddCmd.Flags().StringVar(&roleName, "role", "", "Role granted, e.g. ROLE_ORG_ADMIN")
	roleAddCmd.MarkFlagRequired("org")
	roleAddCmd.MarkFlagRequired("permission")
	roleAddCmd.MarkFlagRequired("role")
}
