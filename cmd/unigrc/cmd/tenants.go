package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clanvaro/unigrc/internal/db/bunx"
	"github.com/clanvaro/unigrc/internal/db/models"
	"github.com/clanvaro/unigrc/internal/repository"
)

var (
	tenantSlug     string
	tenantName     string
	memberEmail    string
	memberInactive bool
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenants and memberships",
}

var tenantsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tenantSlug == "" {
			return fmt.Errorf("--slug flag is required")
		}
		name := tenantName
		if name == "" {
			name = tenantSlug
		}

		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		t := &models.Tenant{Slug: tenantSlug, Name: name}
		if err := repository.NewBunTenantRepository(db).Create(ctx, t); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Tenant created: %s (%s)\n", t.Slug, t.ID)
		return nil
	},
}

// membership changes only reach running servers once the cached identity
// expires or the server receives SIGHUP
var tenantsAddMemberCmd = &cobra.Command{
	Use:   "add-member",
	Short: "Add a user to a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeMembership(cmd, true)
	},
}

var tenantsRemoveMemberCmd = &cobra.Command{
	Use:   "remove-member",
	Short: "Remove a user from a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeMembership(cmd, false)
	},
}

func changeMembership(cmd *cobra.Command, add bool) error {
	if tenantSlug == "" || memberEmail == "" {
		return fmt.Errorf("--slug and --email flags are required")
	}

	ctx := cmd.Context()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer bunx.Close(db)

	tenants := repository.NewBunTenantRepository(db)
	t, err := tenants.GetBySlug(ctx, tenantSlug)
	if err != nil {
		return err
	}
	user, err := repository.NewBunUserRepository(db).GetUserByEmail(ctx, memberEmail)
	if err != nil {
		return fmt.Errorf("%s: %w", memberEmail, err)
	}

	if add {
		err = tenants.AddMember(ctx, t.ID, user.ID, !memberInactive)
	} else {
		err = tenants.RemoveMember(ctx, t.ID, user.ID)
	}
	if err != nil {
		return err
	}
	logger.Info("membership updated", "tenant", t.Slug, "user_id", user.ID, "added", add)
	return nil
}

func init() {
	tenantsCreateCmd.Flags().StringVar(&tenantSlug, "slug", "", "Unique tenant slug")
	tenantsCreateCmd.Flags().StringVar(&tenantName, "name", "", "Display name (defaults to the slug)")

	for _, c := range []*cobra.Command{tenantsAddMemberCmd, tenantsRemoveMemberCmd} {
		c.Flags().StringVar(&tenantSlug, "slug", "", "Tenant slug")
		c.Flags().StringVar(&memberEmail, "email", "", "Member email")
	}
	tenantsAddMemberCmd.Flags().BoolVar(&memberInactive, "inactive", false, "Add the membership as inactive")

	tenantsCmd.AddCommand(tenantsCreateCmd, tenantsAddMemberCmd, tenantsRemoveMemberCmd)
	rootCmd.AddCommand(tenantsCmd)
}
