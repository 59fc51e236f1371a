package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/clanvaro/unigrc/internal/db/bunx"
	"github.com/clanvaro/unigrc/internal/db/models"
	"github.com/clanvaro/unigrc/internal/identity"
	"github.com/clanvaro/unigrc/internal/repository"
)

const bcryptCost = 12

var (
	userEmail       string
	userName        string
	userPassword    string
	userStdin       bool
	userAdmin       bool
	userTenants     []string
	userPermissions []string
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage users",
	Long:  `Commands for provisioning users with local credentials, tenant memberships and permissions.`,
}

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user with a local password",
	RunE: func(cmd *cobra.Command, args []string) error {
		if userEmail == "" {
			return fmt.Errorf("--email flag is required")
		}
		if _, err := mail.ParseAddress(userEmail); err != nil {
			return fmt.Errorf("invalid email format: %w", err)
		}
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		users := repository.NewBunUserRepository(db)
		tenants := repository.NewBunTenantRepository(db)

		if _, err := users.GetUserByEmail(ctx, userEmail); err == nil {
			return fmt.Errorf("user with email %q already exists", userEmail)
		} else if !errors.Is(err, identity.ErrUserNotFound) {
			return fmt.Errorf("failed to check email uniqueness: %w", err)
		}

		// resolve every tenant before writing anything
		var tenantIDs []string
		for _, slug := range userTenants {
			t, err := tenants.GetBySlug(ctx, slug)
			if err != nil {
				return err
			}
			tenantIDs = append(tenantIDs, t.ID)
		}

		hashed := string(hash)
		user := &models.User{
			Email:           userEmail,
			Name:            userName,
			PasswordHash:    &hashed,
			IsPlatformAdmin: userAdmin,
		}
		if err := users.Create(ctx, user); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		// the first listed tenant becomes the active one
		for i, id := range tenantIDs {
			if err := tenants.AddMember(ctx, id, user.ID, i == 0); err != nil {
				return fmt.Errorf("failed to add membership for %s: %w", userTenants[i], err)
			}
		}
		for _, p := range identity.NormalizePermissions(userPermissions) {
			if err := tenants.GrantPermission(ctx, user.ID, p); err != nil {
				return fmt.Errorf("failed to grant %q: %w", p, err)
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "User created successfully!")
		fmt.Fprintf(out, "User ID: %s\n", user.ID)
		fmt.Fprintf(out, "Email: %s\n", user.Email)
		if userAdmin {
			fmt.Fprintln(out, "Platform admin: yes")
		}
		if len(userTenants) > 0 {
			fmt.Fprintf(out, "Tenants: %s\n", strings.Join(userTenants, ", "))
		}
		return nil
	},
}

var usersSetPasswordCmd = &cobra.Command{
	Use:   "set-password",
	Short: "Replace a user's local password",
	RunE: func(cmd *cobra.Command, args []string) error {
		if userEmail == "" {
			return fmt.Errorf("--email flag is required")
		}
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		users := repository.NewBunUserRepository(db)
		user, err := users.GetUserByEmail(ctx, userEmail)
		if err != nil {
			return err
		}
		if err := users.SetPasswordHash(ctx, user.ID, string(hash)); err != nil {
			return err
		}
		logger.Info("password updated", "user_id", user.ID)
		return nil
	},
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		list, err := repository.NewBunUserRepository(db).List(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEMAIL\tADMIN\tSSO\tLAST LOGIN\tDISABLED")
		for _, u := range list {
			lastLogin := "-"
			if u.LastLoginAt != nil {
				lastLogin = u.LastLoginAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%t\n",
				u.ID, u.Email, u.IsPlatformAdmin, u.Subject != nil, lastLogin, u.DisabledAt != nil)
		}
		return w.Flush()
	},
}

func readPassword(cmd *cobra.Command) (string, error) {
	password := userPassword
	if userStdin {
		fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")
		scanner := bufio.NewScanner(cmd.InOrStdin())
		if scanner.Scan() {
			password = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
	}
	if password == "" {
		return "", fmt.Errorf("password is required (use --password or --stdin)")
	}
	return password, nil
}

func init() {
	for _, c := range []*cobra.Command{usersCreateCmd, usersSetPasswordCmd} {
		c.Flags().StringVar(&userEmail, "email", "", "Email address of the user")
		c.Flags().StringVar(&userPassword, "password", "", "Password (use --stdin to avoid shell history)")
		c.Flags().BoolVar(&userStdin, "stdin", false, "Read the password from stdin")
	}
	usersCreateCmd.Flags().StringVar(&userName, "name", "", "Display name")
	usersCreateCmd.Flags().BoolVar(&userAdmin, "admin", false, "Grant platform administrator rights")
	usersCreateCmd.Flags().StringSliceVar(&userTenants, "tenant", nil, "Tenant slug(s) to join; the first becomes active")
	usersCreateCmd.Flags().StringSliceVar(&userPermissions, "permission", nil, "Permission(s) to grant")

	usersCmd.AddCommand(usersCreateCmd, usersSetPasswordCmd, usersListCmd)
	rootCmd.AddCommand(usersCmd)
}
