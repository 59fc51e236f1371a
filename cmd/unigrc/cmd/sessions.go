package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clanvaro/unigrc/internal/config"
	"github.com/clanvaro/unigrc/internal/db/bunx"
	"github.com/clanvaro/unigrc/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Session store maintenance",
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired sessions",
	Long:  `Removes expired rows from the SQL session store. Redis expires sessions on its own.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Session.Backend != config.SessionBackendSQL {
			logger.Info("session backend expires records itself, nothing to prune", "backend", cfg.Session.Backend)
			return nil
		}

		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		n, err := session.NewBunStore(db).Prune(ctx)
		if err != nil {
			return fmt.Errorf("prune sessions: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d expired session(s)\n", n)
		return nil
	},
}

var sessionsRevokeCmd = &cobra.Command{
	Use:   "revoke-user <user-id>",
	Short: "Destroy every SQL session of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Session.Backend != config.SessionBackendSQL {
			return fmt.Errorf("revoke-user requires the sql session backend")
		}

		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		n, err := session.NewBunStore(db).DestroyUser(ctx, args[0])
		if err != nil {
			return err
		}
		logger.Info("revoked user sessions", "user_id", args[0], "count", n)
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsPruneCmd, sessionsRevokeCmd)
	rootCmd.AddCommand(sessionsCmd)
}
