package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/viet2109/chatsync"
)

var loginUserID int64

func init() {
	loginCmd.Flags().Int64Var(&loginUserID, "user-id", 0, "User id, when the token does not carry one")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a bearer token in the config file",
	Long:  "Store the bearer token issued by the backend. The user id is read from the token unless --user-id is given.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		info, err := chatsync.ParseToken(token)
		if err != nil {
			return err
		}
		userID := loginUserID
		if userID == 0 {
			userID = info.UserID
		}
		if userID == 0 {
			return fmt.Errorf("token carries no user id; pass --user-id")
		}
		if info.Expired(time.Now()) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: token expired at %s\n", info.ExpiresAt.Format(time.RFC3339))
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token
		cfg.Auth.UserID = strconv.FormatInt(userID, 10)

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as user %d, saved to %s\n", userID, path)
		return nil
	},
}
