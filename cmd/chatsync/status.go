package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/viet2109/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the token is expired, and check that the REST backend answers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Fprintf(out, "  Realtime URL: %s\n", valueOrDefault(cfg.Default.WSURL, chatsync.DefaultRealtimeURL+" (default)"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not logged in)"))
		fmt.Fprintf(out, "  Token:        %s\n", tokenStatus(cfg.Auth.Token, time.Now()))

		if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		client := chatsync.NewClient(cfg.Auth.Token, chatsync.WithBaseURL(valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL)))
		userID, err := strconv.ParseInt(cfg.Auth.UserID, 10, 64)
		if err != nil {
			fmt.Fprintf(out, "  Invalid user id: %v\n", err)
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		page, err := client.FetchChatRooms(ctx, userID, chatsync.PageRequest{Size: 1})
		if err != nil {
			fmt.Fprintf(out, "  Backend error: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Backend:      reachable\n")
		fmt.Fprintf(out, "  Rooms:        %d\n", page.TotalElements)
		return nil
	},
}

func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	info, err := chatsync.ParseToken(token)
	if err != nil {
		return fmt.Sprintf("%s (unreadable: %v)", maskKey(token), err)
	}
	switch {
	case info.ExpiresAt.IsZero():
		return maskKey(token) + " (no expiry)"
	case info.Expired(now):
		return fmt.Sprintf("%s EXPIRED (expired %s)", maskKey(token), info.ExpiresAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s valid (expires %s)", maskKey(token), info.ExpiresAt.Format(time.RFC3339))
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}
