package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/viet2109/chatsync"
)

var (
	roomsPages int
	roomsJSON  bool
)

func init() {
	roomsCmd.Flags().IntVar(&roomsPages, "pages", 1, "Number of room pages to load")
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(roomsCmd)
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List your chat rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _, err := newSession(nil)
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		for i := 0; i < roomsPages && session.Rooms.HasMore(); i++ {
			if _, err := session.Rooms.LoadMore(ctx); err != nil {
				return err
			}
		}

		rooms := session.Rooms.Rooms()
		out := cmd.OutOrStdout()
		if roomsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(rooms)
		}
		if len(rooms) == 0 {
			fmt.Fprintln(out, "No rooms.")
			return nil
		}
		now := time.Now()
		for _, r := range rooms {
			fmt.Fprintln(out, formatRoom(r, now))
		}
		if session.Rooms.HasMore() {
			fmt.Fprintln(out, "(more rooms available, use --pages)")
		}
		return nil
	},
}

func formatRoom(r chatsync.RoomSummary, now time.Time) string {
	dot := " "
	if r.Online {
		dot = "*"
	}
	return fmt.Sprintf("%s %6d  %-24s %-12s %s", dot, r.RoomID, r.Name, chatsync.FormatActivity(r.LastActivity, now), r.Preview)
}
