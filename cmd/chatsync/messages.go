package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/viet2109/chatsync"
)

var messagesOlder int

func init() {
	messagesCmd.Flags().IntVar(&messagesOlder, "older", 0, "Additional older pages to load")
	rootCmd.AddCommand(messagesCmd)
}

var messagesCmd = &cobra.Command{
	Use:   "messages <room-id>",
	Short: "Print the history of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomID(args[0])
		if err != nil {
			return err
		}
		session, _, err := newSession(nil)
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := session.Chat.Open(ctx, roomID, nil); err != nil {
			return err
		}
		for i := 0; i < messagesOlder; i++ {
			if _, err := session.Chat.LoadOlder(ctx, roomID); err != nil {
				if errors.Is(err, chatsync.ErrNoOlderPages) {
					break
				}
				return err
			}
		}

		out := cmd.OutOrStdout()
		msgs := session.Store.Messages(roomID)
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages yet.")
			return nil
		}
		if session.Store.HasOlder(roomID) {
			fmt.Fprintln(out, "(older messages available, use --older)")
		}
		for _, m := range msgs {
			fmt.Fprintln(out, formatMessage(m))
		}
		return nil
	},
}
