package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/viet2109/chatsync"
)

var (
	sendFiles   []string
	sendReplyTo int64
)

func init() {
	sendCmd.Flags().StringSliceVar(&sendFiles, "file", nil, "Attach a file (repeatable)")
	sendCmd.Flags().Int64Var(&sendReplyTo, "reply-to", 0, "Id of the message being replied to")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <room-id> [text]",
	Short: "Send a message to a room",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomID(args[0])
		if err != nil {
			return err
		}
		var text string
		if len(args) == 2 {
			text = args[1]
		}
		if text == "" && len(sendFiles) == 0 {
			return fmt.Errorf("nothing to send: give text or --file")
		}

		opts := &chatsync.SendOptions{}
		for _, path := range sendFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			opts.Files = append(opts.Files, chatsync.Upload{Name: filepath.Base(path), Data: data})
		}
		if sendReplyTo != 0 {
			opts.ReplyTargetID = sendReplyTo
			opts.ReplyTargetType = "MESSAGE"
		}

		session, _, err := newSession(nil)
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
		defer cancel()

		m, err := session.Chat.Send(ctx, roomID, text, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent message %d to room %d\n", m.ID, roomID)
		return nil
	},
}
