package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/viet2109/chatsync"
)

var (
	watchRooms       []int64
	watchMetricsAddr string
)

func init() {
	watchCmd.Flags().Int64SliceVar(&watchRooms, "rooms", nil, "Rooms to follow (comma separated)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow room list updates and room messages live",
	Long:  "Connect to the push endpoint, subscribe to the room list and the given rooms, and print pushes until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		session, _, err := newSession(reg)
		if err != nil {
			return err
		}
		defer session.Close()

		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(cmd.ErrOrStderr(), "metrics server: %v\n", err)
				}
			}()
			defer srv.Close()
		}

		out := cmd.OutOrStdout()
		session.Conn.OnConnect(func() {
			fmt.Fprintln(out, "-- connected")
		})
		session.Conn.OnError(func(msg string) {
			fmt.Fprintf(out, "-- %s\n", msg)
		})

		if _, err := session.Rooms.LoadMore(ctx); err != nil {
			return err
		}
		session.Rooms.OnChange(func(r chatsync.RoomSummary) {
			fmt.Fprintln(out, formatRoom(r, time.Now()))
		})

		if err := session.Start(ctx); err != nil {
			return err
		}
		for _, roomID := range watchRooms {
			err := session.Chat.Open(ctx, roomID, func(m chatsync.Message) {
				fmt.Fprintf(out, "[room %d] %s\n", roomID, formatMessage(m))
			})
			if err != nil {
				return fmt.Errorf("open room %d: %w", roomID, err)
			}
		}

		<-ctx.Done()
		fmt.Fprintln(out, "-- stopped")
		return nil
	},
}
