package main

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var watchAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream commit events from a running `stmdemo serve` over WebSocket",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "localhost:9090", "serve's host:port")
}

func runWatch(cmd *cobra.Command, args []string) error {
	u := url.URL{Scheme: "ws", Host: watchAddr, Path: "/ws"}
	fmt.Fprintf(cmd.OutOrStdout(), "connecting to %s\n", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("stmdemo: dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev wireEvent
			if err := conn.ReadJSON(&ev); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "watch: connection closed: %v\n", err)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "commit stamp=%d triggered=%d at=%s\n", ev.Stamp, ev.Triggered, ev.At)
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	return nil
}
