package cmd

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// probeCmd dials a running gateway and prints the frames it pushes,
// starting with the initial total_count. Handy for smoke-testing a
// deployment without a real client.
func probeCmd() *cobra.Command {
	var (
		addr   string
		token  string
		frames int
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to a running gateway and print pushed frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL := fmt.Sprintf("ws://%s/ws/%s", addr, token)
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w", wsURL, err)
			}
			defer conn.Close()

			for i := 0; i < frames; i++ {
				conn.SetReadDeadline(time.Now().Add(15 * time.Second))
				_, data, err := conn.ReadMessage()
				if err != nil {
					return fmt.Errorf("read frame: %w", err)
				}
				fmt.Println(string(data))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "gateway host:port")
	cmd.Flags().StringVar(&token, "token", "", "access token for the handshake")
	cmd.Flags().IntVar(&frames, "frames", 1, "number of frames to print before exiting")
	cmd.MarkFlagRequired("token")
	return cmd
}
