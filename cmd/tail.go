package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/bridgekit/dmgate/pkg/protocol"
)

// tailCmd streams live events for one routing id to the terminal. Useful
// for checking a tenant's traffic without a dashboard.
func tailCmd() *cobra.Command {
	var (
		url       string
		routingID string
		identity  string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream live events for a routing id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if routingID == "" {
				return fmt.Errorf("--routing-id is required")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			conn, _, err := websocket.Dial(dialCtx, url, nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w", url, err)
			}
			defer conn.Close(websocket.StatusNormalClosure, "done")
			conn.SetReadLimit(1 << 20)

			auth, _ := json.Marshal(protocol.ClientFrame{
				Type: protocol.TypeAuth, RoutingID: routingID, Identity: identity,
			})
			if err := conn.Write(ctx, websocket.MessageText, auth); err != nil {
				return fmt.Errorf("send auth: %w", err)
			}

			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("read: %w", err)
				}

				var frame protocol.ServerFrame
				if err := json.Unmarshal(data, &frame); err != nil {
					continue
				}
				switch frame.Type {
				case protocol.EventAuthSuccess:
					fmt.Fprintf(os.Stderr, "authenticated as %s\n", routingID)
				case protocol.EventAuthError:
					return fmt.Errorf("authentication rejected: %s", frame.Message)
				default:
					line, _ := json.Marshal(frame)
					fmt.Println(string(line))
				}
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:18690/ws", "gateway websocket URL")
	cmd.Flags().StringVar(&routingID, "routing-id", "", "routing id to subscribe to")
	cmd.Flags().StringVar(&identity, "identity", "cli", "identity presented during auth")
	return cmd
}
