package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"marketchat/pkg/chatclient"
)

var sendCmd = &cobra.Command{
	Use:   "send [content]",
	Short: "Send one text message and wait for the acknowledgement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := viper.GetString("send-room")
		recipientID := viper.GetString("to")
		if roomID == "" && recipientID == "" {
			return fmt.Errorf("one of --room or --to is required")
		}

		acks := make(chan chatclient.Event, 1)
		client, err := newClient(chatclient.HandlerFuncs{
			Event: func(e chatclient.Event) {
				if e.Type == chatclient.EventMessageAck || e.Type == chatclient.EventError {
					select {
					case acks <- e:
					default:
					}
				}
			},
			State: logState,
		})
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		runErr := make(chan error, 1)
		go func() { runErr <- client.Run(ctx) }()

		if err := waitConnected(ctx, client, 15*time.Second); err != nil {
			return err
		}
		if roomID != "" {
			if err := client.Join(roomID); err != nil {
				return err
			}
		}

		ref, err := client.Send(&chatclient.Outgoing{
			RoomID:      roomID,
			RecipientID: recipientID,
			Content:     args[0],
		})
		if err != nil {
			return err
		}

		timeout := time.After(viper.GetDuration("wait"))
		for {
			select {
			case e := <-acks:
				if e.Ref != ref {
					continue
				}
				if e.Type == chatclient.EventError {
					return fmt.Errorf("send rejected: %s", string(e.Data))
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(e.Data))
				return nil
			case err := <-runErr:
				return err
			case <-timeout:
				return fmt.Errorf("no acknowledgement for %s", ref)
			}
		}
	},
}

func init() {
	sendCmd.Flags().String("room", "", "Room id")
	viper.BindPFlag("send-room", sendCmd.Flags().Lookup("room"))

	sendCmd.Flags().String("to", "", "Recipient user id, opens the room on first contact")
	viper.BindPFlag("to", sendCmd.Flags().Lookup("to"))

	sendCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for the acknowledgement")
	viper.BindPFlag("wait", sendCmd.Flags().Lookup("wait"))
}
