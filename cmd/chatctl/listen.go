package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"marketchat/pkg/chatclient"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Join rooms and print every event until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient(chatclient.HandlerFuncs{
			Event: func(e chatclient.Event) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", e.Timestamp, e.Type, string(e.Data))
			},
			State: logState,
		})
		if err != nil {
			return err
		}

		for _, roomID := range viper.GetStringSlice("room") {
			client.Join(roomID)
		}

		ctx, stop := signalContext()
		defer stop()

		err = client.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	listenCmd.Flags().StringSlice("room", nil, "Room to join, repeatable")
	viper.BindPFlag("room", listenCmd.Flags().Lookup("room"))
}
