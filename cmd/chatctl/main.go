package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"marketchat/pkg/chatclient"
	"marketchat/pkg/logger"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Command line client for the marketchat socket",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(logger.Config{
			Level:       viper.GetString("log-level"),
			Pretty:      true,
			ServiceName: "chatctl",
		})
	},
}

func init() {
	viper.SetEnvPrefix("CHATCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("url", "ws://localhost:8080/ws", "Socket URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().String("token", "", "Bearer token (env CHATCTL_TOKEN)")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().Int("max-attempts", 10, "Reconnect attempts per outage")
	viper.BindPFlag("max-attempts", rootCmd.PersistentFlags().Lookup("max-attempts"))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level")
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(listenCmd, sendCmd)
}

func newClient(handler chatclient.Handler) (*chatclient.Client, error) {
	token := viper.GetString("token")
	if token == "" {
		return nil, fmt.Errorf("a token is required, pass --token or set CHATCTL_TOKEN")
	}

	return chatclient.New(chatclient.Options{
		URL:         viper.GetString("url"),
		MaxAttempts: viper.GetInt("max-attempts"),
	}, chatclient.StaticToken(token), nil, handler), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func logState(s chatclient.State, err error) {
	if err != nil {
		logger.L().Warn().Err(err).Str("state", s.String()).Msg("connection state changed")
		return
	}
	logger.L().Info().Str("state", s.String()).Msg("connection state changed")
}

// waitConnected polls until the client is connected or the timeout passes.
func waitConnected(ctx context.Context, c *chatclient.Client, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		if c.State() == chatclient.StateConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("not connected after %s", timeout)
		case <-tick.C:
		}
	}
}
