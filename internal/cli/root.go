// Package cli wires the relay, the peer client and discovery into the
// sharedrop command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const defaultRelayURL = "ws://localhost:8080/ws"

var (
	logLevel string
	relayURL string
)

var rootCmd = &cobra.Command{
	Use:   "sharedrop",
	Short: "sharedrop relays files and messages between peers on a network",
	Long: `sharedrop runs a websocket relay that lets peers see each other, agree on
transfers and stream files or text through it, and ships a terminal peer to use it.`,
	SilenceUsage: true,
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(peerCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(discoverCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func addRelayFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&relayURL, "relay", "r", defaultRelayURL, "relay websocket url")
}
