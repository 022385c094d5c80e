package cli

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/sharedrop/internal/logger"
	"github.com/rudransh-shrivastava/sharedrop/internal/peer"
)

var (
	peerName   string
	peerOutDir string
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Join a relay with an interactive shell",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		log := logger.NewClientLogger(logLevel)
		client := peer.NewClient(peer.Config{
			RelayURL:    relayURL,
			Logger:      log,
			Descriptor:  platformDescriptor(runtime.GOOS),
			DisplayName: displayName(peerName),
		})
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		sh := newShell(client, log, os.Stdout, peerOutDir)
		go sh.handleEvents(ctx)

		fmt.Printf("sharedrop peer %s connected to %s\n", client.ID(), relayURL)
		fmt.Println("Type 'help' for commands.")

		prompt.New(
			func(in string) { sh.execute(ctx, in) },
			shellCompleter,
			prompt.OptionPrefix("sharedrop> "),
			prompt.OptionTitle("sharedrop"),
			prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
				cmd := strings.TrimSpace(in)
				return breakline && (cmd == "exit" || cmd == "quit")
			}),
		).Run()
		return nil
	},
}

func init() {
	addRelayFlag(peerCmd)
	peerCmd.Flags().StringVarP(&peerName, "name", "n", "", "display name shown to other peers (defaults to the hostname)")
	peerCmd.Flags().StringVarP(&peerOutDir, "out", "o", ".", "directory received files are written to")
}

func shellCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "peers", Description: "List connected peers"},
		{Text: "send", Description: "Offer a file to a peer"},
		{Text: "msg", Description: "Send a text message"},
		{Text: "requests", Description: "List incoming requests"},
		{Text: "accept", Description: "Accept a transfer"},
		{Text: "decline", Description: "Decline a transfer"},
		{Text: "cancel", Description: "Abort a transfer"},
		{Text: "id", Description: "Show this peer's id"},
		{Text: "exit", Description: "Disconnect and exit"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

// platformDescriptor builds a descriptor the relay labels the same way it
// labels browser user agents.
func platformDescriptor(goos string) string {
	token := goos
	switch goos {
	case "windows":
		token = "Windows NT"
	case "darwin":
		token = "Macintosh"
	case "android":
		token = "Android"
	case "ios":
		token = "iPhone"
	}
	return fmt.Sprintf("sharedrop-cli (%s; %s)", token, runtime.GOARCH)
}

func displayName(name string) string {
	if name != "" {
		return name
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "peer-" + uuid.NewString()[:8]
}
