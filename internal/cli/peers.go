package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/sharedrop/internal/protocol"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers announced on a relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		roster, err := fetchRoster(ctx, http.DefaultClient, relayURL)
		if err != nil {
			return err
		}
		printRoster(os.Stdout, roster)
		return nil
	},
}

func init() {
	addRelayFlag(peersCmd)
}

// httpURL maps a relay websocket url to an http url on the same host.
func httpURL(wsURL, path string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "http", "":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}

func fetchRoster(ctx context.Context, client *http.Client, wsURL string) (protocol.Roster, error) {
	endpoint, err := httpURL(wsURL, "/peers")
	if err != nil {
		return protocol.Roster{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return protocol.Roster{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return protocol.Roster{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return protocol.Roster{}, fmt.Errorf("%s returned %s", endpoint, resp.Status)
	}

	var roster protocol.Roster
	if err := json.NewDecoder(resp.Body).Decode(&roster); err != nil {
		return protocol.Roster{}, fmt.Errorf("decoding roster: %w", err)
	}
	return roster, nil
}

func printRoster(w io.Writer, roster protocol.Roster) {
	if len(roster.Peers) == 0 {
		fmt.Fprintln(w, "No peers announced.")
		return
	}
	for _, p := range roster.Peers {
		name := p.DisplayName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s  %-8s %s\n", p.ID, p.Platform, name)
	}
}
