package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/sharedrop/internal/discovery"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find relays advertised on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, err := discovery.NewResolver()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), discoverTimeout)
		defer cancel()

		relays, err := resolver.Lookup(ctx)
		if err != nil {
			return err
		}
		if len(relays) == 0 {
			fmt.Println("No relays found.")
			return nil
		}
		for _, r := range relays {
			fmt.Printf("%s  %s  %s\n", r.Instance, r.URL(), r.Meta[discovery.MetaVersion])
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().DurationVarP(&discoverTimeout, "timeout", "t", 3*time.Second, "how long to listen for advertisements")
}
