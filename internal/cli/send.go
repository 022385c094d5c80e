package cli

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/sharedrop/internal/logger"
	"github.com/rudransh-shrivastava/sharedrop/internal/peer"
	"github.com/rudransh-shrivastava/sharedrop/internal/protocol"
)

var (
	errDeclined = errors.New("transfer declined")
	errAborted  = errors.New("transfer aborted")
)

var sendWait time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <peer> <path>",
	Short: "Offer one file to a peer and stream it once accepted",
	Args:  cobra.ExactArgs(2),
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

		return sendOne(ctx, client, args[0], args[1], sendWait)
	},
}

func init() {
	addRelayFlag(sendCmd)
	sendCmd.Flags().StringVarP(&peerName, "name", "n", "", "display name shown to other peers")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 2*time.Minute, "how long to wait for the peer to answer")
}

func sendOne(ctx context.Context, client *peer.Client, peerRef, path string, wait time.Duration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	target, err := awaitPeer(ctx, client, peerRef)
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	transferID, err := client.RequestTransfer(ctx, target, name, info.Size())
	if err != nil {
		return err
	}
	fmt.Printf("waiting for %s to accept %s\n", shortID(target), name)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := awaitResponse(waitCtx, client, transferID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			_ = client.Cancel(ctx, transferID, protocol.ReasonHandshakeTimeout)
		}
		return err
	}

	bar := newBar(os.Stdout, "sending "+name)
	err = client.SendFile(ctx, peer.FileInfo{
		TransferID: transferID,
		TargetID:   target,
		Name:       name,
		Type:       mime.TypeByExtension(filepath.Ext(name)),
		Size:       info.Size(),
	}, f, func(percent float64) {
		_ = bar.Set(int(percent))
	})
	_ = bar.Finish()
	return err
}

// awaitPeer resolves ref against the roster, waiting for roster updates
// until a match appears.
func awaitPeer(ctx context.Context, client *peer.Client, ref string) (string, error) {
	if id, err := resolvePeer(client.Roster(), ref); err == nil {
		return id, nil
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-client.Events():
			if !ok {
				return "", peer.ErrClosed
			}
			if ev.Name != protocol.EvRoster {
				continue
			}
			id, err := resolvePeer(client.Roster(), ref)
			if errors.Is(err, errNoPeer) {
				continue
			}
			return id, err
		}
	}
}

func awaitResponse(ctx context.Context, client *peer.Client, transferID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-client.Events():
			if !ok {
				return peer.ErrClosed
			}
			switch ev.Name {
			case protocol.EvTransferResponse:
				var resp protocol.TransferResponse
				if err := ev.Decode(&resp); err != nil || resp.TransferID != transferID {
					continue
				}
				if !resp.Accept {
					return errDeclined
				}
				return nil
			case protocol.EvTransferAborted:
				var ab protocol.TransferAborted
				if err := ev.Decode(&ab); err == nil && ab.TransferID == transferID {
					return fmt.Errorf("%w: %s", errAborted, ab.Reason)
				}
			case protocol.EvTransferError:
				var te protocol.TransferError
				if err := ev.Decode(&te); err == nil && te.TransferID == transferID {
					return fmt.Errorf("%s: %s", te.Code, te.Message)
				}
			case protocol.EvDeliveryFailed:
				var df protocol.DeliveryFailed
				if err := ev.Decode(&df); err == nil && df.TransferID == transferID {
					return fmt.Errorf("%s is not connected", shortID(df.TargetID))
				}
			}
		}
	}
}
