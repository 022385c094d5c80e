package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/sharedrop/internal/peer"
	"github.com/rudransh-shrivastava/sharedrop/internal/protocol"
)

var (
	errNoPeer        = errors.New("no peer matches")
	errAmbiguousPeer = errors.New("more than one peer matches")
)

// shell holds the state of one interactive peer session. Events from the
// relay are handled on their own goroutine while commands run on the
// prompt goroutine.
type shell struct {
	client *peer.Client
	logger *logrus.Logger
	out    io.Writer
	outDir string

	mu       sync.Mutex
	incoming map[string]protocol.TransferRequested
	outgoing map[string]string
	bars     map[string]*progressbar.ProgressBar
}

func newShell(client *peer.Client, log *logrus.Logger, out io.Writer, outDir string) *shell {
	return &shell{
		client:   client,
		logger:   log,
		out:      out,
		outDir:   outDir,
		incoming: make(map[string]protocol.TransferRequested),
		outgoing: make(map[string]string),
		bars:     make(map[string]*progressbar.ProgressBar),
	}
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// handleEvents runs until the client's event stream closes.
func (s *shell) handleEvents(ctx context.Context) {
	for ev := range s.client.Events() {
		if err := s.handleEvent(ctx, ev); err != nil {
			s.logger.WithError(err).WithField("event", ev.Name).Warn("Failed to handle event")
		}
	}
}

func (s *shell) handleEvent(ctx context.Context, ev peer.Event) error {
	switch ev.Name {
	case protocol.EvWelcome:
		s.printf("connected as %s\n", s.client.ID())
	case protocol.EvTransferRequested:
		var req protocol.TransferRequested
		if err := ev.Decode(&req); err != nil {
			return err
		}
		s.mu.Lock()
		s.incoming[req.TransferID] = req
		s.mu.Unlock()
		s.printf("\n%s wants to send %s (%s), transfer %s\n  accept %s | decline %s\n",
			s.peerLabel(req.SenderID), req.FileName, humanBytes(req.FileSize), req.TransferID,
			shortID(req.TransferID), shortID(req.TransferID))
	case protocol.EvTransferResponse:
		var resp protocol.TransferResponse
		if err := ev.Decode(&resp); err != nil {
			return err
		}
		s.mu.Lock()
		path, ok := s.outgoing[resp.TransferID]
		delete(s.outgoing, resp.TransferID)
		s.mu.Unlock()
		if !ok {
			return nil
		}
		if !resp.Accept {
			s.printf("\n%s declined %s\n", s.peerLabel(resp.ResponderID), filepath.Base(path))
			return nil
		}
		go func() {
			if err := s.sendFile(ctx, resp.TransferID, resp.ResponderID, path); err != nil {
				s.printf("\nsend failed: %v\n", err)
			}
		}()
	case protocol.EvProgressUpdate:
		var upd protocol.ProgressUpdate
		if err := ev.Decode(&upd); err != nil {
			return err
		}
		_ = s.receiveBar(upd.TransferID).Set(int(upd.PercentComplete))
	case protocol.EvFileReceived:
		path, err := saveFile(s.outDir, ev.File)
		if err != nil {
			return err
		}
		s.finishBar(ev.File.TransferID)
		s.printf("\nreceived %s from %s -> %s\n", ev.File.FileName, s.peerLabel(ev.File.SenderID), path)
	case protocol.EvMessageReceived:
		var msg protocol.MessageReceived
		if err := ev.Decode(&msg); err != nil {
			return err
		}
		s.printf("\n[%s] %s\n", s.peerLabel(msg.SenderID), msg.Text)
	case protocol.EvDeliveryFailed:
		var df protocol.DeliveryFailed
		if err := ev.Decode(&df); err != nil {
			return err
		}
		s.printf("\n%s could not be delivered: %s is not connected\n", df.Event, shortID(df.TargetID))
	case protocol.EvTransferAborted:
		var ab protocol.TransferAborted
		if err := ev.Decode(&ab); err != nil {
			return err
		}
		s.forget(ab.TransferID)
		s.printf("\ntransfer %s aborted: %s\n", shortID(ab.TransferID), ab.Reason)
	case protocol.EvTransferError:
		var te protocol.TransferError
		if err := ev.Decode(&te); err != nil {
			return err
		}
		s.printf("\ntransfer %s failed: %s %s\n", shortID(te.TransferID), te.Code, te.Message)
	case protocol.EvError:
		var e protocol.Error
		if err := ev.Decode(&e); err != nil {
			return err
		}
		s.printf("\nrelay error: %s %s\n", e.Code, e.Message)
	}
	return nil
}

// execute runs one shell command line. It returns false when the shell
// should exit.
func (s *shell) execute(ctx context.Context, line string) bool {
	blocks := strings.Fields(strings.TrimSpace(line))
	if len(blocks) == 0 {
		return true
	}

	var err error
	switch blocks[0] {
	case "exit", "quit":
		return false
	case "id":
		s.printf("%s\n", s.client.ID())
	case "peers":
		s.listPeers()
	case "requests":
		s.listRequests()
	case "send":
		if len(blocks) < 3 {
			s.printf("Usage: send <peer> <path>\n")
			return true
		}
		err = s.requestSend(ctx, blocks[1], strings.Join(blocks[2:], " "))
	case "msg":
		if len(blocks) < 3 {
			s.printf("Usage: msg <peer> <text>\n")
			return true
		}
		err = s.message(ctx, blocks[1], strings.Join(blocks[2:], " "))
	case "accept", "decline":
		if len(blocks) < 2 {
			s.printf("Usage: %s <transfer>\n", blocks[0])
			return true
		}
		err = s.answer(ctx, blocks[1], blocks[0] == "accept")
	case "cancel":
		if len(blocks) < 2 {
			s.printf("Usage: cancel <transfer>\n")
			return true
		}
		err = s.cancel(ctx, blocks[1])
	case "help":
		s.printf(`Available commands:
  peers                  - List connected peers
  send <peer> <path>     - Offer a file to a peer
  msg <peer> <text>      - Send a text message
  requests               - List incoming transfer requests
  accept <transfer>      - Accept an incoming transfer
  decline <transfer>     - Decline an incoming transfer
  cancel <transfer>      - Abort a transfer
  id                     - Show this peer's id
  exit                   - Disconnect and exit
`)
	default:
		s.printf("Unknown command: %s\n", blocks[0])
	}

	if err != nil {
		s.printf("%v\n", err)
	}
	return true
}

func (s *shell) listPeers() {
	roster := s.client.Roster()
	if len(roster) == 0 {
		s.printf("No peers announced.\n")
		return
	}
	self := s.client.ID()
	for _, p := range roster {
		marker := ""
		if p.ID == self {
			marker = " (you)"
		}
		name := p.DisplayName
		if name == "" {
			name = "-"
		}
		s.printf("  %s  %-8s %s%s\n", shortID(p.ID), p.Platform, name, marker)
	}
}

func (s *shell) listRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.incoming) == 0 {
		s.printf("No pending requests.\n")
		return
	}
	ids := make([]string, 0, len(s.incoming))
	for id := range s.incoming {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		req := s.incoming[id]
		s.printf("  %s  %s (%s) from %s\n", shortID(id), req.FileName, humanBytes(req.FileSize), shortID(req.SenderID))
	}
}

func (s *shell) requestSend(ctx context.Context, peerRef, path string) error {
	target, err := resolvePeer(s.client.Roster(), peerRef)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	id, err := s.client.RequestTransfer(ctx, target, filepath.Base(path), info.Size())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.outgoing[id] = path
	s.mu.Unlock()
	s.printf("offered %s to %s, waiting for an answer\n", filepath.Base(path), shortID(target))
	return nil
}

func (s *shell) sendFile(ctx context.Context, transferID, targetID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	bar := newBar(s.out, "sending "+filepath.Base(path))
	defer func() { _ = bar.Finish() }()

	return s.client.SendFile(ctx, peer.FileInfo{
		TransferID: transferID,
		TargetID:   targetID,
		Name:       filepath.Base(path),
		Type:       mime.TypeByExtension(filepath.Ext(path)),
		Size:       info.Size(),
	}, f, func(percent float64) {
		_ = bar.Set(int(percent))
	})
}

func (s *shell) message(ctx context.Context, peerRef, text string) error {
	target, err := resolvePeer(s.client.Roster(), peerRef)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, target, text)
}

func (s *shell) answer(ctx context.Context, ref string, accept bool) error {
	s.mu.Lock()
	id, err := resolveID(keys(s.incoming), ref)
	if err == nil {
		delete(s.incoming, id)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.client.Respond(ctx, id, accept)
}

func (s *shell) cancel(ctx context.Context, ref string) error {
	s.mu.Lock()
	ids := append(keys(s.incoming), keys(s.outgoing)...)
	for id := range s.bars {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	id, err := resolveID(ids, ref)
	if err != nil {
		id = ref
	}
	s.forget(id)
	return s.client.Cancel(ctx, id, protocol.ReasonCancelled)
}

func (s *shell) forget(transferID string) {
	s.mu.Lock()
	delete(s.incoming, transferID)
	delete(s.outgoing, transferID)
	bar, ok := s.bars[transferID]
	delete(s.bars, transferID)
	s.mu.Unlock()
	if ok {
		_ = bar.Exit()
	}
}

func (s *shell) receiveBar(transferID string) *progressbar.ProgressBar {
	s.mu.Lock()
	defer s.mu.Unlock()

	bar, ok := s.bars[transferID]
	if !ok {
		bar = newBar(s.out, "receiving "+shortID(transferID))
		s.bars[transferID] = bar
	}
	return bar
}

func (s *shell) finishBar(transferID string) {
	s.mu.Lock()
	bar, ok := s.bars[transferID]
	delete(s.bars, transferID)
	s.mu.Unlock()
	if ok {
		_ = bar.Finish()
	}
}

func (s *shell) peerLabel(id string) string {
	for _, p := range s.client.Roster() {
		if p.ID == id && p.DisplayName != "" {
			return p.DisplayName
		}
	}
	return shortID(id)
}

func newBar(out io.Writer, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(protocol.MaxPercent,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(out) }),
	)
}

// resolvePeer finds the roster entry whose id starts with ref.
func resolvePeer(roster []protocol.Peer, ref string) (string, error) {
	ids := make([]string, 0, len(roster))
	for _, p := range roster {
		ids = append(ids, p.ID)
	}
	id, err := resolveID(ids, ref)
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, ref)
	}
	return id, nil
}

func resolveID(ids []string, ref string) (string, error) {
	var match string
	for _, id := range ids {
		if id == ref {
			return id, nil
		}
		if strings.HasPrefix(id, ref) {
			if match != "" && match != id {
				return "", errAmbiguousPeer
			}
			match = id
		}
	}
	if match == "" {
		return "", errNoPeer
	}
	return match, nil
}

// saveFile writes f under dir without overwriting an existing file.
func saveFile(dir string, f *protocol.FileReceived) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := uniquePath(dir, f.FileName)
	if err := os.WriteFile(path, f.Payload, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

func uniquePath(dir, name string) string {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		name = "download"
	}
	path := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(dir, stem+" ("+strconv.Itoa(i)+")"+ext)
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
