package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/sharedrop/internal/logger"
	"github.com/rudransh-shrivastava/sharedrop/internal/peer"
	"github.com/rudransh-shrivastava/sharedrop/internal/presence"
	"github.com/rudransh-shrivastava/sharedrop/internal/protocol"
	"github.com/rudransh-shrivastava/sharedrop/internal/relay"
)

func TestResolveID(t *testing.T) {
	ids := []string{"abc123", "abd456", "zzz"}

	tests := []struct {
		ref     string
		want    string
		wantErr error
	}{
		{ref: "abc", want: "abc123"},
		{ref: "zzz", want: "zzz"},
		{ref: "ab", wantErr: errAmbiguousPeer},
		{ref: "q", wantErr: errNoPeer},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := resolveID(ids, tt.ref)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolvePeerDuplicateEntries(t *testing.T) {
	roster := []protocol.Peer{{ID: "abc123"}, {ID: "abc123"}}
	id, err := resolvePeer(roster, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()

	first := uniquePath(dir, "photo.jpg")
	assert.Equal(t, filepath.Join(dir, "photo.jpg"), first)
	require.NoError(t, os.WriteFile(first, nil, 0o644))

	assert.Equal(t, filepath.Join(dir, "photo (1).jpg"), uniquePath(dir, "photo.jpg"))
	assert.Equal(t, filepath.Join(dir, "passwd"), uniquePath(dir, "../../etc/passwd"))
	assert.Equal(t, filepath.Join(dir, "download"), uniquePath(dir, ""))
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "130.0 KiB", humanBytes(130*1024))
	assert.Equal(t, "1.5 MiB", humanBytes(3*1024*1024/2))
}

func TestHTTPURL(t *testing.T) {
	got, err := httpURL("ws://relay.local:8080/ws", "/peers")
	require.NoError(t, err)
	assert.Equal(t, "http://relay.local:8080/peers", got)

	got, err = httpURL("wss://drop.example/ws?x=1", "/healthz")
	require.NoError(t, err)
	assert.Equal(t, "https://drop.example/healthz", got)

	_, err = httpURL("ftp://nope", "/peers")
	assert.Error(t, err)
}

func TestResolveAddr(t *testing.T) {
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }
	opts := serveOptions{addr: relay.DefaultAddr}

	assert.Equal(t, relay.DefaultAddr, resolveAddr(opts, nil, getenv))

	env["PORT"] = "9000"
	assert.Equal(t, ":9000", resolveAddr(opts, nil, getenv))

	env["SHAREDROP_ADDR"] = "127.0.0.1:7000"
	assert.Equal(t, "127.0.0.1:7000", resolveAddr(opts, nil, getenv))

	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.StringVar(&opts.addr, "addr", relay.DefaultAddr, "")
	require.NoError(t, flags.Parse([]string{"--addr", ":1234"}))
	assert.Equal(t, ":1234", resolveAddr(opts, flags, getenv))
}

func TestServeFlagsMapToRelayConfig(t *testing.T) {
	require.NoError(t, serveCmd.Flags().Parse([]string{
		"--max-session-bytes", "1024",
		"--max-pending", "2",
		"--stall-timeout", "5s",
		"--allowed-origin", "https://a.example",
		"--allowed-origin", "https://b.example",
	}))

	cfg := serveOpts.relayConfig()
	assert.Equal(t, int64(1024), cfg.MaxSessionBytes)
	assert.Equal(t, 2, cfg.MaxPendingPerTarget)
	assert.Equal(t, 5*time.Second, cfg.StallTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, relay.DefaultMaxSessions, cfg.MaxSessions)
}

func TestPlatformDescriptorLabels(t *testing.T) {
	assert.Equal(t, presence.PlatformWindows, presence.ParsePlatform(platformDescriptor("windows")))
	assert.Equal(t, presence.PlatformMacOS, presence.ParsePlatform(platformDescriptor("darwin")))
	assert.Equal(t, presence.PlatformAndroid, presence.ParsePlatform(platformDescriptor("android")))
	assert.Equal(t, presence.PlatformUnknown, presence.ParsePlatform(platformDescriptor("linux")))
}

func TestShellSavesReceivedFile(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	sh := newShell(peer.NewClient(peer.Config{Logger: logger.NewClientLoggerTo(io.Discard, "error")}), nil, &out, dir)

	err := sh.handleEvent(context.Background(), peer.Event{
		Name: protocol.EvFileReceived,
		File: &protocol.FileReceived{
			TransferID: "t1",
			SenderID:   "sender-1234",
			FileName:   "notes.txt",
			Payload:    []byte("hello"),
		},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Contains(t, out.String(), "received notes.txt")
}

func TestShellTracksIncomingRequests(t *testing.T) {
	var out bytes.Buffer
	sh := newShell(peer.NewClient(peer.Config{Logger: logger.NewClientLoggerTo(io.Discard, "error")}), nil, &out, t.TempDir())

	env := mustEnvelope(t, protocol.EvTransferRequested, &protocol.TransferRequested{
		TransferID: "transfer-42",
		SenderID:   "sender",
		FileName:   "clip.mp4",
		FileSize:   2048,
	})
	require.NoError(t, sh.handleEvent(context.Background(), peer.Event{Name: env.Event, Envelope: env}))

	out.Reset()
	assert.True(t, sh.execute(context.Background(), "requests"))
	assert.Contains(t, out.String(), "clip.mp4 (2.0 KiB)")

	out.Reset()
	assert.True(t, sh.execute(context.Background(), "bogus"))
	assert.Contains(t, out.String(), "Unknown command: bogus")

	assert.False(t, sh.execute(context.Background(), "exit"))
}

func TestSendOneAndFetchRoster(t *testing.T) {
	srv, err := relay.NewServer(relay.Config{
		Addr:   "127.0.0.1:0",
		Logger: logger.New(io.Discard, slog.LevelError),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	quiet := logger.NewClientLoggerTo(io.Discard, "error")
	sender := peer.NewClient(peer.Config{RelayURL: srv.URL(), Logger: quiet, Descriptor: "Windows", DisplayName: "sender"})
	receiver := peer.NewClient(peer.Config{RelayURL: srv.URL(), Logger: quiet, Descriptor: "Android", DisplayName: "receiver"})
	require.NoError(t, sender.Connect(ctx))
	require.NoError(t, receiver.Connect(ctx))
	t.Cleanup(func() {
		_ = sender.Close()
		_ = receiver.Close()
	})

	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello from the cli"), 0o644))

	received := make(chan *protocol.FileReceived, 1)
	go func() {
		for ev := range receiver.Events() {
			switch ev.Name {
			case protocol.EvTransferRequested:
				var req protocol.TransferRequested
				if ev.Decode(&req) == nil {
					_ = receiver.Respond(ctx, req.TransferID, true)
				}
			case protocol.EvFileReceived:
				received <- ev.File
				return
			}
		}
	}()

	sendCtx, sendCancel := context.WithTimeout(ctx, 5*time.Second)
	defer sendCancel()
	require.NoError(t, sendOne(sendCtx, sender, receiver.ID()[:8], path, 5*time.Second))

	select {
	case f := <-received:
		assert.Equal(t, "hello.txt", f.FileName)
		assert.Equal(t, "hello from the cli", string(f.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("file not received")
	}

	roster, err := fetchRoster(sendCtx, http.DefaultClient, srv.URL())
	require.NoError(t, err)
	assert.Len(t, roster.Peers, 2)

	var buf bytes.Buffer
	printRoster(&buf, roster)
	assert.Contains(t, buf.String(), "receiver")
}

func mustEnvelope(t *testing.T, ev protocol.Event, data any) protocol.Envelope {
	t.Helper()

	codec := protocol.NewCodec()
	raw, err := codec.EncodeEvent(ev, data)
	require.NoError(t, err)
	env, err := codec.DecodeEnvelope(raw)
	require.NoError(t, err)
	return env
}
