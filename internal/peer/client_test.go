package peer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/sharedrop/internal/logger"
	"github.com/rudransh-shrivastava/sharedrop/internal/protocol"
	"github.com/rudransh-shrivastava/sharedrop/internal/relay"
)

func TestClientConnectAndAnnounce(t *testing.T) {
	srv := setupRelay(t)

	a := connectClient(t, srv, "Mozilla/5.0 (Windows NT 10.0)", "desk")
	b := connectClient(t, srv, "Mozilla/5.0 (Linux; Android 14)", "phone")

	require.NotEmpty(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())

	roster := waitRoster(t, a, 2)
	platforms := map[string]string{}
	for _, p := range roster {
		platforms[p.ID] = p.Platform
	}
	assert.Equal(t, "Windows", platforms[a.ID()])
	assert.Equal(t, "Android", platforms[b.ID()])
	assert.Len(t, a.Roster(), 2)
}

func TestClientSendFile(t *testing.T) {
	srv := setupRelay(t)
	a := connectClient(t, srv, "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)", "mac")
	b := connectClient(t, srv, "Mozilla/5.0 (iPad; CPU OS 17_0)", "tablet")
	waitRoster(t, a, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := bytes.Repeat([]byte("sharedrop"), 20000)
	transferID, err := a.RequestTransfer(ctx, b.ID(), "blob.bin", int64(len(payload)))
	require.NoError(t, err)

	var req protocol.TransferRequested
	require.NoError(t, waitEvent(t, b, protocol.EvTransferRequested).Decode(&req))
	assert.Equal(t, transferID, req.TransferID)
	assert.Equal(t, a.ID(), req.SenderID)

	require.NoError(t, b.Respond(ctx, transferID, true))

	var resp protocol.TransferResponse
	require.NoError(t, waitEvent(t, a, protocol.EvTransferResponse).Decode(&resp))
	require.True(t, resp.Accept)

	var reported []float64
	err = a.SendFile(ctx, FileInfo{
		TransferID: transferID,
		TargetID:   b.ID(),
		Name:       "blob.bin",
		Type:       "application/octet-stream",
		Size:       int64(len(payload)),
	}, bytes.NewReader(payload), func(p float64) { reported = append(reported, p) })
	require.NoError(t, err)

	require.Len(t, reported, 3)
	assert.InDelta(t, 100, reported[2], 0.001)

	var lastProgress float64
	for {
		ev := nextEvent(t, b)
		if ev.Name == protocol.EvProgressUpdate {
			var upd protocol.ProgressUpdate
			require.NoError(t, ev.Decode(&upd))
			lastProgress = upd.PercentComplete
			continue
		}
		if ev.Name == protocol.EvFileReceived {
			require.NotNil(t, ev.File)
			assert.Equal(t, "blob.bin", ev.File.FileName)
			assert.Equal(t, a.ID(), ev.File.SenderID)
			assert.True(t, bytes.Equal(payload, ev.File.Payload))
			break
		}
	}
	assert.Greater(t, lastProgress, 0.0)
}

func TestClientSendMessage(t *testing.T) {
	srv := setupRelay(t)
	a := connectClient(t, srv, "", "")
	b := connectClient(t, srv, "", "")

	ctx := context.Background()
	require.NoError(t, a.SendMessage(ctx, b.ID(), "ping"))

	var msg protocol.MessageReceived
	require.NoError(t, waitEvent(t, b, protocol.EvMessageReceived).Decode(&msg))
	assert.Equal(t, "ping", msg.Text)
	assert.Equal(t, a.ID(), msg.SenderID)

	require.NoError(t, a.SendMessage(ctx, "nobody", "hello?"))
	var df protocol.DeliveryFailed
	require.NoError(t, waitEvent(t, a, protocol.EvDeliveryFailed).Decode(&df))
	assert.Equal(t, "nobody", df.TargetID)
}

func TestClientConnectGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	c := NewClient(Config{
		RelayURL:    "ws://" + addr + "/ws",
		Logger:      quietLogger(),
		MaxAttempts: 2,
		RetryDelay:  10 * time.Millisecond,
	})

	start := time.Now()
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.ErrorIs(t, c.SendMessage(context.Background(), "x", "y"), ErrNotConnected)
}

func TestClientWriteAfterClose(t *testing.T) {
	srv := setupRelay(t)
	c := connectClient(t, srv, "", "")

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.SendMessage(context.Background(), "x", "y"), ErrClosed)

	_, open := <-c.Events()
	for open {
		_, open = <-c.Events()
	}
}

func setupRelay(t *testing.T) *relay.Server {
	t.Helper()

	srv, err := relay.NewServer(relay.Config{
		Addr:   "127.0.0.1:0",
		Logger: logger.New(io.Discard, slog.LevelDebug),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

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
	return srv
}

func quietLogger() *logrus.Logger {
	return logger.NewClientLoggerTo(io.Discard, "debug")
}

func connectClient(t *testing.T, srv *relay.Server, descriptor, name string) *Client {
	t.Helper()

	c := NewClient(Config{
		RelayURL:    srv.URL(),
		Logger:      quietLogger(),
		Descriptor:  descriptor,
		DisplayName: name,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()

	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func waitEvent(t *testing.T, c *Client, name protocol.Event) Event {
	t.Helper()

	for {
		if ev := nextEvent(t, c); ev.Name == name {
			return ev
		}
	}
}

func waitRoster(t *testing.T, c *Client, n int) []protocol.Peer {
	t.Helper()

	for {
		var roster protocol.Roster
		require.NoError(t, waitEvent(t, c, protocol.EvRoster).Decode(&roster))
		if len(roster.Peers) == n {
			return roster.Peers
		}
	}
}
