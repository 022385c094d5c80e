package relay

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/sharedrop/internal/logger"
	"github.com/rudransh-shrivastava/sharedrop/internal/protocol"
	"github.com/rudransh-shrivastava/sharedrop/internal/store"
)

func TestServerRecordsLedger(t *testing.T) {
	ledger, err := store.Open(filepath.Join(t.TempDir(), "ledger.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	srv := setupServer(t, func(cfg *Config) {
		cfg.Ledger = ledger
	})
	a, b := announcedPair(t, srv)

	transferID := handshake(t, a, b, "notes.txt", 5, true)
	a.sendChunk(&protocol.Chunk{
		TransferID:  transferID,
		TargetID:    b.id,
		TotalChunks: 1,
		FileName:    "notes.txt",
		Payload:     []byte("hello"),
	})
	b.expectFile()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		tr, err := ledger.GetTransfer(ctx, transferID)
		return err == nil && tr.Status == store.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	tr, err := ledger.GetTransfer(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, a.id, tr.SenderID)
	assert.Equal(t, b.id, tr.TargetID)
	assert.Equal(t, "notes.txt", tr.FileName)

	require.Eventually(t, func() bool {
		conn, err := ledger.GetConnection(ctx, b.id)
		return err == nil && conn.Platform == "iOS"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServerRecordsDecline(t *testing.T) {
	ledger, err := store.Open(filepath.Join(t.TempDir(), "ledger.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	srv := setupServer(t, func(cfg *Config) {
		cfg.Ledger = ledger
	})
	a, b := announcedPair(t, srv)

	transferID := handshake(t, a, b, "nope.txt", 5, false)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		tr, err := ledger.GetTransfer(ctx, transferID)
		return err == nil && tr.Status == store.StatusDeclined
	}, 2*time.Second, 20*time.Millisecond)

	tr, err := ledger.GetTransfer(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReasonDeclined, tr.Detail)
}

type failingLedger struct {
	mu    sync.Mutex
	calls int
}

func (f *failingLedger) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("disk full")
}

func (f *failingLedger) ConnectionOpened(context.Context, string, string) error { return f.fail() }
func (f *failingLedger) ConnectionAnnounced(context.Context, string, string, string) error {
	return f.fail()
}
func (f *failingLedger) ConnectionClosed(context.Context, string, string) error { return f.fail() }
func (f *failingLedger) TransferRequested(context.Context, string, string, string, string, int64) error {
	return f.fail()
}
func (f *failingLedger) TransferUpdated(context.Context, string, string, string) error {
	return f.fail()
}

func TestJournalSurvivesLedgerErrors(t *testing.T) {
	ledger := &failingLedger{}
	j := newJournal(ledger, logger.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = j.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		j.record(func(ctx context.Context, l Ledger) error {
			return l.ConnectionClosed(ctx, "c", "test")
		})
	}

	require.Eventually(t, func() bool {
		ledger.mu.Lock()
		defer ledger.mu.Unlock()
		return ledger.calls == 3
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestJournalWithoutLedger(t *testing.T) {
	j := newJournal(nil, logger.NewLogger())
	j.record(func(context.Context, Ledger) error {
		t.Fatal("op must not run without a ledger")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, j.Run(ctx))
}
