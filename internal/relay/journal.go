package relay

import (
	"context"
	"log/slog"
)

// Ledger is the subset of the metadata store the relay writes to.
type Ledger interface {
	ConnectionOpened(ctx context.Context, connID, remoteAddr string) error
	ConnectionAnnounced(ctx context.Context, connID, platform, displayName string) error
	ConnectionClosed(ctx context.Context, connID, reason string) error
	TransferRequested(ctx context.Context, transferID, senderID, targetID, fileName string, fileSize int64) error
	TransferUpdated(ctx context.Context, transferID, status, detail string) error
}

const journalQueue = 256

// journal moves ledger writes off the hub goroutine. Entries are dropped
// rather than blocking when the queue is full.
type journal struct {
	ledger Ledger
	logger *slog.Logger
	queue  chan func(context.Context) error
}

func newJournal(ledger Ledger, logger *slog.Logger) *journal {
	return &journal{
		ledger: ledger,
		logger: logger,
		queue:  make(chan func(context.Context) error, journalQueue),
	}
}

func (j *journal) record(op func(context.Context, Ledger) error) {
	if j == nil || j.ledger == nil {
		return
	}
	select {
	case j.queue <- func(ctx context.Context) error { return op(ctx, j.ledger) }:
	default:
		j.logger.Warn("Ledger queue full, dropping entry")
	}
}

func (j *journal) Run(ctx context.Context) error {
	if j == nil || j.ledger == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			j.drain()
			return nil
		case op := <-j.queue:
			if err := op(ctx); err != nil {
				j.logger.Warn("Ledger write failed", "error", err)
			}
		}
	}
}

// drain flushes what is already queued using a fresh context.
func (j *journal) drain() {
	ctx := context.Background()
	for {
		select {
		case op := <-j.queue:
			if err := op(ctx); err != nil {
				j.logger.Warn("Ledger write failed", "error", err)
			}
		default:
			return
		}
	}
}
