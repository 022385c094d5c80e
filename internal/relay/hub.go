package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/sharedrop/internal/presence"
	"github.com/rudransh-shrivastava/sharedrop/internal/protocol"
	"github.com/rudransh-shrivastava/sharedrop/internal/store"
	"github.com/rudransh-shrivastava/sharedrop/internal/transfer"
)

type disconnect struct {
	conn   *Conn
	reason string
}

// Hub owns all relay state. Every event is handled to completion on the Run
// goroutine, so no two mutations of the roster or a session interleave.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	codec  *protocol.Codec

	registry   *presence.Registry
	handshakes *transfer.Handshakes
	assembler  *transfer.Assembler
	journal    *journal

	conns   map[string]*Conn
	connCnt atomic.Int64

	register   chan *Conn
	unregister chan disconnect
	inbound    chan inbound
	stopped    chan struct{}
}

func NewHub(cfg Config) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		cfg:      cfg,
		logger:   cfg.Logger,
		codec:    protocol.NewCodec(),
		registry: presence.NewRegistry(),
		handshakes: transfer.NewHandshakes(transfer.HandshakeConfig{
			MaxPendingPerTarget: cfg.MaxPendingPerTarget,
			RequestTimeout:      cfg.HandshakeTimeout,
			IdleTimeout:         cfg.StallTimeout,
		}),
		assembler: transfer.NewAssembler(transfer.AssemblerConfig{
			MaxSessionBytes: cfg.MaxSessionBytes,
			MaxSessions:     cfg.MaxSessions,
		}),
		journal:    newJournal(cfg.Ledger, cfg.Logger),
		conns:      make(map[string]*Conn),
		register:   make(chan *Conn),
		unregister: make(chan disconnect),
		inbound:    make(chan inbound, 256),
		stopped:    make(chan struct{}),
	}
}

func (h *Hub) Registry() *presence.Registry { return h.registry }

// Stats is a point-in-time view for health reporting.
type Stats struct {
	Connections int   `json:"connections"`
	Peers       int   `json:"peers"`
	Handshakes  int   `json:"handshakes"`
	Sessions    int   `json:"sessions"`
	Buffered    int64 `json:"bufferedBytes"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Connections: int(h.connCnt.Load()),
		Peers:       h.registry.Len(),
		Handshakes:  h.handshakes.Len(),
		Sessions:    h.assembler.Len(),
		Buffered:    h.assembler.Buffered(),
	}
}

func (h *Hub) Run(ctx context.Context) error {
	defer close(h.stopped)

	sweep := time.NewTicker(h.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.conns {
				h.drop(c, "server shutting down")
			}
			return nil
		case c := <-h.register:
			h.onConnect(c)
		case d := <-h.unregister:
			if cur, ok := h.conns[d.conn.id]; ok && cur == d.conn {
				h.drop(d.conn, d.reason)
			}
		case msg := <-h.inbound:
			if _, ok := h.conns[msg.conn.id]; !ok {
				continue
			}
			h.handle(msg)
		case <-sweep.C:
			h.sweep()
		}
	}
}

func (h *Hub) registerConn(ctx context.Context, c *Conn) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) unregisterConn(c *Conn, reason string) {
	select {
	case h.unregister <- disconnect{conn: c, reason: reason}:
	case <-h.stopped:
	}
}

func (h *Hub) deliver(ctx context.Context, msg inbound) bool {
	select {
	case h.inbound <- msg:
		return true
	case <-h.stopped:
		return false
	case <-ctx.Done():
		return false
	case <-msg.conn.done:
		return false
	}
}

func (h *Hub) onConnect(c *Conn) {
	h.conns[c.id] = c
	h.connCnt.Add(1)
	h.logger.Info("Peer connected", "conn", c.id, "peer", c.remoteAddr)

	h.emit(c.id, protocol.EvWelcome, &protocol.Welcome{ConnectionID: c.id})
	h.emit(c.id, protocol.EvRoster, h.registry.Roster())

	remote := c.remoteAddr
	h.journal.record(func(ctx context.Context, l Ledger) error {
		return l.ConnectionOpened(ctx, c.id, remote)
	})
}

// drop releases everything tied to c: its roster entries, its handshakes
// and any buffered sessions. Surviving peers are told their transfer ended.
func (h *Hub) drop(c *Conn, reason string) {
	delete(h.conns, c.id)
	h.connCnt.Add(-1)
	c.close()
	h.logger.Info("Peer disconnected", "conn", c.id, "reason", reason)

	h.assembler.ReleasePeer(c.id)
	for _, hs := range h.handshakes.DropPeer(c.id) {
		h.abort(hs, c.id, protocol.ReasonPeerDisconnected)
	}

	if h.registry.Leave(c.id) > 0 {
		h.broadcastRoster()
	}

	h.journal.record(func(ctx context.Context, l Ledger) error {
		return l.ConnectionClosed(ctx, c.id, reason)
	})
}

// abort notifies whichever participants of hs are still connected, except
// the one that caused it.
func (h *Hub) abort(hs transfer.Handshake, causedBy, reason string) {
	msg := &protocol.TransferAborted{TransferID: hs.ID, PeerID: causedBy, Reason: reason}
	for _, id := range []string{hs.SenderID, hs.TargetID} {
		if id != causedBy {
			h.emit(id, protocol.EvTransferAborted, msg)
		}
	}
	h.logger.Info("Transfer aborted", "transfer", hs.ID, "reason", reason)
	h.journal.record(func(ctx context.Context, l Ledger) error {
		return l.TransferUpdated(ctx, hs.ID, store.StatusAborted, reason)
	})
}

func (h *Hub) sweep() {
	for _, hs := range h.handshakes.Expire() {
		h.assembler.Release(hs.ID)
		reason := protocol.ReasonStalled
		if hs.State == transfer.StateRequested {
			reason = protocol.ReasonHandshakeTimeout
		}
		h.abort(hs, "", reason)
	}

	for _, key := range h.assembler.ExpireIdle(h.cfg.StallTimeout) {
		if hs, ok := h.handshakes.Complete(key.TransferID); ok {
			h.abort(hs, "", protocol.ReasonStalled)
		}
	}
}

func (h *Hub) handle(msg inbound) {
	switch msg.messageType {
	case websocket.BinaryMessage:
		h.handleBinary(msg.conn, msg.data)
	case websocket.TextMessage:
		h.handleText(msg.conn, msg.data)
	}
}

func (h *Hub) handleText(c *Conn, data []byte) {
	env, err := h.codec.DecodeEnvelope(data)
	if err != nil {
		h.sendError(c.id, protocol.ErrInvalidMsg, err.Error())
		return
	}
	if !env.Event.Inbound() {
		h.sendError(c.id, protocol.ErrInvalidMsg, fmt.Sprintf("%q is not a client event", env.Event))
		return
	}

	switch env.Event {
	case protocol.EvAnnounce:
		var req protocol.Announce
		if h.decode(c, env, &req) {
			h.onAnnounce(c, req)
		}
	case protocol.EvRequestTransfer:
		var req protocol.RequestTransfer
		if h.decode(c, env, &req) {
			h.onRequestTransfer(c, req)
		}
	case protocol.EvRespondTransfer:
		var req protocol.RespondTransfer
		if h.decode(c, env, &req) {
			h.onRespondTransfer(c, req)
		}
	case protocol.EvProgress:
		var req protocol.Progress
		if h.decode(c, env, &req) {
			h.onProgress(c, req)
		}
	case protocol.EvSendMessage:
		var req protocol.SendMessage
		if h.decode(c, env, &req) {
			h.onSendMessage(c, req)
		}
	case protocol.EvCancelTransfer:
		var req protocol.CancelTransfer
		if h.decode(c, env, &req) {
			h.onCancelTransfer(c, req)
		}
	default:
		h.logger.Warn("Unhandled event", "conn", c.id, "event", env.Event.String())
		h.sendError(c.id, protocol.ErrInvalidMsg, fmt.Sprintf("unsupported event %q", env.Event))
	}
}

func (h *Hub) decode(c *Conn, env protocol.Envelope, v any) bool {
	if err := h.codec.DecodeData(env, v); err != nil {
		h.sendError(c.id, protocol.ErrInvalidMsg, err.Error())
		return false
	}
	return true
}

func (h *Hub) onAnnounce(c *Conn, req protocol.Announce) {
	p := h.registry.Join(c.id, req.PlatformDescriptor, req.DisplayName)
	h.logger.Info("Peer announced", "conn", c.id, "platform", p.Platform, "name", p.DisplayName)
	h.broadcastRoster()

	h.journal.record(func(ctx context.Context, l Ledger) error {
		return l.ConnectionAnnounced(ctx, c.id, string(p.Platform), p.DisplayName)
	})
}

func (h *Hub) onRequestTransfer(c *Conn, req protocol.RequestTransfer) {
	if req.TargetID == "" {
		h.sendError(c.id, protocol.ErrInvalidMsg, "requestTransfer needs a targetId")
		return
	}
	if _, ok := h.conns[req.TargetID]; !ok {
		h.routingMiss(c, protocol.EvRequestTransfer, req.TargetID, req.TransferID)
		return
	}

	id := req.TransferID
	if id == "" {
		id = uuid.NewString()
	}

	hs, err := h.handshakes.Request(id, c.id, req.TargetID, req.FileName, req.FileSize)
	if err != nil {
		h.sendTransferError(c.id, id, err)
		return
	}

	h.emit(c.id, protocol.EvTransferPending, &protocol.TransferPending{
		TransferID: hs.ID,
		TargetID:   hs.TargetID,
		FileName:   hs.FileName,
		FileSize:   hs.FileSize,
	})
	h.emit(hs.TargetID, protocol.EvTransferRequested, &protocol.TransferRequested{
		TransferID: hs.ID,
		SenderID:   hs.SenderID,
		FileName:   hs.FileName,
		FileSize:   hs.FileSize,
	})
	h.logger.Info("Transfer requested", "transfer", hs.ID, "conn", c.id, "target", hs.TargetID, "file", hs.FileName)

	h.journal.record(func(ctx context.Context, l Ledger) error {
		return l.TransferRequested(ctx, hs.ID, hs.SenderID, hs.TargetID, hs.FileName, hs.FileSize)
	})
}

func (h *Hub) onRespondTransfer(c *Conn, req protocol.RespondTransfer) {
	senderID := req.SenderID
	if senderID == "" {
		senderID = req.TargetID
	}
	hs, err := h.handshakes.Respond(c.id, req.TransferID, senderID, req.Accept)
	if err != nil {
		h.sendTransferError(c.id, req.TransferID, err)
		return
	}

	h.emit(hs.SenderID, protocol.EvTransferResponse, &protocol.TransferResponse{
		TransferID:  hs.ID,
		ResponderID: c.id,
		Accept:      req.Accept,
	})

	status, detail := store.StatusDeclined, protocol.ReasonDeclined
	if req.Accept {
		status, detail = store.StatusAccepted, ""
	}
	h.logger.Info("Transfer answered", "transfer", hs.ID, "status", status)
	h.journal.record(func(ctx context.Context, l Ledger) error {
		return l.TransferUpdated(ctx, hs.ID, status, detail)
	})
}

func (h *Hub) handleBinary(c *Conn, data []byte) {
	kind, err := h.codec.FrameKind(data)
	if err != nil || kind != protocol.FrameChunk {
		h.sendError(c.id, protocol.ErrInvalidMsg, "expected a chunk frame")
		return
	}

	ch, err := h.codec.DecodeChunk(data)
	if err != nil {
		h.sendError(c.id, protocol.ErrInvalidMsg, err.Error())
		return
	}
	h.onChunk(c, ch)
}

func (h *Hub) onChunk(c *Conn, ch *protocol.Chunk) {
	hs, err := h.handshakes.Authorize(ch.TransferID, c.id, ch.TargetID)
	if err != nil {
		h.sendTransferError(c.id, ch.TransferID, err)
		return
	}

	file, err := h.assembler.Submit(hs.Key(), transfer.Chunk{
		Index:    ch.ChunkIndex,
		Total:    ch.TotalChunks,
		FileName: ch.FileName,
		FileType: ch.FileType,
		Data:     ch.Payload,
	})
	if err != nil {
		h.sendTransferError(c.id, hs.ID, err)
		var terr *transfer.Error
		if errors.As(err, &terr) && terr.Aborted {
			h.handshakes.Complete(hs.ID)
			h.emit(hs.TargetID, protocol.EvTransferAborted, &protocol.TransferAborted{
				TransferID: hs.ID,
				PeerID:     hs.SenderID,
				Reason:     terr.Code().String(),
			})
			h.journal.record(func(ctx context.Context, l Ledger) error {
				return l.TransferUpdated(ctx, hs.ID, store.StatusFailed, terr.Error())
			})
		}
		return
	}
	if file == nil {
		return
	}

	h.handshakes.Complete(hs.ID)
	frame := h.codec.EncodeFile(&protocol.FileReceived{
		TransferID: hs.ID,
		SenderID:   hs.SenderID,
		FileName:   file.FileName,
		FileType:   file.FileType,
		Payload:    file.Payload,
	})
	if !h.emitBinary(hs.TargetID, frame) {
		h.routingMiss(c, protocol.EvFileReceived, hs.TargetID, hs.ID)
		return
	}
	h.logger.Info("File relayed", "transfer", hs.ID, "target", hs.TargetID, "bytes", len(file.Payload))

	detail := fmt.Sprintf("%d bytes in %d chunks", len(file.Payload), ch.TotalChunks)
	h.journal.record(func(ctx context.Context, l Ledger) error {
		return l.TransferUpdated(ctx, hs.ID, store.StatusCompleted, detail)
	})
}

func (h *Hub) onProgress(c *Conn, req protocol.Progress) {
	if req.TransferID != "" {
		if _, err := h.handshakes.Authorize(req.TransferID, c.id, req.TargetID); err != nil {
			h.sendTransferError(c.id, req.TransferID, err)
			return
		}
	}

	ok := h.emit(req.TargetID, protocol.EvProgressUpdate, &protocol.ProgressUpdate{
		TransferID:      req.TransferID,
		SenderID:        c.id,
		PercentComplete: req.PercentComplete,
	})
	if !ok {
		h.routingMiss(c, protocol.EvProgress, req.TargetID, req.TransferID)
	}
}

func (h *Hub) onSendMessage(c *Conn, req protocol.SendMessage) {
	ok := h.emit(req.TargetID, protocol.EvMessageReceived, &protocol.MessageReceived{
		SenderID: c.id,
		Text:     req.Text,
	})
	if !ok {
		h.routingMiss(c, protocol.EvSendMessage, req.TargetID, "")
	}
}

func (h *Hub) onCancelTransfer(c *Conn, req protocol.CancelTransfer) {
	hs, err := h.handshakes.Cancel(req.TransferID, c.id)
	if err != nil {
		h.sendTransferError(c.id, req.TransferID, err)
		return
	}
	h.assembler.Release(hs.ID)

	reason := req.Reason
	if reason == "" {
		reason = protocol.ReasonCancelled
	}
	h.abort(hs, c.id, reason)
}

func (h *Hub) routingMiss(c *Conn, ev protocol.Event, targetID, transferID string) {
	h.logger.Debug("Routing miss", "conn", c.id, "event", ev.String(), "target", targetID)
	h.emit(c.id, protocol.EvDeliveryFailed, &protocol.DeliveryFailed{
		Event:      ev,
		TargetID:   targetID,
		TransferID: transferID,
		Code:       protocol.ErrPeerNotFound,
	})
}

func (h *Hub) broadcastRoster() {
	data, err := h.codec.EncodeEvent(protocol.EvRoster, h.registry.Roster())
	if err != nil {
		h.logger.Error("Failed to encode roster", "error", err)
		return
	}
	for id := range h.conns {
		h.enqueue(id, websocket.TextMessage, data)
	}
}

func (h *Hub) sendError(connID string, code protocol.ErrorCode, message string) {
	h.emit(connID, protocol.EvError, &protocol.Error{Code: code, Message: message})
}

func (h *Hub) sendTransferError(connID, transferID string, err error) {
	h.logger.Debug("Transfer error", "conn", connID, "transfer", transferID, "error", err)
	h.emit(connID, protocol.EvTransferError, &protocol.TransferError{
		TransferID: transferID,
		Code:       transfer.CodeOf(err),
		Message:    err.Error(),
	})
}

// emit encodes a JSON event for connID. It reports false when connID is
// not connected.
func (h *Hub) emit(connID string, ev protocol.Event, data any) bool {
	if _, ok := h.conns[connID]; !ok {
		return false
	}
	frame, err := h.codec.EncodeEvent(ev, data)
	if err != nil {
		h.logger.Error("Failed to encode event", "event", ev.String(), "error", err)
		return false
	}
	return h.enqueue(connID, websocket.TextMessage, frame)
}

func (h *Hub) emitBinary(connID string, frame []byte) bool {
	if _, ok := h.conns[connID]; !ok {
		return false
	}
	return h.enqueue(connID, websocket.BinaryMessage, frame)
}

// enqueue drops connections whose send queue is full; a stalled reader
// must not hold up the hub.
func (h *Hub) enqueue(connID string, messageType int, data []byte) bool {
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	if c.enqueue(messageType, data) {
		return true
	}
	h.logger.Warn("Send queue full, dropping peer", "conn", connID)
	h.drop(c, "send queue full")
	return false
}
