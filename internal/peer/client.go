// Package peer is a Go client for the relay: it announces itself, answers
// and initiates transfers, streams files in chunks and surfaces everything
// the relay pushes as Events.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/sharedrop/internal/protocol"
)

var (
	ErrNotConnected = errors.New("not connected to relay")
	ErrClosed       = errors.New("client closed")
)

// Event is one frame pushed by the relay. File is set for fileReceived;
// every other event carries its JSON envelope.
type Event struct {
	Name     protocol.Event
	Envelope protocol.Envelope
	File     *protocol.FileReceived
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return protocol.NewCodec().DecodeData(e.Envelope, v)
}

type Client struct {
	config Config
	logger *logrus.Entry
	codec  *protocol.Codec
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu     sync.Mutex
	ws     *websocket.Conn
	id     string
	roster []protocol.Peer

	events    chan Event
	closeOnce sync.Once
	closed    chan struct{}
	loopDone  chan struct{}
}

func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		config: cfg,
		logger: cfg.Logger.WithField("relay", cfg.RelayURL),
		codec:  protocol.NewCodec(),
		dialer: websocket.DefaultDialer,
		events: make(chan Event, cfg.EventBuffer),
		closed: make(chan struct{}),
	}
}

// Connect dials the relay, retrying up to MaxAttempts times, and starts the
// read loop. A dropped connection is redialled the same way.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.loopDone = make(chan struct{})
	go c.readLoop()
	return nil
}

func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Roster is the most recent roster pushed by the relay.
func (c *Client) Roster() []protocol.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Peer(nil), c.roster...)
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) Announce(ctx context.Context, descriptor, displayName string) error {
	return c.send(ctx, protocol.EvAnnounce, &protocol.Announce{
		PlatformDescriptor: descriptor,
		DisplayName:        displayName,
	})
}

// RequestTransfer asks targetID to accept a file and returns the transfer id
// the client picked for it.
func (c *Client) RequestTransfer(ctx context.Context, targetID, fileName string, fileSize int64) (string, error) {
	id := uuid.NewString()
	err := c.send(ctx, protocol.EvRequestTransfer, &protocol.RequestTransfer{
		TransferID: id,
		TargetID:   targetID,
		FileName:   fileName,
		FileSize:   fileSize,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) Respond(ctx context.Context, transferID string, accept bool) error {
	return c.send(ctx, protocol.EvRespondTransfer, &protocol.RespondTransfer{
		TransferID: transferID,
		Accept:     accept,
	})
}

func (c *Client) SendMessage(ctx context.Context, targetID, text string) error {
	return c.send(ctx, protocol.EvSendMessage, &protocol.SendMessage{TargetID: targetID, Text: text})
}

func (c *Client) Cancel(ctx context.Context, transferID, reason string) error {
	return c.send(ctx, protocol.EvCancelTransfer, &protocol.CancelTransfer{TransferID: transferID, Reason: reason})
}

// FileInfo describes a file handed to SendFile.
type FileInfo struct {
	TransferID string
	TargetID   string
	Name       string
	Type       string
	Size       int64
}

// SendFile streams size bytes from r as chunks of ChunkSize. After each
// chunk the target receives a progress event (chunks sent over total) and
// onProgress, if set, is called with the same percentage.
func (c *Client) SendFile(ctx context.Context, info FileInfo, r io.Reader, onProgress func(percent float64)) error {
	chunkSize := int64(c.config.ChunkSize)
	total := uint32((info.Size + chunkSize - 1) / chunkSize)
	if total == 0 {
		total = 1
	}

	buf := make([]byte, chunkSize)
	var sent int64
	for i := uint32(0); i < total; i++ {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading chunk %d: %w", i, err)
		}

		frame := c.codec.EncodeChunk(&protocol.Chunk{
			TransferID:  info.TransferID,
			TargetID:    info.TargetID,
			ChunkIndex:  i,
			TotalChunks: total,
			FileName:    info.Name,
			FileType:    info.Type,
			Payload:     buf[:n],
		})
		if err := c.write(ctx, websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("sending chunk %d: %w", i, err)
		}

		sent += int64(n)
		percent := float64(i+1) * protocol.MaxPercent / float64(total)
		if err := c.send(ctx, protocol.EvProgress, &protocol.Progress{
			TransferID:      info.TransferID,
			TargetID:        info.TargetID,
			PercentComplete: percent,
		}); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(percent)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"transfer": info.TransferID,
		"target":   info.TargetID,
		"bytes":    sent,
		"chunks":   total,
	}).Info("File sent")
	return nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info("Shutting down peer client")
		close(c.closed)

		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws == nil {
			return
		}

		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = ws.Close()

		if c.loopDone != nil {
			<-c.loopDone
		}
	})
	return err
}

func (c *Client) dial(ctx context.Context) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.RetryDelay), uint64(c.config.MaxAttempts-1)),
		ctx,
	)

	attempt := 0
	op := func() error {
		attempt++
		c.logger.WithField("attempt", attempt).Debug("Connecting to relay")

		ws, _, err := c.dialer.DialContext(ctx, c.config.RelayURL, nil)
		if err != nil {
			return err
		}
		id, err := c.awaitWelcome(ws)
		if err != nil {
			_ = ws.Close()
			return err
		}

		c.mu.Lock()
		c.ws = ws
		c.id = id
		c.mu.Unlock()
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.WithError(err).WithField("retry_in", wait).Warn("Failed to connect to relay")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("connecting to %s: %w", c.config.RelayURL, err)
	}
	c.logger.WithField("id", c.ID()).Info("Connected to relay")

	if c.config.Descriptor != "" {
		return c.Announce(ctx, c.config.Descriptor, c.config.DisplayName)
	}
	return nil
}

func (c *Client) awaitWelcome(ws *websocket.Conn) (string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(c.config.WriteTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	mt, data, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	if mt != websocket.TextMessage {
		return "", errors.New("expected welcome")
	}
	env, err := c.codec.DecodeEnvelope(data)
	if err != nil {
		return "", err
	}
	if env.Event != protocol.EvWelcome {
		return "", fmt.Errorf("expected welcome, got %s", env.Event)
	}
	var w protocol.Welcome
	if err := c.codec.DecodeData(env, &w); err != nil {
		return "", err
	}
	return w.ConnectionID, nil
}

func (c *Client) readLoop() {
	defer close(c.loopDone)
	defer close(c.events)

	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()

		err := c.readFrom(ws)
		select {
		case <-c.closed:
			return
		default:
		}

		c.logger.WithError(err).Warn("Lost relay connection, reconnecting")
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.closed:
				cancel()
			case <-ctx.Done():
			}
		}()
		err = c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.WithError(err).Error("Giving up on relay")
			return
		}
		select {
		case <-c.closed:
			c.mu.Lock()
			_ = c.ws.Close()
			c.mu.Unlock()
			return
		default:
		}

		c.publish(Event{Name: protocol.EvWelcome, Envelope: c.welcomeEnvelope()})
	}
}

func (c *Client) readFrom(ws *websocket.Conn) error {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		switch mt {
		case websocket.BinaryMessage:
			f, err := c.codec.DecodeFile(data)
			if err != nil {
				c.logger.WithError(err).Warn("Dropping malformed binary frame")
				continue
			}
			c.publish(Event{Name: protocol.EvFileReceived, File: f})
		case websocket.TextMessage:
			env, err := c.codec.DecodeEnvelope(data)
			if err != nil {
				c.logger.WithError(err).Warn("Dropping malformed event")
				continue
			}
			if env.Event == protocol.EvRoster {
				var roster protocol.Roster
				if err := c.codec.DecodeData(env, &roster); err == nil {
					c.mu.Lock()
					c.roster = roster.Peers
					c.mu.Unlock()
				}
			}
			c.publish(Event{Name: env.Event, Envelope: env})
		}
	}
}

func (c *Client) publish(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *Client) welcomeEnvelope() protocol.Envelope {
	data, _ := c.codec.EncodeEvent(protocol.EvWelcome, &protocol.Welcome{ConnectionID: c.ID()})
	env, _ := c.codec.DecodeEnvelope(data)
	return env
}

func (c *Client) send(ctx context.Context, ev protocol.Event, data any) error {
	frame, err := c.codec.EncodeEvent(ev, data)
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.TextMessage, frame)
}

func (c *Client) write(ctx context.Context, messageType int, frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(deadline)
	return ws.WriteMessage(messageType, frame)
}
