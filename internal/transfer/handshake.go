package transfer

import (
	"sync"
	"time"
)

type State int

const (
	StateRequested State = iota + 1
	StateAccepted
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "REQUESTED"
	case StateAccepted:
		return "ACCEPTED"
	default:
		return "IDLE"
	}
}

type Handshake struct {
	ID       string
	SenderID string
	TargetID string
	FileName string
	FileSize int64
	State    State
	Deadline time.Time
}

func (h Handshake) Involves(connID string) bool {
	return h.SenderID == connID || h.TargetID == connID
}

// Peer returns the other participant.
func (h Handshake) Peer(connID string) string {
	if h.SenderID == connID {
		return h.TargetID
	}
	return h.SenderID
}

func (h Handshake) Key() Key {
	return Key{TransferID: h.ID, SenderID: h.SenderID, TargetID: h.TargetID}
}

type HandshakeConfig struct {
	// MaxPendingPerTarget bounds unanswered requests addressed to one peer.
	MaxPendingPerTarget int
	// RequestTimeout bounds the time a request waits for an answer.
	RequestTimeout time.Duration
	// IdleTimeout bounds the gap between chunks of an accepted transfer.
	IdleTimeout time.Duration
	Now         func() time.Time
}

// Handshakes tracks every transfer from request until it completes, is
// declined, cancelled or expires. Entries are keyed by transfer id so
// concurrent requests to the same target stay distinct.
type Handshakes struct {
	mu   sync.Mutex
	cfg  HandshakeConfig
	byID map[string]*Handshake
}

func NewHandshakes(cfg HandshakeConfig) *Handshakes {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handshakes{
		cfg:  cfg,
		byID: make(map[string]*Handshake),
	}
}

func (h *Handshakes) Request(id, senderID, targetID, fileName string, fileSize int64) (Handshake, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.byID[id]; exists {
		return Handshake{}, newError(id, ErrTransferExists, "")
	}

	if h.cfg.MaxPendingPerTarget > 0 {
		pending := 0
		for _, hs := range h.byID {
			if hs.TargetID == targetID && hs.State == StateRequested {
				pending++
			}
		}
		if pending >= h.cfg.MaxPendingPerTarget {
			return Handshake{}, newError(id, ErrTargetBusy, "%d pending", pending)
		}
	}

	hs := &Handshake{
		ID:       id,
		SenderID: senderID,
		TargetID: targetID,
		FileName: fileName,
		FileSize: fileSize,
		State:    StateRequested,
		Deadline: h.deadline(h.cfg.RequestTimeout),
	}
	h.byID[id] = hs
	return *hs, nil
}

// Respond records the target's answer. When id is empty the request is
// resolved from senderID, which must identify exactly one pending request
// addressed to the responder. A declined handshake is forgotten.
func (h *Handshakes) Respond(responderID, id, senderID string, accept bool) (Handshake, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var hs *Handshake
	if id == "" {
		var matches []*Handshake
		for _, candidate := range h.byID {
			if candidate.TargetID == responderID && candidate.SenderID == senderID && candidate.State == StateRequested {
				matches = append(matches, candidate)
			}
		}
		switch len(matches) {
		case 0:
			return Handshake{}, newError("", ErrUnknownTransfer, "no pending request from %s", senderID)
		case 1:
			hs = matches[0]
		default:
			return Handshake{}, newError("", ErrAmbiguous, "%d pending requests from %s", len(matches), senderID)
		}
	} else {
		var ok bool
		if hs, ok = h.byID[id]; !ok {
			return Handshake{}, newError(id, ErrUnknownTransfer, "")
		}
	}

	if hs.TargetID != responderID {
		return Handshake{}, newError(hs.ID, ErrNotParticipant, "only the target may respond")
	}
	if hs.State != StateRequested {
		return Handshake{}, newError(hs.ID, ErrUnknownTransfer, "already answered")
	}

	if !accept {
		delete(h.byID, hs.ID)
		return *hs, nil
	}

	hs.State = StateAccepted
	hs.Deadline = h.deadline(h.cfg.IdleTimeout)
	return *hs, nil
}

// Authorize checks that senderID may stream id to targetID and extends the
// idle deadline.
func (h *Handshakes) Authorize(id, senderID, targetID string) (Handshake, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs, ok := h.byID[id]
	if !ok || hs.State != StateAccepted {
		return Handshake{}, newError(id, ErrUnknownTransfer, "no accepted handshake")
	}
	if hs.SenderID != senderID || hs.TargetID != targetID {
		return Handshake{}, newError(id, ErrNotParticipant, "")
	}
	hs.Deadline = h.deadline(h.cfg.IdleTimeout)
	return *hs, nil
}

// Complete forgets a finished transfer.
func (h *Handshakes) Complete(id string) (Handshake, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs, ok := h.byID[id]
	if !ok {
		return Handshake{}, false
	}
	delete(h.byID, id)
	return *hs, true
}

// Cancel removes id on behalf of one of its participants.
func (h *Handshakes) Cancel(id, byID string) (Handshake, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs, ok := h.byID[id]
	if !ok {
		return Handshake{}, newError(id, ErrUnknownTransfer, "")
	}
	if !hs.Involves(byID) {
		return Handshake{}, newError(id, ErrNotParticipant, "")
	}
	delete(h.byID, id)
	return *hs, nil
}

// DropPeer removes every handshake involving connID.
func (h *Handshakes) DropPeer(connID string) []Handshake {
	h.mu.Lock()
	defer h.mu.Unlock()

	var dropped []Handshake
	for id, hs := range h.byID {
		if hs.Involves(connID) {
			dropped = append(dropped, *hs)
			delete(h.byID, id)
		}
	}
	return dropped
}

// Expire removes handshakes whose deadline has passed.
func (h *Handshakes) Expire() []Handshake {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.cfg.Now()
	var expired []Handshake
	for id, hs := range h.byID {
		if !hs.Deadline.IsZero() && now.After(hs.Deadline) {
			expired = append(expired, *hs)
			delete(h.byID, id)
		}
	}
	return expired
}

func (h *Handshakes) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.byID)
}

func (h *Handshakes) deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return h.cfg.Now().Add(d)
}
