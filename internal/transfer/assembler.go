// Package transfer implements the accept/decline handshake and the
// reassembly of chunked payloads relayed between two peers.
package transfer

import (
	"sync"
	"time"
)

// Key identifies one in-flight transfer. Sender and target are part of the
// key so two senders streaming to the same target never share a buffer.
type Key struct {
	TransferID string
	SenderID   string
	TargetID   string
}

type Chunk struct {
	Index    uint32
	Total    uint32
	FileName string
	FileType string
	Data     []byte
}

// File is a fully reassembled payload ready to be forwarded.
type File struct {
	Key
	FileName string
	FileType string
	Payload  []byte
}

type session struct {
	fileName     string
	fileType     string
	total        uint32
	chunks       map[uint32][]byte
	size         int64
	lastActivity time.Time
}

type AssemblerConfig struct {
	// MaxSessionBytes caps the bytes buffered for one transfer. Zero means
	// unbounded.
	MaxSessionBytes int64
	// MaxSessions caps concurrent sessions. Zero means unbounded.
	MaxSessions int
	Now         func() time.Time
}

type Assembler struct {
	mu       sync.Mutex
	cfg      AssemblerConfig
	sessions map[Key]*session
}

func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Assembler{
		cfg:      cfg,
		sessions: make(map[Key]*session),
	}
}

// Submit buffers one chunk. It returns the reassembled file once the chunk
// with index Total-1 arrives and every index below it is present.
//
// A malformed chunk leaves existing state untouched, except on the final
// index where a gap aborts the session. Exceeding the byte cap aborts the
// session.
func (a *Assembler) Submit(key Key, c Chunk) (*File, error) {
	if c.Total == 0 {
		return nil, newError(key.TransferID, ErrMalformedChunk, "totalChunks must be positive")
	}
	if c.Index >= c.Total {
		return nil, newError(key.TransferID, ErrMalformedChunk, "chunk index %d out of range [0,%d)", c.Index, c.Total)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, exists := a.sessions[key]
	if !exists {
		if a.cfg.MaxSessions > 0 && len(a.sessions) >= a.cfg.MaxSessions {
			return nil, newError(key.TransferID, ErrCapacity, "%d sessions in flight", len(a.sessions))
		}
		s = &session{
			fileName: c.FileName,
			fileType: c.FileType,
			total:    c.Total,
			chunks:   make(map[uint32][]byte),
		}
	}

	if c.Total != s.total {
		return nil, newError(key.TransferID, ErrMalformedChunk, "totalChunks changed from %d to %d", s.total, c.Total)
	}
	if _, dup := s.chunks[c.Index]; dup {
		return nil, newError(key.TransferID, ErrMalformedChunk, "duplicate chunk %d", c.Index)
	}

	size := s.size + int64(len(c.Data))
	if a.cfg.MaxSessionBytes > 0 && size > a.cfg.MaxSessionBytes {
		delete(a.sessions, key)
		err := newError(key.TransferID, ErrOversizedPayload, "%d bytes exceeds cap of %d", size, a.cfg.MaxSessionBytes)
		err.Aborted = true
		return nil, err
	}

	s.chunks[c.Index] = c.Data
	s.size = size
	s.lastActivity = a.cfg.Now()
	a.sessions[key] = s

	if c.Index != c.Total-1 {
		return nil, nil
	}

	delete(a.sessions, key)
	if missing := int(s.total) - len(s.chunks); missing > 0 {
		err := newError(key.TransferID, ErrMalformedChunk, "final chunk arrived with %d chunks missing", missing)
		err.Aborted = true
		return nil, err
	}

	payload := make([]byte, 0, s.size)
	for i := uint32(0); i < s.total; i++ {
		payload = append(payload, s.chunks[i]...)
	}

	return &File{
		Key:      key,
		FileName: s.fileName,
		FileType: s.fileType,
		Payload:  payload,
	}, nil
}

// Release drops the session for transferID, if any.
func (a *Assembler) Release(transferID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key := range a.sessions {
		if key.TransferID == transferID {
			delete(a.sessions, key)
			return true
		}
	}
	return false
}

// ReleasePeer drops every session where connID is the sender or target.
func (a *Assembler) ReleasePeer(connID string) []Key {
	a.mu.Lock()
	defer a.mu.Unlock()

	var released []Key
	for key := range a.sessions {
		if key.SenderID == connID || key.TargetID == connID {
			released = append(released, key)
			delete(a.sessions, key)
		}
	}
	return released
}

// ExpireIdle drops sessions that have not received a chunk within idle.
func (a *Assembler) ExpireIdle(idle time.Duration) []Key {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.cfg.Now()
	var expired []Key
	for key, s := range a.sessions {
		if now.Sub(s.lastActivity) > idle {
			expired = append(expired, key)
			delete(a.sessions, key)
		}
	}
	return expired
}

func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.sessions)
}

// Buffered reports the bytes currently held across all sessions.
func (a *Assembler) Buffered() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total int64
	for _, s := range a.sessions {
		total += s.size
	}
	return total
}
