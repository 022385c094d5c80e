package protocol

import "encoding/json"

// Envelope is the JSON shape of every text frame.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Peer struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	DisplayName string `json:"displayName"`
}

// client -> relay

type Announce struct {
	PlatformDescriptor string `json:"platformDescriptor"`
	DisplayName        string `json:"displayName"`
}

type RequestTransfer struct {
	TransferID string `json:"transferId,omitempty"`
	TargetID   string `json:"targetId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
}

// RespondTransfer answers a request. SenderID alone is accepted when the
// responder has exactly one pending request from that sender.
// RespondTransfer answers a request. Without a TransferID the pending request
// is looked up by its sender, given as SenderID or as TargetID.
type RespondTransfer struct {
	TransferID string `json:"transferId,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	TargetID   string `json:"targetId,omitempty"`
	Accept     bool   `json:"accept"`
}

type Progress struct {
	TransferID      string  `json:"transferId,omitempty"`
	TargetID        string  `json:"targetId"`
	PercentComplete float64 `json:"percentComplete"`
}

type SendMessage struct {
	TargetID string `json:"targetId"`
	Text     string `json:"text"`
}

type CancelTransfer struct {
	TransferID string `json:"transferId"`
	Reason     string `json:"reason,omitempty"`
}

// Chunk travels as a binary frame.
type Chunk struct {
	TransferID  string
	TargetID    string
	ChunkIndex  uint32
	TotalChunks uint32
	FileName    string
	FileType    string
	Payload     []byte
}

// relay -> client

type Welcome struct {
	ConnectionID string `json:"connectionId"`
}

type Roster struct {
	Peers []Peer `json:"peers"`
}

type TransferPending struct {
	TransferID string `json:"transferId"`
	TargetID   string `json:"targetId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
}

type TransferRequested struct {
	TransferID string `json:"transferId"`
	SenderID   string `json:"senderId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
}

type TransferResponse struct {
	TransferID  string `json:"transferId"`
	ResponderID string `json:"responderId"`
	Accept      bool   `json:"accept"`
}

type ProgressUpdate struct {
	TransferID      string  `json:"transferId,omitempty"`
	SenderID        string  `json:"senderId"`
	PercentComplete float64 `json:"percentComplete"`
}

type MessageReceived struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
}

// DeliveryFailed reports a routing miss back to the originator.
type DeliveryFailed struct {
	Event      Event     `json:"event"`
	TargetID   string    `json:"targetId"`
	TransferID string    `json:"transferId,omitempty"`
	Code       ErrorCode `json:"code"`
}

type TransferError struct {
	TransferID string    `json:"transferId"`
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
}

type TransferAborted struct {
	TransferID string `json:"transferId"`
	PeerID     string `json:"peerId,omitempty"`
	Reason     string `json:"reason"`
}

type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// FileReceived travels as a binary frame.
type FileReceived struct {
	TransferID string
	SenderID   string
	FileName   string
	FileType   string
	Payload    []byte
}
